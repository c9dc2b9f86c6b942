// Package ipc exposes the bridge to local host applications: a JSON
// protocol over a unix socket and a D-Bus service on the session bus.
package ipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

// Response codes outside the bridge's own error kinds.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeInternal       = "INTERNAL_ERROR"
)

// Dispatcher executes bridge commands. *bridge.Bridge implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd bridge.Command) (map[string]any, error)
}

// Request is sent from a client to the daemon, one per connection.
type Request struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`        // "connect" | "disconnect" | "getStatus"
	Args    map[string]any `json:"args,omitempty"` // loginServer, authKey for connect
	Secret  string         `json:"secret,omitempty"`
}

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is sent from the daemon back to the client.
type Response struct {
	ID             string         `json:"id"`
	OK             bool           `json:"ok"`
	Data           map[string]any `json:"data,omitempty"`
	Error          *ErrorBody     `json:"error,omitempty"`
	NotImplemented bool           `json:"notImplemented,omitempty"`
}

// RemoteError is a daemon failure without a bridge error kind.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorResponse renders err for the wire.
func errorResponse(id string, err error) Response {
	if errors.Is(err, bridge.ErrNotImplemented) {
		return Response{
			ID:             id,
			NotImplemented: true,
			Error:          &ErrorBody{Code: CodeNotImplemented, Message: err.Error()},
		}
	}

	var bridgeErr *bridge.Error
	if errors.As(err, &bridgeErr) {
		return Response{ID: id, Error: &ErrorBody{Code: bridgeErr.Kind.Code(), Message: bridgeErr.Message}}
	}

	return Response{ID: id, Error: &ErrorBody{Code: CodeInternal, Message: err.Error()}}
}

// Err converts a failed response back into a Go error: *bridge.Error for
// bridge failures, bridge.ErrNotImplemented and common.ErrUnauthorized for
// the protocol-level outcomes.
func (r Response) Err() error {
	if r.OK {
		return nil
	}

	message := "request failed"
	code := CodeInternal
	if r.Error != nil {
		message, code = r.Error.Message, r.Error.Code
	}

	if r.NotImplemented {
		return fmt.Errorf("%w: %s", bridge.ErrNotImplemented, message)
	}
	if kind, ok := bridge.KindFromCode(code); ok {
		return &bridge.Error{Kind: kind, Message: message}
	}
	if code == CodeUnauthorized {
		return fmt.Errorf("%w: %s", common.ErrUnauthorized, message)
	}
	return &RemoteError{Code: code, Message: message}
}
