package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bridge failures.
type ErrorKind int

const (
	// InvalidArguments means the caller supplied incomplete input.
	InvalidArguments ErrorKind = iota + 1
	// NotInitialized means no engine exists yet; connect first.
	NotInitialized
	// ConnectionFailure means issuing the activation failed.
	ConnectionFailure
	// DisconnectionFailure means tearing the tunnel down failed.
	DisconnectionFailure
	// StatusFailure means the status query failed.
	StatusFailure
)

// Code returns the machine-checkable wire code.
func (k ErrorKind) Code() string {
	switch k {
	case InvalidArguments:
		return "INVALID_ARGS"
	case NotInitialized:
		return "NOT_INITIALIZED"
	case ConnectionFailure:
		return "CONNECTION_ERROR"
	case DisconnectionFailure:
		return "DISCONNECTION_ERROR"
	case StatusFailure:
		return "STATUS_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

func (k ErrorKind) String() string {
	switch k {
	case InvalidArguments:
		return "InvalidArguments"
	case NotInitialized:
		return "NotInitialized"
	case ConnectionFailure:
		return "ConnectionFailure"
	case DisconnectionFailure:
		return "DisconnectionFailure"
	case StatusFailure:
		return "StatusFailure"
	default:
		return "Unknown"
	}
}

// KindFromCode maps a wire code back to its kind.
func KindFromCode(code string) (ErrorKind, bool) {
	for kind := InvalidArguments; kind <= StatusFailure; kind++ {
		if kind.Code() == code {
			return kind, true
		}
	}
	return 0, false
}

// Error is the typed failure of every bridge command.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidArguments     = &Error{Kind: InvalidArguments}
	ErrNotInitialized       = &Error{Kind: NotInitialized}
	ErrConnectionFailure    = &Error{Kind: ConnectionFailure}
	ErrDisconnectionFailure = &Error{Kind: DisconnectionFailure}
	ErrStatusFailure        = &Error{Kind: StatusFailure}
)

// ErrNotImplemented is returned by Dispatch for unknown command names. It is
// deliberately not an *Error.
var ErrNotImplemented = errors.New("not implemented")

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func wrapError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Err: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Code()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels: errors.Is(err, ErrStatusFailure).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of a bridge error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Kind, true
	}
	return 0, false
}

// recoverAs converts a panic in a command handler into a typed error.
func recoverAs(kind ErrorKind, err *error) {
	if r := recover(); r != nil {
		*err = newError(kind, fmt.Sprint(r), fmt.Errorf("panic: %v", r))
	}
}
