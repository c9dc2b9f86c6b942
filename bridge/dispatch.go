package bridge

import (
	"context"
	"fmt"
)

// Command names accepted by Dispatch.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandGetStatus  = "getStatus"
)

// Command is one invocation arriving over a command channel.
type Command struct {
	Name string
	Args map[string]any
}

// Dispatch routes cmd to its handler and renders the payload. Unknown
// names yield ErrNotImplemented; every other failure is an *Error.
func (b *Bridge) Dispatch(ctx context.Context, cmd Command) (map[string]any, error) {
	switch cmd.Name {
	case CommandConnect:
		result, err := b.ConnectAs(ctx,
			stringArg(cmd.Args, "loginServer"),
			stringArg(cmd.Args, "authKey"),
			stringArg(cmd.Args, "hostname"),
		)
		if err != nil {
			return nil, err
		}
		return result.Payload(), nil

	case CommandDisconnect:
		result, err := b.Disconnect(ctx)
		if err != nil {
			return nil, err
		}
		return result.Payload(), nil

	case CommandGetStatus:
		status, err := b.GetStatus(ctx)
		if err != nil {
			return nil, err
		}
		return status.Payload(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, cmd.Name)
	}
}

// stringArg returns args[key] when it is a string; anything else counts as
// missing.
func stringArg(args map[string]any, key string) string {
	value, ok := args[key].(string)
	if !ok {
		return ""
	}
	return value
}
