package bridge

import "time"

// StateKind enumerates the bridge's view of the tunnel.
type StateKind int

const (
	// StateDisconnected indicates no tunnel.
	StateDisconnected StateKind = iota
	// StateConnecting indicates an activation was issued and has not completed.
	StateConnecting
	// StateConnected indicates the engine reported the tunnel up.
	StateConnected
	// StateError indicates the last operation failed; see State.Reason.
	StateError
)

// String returns the wire name of the state.
func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Label returns a human-readable state name.
func (k StateKind) Label() string {
	switch k {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// State is the bridge's best-effort belief about the engine. It is a cache
// of external truth, reconciled by status queries.
type State struct {
	Kind StateKind
	// Reason is set for StateError.
	Reason string
}

func (s State) String() string {
	if s.Kind == StateError && s.Reason != "" {
		return s.Kind.String() + ": " + s.Reason
	}
	return s.Kind.String()
}

// Result is the normalized response of connect and disconnect.
type Result struct {
	State  State
	Detail string
}

// Payload renders the result for the command channel.
func (r Result) Payload() map[string]any {
	payload := map[string]any{"status": r.State.Kind.String()}
	if r.Detail != "" {
		payload["message"] = r.Detail
	}
	return payload
}

// Status is the response of getStatus.
type Status struct {
	Connected bool
	IPAddress string
	State     StateKind
}

// Payload renders the status for the command channel.
func (s Status) Payload() map[string]any {
	return map[string]any{
		"connected": s.Connected,
		"ipAddress": s.IPAddress,
		"state":     s.State.String(),
	}
}

// Transition is published to listeners whenever the state changes.
type Transition struct {
	From        State
	To          State
	OperationID string
	LoginHost   string
	Address     string
	At          time.Time
}

// Listener receives transitions in the order they happened.
type Listener func(Transition)
