package call

import (
	"errors"
	"fmt"
)

// ErrDuplicateCall is returned by [Registry.Register] for a call id that is
// already live.
var ErrDuplicateCall = errors.New("call: duplicate call id")

// FatalCallError aborts one call. Other calls are unaffected.
type FatalCallError struct {
	CallID string
	Reason string
	Err    error
}

func (e *FatalCallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call %q: fatal: %s: %v", e.CallID, e.Reason, e.Err)
	}
	return fmt.Sprintf("call %q: fatal: %s", e.CallID, e.Reason)
}

func (e *FatalCallError) Unwrap() error { return e.Err }

// BackendConnectionError reports that the speech backend could not be
// reached after all connect attempts.
type BackendConnectionError struct {
	Attempts int
	Err      error
}

func (e *BackendConnectionError) Error() string {
	return fmt.Sprintf("backend connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BackendConnectionError) Unwrap() error { return e.Err }

// MalformedMessageError marks one media-stream message that was skipped.
type MalformedMessageError struct {
	Event string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed %s message: %v", e.Event, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failed function call from the agent.
type ToolExecutionError struct {
	Name string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Name, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// NotificationError reports an SMS that could not be sent. It is logged and
// never ends the call.
type NotificationError struct {
	To  string
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.To, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
