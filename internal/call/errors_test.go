package call

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/callrelay/internal/mediastream"
	"github.com/MrWong99/callrelay/internal/order"
)

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"fatal", &FatalCallError{CallID: "C1", Reason: "x", Err: cause}, cause},
		{"backend", &BackendConnectionError{Attempts: 3, Err: cause}, cause},
		{"malformed", &MalformedMessageError{Event: "media", Err: mediastream.ErrMalformedMessage}, mediastream.ErrMalformedMessage},
		{"tool", &ToolExecutionError{Name: order.ToolName, Err: order.ErrInvalidRequest}, order.ErrInvalidRequest},
		{"notify", &NotificationError{To: "+1", Err: cause}, cause},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.target)
			}
			if tt.err.Error() == "" {
				t.Error("empty message")
			}
		})
	}

	var be *BackendConnectionError
	if !errors.As(fmt.Errorf("x: %w", &BackendConnectionError{Attempts: 3, Err: cause}), &be) || be.Attempts != 3 {
		t.Errorf("errors.As BackendConnectionError failed: %+v", be)
	}
}
