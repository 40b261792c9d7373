package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_Order(t *testing.T) {
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{"primary healthy", nil, "primary", false},
		{"primary down", map[string]bool{"primary": true}, "secondary", false},
		{"all down", map[string]bool{"primary": true, "secondary": true}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
			fg.AddFallback("secondary", "secondary")

			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				if tt.failing[v] {
					return "", errTest
				}
				return v, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("served by %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	calls := map[string]int{}
	fn := func(v string) error {
		calls[v]++
		if v == "primary" {
			return errTest
		}
		return nil
	}
	for range 3 {
		if err := fg.Execute(fn); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls["primary"] != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should open)", calls["primary"])
	}
	if calls["secondary"] != 3 {
		t.Errorf("secondary called %d times, want 3", calls["secondary"])
	}
	if names := fg.Names(); len(names) != 2 || names[0] != "primary" {
		t.Errorf("Names = %v", names)
	}
}
