package call

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestSession(callID string, started time.Time) *Session {
	return &Session{info: Info{CallID: callID, StartedAt: started, Status: StatusActive}}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newTestSession("CA1", time.Now())
	if err := r.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(a); err != nil {
		t.Errorf("re-registering the same session: %v", err)
	}
	if err := r.Register(newTestSession("CA1", time.Now())); !errors.Is(err, ErrDuplicateCall) {
		t.Errorf("Register duplicate = %v, want ErrDuplicateCall", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveOnlyOwner(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newTestSession("CA1", time.Now())
	_ = r.Register(a)

	r.Remove("CA1", newTestSession("CA1", time.Now()))
	if _, ok := r.Get("CA1"); !ok {
		t.Fatal("foreign session removed the entry")
	}
	r.Remove("CA1", a)
	if _, ok := r.Get("CA1"); ok {
		t.Error("entry still present after owner removed it")
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, c := range []struct {
		id  string
		min int
	}{{"CA3", 2}, {"CA1", 0}, {"CA2", 1}} {
		if err := r.Register(newTestSession(c.id, base.Add(time.Duration(c.min)*time.Minute))); err != nil {
			t.Fatalf("Register %s: %v", c.id, err)
		}
	}

	got := r.List()
	if len(got) != 3 {
		t.Fatalf("List = %d entries, want 3", len(got))
	}
	for i, want := range []string{"CA1", "CA2", "CA3"} {
		if got[i].CallID != want {
			t.Errorf("List[%d] = %s, want %s", i, got[i].CallID, want)
		}
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newTestSession(fmt.Sprintf("CA%d", i), time.Now())
			_ = r.Register(s)
			_ = r.List()
			r.Remove(s.CallID(), s)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d after all removals, want 0", r.Len())
	}
}
