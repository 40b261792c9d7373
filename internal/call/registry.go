package call

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/backend"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusAwaitingStart Status = "awaiting_start"
	StatusActive        Status = "active"
	StatusEnding        Status = "ending"
	StatusEnded         Status = "ended"
)

// Info is a snapshot of a live call.
type Info struct {
	// CallID is the telephony call id. It never changes during a call.
	CallID string `json:"call_id"`

	// StreamID is the current media-stream id. It may rotate.
	StreamID string `json:"stream_id"`

	// Caller is the caller's number or the configured fallback.
	Caller string `json:"caller"`

	// Language was fixed when the call started.
	Language string `json:"language"`

	Mode   backend.Mode `json:"mode"`
	Status Status       `json:"status"`

	StartedAt time.Time `json:"started_at"`

	// OrderID is the last order placed during the call, if any.
	OrderID string `json:"order_id,omitempty"`

	BytesForwarded int64 `json:"bytes_forwarded"`
	BytesDropped   int64 `json:"bytes_dropped"`
}

// Registry maps call ids to their live sessions. It is the only state shared
// between calls. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Session)}
}

// Register adds s under its call id. It fails with [ErrDuplicateCall] if
// another session already owns the id.
func (r *Registry) Register(s *Session) error {
	id := s.CallID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.calls[id]; ok && other != s {
		return ErrDuplicateCall
	}
	r.calls[id] = s
	return nil
}

// Remove drops the entry for callID if it still belongs to s.
func (r *Registry) Remove(callID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[callID]; ok && cur == s {
		delete(r.calls, callID)
	}
}

// Get returns the info of a live call.
func (r *Registry) Get(callID string) (Info, bool) {
	r.mu.RLock()
	s, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns all live calls, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.calls))
	for _, s := range r.calls {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
