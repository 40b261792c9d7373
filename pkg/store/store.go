// Package store defines the persistence layer for relayed calls: the call
// record, the conversation utterances and the orders taken.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested call does not exist.
var ErrNotFound = errors.New("store: not found")

// Role tags who produced an utterance.
type Role string

const (
	RoleUser           Role = "user"
	RoleAssistant      Role = "assistant"
	RoleSystem         Role = "system"
	RoleSystemFunction Role = "system_function"
)

// Call is one telephone call.
type Call struct {
	CallID    string     `json:"call_id"`
	StreamID  string     `json:"stream_id"`
	Caller    string     `json:"caller"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// AudioURL locates the archived recording. Empty until the call ends.
	AudioURL string `json:"audio_url,omitempty"`
}

// Utterance is one line of the conversation.
type Utterance struct {
	CallID string    `json:"call_id"`
	Role   Role      `json:"role"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// OrderItem is one ordered line.
type OrderItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Variation string `json:"variation,omitempty"`
}

// Order is a settled order_summary call.
type Order struct {
	CallID        string      `json:"call_id"`
	OrderID       string      `json:"order_id"`
	Items         []OrderItem `json:"items"`
	Total         float64     `json:"total"`
	Tax           float64     `json:"tax"`
	TotalWithTax  float64     `json:"total_with_tax"`
	PaymentStatus string      `json:"payment_status"`
	PaymentID     string      `json:"payment_id,omitempty"`
	Done          bool        `json:"done"`
	Digest        string      `json:"digest"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Store persists calls, utterances and orders.
type Store interface {
	// SaveCallStart records a new call. Saving the same call id again
	// overwrites the start data.
	SaveCallStart(ctx context.Context, c Call) error

	// SaveCallEnd stamps the end time and recording URL of a call.
	SaveCallEnd(ctx context.Context, callID, audioURL string, at time.Time) error

	SaveUtterance(ctx context.Context, u Utterance) error

	SaveOrder(ctx context.Context, o Order) error

	// GetCall returns the call or [ErrNotFound].
	GetCall(ctx context.Context, callID string) (Call, error)

	// ListCalls returns calls newest first.
	ListCalls(ctx context.Context, limit, offset int) ([]Call, error)

	// Utterances returns the conversation of a call in order.
	Utterances(ctx context.Context, callID string) ([]Utterance, error)
}
