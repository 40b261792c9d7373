// Package mock provides a test double for order.Backend.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/internal/order"
)

// PaymentCall records one ProcessPayment invocation.
type PaymentCall struct {
	OrderID string
	Amount  float64
	Method  string
}

// Backend is a mock implementation of order.Backend.
type Backend struct {
	mu sync.Mutex

	// Placed is returned by CreateOrder. OrderID defaults to "SQ-1".
	Placed order.Placed
	// CreateErr, if non-nil, is returned by CreateOrder.
	CreateErr error

	// PaymentStatus is returned in the Payment. Default "COMPLETED".
	PaymentStatus string
	// PaymentErr, if non-nil, is returned by ProcessPayment.
	PaymentErr error

	// CreateCalls records the items of each CreateOrder call.
	CreateCalls [][]order.Item
	// PaymentCalls records each ProcessPayment call.
	PaymentCalls []PaymentCall
}

var _ order.Backend = (*Backend)(nil)

// CreateOrder implements order.Backend.
func (b *Backend) CreateOrder(_ context.Context, items []order.Item) (order.Placed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CreateCalls = append(b.CreateCalls, append([]order.Item(nil), items...))
	if b.CreateErr != nil {
		return order.Placed{}, b.CreateErr
	}
	p := b.Placed
	if p.OrderID == "" {
		p.OrderID = "SQ-1"
	}
	return p, nil
}

// ProcessPayment implements order.Backend.
func (b *Backend) ProcessPayment(_ context.Context, orderID string, amount float64, method string) (order.Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PaymentCalls = append(b.PaymentCalls, PaymentCall{OrderID: orderID, Amount: amount, Method: method})
	if b.PaymentErr != nil {
		return order.Payment{}, b.PaymentErr
	}
	status := b.PaymentStatus
	if status == "" {
		status = "COMPLETED"
	}
	return order.Payment{ID: "PAY-1", Status: status}, nil
}

// Creates returns the number of CreateOrder calls.
func (b *Backend) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.CreateCalls)
}

// Payments returns a copy of the recorded payment calls.
func (b *Backend) Payments() []PaymentCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PaymentCall(nil), b.PaymentCalls...)
}
