// Package broker defines the execution venue boundary: order submission,
// cancellation and the fill stream, for both paper and live routing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
)

// SubmitRequest is one order as sent to a venue. The idempotency key is the
// venue-side dedupe key: resubmitting it never creates a second order.
type SubmitRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Symbol         string         `json:"symbol"`
	Side           portfolio.Side `json:"side"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"` // reference price; market orders fill near it
	Mode           mode.Mode      `json:"mode"`
}

// SubmitResult acknowledges an accepted order
type SubmitResult struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"` // accepted | duplicate
}

// FillNotice is one (possibly partial) execution reported by the venue
type FillNotice struct {
	FillID         string         `json:"fill_id"`
	BrokerOrderID  string         `json:"broker_order_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Symbol         string         `json:"symbol"`
	Side           portfolio.Side `json:"side"`
	FilledSize     float64        `json:"filled_size"`
	Price          float64        `json:"price"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Broker is an execution venue
type Broker interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Fills() <-chan FillNotice
}

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

var (
	ErrUnknownOrder  = errors.New("unknown broker order")
	ErrNotCancelable = errors.New("order not cancelable")
)

// RejectError is a definitive venue rejection. Retrying the same request
// cannot succeed; every other submit error is treated as transient.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected: %s: %s", e.Code, e.Message)
}

// IsReject reports whether err is a definitive rejection
func IsReject(err error) bool {
	var r *RejectError
	return errors.As(err, &r)
}

func validate(req SubmitRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return &RejectError{Code: "invalid_request", Message: "missing idempotency key"}
	case req.Symbol == "":
		return &RejectError{Code: "invalid_request", Message: "missing symbol"}
	case req.Side != portfolio.Buy && req.Side != portfolio.Sell:
		return &RejectError{Code: "invalid_request", Message: fmt.Sprintf("bad side %q", req.Side)}
	case req.Quantity <= 0:
		return &RejectError{Code: "invalid_request", Message: "quantity must be positive"}
	}
	return nil
}
