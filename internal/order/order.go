// Package order owns order records and drives each one through its
// lifecycle against the broker.
package order

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
)

type State string

const (
	Pending         State = "pending"
	Submitted       State = "submitted"
	Acked           State = "acked"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Rejected        State = "rejected"
	Cancelled       State = "cancelled"
)

// Terminal states never change again
func (s State) Terminal() bool {
	return s == Filled || s == Rejected || s == Cancelled
}

// Fills may beat the submit acknowledgement, so submitted can move straight
// to a fill state.
var transitions = map[State][]State{
	Pending:         {Submitted, Rejected, Cancelled},
	Submitted:       {Acked, PartiallyFilled, Filled, Rejected, Cancelled},
	Acked:           {PartiallyFilled, Filled, Rejected, Cancelled},
	PartiallyFilled: {PartiallyFilled, Filled, Cancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Purpose string

const (
	PurposeEntry       Purpose = "entry"
	PurposeExit        Purpose = "exit"
	PurposeLiquidation Purpose = "liquidation"
)

// Order is the controller's record of one idempotent order
type Order struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Symbol         string         `json:"symbol"`
	Side           portfolio.Side `json:"side"`
	RequestedSize  float64        `json:"requested_size"`
	Price          float64        `json:"price"` // reference price at authorization
	Confidence     float64        `json:"confidence"`
	State          State          `json:"state"`
	Purpose        Purpose        `json:"purpose"`
	Mode           mode.Mode      `json:"mode"`
	BrokerOrderID  string         `json:"broker_order_id,omitempty"`
	FilledSize     float64        `json:"filled_size"`
	AvgFillPrice   float64        `json:"avg_fill_price"`
	Attempts       int            `json:"attempts"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Remaining is the size still expected to fill
func (o Order) Remaining() float64 {
	r := o.RequestedSize - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

var (
	ErrDuplicate         = errors.New("order already exists for idempotency key")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrTerminal          = errors.New("order is in a terminal state")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrExecutionFailed   = errors.New("order execution failed")
	ErrNotAuthorized     = errors.New("order no longer authorized")
)

// Key derives the idempotency key of an order from its symbol, side and the
// timestamp of the signal that produced it. Re-evaluating the same signal
// always yields the same key.
func Key(symbol string, side portfolio.Side, ts time.Time) string {
	data := fmt.Sprintf("%s|%s|%s", symbol, side, ts.UTC().Format(time.RFC3339Nano))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

func liquidationKey(symbol string, side portfolio.Side, reason string, ts time.Time) string {
	return Key("liquidation:"+reason+":"+symbol, side, ts)
}
