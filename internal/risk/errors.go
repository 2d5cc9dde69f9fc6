package risk

import (
	"errors"
	"fmt"
)

// DenialReason is a machine-readable authorization denial code
type DenialReason string

const (
	DenyDailyLoss     DenialReason = "daily_loss_exceeded"
	DenyPositionLimit DenialReason = "position_limit_reached"
	DenySymbolCap     DenialReason = "symbol_cap_exceeded"
	DenyHalted        DenialReason = "system_halted"
	DenyExitPending   DenialReason = "exit_pending"
	DenyVenueMismatch DenialReason = "venue_mismatch"
	DenyInvalid       DenialReason = "invalid_request"
)

// Denial is an expected refusal to size a trade. It is not an error
// condition for the process.
type Denial struct {
	Reason DenialReason
	Symbol string
	Detail string
}

func (d *Denial) Error() string {
	if d.Detail == "" {
		return fmt.Sprintf("authorization denied for %s: %s", d.Symbol, d.Reason)
	}
	return fmt.Sprintf("authorization denied for %s: %s (%s)", d.Symbol, d.Reason, d.Detail)
}

// IsDenial reports whether err is a *Denial and returns its reason
func IsDenial(err error) (DenialReason, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

var (
	// ErrInvariantViolation means internal bookkeeping can no longer be
	// trusted. Trading stays halted until an operator forces a resume.
	ErrInvariantViolation = errors.New("risk invariant violation")
	ErrFaulted            = errors.New("risk manager is faulted; forced resume required")
	ErrReservationGone    = errors.New("reservation no longer held")
)
