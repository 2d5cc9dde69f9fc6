// Package mode owns the trading mode: paper, live, or halted.
//
// Halted is sticky. It is entered by a circuit breaker or an operator and is
// only left through Resume. Paper/live toggles never affect a cycle that is
// already running: each cycle captures a Snapshot when it starts and routes
// its order by the captured mode.
package mode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

type Mode string

const (
	Paper  Mode = "paper"
	Live   Mode = "live"
	Halted Mode = "halted"
)

var (
	ErrInvalidMode = errors.New("invalid trading mode")
	ErrHalted      = errors.New("system is halted")
	ErrNotHalted   = errors.New("system is not halted")
)

// Parse converts a string into a tradable mode (paper or live)
func Parse(s string) (Mode, error) {
	switch Mode(s) {
	case Paper, Live:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Snapshot is the mode captured at the start of an evaluation cycle
type Snapshot struct {
	Mode    Mode      `json:"mode"`
	Trading Mode      `json:"trading"` // paper or live, even while halted
	Epoch   uint64    `json:"epoch"`
	TakenAt time.Time `json:"taken_at"`
}

func (s Snapshot) Halted() bool { return s.Mode == Halted }

// Transition describes one mode change
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is the externally visible mode state
type Status struct {
	Mode        Mode      `json:"mode"`
	Trading     Mode      `json:"trading"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	HaltedBy    string    `json:"halted_by,omitempty"`
	HaltedAt    time.Time `json:"halted_at,omitempty"`
	Epoch       uint64    `json:"epoch"`
	Transitions int       `json:"transitions"`
}

// Controller is safe for concurrent use
type Controller struct {
	mu         sync.RWMutex
	trading    Mode
	halted     bool
	haltReason string
	haltedBy   string
	haltedAt   time.Time
	epoch      uint64
	history    []Transition
	listeners  []func(Transition)
	now        func() time.Time
}

func NewController(initial Mode) *Controller {
	if initial != Live {
		initial = Paper
	}
	return &Controller{trading: initial, now: time.Now}
}

// OnTransition registers a listener called after every mode change.
// Listeners run synchronously and must not call back into the controller.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) current() Mode {
	if c.halted {
		return Halted
	}
	return c.trading
}

// Current returns paper, live, or halted
func (c *Controller) Current() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current()
}

func (c *Controller) IsHalted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Snapshot captures the mode for one evaluation cycle
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Mode: c.current(), Trading: c.trading, Epoch: c.epoch, TakenAt: c.now()}
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Mode:        c.current(),
		Trading:     c.trading,
		HaltReason:  c.haltReason,
		HaltedBy:    c.haltedBy,
		HaltedAt:    c.haltedAt,
		Epoch:       c.epoch,
		Transitions: len(c.history),
	}
}

// History returns a copy of all transitions
func (c *Controller) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Transition, len(c.history))
	copy(out, c.history)
	return out
}

// Halt enters halted mode. Halting an already halted controller is a no-op
// and returns false.
func (c *Controller) Halt(actor, reason string) bool {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return false
	}
	from := c.current()
	c.halted = true
	c.haltReason = reason
	c.haltedBy = actor
	c.haltedAt = c.now()
	tr := c.recordLocked(from, Halted, actor, reason)
	listeners := c.listeners
	c.mu.Unlock()

	log.Warn().Str("actor", actor).Str("reason", reason).Str("from", string(from)).Msg("trading halted")
	notify(listeners, tr)
	return true
}

// Resume leaves halted mode. This is the only way out of halted.
func (c *Controller) Resume(actor, reason string) error {
	c.mu.Lock()
	if !c.halted {
		c.mu.Unlock()
		return ErrNotHalted
	}
	c.halted = false
	c.haltReason, c.haltedBy = "", ""
	c.haltedAt = time.Time{}
	tr := c.recordLocked(Halted, c.trading, actor, reason)
	listeners := c.listeners
	c.mu.Unlock()

	log.Info().Str("actor", actor).Str("reason", reason).Str("to", string(tr.To)).Msg("trading resumed")
	notify(listeners, tr)
	return nil
}

// SetTrading switches between paper and live. While halted the choice is
// recorded and takes effect on Resume.
func (c *Controller) SetTrading(m Mode, actor string) error {
	if m != Paper && m != Live {
		return fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	c.mu.Lock()
	if c.trading == m {
		c.mu.Unlock()
		return nil
	}
	from := c.current()
	c.trading = m
	var tr Transition
	notifyListeners := !c.halted
	if notifyListeners {
		tr = c.recordLocked(from, m, actor, "manual mode switch")
	}
	listeners := c.listeners
	c.mu.Unlock()

	log.Info().Str("actor", actor).Str("trading", string(m)).Bool("halted", !notifyListeners).Msg("trading mode set")
	if notifyListeners {
		notify(listeners, tr)
	}
	return nil
}

func (c *Controller) recordLocked(from, to Mode, actor, reason string) Transition {
	c.epoch++
	tr := Transition{From: from, To: to, Actor: actor, Reason: reason, At: c.now()}
	c.history = append(c.history, tr)
	observ.IncCounter("mode_transitions_total", map[string]string{"from": string(from), "to": string(to)})
	return tr
}

func notify(listeners []func(Transition), tr Transition) {
	for _, fn := range listeners {
		fn(tr)
	}
}
