package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Config bounds submission retries
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// RiskHook is the part of the risk manager the controller reports to
type RiskHook interface {
	Claim(key string) error
	OnFill(f risk.Fill) error
	Release(key string)
	ExitAbandoned(symbol string)
}

// ModeSource supplies the trading mode for liquidations of positions whose
// venue is unknown
type ModeSource interface {
	Status() mode.Status
}

type entry struct {
	mu              sync.Mutex
	o               Order
	cancelRequested bool
}

// Controller drives orders through pending -> submitted -> acked -> filled,
// or to rejected / cancelled. State changes of one order are serialized by
// that order's own lock; different orders never block each other.
type Controller struct {
	cfg    Config
	broker broker.Broker
	store  outbox.Store
	risk   RiskHook
	events *risk.EventLog
	modes  ModeSource
	now    func() time.Time

	mu        sync.Mutex
	orders    map[string]*entry
	byBroker  map[string]string              // broker order id -> key
	orphans   map[string][]broker.FillNotice // fills that beat the ack
	seenFills map[string]struct{}
	fillOrder []string
}

const maxSeenFills = 50000

func NewController(cfg Config, b broker.Broker, store outbox.Store, rh RiskHook, events *risk.EventLog, modes ModeSource) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	return &Controller{
		cfg:       cfg,
		broker:    b,
		store:     store,
		risk:      rh,
		events:    events,
		modes:     modes,
		now:       time.Now,
		orders:    make(map[string]*entry),
		byBroker:  make(map[string]string),
		orphans:   make(map[string][]broker.FillNotice),
		seenFills: make(map[string]struct{}),
	}
}

// Submit records a new order and drives it to the broker, returning once it
// is acknowledged or has definitively failed. A key that already exists is
// not resubmitted: the existing order is returned with ErrDuplicate.
// Entries and exits must still hold their risk reservation once the order is
// registered; otherwise the order is rejected with ErrNotAuthorized before
// reaching the broker.
func (c *Controller) Submit(ctx context.Context, o Order) (Order, error) {
	if o.IdempotencyKey == "" || o.Symbol == "" || o.RequestedSize <= 0 || math.IsNaN(o.RequestedSize) {
		return o, fmt.Errorf("%w: key, symbol and positive size required", ErrInvalidOrder)
	}
	if o.Purpose == "" {
		o.Purpose = PurposeEntry
	}
	now := c.now().UTC()
	o.State = Pending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.BrokerOrderID = ""
	o.FilledSize = 0
	o.Attempts = 0

	c.mu.Lock()
	if existing, ok := c.orders[o.IdempotencyKey]; ok {
		c.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		observ.IncCounter("order_duplicate_submits_total", nil)
		return existing.o, ErrDuplicate
	}
	e := &entry{o: o}
	c.orders[o.IdempotencyKey] = e
	c.mu.Unlock()

	// Registered first, so a concurrent CancelAll either sees this order or
	// the claim below fails
	if o.Purpose != PurposeLiquidation {
		if err := c.risk.Claim(o.IdempotencyKey); err != nil {
			return c.refuse(ctx, e, err)
		}
	}

	e.mu.Lock()
	if err := c.persistLocked(ctx, e); err != nil {
		c.failLocked(e, "persist_failed", err)
		out := e.o
		e.mu.Unlock()
		return out, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	e.mu.Unlock()
	observ.IncCounter("orders_created_total", map[string]string{"purpose": string(o.Purpose)})

	return c.drive(ctx, e)
}

// refuse rejects a registered order whose reservation could not be claimed
func (c *Controller) refuse(ctx context.Context, e *entry, cause error) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.transitionLocked(ctx, e, Rejected, "not_authorized"); err != nil {
		log.Error().Err(err).Str("key", e.o.IdempotencyKey).Msg("failed to persist rejection")
	}
	c.risk.Release(e.o.IdempotencyKey)
	observ.IncCounter("orders_refused_total", map[string]string{"purpose": string(e.o.Purpose)})
	log.Warn().Err(cause).Str("key", e.o.IdempotencyKey).Str("symbol", e.o.Symbol).Msg("order refused before submission")
	return e.o, fmt.Errorf("%w: %v", ErrNotAuthorized, cause)
}

// drive moves an order from pending or submitted to acked or rejected
func (c *Controller) drive(ctx context.Context, e *entry) (Order, error) {
	e.mu.Lock()
	if e.o.State == Pending && e.cancelRequested {
		// Cancelled before it was ever sent
		if err := c.transitionLocked(ctx, e, Cancelled, "cancelled"); err != nil {
			log.Error().Err(err).Str("key", e.o.IdempotencyKey).Msg("failed to persist cancel")
		}
		c.risk.Release(e.o.IdempotencyKey)
		if e.o.Purpose == PurposeLiquidation {
			c.risk.ExitAbandoned(e.o.Symbol)
		}
		out := e.o
		e.mu.Unlock()
		observ.IncCounter("orders_cancelled_total", nil)
		return out, nil
	}
	if e.o.State == Pending {
		if err := c.transitionLocked(ctx, e, Submitted, ""); err != nil {
			c.failLocked(e, "persist_failed", err)
			out := e.o
			e.mu.Unlock()
			return out, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
	}
	req := broker.SubmitRequest{
		IdempotencyKey: e.o.IdempotencyKey,
		Symbol:         e.o.Symbol,
		Side:           e.o.Side,
		Quantity:       e.o.RequestedSize,
		Price:          e.o.Price,
		Mode:           e.o.Mode,
	}
	e.mu.Unlock()

	res, attempts, err := c.submitWithRetry(ctx, req)

	e.mu.Lock()
	e.o.Attempts += attempts
	if err != nil {
		if ctx.Err() != nil && !broker.IsReject(err) {
			// Shutdown mid-submission: stay submitted so Recover resubmits
			// under the same key.
			out := e.o
			e.mu.Unlock()
			return out, ctx.Err()
		}
		reason := "retries_exhausted"
		var rej *broker.RejectError
		if errors.As(err, &rej) {
			reason = "broker_rejected:" + rej.Code
		}
		c.failLocked(e, reason, err)
		out := e.o
		e.mu.Unlock()
		return out, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, reason, err)
	}

	e.o.BrokerOrderID = res.BrokerOrderID
	if e.o.State == Submitted {
		if err := c.transitionLocked(ctx, e, Acked, ""); err != nil {
			log.Error().Err(err).Str("key", e.o.IdempotencyKey).Msg("failed to persist ack")
		}
	}
	cancelRequested := e.cancelRequested
	out := e.o
	e.mu.Unlock()

	c.mu.Lock()
	c.byBroker[res.BrokerOrderID] = out.IdempotencyKey
	orphans := c.orphans[res.BrokerOrderID]
	delete(c.orphans, res.BrokerOrderID)
	c.mu.Unlock()

	for _, f := range orphans {
		c.applyFill(e, f)
	}
	if cancelRequested {
		if err := c.Cancel(context.Background(), out.IdempotencyKey); err != nil && !errors.Is(err, ErrTerminal) {
			log.Warn().Err(err).Str("key", out.IdempotencyKey).Msg("deferred cancel failed")
		}
	}

	log.Info().Str("key", out.IdempotencyKey).Str("symbol", out.Symbol).Str("side", string(out.Side)).
		Str("broker_order_id", res.BrokerOrderID).Str("status", res.Status).Int("attempts", out.Attempts).Msg("order acknowledged")
	return c.Get(out.IdempotencyKey)
}

// submitWithRetry retries transient broker failures with exponential
// backoff, always under the same idempotency key.
func (c *Controller) submitWithRetry(ctx context.Context, req broker.SubmitRequest) (broker.SubmitResult, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() (broker.SubmitResult, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		start := time.Now()
		res, err := c.broker.SubmitOrder(actx, req)
		observ.RecordDuration("order_submit_attempt", time.Since(start), map[string]string{"mode": string(req.Mode)})
		if err != nil && broker.IsReject(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, wait time.Duration) {
		observ.IncCounter("order_submit_retries_total", nil)
		log.Warn().Err(err).Str("key", req.IdempotencyKey).Int("attempt", attempts).Dur("retry_in", wait).Msg("order submit failed, retrying")
	}
	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	return res, attempts, err
}

// failLocked rejects the order, releases its risk reservation and records
// an execution_failed event. Trading is not halted.
func (c *Controller) failLocked(e *entry, reason string, cause error) {
	if e.o.State.Terminal() {
		return
	}
	if err := c.transitionLocked(context.Background(), e, Rejected, reason); err != nil {
		log.Error().Err(err).Str("key", e.o.IdempotencyKey).Msg("failed to persist rejection")
	}
	c.risk.Release(e.o.IdempotencyKey)
	sev := risk.SeverityWarning
	if e.o.Purpose == PurposeLiquidation {
		c.risk.ExitAbandoned(e.o.Symbol)
		sev = risk.SeverityCritical
	}
	detail := map[string]any{
		"key":      e.o.IdempotencyKey,
		"attempts": e.o.Attempts,
		"purpose":  string(e.o.Purpose),
		"side":     string(e.o.Side),
		"size":     e.o.RequestedSize,
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	if c.events != nil {
		c.events.Record(risk.RiskEvent{
			Type:     risk.EventExecutionFailed,
			Severity: sev,
			Symbol:   e.o.Symbol,
			Reason:   reason,
			Actor:    "order_controller",
			Detail:   detail,
		})
	}
	observ.IncCounter("orders_failed_total", map[string]string{"reason": reasonLabel(reason), "purpose": string(e.o.Purpose)})
	log.Error().Err(cause).Str("key", e.o.IdempotencyKey).Str("symbol", e.o.Symbol).Str("reason", reason).
		Int("attempts", e.o.Attempts).Msg("order execution failed")
}

func reasonLabel(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}

// transitionLocked applies a legal state change and persists it
func (c *Controller) transitionLocked(ctx context.Context, e *entry, to State, reason string) error {
	from := e.o.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.o.State = to
	if reason != "" {
		e.o.Reason = reason
	}
	e.o.UpdatedAt = c.now().UTC()
	observ.IncCounter("order_transitions_total", map[string]string{"from": string(from), "to": string(to)})
	return c.persistLocked(ctx, e)
}

func (c *Controller) persistLocked(ctx context.Context, e *entry) error {
	if c.store == nil {
		return nil
	}
	payload, err := json.Marshal(e.o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return c.store.SaveOrder(ctx, outbox.OrderRecord{
		Key:       e.o.IdempotencyKey,
		State:     string(e.o.State),
		Terminal:  e.o.State.Terminal(),
		Payload:   payload,
		UpdatedAt: e.o.UpdatedAt,
	})
}

// HandleFill applies one broker fill. Fills are deduplicated by fill id;
// fills for an order whose acknowledgement hasn't been processed yet are
// held until it is.
func (c *Controller) HandleFill(f broker.FillNotice) {
	c.mu.Lock()
	if f.FillID != "" {
		if _, dup := c.seenFills[f.FillID]; dup {
			c.mu.Unlock()
			observ.IncCounter("order_duplicate_fills_total", nil)
			return
		}
		c.seenFills[f.FillID] = struct{}{}
		c.fillOrder = append(c.fillOrder, f.FillID)
		if len(c.fillOrder) > maxSeenFills {
			delete(c.seenFills, c.fillOrder[0])
			c.fillOrder = c.fillOrder[1:]
		}
	}
	key, ok := c.byBroker[f.BrokerOrderID]
	if !ok {
		c.orphans[f.BrokerOrderID] = append(c.orphans[f.BrokerOrderID], f)
		c.mu.Unlock()
		log.Debug().Str("broker_order_id", f.BrokerOrderID).Msg("fill held until order is acknowledged")
		return
	}
	e := c.orders[key]
	c.mu.Unlock()
	c.applyFill(e, f)
}

func (c *Controller) applyFill(e *entry, f broker.FillNotice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := &e.o

	prevFilled := o.FilledSize
	o.FilledSize += f.FilledSize
	if o.FilledSize > 0 {
		o.AvgFillPrice = (o.AvgFillPrice*prevFilled + f.Price*f.FilledSize) / o.FilledSize
	}

	// A fill after cancel still happened at the venue: book it, keep the state
	if !o.State.Terminal() {
		next := PartiallyFilled
		if o.FilledSize >= o.RequestedSize*(1-1e-9) {
			next = Filled
		}
		if err := c.transitionLocked(context.Background(), e, next, ""); err != nil {
			log.Error().Err(err).Str("key", o.IdempotencyKey).Msg("fill transition failed")
		}
	} else {
		o.UpdatedAt = c.now().UTC()
		log.Warn().Str("key", o.IdempotencyKey).Str("state", string(o.State)).Msg("fill for terminal order")
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = c.now().UTC()
	}
	if err := c.risk.OnFill(risk.Fill{
		Key:      o.IdempotencyKey,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: f.FilledSize,
		Price:    f.Price,
		Time:     ts,
		Venue:    o.Mode,
	}); err != nil {
		log.Error().Err(err).Str("key", o.IdempotencyKey).Msg("risk manager rejected fill bookkeeping")
	}
	if o.State.Terminal() {
		c.risk.Release(o.IdempotencyKey)
	}
	observ.IncCounter("order_fills_total", map[string]string{"purpose": string(o.Purpose)})
	log.Info().Str("key", o.IdempotencyKey).Str("symbol", o.Symbol).Float64("filled", o.FilledSize).
		Float64("requested", o.RequestedSize).Float64("price", f.Price).Str("state", string(o.State)).Msg("fill applied")
}

// Run feeds broker fills into the controller until ctx ends
func (c *Controller) Run(ctx context.Context, fills <-chan broker.FillNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-fills:
			c.HandleFill(f)
		}
	}
}

// Cancel cancels a non-terminal order. An order still being submitted is
// cancelled as soon as the broker acknowledges it.
func (c *Controller) Cancel(ctx context.Context, key string) error {
	c.mu.Lock()
	e, ok := c.orders[key]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownOrder
	}

	e.mu.Lock()
	if e.o.State.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	brokerID := e.o.BrokerOrderID
	if brokerID == "" {
		e.cancelRequested = true
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	err := c.broker.CancelOrder(ctx, brokerID)
	if errors.Is(err, broker.ErrNotCancelable) {
		// Fully executed at the venue; the fill is on its way
		return ErrTerminal
	}
	if err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
		return fmt.Errorf("cancel %s: %w", key, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.o.State.Terminal() {
		return nil
	}
	if err := c.transitionLocked(ctx, e, Cancelled, "cancelled"); err != nil {
		return err
	}
	c.risk.Release(key)
	if e.o.Purpose == PurposeLiquidation {
		c.risk.ExitAbandoned(e.o.Symbol)
	}
	observ.IncCounter("orders_cancelled_total", nil)
	log.Info().Str("key", key).Str("symbol", e.o.Symbol).Float64("filled", e.o.FilledSize).Msg("order cancelled")
	return nil
}

// CancelAll cancels every non-terminal order whose purpose is not listed in
// except, and returns how many were cancelled.
func (c *Controller) CancelAll(ctx context.Context, except ...Purpose) (int, error) {
	var errs []error
	n := 0
	for _, o := range c.Orders(true) {
		if slices.Contains(except, o.Purpose) {
			continue
		}
		err := c.Cancel(ctx, o.IdempotencyKey)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrTerminal):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Get returns a copy of one order
func (c *Controller) Get(key string) (Order, error) {
	c.mu.Lock()
	e, ok := c.orders[key]
	c.mu.Unlock()
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.o, nil
}

// Orders returns copies of all orders, oldest first. openOnly limits the
// result to non-terminal orders.
func (c *Controller) Orders(openOnly bool) []Order {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.orders))
	for _, e := range c.orders {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		o := e.o
		e.mu.Unlock()
		if openOnly && o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out
}

// Prune forgets terminal orders last updated before the cutoff
func (c *Controller) Prune(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.orders {
		e.mu.Lock()
		drop := e.o.State.Terminal() && e.o.UpdatedAt.Before(before)
		brokerID := e.o.BrokerOrderID
		e.mu.Unlock()
		if drop {
			delete(c.orders, key)
			delete(c.byBroker, brokerID)
			n++
		}
	}
	return n
}

// Recover reloads non-terminal orders from the store. Orders that never
// reached the broker's acknowledgement are resubmitted under their
// original key; acknowledged ones wait for their fills.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	records, err := c.store.LoadOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open orders: %w", err)
	}

	var resubmit []*entry
	c.mu.Lock()
	for _, rec := range records {
		var o Order
		if err := json.Unmarshal(rec.Payload, &o); err != nil || o.IdempotencyKey == "" {
			log.Error().Err(err).Str("key", rec.Key).Msg("unreadable order record skipped")
			continue
		}
		if _, exists := c.orders[o.IdempotencyKey]; exists {
			continue
		}
		e := &entry{o: o}
		c.orders[o.IdempotencyKey] = e
		if o.BrokerOrderID != "" {
			c.byBroker[o.BrokerOrderID] = o.IdempotencyKey
		}
		if o.State == Pending || o.State == Submitted {
			resubmit = append(resubmit, e)
		}
	}
	c.mu.Unlock()

	observ.SetGauge("orders_recovered", float64(len(records)), nil)
	log.Info().Int("open", len(records)).Int("resubmit", len(resubmit)).Msg("orders recovered")

	var errs []error
	for _, e := range resubmit {
		if _, err := c.drive(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return len(records), errors.Join(errs...)
}
