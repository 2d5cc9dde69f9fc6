// Package engine runs the decision-and-risk loop: one evaluation cycle per
// market snapshot, the operator commands, and periodic housekeeping.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/gate"
	"github.com/Rajchodisetti/ensemble-trader/internal/market"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Config is the part of the configuration applied at cycle boundaries
type Config struct {
	Ensemble     ensemble.Config
	Gate         gate.Config
	Limits       risk.Limits
	ModelTimeout time.Duration
}

// Options are fixed for the engine's lifetime
type Options struct {
	MaxConcurrentCycles  int
	HousekeepingInterval time.Duration
	OrderRetention       time.Duration // terminal orders older than this are pruned
}

// Marker receives reference prices, e.g. the paper broker
type Marker interface {
	Mark(symbol string, price float64)
}

// Compactor rewrites a journal down to its live records
type Compactor interface {
	Compact() error
}

// Deps are the components the engine drives
type Deps struct {
	Modes      *mode.Controller
	Risk       *risk.Manager
	Orders     *order.Controller
	Runners    []prediction.Runner
	Normalizer *prediction.Normalizer
	Marker     Marker    // optional
	Compactor  Compactor // optional
}

// CycleResult is the outcome of one evaluation cycle
type CycleResult struct {
	Symbol    string                   `json:"symbol"`
	Mode      mode.Snapshot            `json:"mode"`
	Signal    ensemble.ConsensusSignal `json:"signal"`
	Excluded  int                      `json:"excluded"`
	Order     *order.Order             `json:"order,omitempty"`
	Rejection gate.Code                `json:"rejection,omitempty"`
	Duration  time.Duration            `json:"duration"`
}

// EmergencyReport summarizes an emergency stop
type EmergencyReport struct {
	Actor           string    `json:"actor"`
	Reason          string    `json:"reason"`
	OrdersCancelled int       `json:"orders_cancelled"`
	PositionsClosed int       `json:"positions_closed"`
	At              time.Time `json:"at"`
}

// Status is the scheduler view exposed to operators
type Status struct {
	Running     bool        `json:"running"`
	Mode        mode.Status `json:"mode"`
	Cycles      uint64      `json:"cycles"`
	InFlight    int64       `json:"in_flight"`
	LastCycleAt time.Time   `json:"last_cycle_at,omitempty"`
	OpenOrders  int         `json:"open_orders"`
}

// Engine owns no trading state of its own; risk state lives in the risk
// manager and orders in the order controller.
type Engine struct {
	modes      *mode.Controller
	risk       *risk.Manager
	orders     *order.Controller
	gate       *gate.Gate
	runners    []prediction.Runner
	normalizer *prediction.Normalizer
	marker     Marker
	compactor  Compactor
	opts       Options

	cfgMu   sync.RWMutex
	cfg     Config
	pending *Config

	running  atomic.Bool
	cycles   atomic.Uint64
	inFlight atomic.Int64
	lastMu   sync.Mutex
	last     time.Time

	emergencyMu sync.Mutex
}

func New(cfg Config, opts Options, d Deps) *Engine {
	if opts.MaxConcurrentCycles <= 0 {
		opts.MaxConcurrentCycles = 8
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = 30 * time.Second
	}
	if opts.OrderRetention <= 0 {
		opts.OrderRetention = 24 * time.Hour
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 2 * time.Second
	}
	if d.Normalizer == nil {
		d.Normalizer = prediction.NewNormalizer(0)
	}
	e := &Engine{
		modes:      d.Modes,
		risk:       d.Risk,
		orders:     d.Orders,
		gate:       gate.New(cfg.Gate, d.Risk, d.Orders),
		runners:    d.Runners,
		normalizer: d.Normalizer,
		marker:     d.Marker,
		compactor:  d.Compactor,
		opts:       opts,
		cfg:        cfg,
	}
	d.Risk.SetLiquidator(d.Orders)
	d.Risk.ApplyLimits(cfg.Limits)
	return e
}

// Reload stages a new configuration. It takes effect when the next cycle
// starts, never in the middle of one.
func (e *Engine) Reload(cfg Config) {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 2 * time.Second
	}
	e.cfgMu.Lock()
	e.pending = &cfg
	e.cfgMu.Unlock()
	log.Info().Msg("configuration staged for next cycle")
}

// beginCycle applies any staged configuration and returns the one this
// cycle runs with
func (e *Engine) beginCycle() Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if e.pending != nil {
		e.cfg = *e.pending
		e.pending = nil
		e.gate.Apply(e.cfg.Gate)
		e.risk.ApplyLimits(e.cfg.Limits)
		observ.IncCounter("config_applied_total", nil)
		log.Info().Float64("threshold", e.cfg.Gate.ConfidenceThreshold).Int("max_positions", e.cfg.Limits.MaxPositions).
			Float64("drawdown_halt_pct", e.cfg.Limits.DrawdownHaltPct).Msg("configuration applied")
	}
	return e.cfg
}

// Config returns the configuration in effect
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Observe forwards a snapshot's price to the risk manager and the paper
// venue. Protective exits and breakers run on marks even while stopped.
func (e *Engine) Observe(snap market.Snapshot) error {
	if e.marker != nil {
		e.marker.Mark(snap.Symbol, snap.Price)
	}
	if err := e.risk.UpdateMark(snap.Symbol, snap.Price); err != nil {
		return fmt.Errorf("mark %s: %w", snap.Symbol, err)
	}
	return nil
}

// RunCycle evaluates one snapshot: predictions, consensus, gate. A signal
// the gate turns down is a normal outcome reported in the result, not an
// error.
func (e *Engine) RunCycle(ctx context.Context, snap market.Snapshot) (res CycleResult, err error) {
	start := time.Now()
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	cfg := e.beginCycle()
	res = CycleResult{Symbol: snap.Symbol, Mode: e.modes.Snapshot()}
	defer func() {
		res.Duration = time.Since(start)
		e.cycles.Add(1)
		e.lastMu.Lock()
		e.last = start
		e.lastMu.Unlock()
		observ.RecordDuration("cycle_duration", res.Duration, nil)
	}()

	if err = e.Observe(snap); err != nil {
		observ.IncCounter("cycles_total", map[string]string{"outcome": "error"})
		return res, err
	}

	preds, excluded := prediction.Collect(ctx, e.runners, e.normalizer, prediction.Request{
		Symbol:    snap.Symbol,
		Timestamp: snap.Timestamp,
		Features:  snap.Features,
	}, cfg.ModelTimeout)
	res.Excluded = len(excluded)
	res.Signal = ensemble.Combine(cfg.Ensemble, snap.Symbol, snap.Timestamp, preds)

	o, err := e.gate.Evaluate(ctx, res.Signal, res.Mode, snap.Price)
	if code, ok := gate.IsRejection(err); ok {
		res.Rejection = code
		observ.IncCounter("cycles_total", map[string]string{"outcome": "rejected"})
		return res, nil
	}
	if err != nil {
		observ.IncCounter("cycles_total", map[string]string{"outcome": "error"})
		log.Error().Err(err).Str("symbol", snap.Symbol).Msg("cycle failed")
		return res, err
	}
	res.Order = &o
	observ.IncCounter("cycles_total", map[string]string{"outcome": "order"})
	return res, nil
}

// Run consumes a feed until it closes or ctx ends. Each snapshot starts one
// cycle while the engine is running; at most MaxConcurrentCycles run at a
// time.
func (e *Engine) Run(ctx context.Context, feed market.Feed) error {
	snaps, err := feed.Start(ctx)
	if err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	sem := make(chan struct{}, e.opts.MaxConcurrentCycles)
	var wg sync.WaitGroup
	defer wg.Wait()

	for snap := range snaps {
		if !e.running.Load() {
			if err := e.Observe(snap); err != nil {
				log.Error().Err(err).Str("symbol", snap.Symbol).Msg("mark update failed")
			}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(s market.Snapshot) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := e.RunCycle(ctx, s)
			if err != nil {
				return
			}
			ev := log.Debug().Str("symbol", s.Symbol).Str("direction", string(res.Signal.Direction)).
				Float64("confidence", res.Signal.Confidence).Dur("took", res.Duration)
			if res.Rejection != "" {
				ev = ev.Str("rejection", string(res.Rejection))
			}
			ev.Msg("cycle complete")
		}(snap)
	}
	return ctx.Err()
}

// Serve runs the fill pump, housekeeping and the feed loop together
func (e *Engine) Serve(ctx context.Context, feed market.Feed, fills <-chan broker.FillNotice) error {
	go e.orders.Run(ctx, fills)
	go e.housekeeping(ctx)
	return e.Run(ctx, feed)
}

func (e *Engine) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Housekeep(time.Now())
		}
	}
}

// Housekeep re-runs the circuit breakers, forgets old terminal orders and
// compacts the order journal
func (e *Engine) Housekeep(now time.Time) {
	e.risk.EvaluateCircuitBreakers()
	pruned := e.orders.Prune(now.Add(-e.opts.OrderRetention))
	if e.compactor != nil {
		if err := e.compactor.Compact(); err != nil {
			log.Error().Err(err).Msg("order journal compaction failed")
		}
	}
	if pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("terminal orders pruned")
	}
	observ.SetGauge("open_orders", float64(len(e.orders.Orders(true))), nil)
}

// Start lets snapshots trigger cycles. It returns false if already running.
func (e *Engine) Start(actor string) bool {
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	observ.SetGauge("engine_running", 1, nil)
	ev := log.Info().Str("actor", actor)
	if e.modes.IsHalted() {
		ev = ev.Bool("halted", true)
	}
	ev.Msg("engine started")
	return true
}

// Stop ends new cycles. Open orders and positions are left alone and
// protective exits keep running on marks.
func (e *Engine) Stop(actor string) bool {
	if !e.running.CompareAndSwap(true, false) {
		return false
	}
	observ.SetGauge("engine_running", 0, nil)
	log.Info().Str("actor", actor).Msg("engine stopped")
	return true
}

func (e *Engine) Running() bool { return e.running.Load() }

// EmergencyStop halts trading, cancels every open order and force-closes
// every position, in that order. The halt is taken under the risk lock, so
// no authorization succeeds once it has begun, and an order authorized just
// before it is either cancelled here or refused by its reservation claim.
func (e *Engine) EmergencyStop(ctx context.Context, actor, reason string) (EmergencyReport, error) {
	e.emergencyMu.Lock()
	defer e.emergencyMu.Unlock()

	instructions := e.risk.EmergencyHalt(actor, reason)
	// Liquidations already working are left to finish; Liquidate skips
	// their symbols
	cancelled, err := e.orders.CancelAll(ctx, order.PurposeLiquidation)
	if err != nil {
		log.Error().Err(err).Msg("emergency stop: some orders could not be cancelled")
	}
	e.orders.Liquidate(ctx, instructions)

	rep := EmergencyReport{
		Actor:           actor,
		Reason:          reason,
		OrdersCancelled: cancelled,
		PositionsClosed: len(instructions),
		At:              time.Now().UTC(),
	}
	observ.IncCounter("emergency_stops_total", nil)
	log.Warn().Str("actor", actor).Str("reason", reason).Int("cancelled", cancelled).
		Int("liquidated", len(instructions)).Msg("emergency stop executed")
	return rep, err
}

// Resume leaves halted mode. force is required when the risk manager
// faulted on an invariant violation.
func (e *Engine) Resume(actor, reason string, force bool) error {
	return e.risk.Resume(actor, reason, force)
}

// SetMode switches between paper and live. Cycles already running keep the
// mode they captured.
func (e *Engine) SetMode(m mode.Mode, actor string) error {
	if err := e.modes.SetTrading(m, actor); err != nil {
		return err
	}
	e.risk.Events().Record(risk.RiskEvent{
		Type:     risk.EventManualOverride,
		Severity: risk.SeverityInfo,
		Reason:   "set_mode",
		Actor:    actor,
		Detail:   map[string]any{"trading": string(m)},
	})
	return nil
}

func (e *Engine) RiskState() risk.State { return e.risk.Snapshot() }

func (e *Engine) OpenPositions() []portfolio.Position { return e.risk.OpenPositions() }

func (e *Engine) Orders(openOnly bool) []order.Order { return e.orders.Orders(openOnly) }

func (e *Engine) Events(f risk.EventFilter) []risk.RiskEvent { return e.risk.Events().Events(f) }

func (e *Engine) Status() Status {
	e.lastMu.Lock()
	last := e.last
	e.lastMu.Unlock()
	return Status{
		Running:     e.running.Load(),
		Mode:        e.modes.Status(),
		Cycles:      e.cycles.Load(),
		InFlight:    e.inFlight.Load(),
		LastCycleAt: last,
		OpenOrders:  len(e.orders.Orders(true)),
	}
}

// RegisterHealthChecks publishes the engine's state to /health
func (e *Engine) RegisterHealthChecks() {
	observ.RegisterHealthCheck("trading_mode", func() observ.CheckResult {
		st := e.modes.Status()
		if st.Mode == mode.Halted {
			return observ.CheckResult{Status: "degraded", Detail: "halted: " + st.HaltReason}
		}
		return observ.CheckResult{Status: "healthy", Detail: string(st.Mode)}
	})
	observ.RegisterHealthCheck("risk", func() observ.CheckResult {
		st := e.risk.Snapshot()
		if st.Faulted {
			return observ.CheckResult{Status: "failed", Detail: st.FaultReason}
		}
		return observ.CheckResult{Status: "healthy", Detail: fmt.Sprintf("drawdown %.2f%%", st.DrawdownPct*100)}
	})
	observ.RegisterHealthCheck("scheduler", func() observ.CheckResult {
		if !e.running.Load() {
			return observ.CheckResult{Status: "degraded", Detail: "stopped"}
		}
		return observ.CheckResult{Status: "healthy", Detail: "running"}
	})
}
