package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
)

// Limits are the hot-reloadable risk parameters
type Limits struct {
	DailyLossLimit   float64 `yaml:"daily_loss_limit"`   // USD
	MaxPositions     int     `yaml:"max_positions"`
	PerSymbolCap     float64 `yaml:"per_symbol_cap"`     // fraction of equity per symbol
	DrawdownHaltPct  float64 `yaml:"drawdown_halt_pct"`  // fraction, e.g. 0.05
	VaRLimitPct      float64 `yaml:"var_limit_pct"`      // fraction of equity
	VaRConfidence    float64 `yaml:"var_confidence"`     // e.g. 0.99
	VaRWindow        int     `yaml:"var_window"`         // equity samples
	VaRMinSamples    int     `yaml:"var_min_samples"`
	StopLossPct      float64 `yaml:"stop_loss_pct"`
	TakeProfitPct    float64 `yaml:"take_profit_pct"`
	MinOrderNotional float64 `yaml:"min_order_notional"` // USD
}

func DefaultLimits() Limits {
	return Limits{
		DailyLossLimit:   2000,
		MaxPositions:     5,
		PerSymbolCap:     0.10,
		DrawdownHaltPct:  0.05,
		VaRLimitPct:      0.03,
		VaRConfidence:    0.99,
		VaRWindow:        120,
		VaRMinSamples:    30,
		StopLossPct:      0.02,
		TakeProfitPct:    0.05,
		MinOrderNotional: 10,
	}
}

// State is a point-in-time copy of the account's risk state
type State struct {
	AccountID      string                        `json:"account_id"`
	Equity         float64                       `json:"equity"`
	PeakEquity     float64                       `json:"peak_equity"`
	DailyPnL       float64                       `json:"daily_pnl"`
	DrawdownPct    float64                       `json:"drawdown_pct"`
	VaRPct         float64                       `json:"var_pct"`
	GrossExposure  float64                       `json:"gross_exposure"`
	OpenPositions  map[string]portfolio.Position `json:"open_positions"`
	Reserved       map[string]float64            `json:"reserved"` // pending notional per symbol
	Liquidating    []string                      `json:"liquidating,omitempty"`
	DailyLossLimit float64                       `json:"daily_loss_limit"`
	MaxPositions   int                           `json:"max_positions"`
	PerSymbolCap   float64                       `json:"per_symbol_cap"`
	Mode           mode.Mode                     `json:"mode"`
	Faulted        bool                          `json:"faulted"`
	FaultReason    string                        `json:"fault_reason,omitempty"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

// AuthorizationRequest asks for a position size for one signal
type AuthorizationRequest struct {
	Key        string // idempotency key of the order this sizes
	Symbol     string
	Direction  prediction.Direction
	Confidence float64
	Price      float64 // reference price used to convert notional to units
	Venue      mode.Mode
}

// Authorization is an approved and reserved size
type Authorization struct {
	Key       string               `json:"key"`
	Symbol    string               `json:"symbol"`
	Direction prediction.Direction `json:"direction"`
	Side      portfolio.Side       `json:"side"`
	Quantity  float64              `json:"quantity"`
	Notional  float64              `json:"notional"`
	Price     float64              `json:"price"`
	Reduce    bool                 `json:"reduce"` // exits an existing position
	Venue     mode.Mode            `json:"venue"`  // where the order must execute
}

// Fill is an execution report for an authorized or liquidation order
type Fill struct {
	Key      string
	Symbol   string
	Side     portfolio.Side
	Quantity float64
	Price    float64
	Time     time.Time
	Venue    mode.Mode
}

// CloseInstruction asks the execution side to flatten one position
type CloseInstruction struct {
	Symbol   string         `json:"symbol"`
	Side     portfolio.Side `json:"side"`
	Quantity float64        `json:"quantity"`
	Price    float64        `json:"price"`
	Reason   string         `json:"reason"`
	IssuedAt time.Time      `json:"issued_at"`
	Venue    mode.Mode      `json:"venue"`
}

// Liquidator executes force-close instructions
type Liquidator interface {
	Liquidate(ctx context.Context, instructions []CloseInstruction)
}

// SnapshotStore persists the risk snapshot
type SnapshotStore interface {
	SaveRiskSnapshot(ctx context.Context, data []byte) error
	LoadRiskSnapshot(ctx context.Context) ([]byte, error)
}

type reservation struct {
	symbol   string
	side     portfolio.Side
	notional float64 // remaining unfilled notional
	auth     Authorization
}

// Manager is the sole writer of the account's risk state. Every operation
// runs under one mutex.
type Manager struct {
	mu sync.Mutex

	accountID      string
	startingEquity float64
	limits         Limits

	book           *portfolio.Book
	equity         float64
	peak           float64
	dayStartEquity float64
	varPct         float64
	window         *returnWindow
	marks          map[string]float64
	reservations   map[string]*reservation
	liquidating    map[string]bool
	faulted        bool
	faultReason    string

	mode       *mode.Controller
	events     *EventLog
	liquidator Liquidator
	store      SnapshotStore
	now        func() time.Time

	persistMu    sync.Mutex
	version      uint64
	savedVersion uint64
}

// Option configures a Manager
type Option func(*Manager)

func WithLiquidator(l Liquidator) Option    { return func(m *Manager) { m.liquidator = l } }
func WithStore(s SnapshotStore) Option      { return func(m *Manager) { m.store = s } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(accountID string, startingEquity float64, limits Limits, mc *mode.Controller, events *EventLog, opts ...Option) *Manager {
	m := &Manager{
		accountID:      accountID,
		startingEquity: startingEquity,
		limits:         limits,
		equity:         startingEquity,
		peak:           startingEquity,
		dayStartEquity: startingEquity,
		marks:          make(map[string]float64),
		reservations:   make(map[string]*reservation),
		liquidating:    make(map[string]bool),
		mode:           mc,
		events:         events,
		now:            time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.events == nil {
		m.events = NewEventLog("", 0)
	}
	m.book = portfolio.NewBook(limits.StopLossPct, limits.TakeProfitPct, m.now())
	m.window = newReturnWindow(limits.VaRWindow)
	m.window.reset(startingEquity)
	return m
}

// SetLiquidator wires the execution side after construction
func (m *Manager) SetLiquidator(l Liquidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidator = l
}

func (m *Manager) Events() *EventLog { return m.events }

// ApplyLimits swaps in reloaded limits. Existing positions are kept even if
// they exceed new caps; only new authorizations see the new values.
func (m *Manager) ApplyLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
	m.book.StopLossPct = l.StopLossPct
	m.book.TakeProfitPct = l.TakeProfitPct
	m.window.resize(l.VaRWindow)
}

func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Authorize sizes a signal or returns a *Denial. A successful authorization
// reserves its notional under req.Key until the order fills or Release is
// called; repeating a key returns the existing reservation.
func (m *Manager) Authorize(req AuthorizationRequest) (Authorization, error) {
	m.mu.Lock()
	auth, denial := m.authorizeLocked(req)
	m.mu.Unlock()

	if denial != nil {
		sev := SeverityInfo
		if denial.Reason == DenyDailyLoss {
			sev = SeverityWarning
		}
		m.events.Record(RiskEvent{
			Type:     EventLimitBreach,
			Severity: sev,
			Symbol:   req.Symbol,
			Reason:   string(denial.Reason),
			Detail:   map[string]any{"key": req.Key, "detail": denial.Detail, "confidence": req.Confidence},
		})
		observ.IncCounter("risk_denials_total", map[string]string{"reason": string(denial.Reason)})
		log.Debug().Str("symbol", req.Symbol).Str("reason", string(denial.Reason)).Str("detail", denial.Detail).Msg("authorization denied")
		return Authorization{}, denial
	}
	observ.IncCounter("risk_authorizations_total", map[string]string{"reduce": fmt.Sprint(auth.Reduce)})
	return auth, nil
}

func (m *Manager) authorizeLocked(req AuthorizationRequest) (Authorization, *Denial) {
	deny := func(r DenialReason, format string, args ...any) *Denial {
		return &Denial{Reason: r, Symbol: req.Symbol, Detail: fmt.Sprintf(format, args...)}
	}
	m.rollDayLocked()

	if m.faulted {
		return Authorization{}, deny(DenyHalted, "faulted: %s", m.faultReason)
	}
	if m.mode != nil && m.mode.IsHalted() {
		return Authorization{}, deny(DenyHalted, "trading halted")
	}
	if req.Key == "" || req.Symbol == "" || req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return Authorization{}, deny(DenyInvalid, "key, symbol and a positive price are required")
	}
	if req.Direction != prediction.Long && req.Direction != prediction.Short {
		return Authorization{}, deny(DenyInvalid, "direction %q is not tradable", req.Direction)
	}
	if r, ok := m.reservations[req.Key]; ok {
		return r.auth, nil
	}

	side := portfolio.Buy
	if req.Direction == prediction.Short {
		side = portfolio.Sell
	}
	if m.liquidating[req.Symbol] || m.hasExitReservation(req.Symbol) {
		return Authorization{}, deny(DenyExitPending, "position exit in flight")
	}

	pos, hasPos := m.book.Position(req.Symbol)
	if hasPos && pos.Side.Closes() == side {
		// Opposite signal on an open position: exit it at the venue holding
		// it. Risk-reducing, so caps don't apply.
		venue := pos.Venue
		if venue == "" {
			venue = req.Venue
		}
		auth := Authorization{
			Key:       req.Key,
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Side:      side,
			Quantity:  pos.Size,
			Notional:  pos.Size * req.Price,
			Price:     req.Price,
			Reduce:    true,
			Venue:     venue,
		}
		m.reservations[req.Key] = &reservation{symbol: req.Symbol, side: side, auth: auth}
		return auth, nil
	}

	if held := m.venueOf(req.Symbol); held != "" && req.Venue != "" && held != req.Venue {
		return Authorization{}, deny(DenyVenueMismatch, "%s exposure is held at %s", req.Symbol, held)
	}

	if !hasPos && !m.hasEntryReservation(req.Symbol) {
		if used := m.book.Len() + m.pendingNewSymbols(); used >= m.limits.MaxPositions {
			return Authorization{}, deny(DenyPositionLimit, "%d of %d position slots in use", used, m.limits.MaxPositions)
		}
	}

	dailyPnL := m.equity - m.dayStartEquity
	lossHeadroom := m.limits.DailyLossLimit + math.Min(dailyPnL, 0)
	if lossHeadroom <= 0 {
		return Authorization{}, deny(DenyDailyLoss, "daily pnl %.2f against limit %.2f", dailyPnL, m.limits.DailyLossLimit)
	}

	capHeadroom := m.limits.PerSymbolCap*m.equity - m.book.Exposure(req.Symbol) - m.reservedNotional(req.Symbol)
	notional := capHeadroom
	binding := DenySymbolCap
	if m.limits.StopLossPct > 0 {
		if lossCap := lossHeadroom / m.limits.StopLossPct; lossCap < notional {
			notional = lossCap
			binding = DenyDailyLoss
		}
	}
	notional *= confidenceMultiplier(req.Confidence)
	if notional <= 0 || notional < m.limits.MinOrderNotional {
		return Authorization{}, deny(binding, "sized notional %.2f below minimum %.2f", notional, m.limits.MinOrderNotional)
	}

	auth := Authorization{
		Key:       req.Key,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Side:      side,
		Quantity:  notional / req.Price,
		Notional:  notional,
		Price:     req.Price,
		Venue:     req.Venue,
	}
	m.reservations[req.Key] = &reservation{symbol: req.Symbol, side: side, notional: notional, auth: auth}
	return auth, nil
}

// confidenceMultiplier scales size by confidence bucket
func confidenceMultiplier(c float64) float64 {
	switch {
	case c >= 0.8:
		return 1.0
	case c >= 0.6:
		return 0.75
	case c >= 0.4:
		return 0.5
	default:
		return 0.25
	}
}

// ConfidenceBucket names the bucket used for sizing
func ConfidenceBucket(c float64) string {
	switch {
	case c >= 0.8:
		return "high"
	case c >= 0.6:
		return "medium"
	case c >= 0.4:
		return "low"
	default:
		return "very_low"
	}
}

func (m *Manager) reservedNotional(symbol string) float64 {
	total := 0.0
	for _, r := range m.reservations {
		if r.symbol == symbol && !r.auth.Reduce {
			total += r.notional
		}
	}
	return total
}

func (m *Manager) hasEntryReservation(symbol string) bool {
	for _, r := range m.reservations {
		if r.symbol == symbol && !r.auth.Reduce {
			return true
		}
	}
	return false
}

func (m *Manager) hasExitReservation(symbol string) bool {
	for _, r := range m.reservations {
		if r.symbol == symbol && r.auth.Reduce {
			return true
		}
	}
	return false
}

// pendingNewSymbols counts symbols with entry reservations and no position
func (m *Manager) pendingNewSymbols() int {
	seen := map[string]bool{}
	for _, r := range m.reservations {
		if r.auth.Reduce {
			continue
		}
		if _, open := m.book.Position(r.symbol); !open {
			seen[r.symbol] = true
		}
	}
	return len(seen)
}

// venueOf returns the venue of the symbol's position, or of its pending
// entries when there is none yet
func (m *Manager) venueOf(symbol string) mode.Mode {
	if pos, ok := m.book.Position(symbol); ok && pos.Venue != "" {
		return pos.Venue
	}
	for _, r := range m.reservations {
		if r.symbol == symbol && !r.auth.Reduce && r.auth.Venue != "" {
			return r.auth.Venue
		}
	}
	return ""
}

// Claim confirms, right before an order goes to the broker, that its
// reservation is still held and trading is not halted. A halt that began
// after Authorize makes Claim fail and drops the reservation.
func (m *Manager) Claim(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[key]
	if m.faulted || (m.mode != nil && m.mode.IsHalted()) {
		delete(m.reservations, key)
		symbol := ""
		if ok {
			symbol = r.symbol
		}
		return &Denial{Reason: DenyHalted, Symbol: symbol, Detail: "halted before submission"}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationGone, key)
	}
	return nil
}

// Release drops the reservation of an order that ended without filling
// completely. Unknown keys are ignored.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, key)
}

// ExitAbandoned clears the liquidation marker of a symbol whose forced exit
// failed, so the next evaluation re-issues it.
func (m *Manager) ExitAbandoned(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.liquidating, symbol)
}

// OnFill books an execution and re-evaluates the circuit breakers
func (m *Manager) OnFill(f Fill) error {
	m.mu.Lock()
	instructions, err := m.onFillLocked(f)
	m.mu.Unlock()

	m.dispatch(instructions)
	m.persist()
	return err
}

func (m *Manager) onFillLocked(f Fill) ([]CloseInstruction, error) {
	if m.faulted {
		// Still book the fill so positions reflect reality
		log.Warn().Str("symbol", f.Symbol).Msg("fill received while faulted")
	}
	m.rollDayLocked()

	_, hadPos := m.book.Position(f.Symbol)
	r, reserved := m.reservations[f.Key]
	unauthorized := !hadPos && !reserved && !m.liquidating[f.Symbol] && m.book.Len() >= m.limits.MaxPositions

	res, err := m.book.Apply(portfolio.Fill{Symbol: f.Symbol, Side: f.Side, Quantity: f.Quantity, Price: f.Price, Time: f.Time, Venue: f.Venue})
	if err != nil {
		return nil, err
	}
	if unauthorized {
		m.marks[f.Symbol] = f.Price
		m.recomputeLocked()
		m.faultLocked(fmt.Sprintf("unauthorized fill opened %s beyond %d positions", f.Symbol, m.limits.MaxPositions))
		return m.liquidateAllLocked("invariant_violation"), fmt.Errorf("%w: unauthorized fill for %s", ErrInvariantViolation, f.Symbol)
	}

	if reserved {
		r.notional = math.Max(0, r.notional-f.Quantity*f.Price)
		if r.auth.Reduce || r.notional <= 0 {
			delete(m.reservations, f.Key)
		}
	}
	if res.Closed && !res.Opened {
		delete(m.liquidating, f.Symbol)
	}
	m.marks[f.Symbol] = f.Price
	m.book.Mark(f.Symbol, f.Price)
	m.recomputeLocked()

	observ.IncCounter("risk_fills_total", map[string]string{"side": string(f.Side)})
	log.Info().Str("symbol", f.Symbol).Str("side", string(f.Side)).Float64("qty", f.Quantity).
		Float64("price", f.Price).Float64("realized", res.Realized).Float64("equity", m.equity).Msg("fill booked")

	if err := m.checkInvariantsLocked(); err != nil {
		return m.liquidateAllLocked("invariant_violation"), err
	}
	return m.evaluateLocked(), nil
}

// UpdateMark marks a symbol to market, samples equity for VaR, checks the
// protective stop-loss and take-profit levels, then evaluates breakers.
func (m *Manager) UpdateMark(symbol string, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("invalid mark price %v for %s", price, symbol)
	}
	m.mu.Lock()
	m.rollDayLocked()
	m.marks[symbol] = price
	var instructions []CloseInstruction
	if m.book.Mark(symbol, price) {
		if reason, hit := m.book.ExitTrigger(symbol); hit && !m.liquidating[symbol] && !m.hasExitReservation(symbol) {
			pos, _ := m.book.Position(symbol)
			instructions = append(instructions, m.closeInstructionLocked(pos, reason))
			m.events.Record(RiskEvent{
				Type:     EventLimitBreach,
				Severity: SeverityWarning,
				Symbol:   symbol,
				Reason:   reason,
				Detail:   map[string]any{"mark": price, "entry": pos.EntryPrice, "size": pos.Size},
			})
		}
	}
	m.recomputeLocked()
	m.window.sample(m.equity)
	var err error
	if cerr := m.checkInvariantsLocked(); cerr != nil {
		err = cerr
		instructions = append(instructions, m.liquidateAllLocked("invariant_violation")...)
	} else {
		instructions = append(instructions, m.evaluateLocked()...)
	}
	m.mu.Unlock()

	m.dispatch(instructions)
	m.persist()
	return err
}

// EvaluateCircuitBreakers runs the drawdown and VaR checks on demand
func (m *Manager) EvaluateCircuitBreakers() {
	m.mu.Lock()
	instructions := m.evaluateLocked()
	m.mu.Unlock()
	m.dispatch(instructions)
	m.persist()
}

func (m *Manager) recomputeLocked() {
	m.equity = m.book.Equity(m.startingEquity)
	if m.equity > m.peak {
		m.peak = m.equity
	}
	observ.SetGauge("equity_usd", m.equity, map[string]string{"account": m.accountID})
	observ.SetGauge("drawdown_pct", Drawdown(m.peak, m.equity), map[string]string{"account": m.accountID})
	observ.SetGauge("open_positions", float64(m.book.Len()), map[string]string{"account": m.accountID})
	m.version++
}

func (m *Manager) checkInvariantsLocked() error {
	var reason string
	switch {
	case math.IsNaN(m.equity) || math.IsInf(m.equity, 0):
		reason = "equity is not finite"
	case m.peak < m.equity:
		reason = "peak equity below equity"
	}
	if reason == "" {
		for sym, p := range m.book.Positions() {
			if p.Size <= 0 || math.IsNaN(p.Size) {
				reason = fmt.Sprintf("position %s has size %v", sym, p.Size)
				break
			}
		}
	}
	if reason == "" {
		return nil
	}
	m.faultLocked(reason)
	return fmt.Errorf("%w: %s", ErrInvariantViolation, reason)
}

func (m *Manager) faultLocked(reason string) {
	if m.faulted {
		return
	}
	m.faulted = true
	m.faultReason = reason
	if m.mode != nil {
		m.mode.Halt("risk_manager", "invariant_violation")
	}
	m.events.Record(RiskEvent{
		Type:     EventCircuitBreak,
		Severity: SeverityCritical,
		Reason:   "invariant_violation",
		Detail:   map[string]any{"violation": reason},
	})
	log.Error().Str("violation", reason).Msg("risk invariant violated; trading halted")
}

func (m *Manager) rollDayLocked() {
	if m.book.RollDay(m.now()) {
		m.dayStartEquity = m.equity
		log.Info().Float64("equity", m.equity).Msg("daily pnl reset")
	}
}

// Snapshot returns a copy of the risk state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	reserved := map[string]float64{}
	for _, r := range m.reservations {
		if !r.auth.Reduce {
			reserved[r.symbol] += r.notional
		}
	}
	var liq []string
	for s := range m.liquidating {
		liq = append(liq, s)
	}
	sort.Strings(liq)
	st := State{
		AccountID:      m.accountID,
		Equity:         m.equity,
		PeakEquity:     m.peak,
		DailyPnL:       m.equity - m.dayStartEquity,
		DrawdownPct:    Drawdown(m.peak, m.equity),
		VaRPct:         m.varPct,
		GrossExposure:  m.book.GrossExposure(),
		OpenPositions:  m.book.Positions(),
		Reserved:       reserved,
		Liquidating:    liq,
		DailyLossLimit: m.limits.DailyLossLimit,
		MaxPositions:   m.limits.MaxPositions,
		PerSymbolCap:   m.limits.PerSymbolCap,
		Faulted:        m.faulted,
		FaultReason:    m.faultReason,
		UpdatedAt:      m.now().UTC(),
	}
	if m.mode != nil {
		st.Mode = m.mode.Current()
	}
	return st
}

// OpenPositions returns a copy of the open positions
func (m *Manager) OpenPositions() []portfolio.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []portfolio.Position
	for _, sym := range m.book.Symbols() {
		p, _ := m.book.Position(sym)
		out = append(out, p)
	}
	return out
}

// dispatch hands instructions to the liquidator off the risk lock
func (m *Manager) dispatch(instructions []CloseInstruction) {
	if len(instructions) == 0 {
		return
	}
	m.mu.Lock()
	l := m.liquidator
	m.mu.Unlock()
	if l == nil {
		log.Error().Int("count", len(instructions)).Msg("no liquidator wired; close instructions dropped")
		return
	}
	go l.Liquidate(context.Background(), instructions)
}

// persisted is the on-disk form of the risk state
type persisted struct {
	AccountID      string          `json:"account_id"`
	Peak           float64         `json:"peak_equity"`
	DayStartEquity float64         `json:"day_start_equity"`
	Book           portfolio.State `json:"book"`
	Halted         bool            `json:"halted"`
	HaltReason     string          `json:"halt_reason,omitempty"`
	Faulted        bool            `json:"faulted"`
	FaultReason    string          `json:"fault_reason,omitempty"`
	Returns        []float64       `json:"returns,omitempty"`
	SavedAt        time.Time       `json:"saved_at"`
}

// persist writes the latest state if it is newer than what was last saved
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if m.version == m.savedVersion {
		m.mu.Unlock()
		return
	}
	version := m.version
	st := persisted{
		AccountID:      m.accountID,
		Peak:           m.peak,
		DayStartEquity: m.dayStartEquity,
		Book:           m.book.State(),
		Faulted:        m.faulted,
		FaultReason:    m.faultReason,
		Returns:        append([]float64(nil), m.window.returns...),
		SavedAt:        m.now().UTC(),
	}
	if m.mode != nil {
		status := m.mode.Status()
		st.Halted = status.Mode == mode.Halted
		st.HaltReason = status.HaltReason
	}
	m.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Msg("risk snapshot marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveRiskSnapshot(ctx, data); err != nil {
		log.Error().Err(err).Msg("risk snapshot save failed")
		observ.IncCounter("risk_snapshot_errors_total", nil)
		return
	}
	m.savedVersion = version
}

// Restore loads the last persisted snapshot. A snapshot taken while halted
// restores the halt.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	data, err := m.store.LoadRiskSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load risk snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var st persisted
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode risk snapshot: %w", err)
	}

	m.mu.Lock()
	m.book.Restore(st.Book)
	for sym, p := range m.book.Positions() {
		m.marks[sym] = p.MarkPrice
	}
	m.equity = m.book.Equity(m.startingEquity)
	m.peak = math.Max(st.Peak, m.equity)
	m.dayStartEquity = st.DayStartEquity
	if m.dayStartEquity == 0 {
		m.dayStartEquity = m.equity
	}
	m.window.reset(m.equity)
	m.window.returns = append(m.window.returns, st.Returns...)
	m.faulted = st.Faulted
	m.faultReason = st.FaultReason
	m.savedVersion = m.version
	m.mu.Unlock()

	if st.Halted && m.mode != nil {
		m.mode.Halt("restore", st.HaltReason)
	}
	log.Info().Float64("equity", m.equity).Int("positions", len(st.Book.Positions)).Bool("halted", st.Halted).Msg("risk state restored")
	return nil
}
