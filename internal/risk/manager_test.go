package risk

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type recordingLiquidator struct {
	mu    sync.Mutex
	calls [][]CloseInstruction
}

func (r *recordingLiquidator) Liquidate(ctx context.Context, instr []CloseInstruction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, instr)
}

func (r *recordingLiquidator) all() []CloseInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CloseInstruction
	for _, c := range r.calls {
		out = append(out, c...)
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memStore) SaveRiskSnapshot(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *memStore) LoadRiskSnapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

func newTestManager(t *testing.T, limits Limits, opts ...Option) (*Manager, *mode.Controller, *recordingLiquidator) {
	t.Helper()
	mc := mode.NewController(mode.Paper)
	liq := &recordingLiquidator{}
	opts = append([]Option{WithLiquidator(liq), WithClock(func() time.Time { return t0 })}, opts...)
	m := NewManager("acct-1", 100000, limits, mc, NewEventLog("", 0), opts...)
	return m, mc, liq
}

func authorize(t *testing.T, m *Manager, key, symbol string, dir prediction.Direction, conf, price float64) Authorization {
	t.Helper()
	auth, err := m.Authorize(AuthorizationRequest{Key: key, Symbol: symbol, Direction: dir, Confidence: conf, Price: price})
	require.NoError(t, err)
	return auth
}

func fillAuth(t *testing.T, m *Manager, a Authorization, price float64) {
	t.Helper()
	require.NoError(t, m.OnFill(Fill{Key: a.Key, Symbol: a.Symbol, Side: a.Side, Quantity: a.Quantity, Price: price, Time: t0, Venue: a.Venue}))
}

func TestAuthorizeSizing(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       float64
	}{
		{"high", 0.9, 10000},
		{"medium", 0.7, 7500},
		{"low", 0.5, 5000},
		{"very low", 0.2, 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, DefaultLimits())
			a := authorize(t, m, "k1", "AAPL", prediction.Long, tt.confidence, 100)
			assert.InDelta(t, tt.want, a.Notional, 1e-6)
			assert.InDelta(t, tt.want/100, a.Quantity, 1e-9)
			assert.Equal(t, portfolio.Buy, a.Side)
		})
	}
}

func TestAuthorizeDenials(t *testing.T) {
	t.Run("halted", func(t *testing.T) {
		m, mc, _ := newTestManager(t, DefaultLimits())
		mc.Halt("operator", "test")
		_, err := m.Authorize(AuthorizationRequest{Key: "k", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 100})
		reason, ok := IsDenial(err)
		require.True(t, ok)
		assert.Equal(t, DenyHalted, reason)
	})

	t.Run("invalid", func(t *testing.T) {
		m, _, _ := newTestManager(t, DefaultLimits())
		for _, req := range []AuthorizationRequest{
			{Key: "k", Symbol: "AAPL", Direction: prediction.Long, Price: 0},
			{Key: "k", Symbol: "AAPL", Direction: prediction.Flat, Price: 100},
			{Key: "", Symbol: "AAPL", Direction: prediction.Long, Price: 100},
		} {
			_, err := m.Authorize(req)
			reason, _ := IsDenial(err)
			assert.Equal(t, DenyInvalid, reason)
		}
	})

	t.Run("position limit", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxPositions = 1
		m, _, _ := newTestManager(t, limits)
		fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)

		_, err := m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "MSFT", Direction: prediction.Long, Confidence: 0.9, Price: 50})
		reason, _ := IsDenial(err)
		assert.Equal(t, DenyPositionLimit, reason)
	})

	t.Run("pending reservation uses a slot", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxPositions = 1
		m, _, _ := newTestManager(t, limits)
		authorize(t, m, "k1", "AAPL", prediction.Long, 0.5, 100)

		_, err := m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "MSFT", Direction: prediction.Long, Confidence: 0.9, Price: 50})
		reason, _ := IsDenial(err)
		assert.Equal(t, DenyPositionLimit, reason)

		// Same symbol doesn't need a new slot
		authorize(t, m, "k3", "AAPL", prediction.Long, 0.5, 100)
	})

	t.Run("symbol cap", func(t *testing.T) {
		m, _, _ := newTestManager(t, DefaultLimits())
		authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
		_, err := m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 100})
		reason, _ := IsDenial(err)
		assert.Equal(t, DenySymbolCap, reason)
	})

	t.Run("daily loss", func(t *testing.T) {
		limits := DefaultLimits()
		limits.DailyLossLimit = 1000
		m, _, _ := newTestManager(t, limits)
		fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)
		require.NoError(t, m.UpdateMark("AAPL", 88))

		_, err := m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "MSFT", Direction: prediction.Long, Confidence: 0.9, Price: 50})
		reason, _ := IsDenial(err)
		assert.Equal(t, DenyDailyLoss, reason)
	})

	t.Run("denials are recorded", func(t *testing.T) {
		m, mc, _ := newTestManager(t, DefaultLimits())
		mc.Halt("operator", "test")
		_, _ = m.Authorize(AuthorizationRequest{Key: "k", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 100})
		evs := m.Events().Events(EventFilter{Type: EventLimitBreach})
		require.Len(t, evs, 1)
		assert.Equal(t, string(DenyHalted), evs[0].Reason)
	})
}

func TestAuthorizeIsIdempotentPerKey(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultLimits())
	a := authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
	b := authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
	assert.Equal(t, a, b)
	assert.InDelta(t, 10000, m.Snapshot().Reserved["AAPL"], 1e-6)
}

func TestReleaseFreesCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultLimits())
	authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
	m.Release("k1")
	a := authorize(t, m, "k2", "AAPL", prediction.Long, 0.9, 100)
	assert.InDelta(t, 10000, a.Notional, 1e-6)
}

func TestOppositeSignalExitsPosition(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultLimits())
	fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)

	exit := authorize(t, m, "k2", "AAPL", prediction.Short, 0.3, 101)
	assert.True(t, exit.Reduce)
	assert.Equal(t, portfolio.Sell, exit.Side)
	assert.InDelta(t, 100, exit.Quantity, 1e-9)

	// A second signal while the exit is pending is refused
	_, err := m.Authorize(AuthorizationRequest{Key: "k3", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 101})
	reason, _ := IsDenial(err)
	assert.Equal(t, DenyExitPending, reason)

	fillAuth(t, m, exit, 101)
	st := m.Snapshot()
	assert.Empty(t, st.OpenPositions)
	assert.InDelta(t, 100100, st.Equity, 1e-6)
}

func TestExitsFollowTheHoldingVenue(t *testing.T) {
	store := &memStore{}
	m, mc, _ := newTestManager(t, DefaultLimits(), WithStore(store))
	entry, err := m.Authorize(AuthorizationRequest{Key: "k1", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 100, Venue: mode.Live})
	require.NoError(t, err)
	assert.Equal(t, mode.Live, entry.Venue)
	fillAuth(t, m, entry, 100)
	assert.Equal(t, mode.Live, m.Snapshot().OpenPositions["AAPL"].Venue)

	require.NoError(t, mc.SetTrading(mode.Paper, "ops"))

	// Adding from the other venue would split the position
	_, err = m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "AAPL", Direction: prediction.Long, Confidence: 0.9, Price: 100, Venue: mode.Paper})
	reason, _ := IsDenial(err)
	assert.Equal(t, DenyVenueMismatch, reason)

	exit, err := m.Authorize(AuthorizationRequest{Key: "k3", Symbol: "AAPL", Direction: prediction.Short, Confidence: 0.9, Price: 100, Venue: mode.Paper})
	require.NoError(t, err)
	assert.True(t, exit.Reduce)
	assert.Equal(t, mode.Live, exit.Venue)
	m.Release(exit.Key)

	// The venue survives a restart under a different trading mode
	m.EmergencyHalt("ops", "snapshot")
	m2 := NewManager("acct-1", 100000, DefaultLimits(), mode.NewController(mode.Paper), nil, WithStore(store), WithClock(func() time.Time { return t0 }))
	require.NoError(t, m2.Restore(context.Background()))
	assert.Equal(t, mode.Live, m2.Snapshot().OpenPositions["AAPL"].Venue)
	instructions := m2.EmergencyHalt("ops", "restart")
	require.Len(t, instructions, 1)
	assert.Equal(t, mode.Live, instructions[0].Venue)
	assert.Equal(t, portfolio.Sell, instructions[0].Side)
}

func TestClaimFailsOnceHalted(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultLimits())
	authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
	require.NoError(t, m.Claim("k1"))

	authorize(t, m, "k2", "MSFT", prediction.Long, 0.9, 50)
	m.EmergencyHalt("ops", "test")

	err := m.Claim("k2")
	reason, ok := IsDenial(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, DenyHalted, reason)
	assert.Empty(t, m.Snapshot().Reserved)

	require.NoError(t, m.Resume("ops", "checked", false))
	assert.ErrorIs(t, m.Claim("k2"), ErrReservationGone)
}

// Equity 100k -> 94k with a 5% drawdown limit halts and force-closes.
func TestDrawdownHaltsAndLiquidates(t *testing.T) {
	limits := DefaultLimits()
	limits.PerSymbolCap = 1.0
	limits.StopLossPct = 0
	limits.TakeProfitPct = 0
	limits.DailyLossLimit = 50000
	m, mc, liq := newTestManager(t, limits)

	a := authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100)
	require.InDelta(t, 1000, a.Quantity, 1e-9)
	fillAuth(t, m, a, 100)

	require.NoError(t, m.UpdateMark("AAPL", 94))

	st := m.Snapshot()
	assert.InDelta(t, 94000, st.Equity, 1e-6)
	assert.InDelta(t, 0.06, st.DrawdownPct, 1e-9)
	assert.Equal(t, mode.Halted, mc.Current())
	assert.Equal(t, []string{"AAPL"}, st.Liquidating)

	breaks := m.Events().Events(EventFilter{Type: EventCircuitBreak})
	require.Len(t, breaks, 1)
	assert.Equal(t, BreakDrawdown, breaks[0].Reason)

	require.Eventually(t, func() bool { return len(liq.all()) == 1 }, time.Second, 5*time.Millisecond)
	instr := liq.all()[0]
	assert.Equal(t, "AAPL", instr.Symbol)
	assert.Equal(t, portfolio.Sell, instr.Side)
	assert.InDelta(t, 1000, instr.Quantity, 1e-9)

	_, err := m.Authorize(AuthorizationRequest{Key: "k2", Symbol: "MSFT", Direction: prediction.Long, Confidence: 0.9, Price: 10})
	reason, _ := IsDenial(err)
	assert.Equal(t, DenyHalted, reason)

	// Liquidation fill closes the position; halt persists
	require.NoError(t, m.OnFill(Fill{Key: "liq-1", Symbol: "AAPL", Side: portfolio.Sell, Quantity: 1000, Price: 94, Time: t0}))
	st = m.Snapshot()
	assert.Empty(t, st.OpenPositions)
	assert.Empty(t, st.Liquidating)
	assert.Equal(t, mode.Halted, st.Mode)

	// Only a manual resume leaves halted
	require.NoError(t, m.Resume("operator", "reviewed", false))
	assert.Equal(t, mode.Paper, mc.Current())
	assert.InDelta(t, 94000, m.Snapshot().PeakEquity, 1e-6)
	authorize(t, m, "k3", "MSFT", prediction.Long, 0.9, 10)
}

func TestVaRBreachHalts(t *testing.T) {
	limits := DefaultLimits()
	limits.PerSymbolCap = 1.0
	limits.StopLossPct = 0
	limits.TakeProfitPct = 0
	limits.DailyLossLimit = 50000
	limits.DrawdownHaltPct = 0.5
	limits.VaRLimitPct = 0.01
	limits.VaRMinSamples = 5
	m, mc, _ := newTestManager(t, limits)

	fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)
	for i, px := range []float64{103, 100, 103, 100} {
		require.NoError(t, m.UpdateMark("AAPL", px))
		require.Equal(t, mode.Paper, mc.Current(), "tick %d", i)
	}
	require.NoError(t, m.UpdateMark("AAPL", 103))

	assert.Equal(t, mode.Halted, mc.Current())
	breaks := m.Events().Events(EventFilter{Type: EventCircuitBreak})
	require.Len(t, breaks, 1)
	assert.Equal(t, BreakVaR, breaks[0].Reason)
	assert.Greater(t, m.Snapshot().VaRPct, 0.01)
}

func TestStopLossIssuesProtectiveExit(t *testing.T) {
	m, mc, liq := newTestManager(t, DefaultLimits())
	fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)

	require.NoError(t, m.UpdateMark("AAPL", 97.5))
	assert.Equal(t, mode.Paper, mc.Current(), "protective exit does not halt")

	require.Eventually(t, func() bool { return len(liq.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stop_loss", liq.all()[0].Reason)

	// Not re-issued while in flight
	require.NoError(t, m.UpdateMark("AAPL", 97))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, liq.all(), 1)

	// Re-issued after the exit was abandoned
	m.ExitAbandoned("AAPL")
	require.NoError(t, m.UpdateMark("AAPL", 96.5))
	require.Eventually(t, func() bool { return len(liq.all()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnauthorizedFillFaults(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositions = 1
	m, mc, _ := newTestManager(t, limits)
	fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)

	err := m.OnFill(Fill{Key: "ghost", Symbol: "MSFT", Side: portfolio.Buy, Quantity: 10, Price: 50, Time: t0})
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.True(t, m.Snapshot().Faulted)
	assert.Equal(t, mode.Halted, mc.Current())

	assert.ErrorIs(t, m.Resume("operator", "look", false), ErrFaulted)
	require.NoError(t, m.Resume("operator", "reconciled", true))
	assert.False(t, m.Snapshot().Faulted)
}

func TestEmergencyHaltIsAtomicAgainstAuthorize(t *testing.T) {
	limits := DefaultLimits()
	limits.PerSymbolCap = 0.001
	limits.MinOrderNotional = 0
	limits.MaxPositions = 1 << 20
	m, _, _ := newTestManager(t, limits)

	var stopped atomic.Bool
	var lateSuccess atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				after := stopped.Load()
				_, err := m.Authorize(AuthorizationRequest{
					Key: fmt.Sprintf("g%d-%d", g, i), Symbol: fmt.Sprintf("S%d-%d", g, i),
					Direction: prediction.Long, Confidence: 0.9, Price: 1,
				})
				if err == nil && after {
					lateSuccess.Add(1)
				}
			}
		}(g)
	}
	time.Sleep(time.Millisecond)
	m.EmergencyHalt("operator", "test")
	stopped.Store(true)
	wg.Wait()

	assert.Zero(t, lateSuccess.Load())
	assert.Empty(t, m.Snapshot().Reserved, "entry reservations dropped on halt")
}

// Random authorize/fill/release sequences never push exposure past the caps.
func TestExposureStaysWithinCaps(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositions = 3
	limits.PerSymbolCap = 0.2
	limits.DailyLossLimit = 1e9
	m, _, _ := newTestManager(t, limits)

	r := rand.New(rand.NewSource(42))
	symbols := []string{"AAPL", "MSFT", "TSLA", "NVDA", "AMZN", "META"}
	for i := 0; i < 2000; i++ {
		sym := symbols[r.Intn(len(symbols))]
		dir := prediction.Long
		if r.Intn(3) == 0 {
			dir = prediction.Short
		}
		a, err := m.Authorize(AuthorizationRequest{
			Key: fmt.Sprintf("k%d", i), Symbol: sym, Direction: dir, Confidence: r.Float64(), Price: 50,
		})
		if err == nil {
			if r.Intn(4) == 0 {
				m.Release(a.Key)
			} else {
				fillAuth(t, m, a, 50)
			}
		}

		st := m.Snapshot()
		require.LessOrEqual(t, len(st.OpenPositions), limits.MaxPositions)
		require.LessOrEqual(t, st.GrossExposure, st.Equity*float64(limits.MaxPositions)*limits.PerSymbolCap+1e-6)
		for _, p := range st.OpenPositions {
			require.LessOrEqual(t, p.Notional(), st.Equity*limits.PerSymbolCap+1e-6)
		}
	}
}

func TestRestoreFromSnapshot(t *testing.T) {
	store := &memStore{}
	m, _, _ := newTestManager(t, DefaultLimits(), WithStore(store))
	fillAuth(t, m, authorize(t, m, "k1", "AAPL", prediction.Long, 0.9, 100), 100)
	require.NoError(t, m.UpdateMark("AAPL", 101))
	m.EmergencyHalt("operator", "shutdown")

	mc2 := mode.NewController(mode.Paper)
	m2 := NewManager("acct-1", 100000, DefaultLimits(), mc2, nil, WithStore(store), WithClock(func() time.Time { return t0 }))
	require.NoError(t, m2.Restore(context.Background()))

	st := m2.Snapshot()
	assert.InDelta(t, 100100, st.Equity, 1e-6)
	require.Contains(t, st.OpenPositions, "AAPL")
	assert.InDelta(t, 100, st.OpenPositions["AAPL"].Size, 1e-9)
	assert.Equal(t, mode.Halted, mc2.Current())
}

func TestParametricVaR(t *testing.T) {
	assert.Zero(t, ParametricVaR([]float64{0.01}, 0.99, 2))
	assert.Zero(t, ParametricVaR([]float64{0.01, -0.01}, 0.99, 5))
	assert.InDelta(t, 2.3263*0.0141421, ParametricVaR([]float64{0.01, -0.01}, 0.99, 2), 1e-4)
}

func TestDrawdown(t *testing.T) {
	assert.InDelta(t, 0.06, Drawdown(100000, 94000), 1e-12)
	assert.Zero(t, Drawdown(100000, 101000))
	assert.Zero(t, Drawdown(0, 10))
}
