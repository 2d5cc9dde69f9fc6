package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/broker"
	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/gate"
	"github.com/Rajchodisetti/ensemble-trader/internal/market"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type rig struct {
	eng    *Engine
	modes  *mode.Controller
	risk   *risk.Manager
	orders *order.Controller
	events *risk.EventLog
}

func testConfig() Config {
	return Config{
		Ensemble:     ensemble.DefaultConfig(),
		Gate:         gate.Config{ConfidenceThreshold: 0.6},
		Limits:       risk.DefaultLimits(),
		ModelTimeout: time.Second,
	}
}

func momentumRunners() []prediction.Runner {
	var runners []prediction.Runner
	for _, id := range []string{"random_forest", "lstm", "ddqn"} {
		meta := prediction.ModelMeta{ID: id, Kind: prediction.KindClassProbs, Accuracy: 0.7}
		runners = append(runners, prediction.NewMomentumRunner(meta, market.FeatureMomentum, 1))
	}
	return runners
}

// newRig wires the engine against a paper venue. live may be nil.
func newRig(t *testing.T, paperCfg broker.PaperConfig, live broker.Broker) *rig {
	t.Helper()
	paper := broker.NewPaperBroker(paperCfg)
	router := broker.NewRouter(paper, live)
	store, err := outbox.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	modes := mode.NewController(mode.Paper)
	events := risk.NewEventLog("", 0)
	mgr := risk.NewManager("acct", 100000, risk.DefaultLimits(), modes, events)
	orders := order.NewController(order.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		router, store, mgr, events, modes)

	eng := New(testConfig(), Options{MaxConcurrentCycles: 4, OrderRetention: time.Hour}, Deps{
		Modes:      modes,
		Risk:       mgr,
		Orders:     orders,
		Runners:    momentumRunners(),
		Normalizer: prediction.NewNormalizer(time.Minute),
		Marker:     paper,
		Compactor:  store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)
	go orders.Run(ctx, router.Fills())
	t.Cleanup(func() {
		cancel()
		paper.Close()
		store.Close()
	})
	return &rig{eng: eng, modes: modes, risk: mgr, orders: orders, events: events}
}

func snapshot(symbol string, price, momentum float64) market.Snapshot {
	fs := map[string]float64{}
	if momentum != 0 {
		fs[market.FeatureMomentum] = momentum
	}
	return market.Snapshot{Symbol: symbol, Timestamp: time.Now().UTC(), Price: price, Features: fs}
}

type sliceFeed []market.Snapshot

func (f sliceFeed) Start(ctx context.Context) (<-chan market.Snapshot, error) {
	ch := make(chan market.Snapshot, len(f))
	for _, s := range f {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func waitPositions(t *testing.T, r *rig, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.eng.OpenPositions()) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestCycleOpensPosition(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	snap := snapshot("AAPL", 200, 3)

	res, err := r.eng.RunCycle(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, res.Rejection)
	assert.Equal(t, prediction.Long, res.Signal.Direction)
	assert.Equal(t, []string{"ddqn", "lstm", "random_forest"}, res.Signal.ContributingModels)
	assert.Equal(t, mode.Paper, res.Mode.Trading)
	require.NotNil(t, res.Order)
	assert.Equal(t, order.Key("AAPL", portfolio.Buy, snap.Timestamp), res.Order.IdempotencyKey)
	assert.Positive(t, res.Duration)

	waitPositions(t, r, 1)
	pos := r.eng.OpenPositions()[0]
	assert.Equal(t, "AAPL", pos.Symbol)
	assert.Equal(t, portfolio.Long, pos.Side)
	assert.InDelta(t, 50, pos.Size, 1e-6, "10% of equity at full confidence")

	// The same snapshot evaluated again does not open a second order
	again, err := r.eng.RunCycle(context.Background(), snap)
	require.NoError(t, err)
	if again.Order != nil {
		assert.Equal(t, res.Order.IdempotencyKey, again.Order.IdempotencyKey)
	}
	assert.Len(t, r.eng.Orders(false), 1)
}

func TestCycleWithoutPredictionsIsFlat(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)

	res, err := r.eng.RunCycle(context.Background(), snapshot("MSFT", 415, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Excluded)
	assert.Equal(t, prediction.Flat, res.Signal.Direction)
	assert.Equal(t, gate.CodeFlatSignal, res.Rejection)
	assert.Nil(t, res.Order)
}

func TestReloadAppliesAtCycleStart(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)

	cfg := testConfig()
	cfg.Gate.ConfidenceThreshold = 1.01
	cfg.Limits.MaxPositions = 2
	r.eng.Reload(cfg)
	assert.Equal(t, 0.6, r.eng.Config().Gate.ConfidenceThreshold, "staged, not applied")

	res, err := r.eng.RunCycle(context.Background(), snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	assert.Equal(t, gate.CodeLowConfidence, res.Rejection)
	assert.Equal(t, 1.01, r.eng.Config().Gate.ConfidenceThreshold)
	assert.Equal(t, 2, r.risk.Limits().MaxPositions)
}

func TestEmergencyStopLiquidatesAndBlocks(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	ctx := context.Background()

	_, err := r.eng.RunCycle(ctx, snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	waitPositions(t, r, 1)

	rep, err := r.eng.EmergencyStop(ctx, "ops", "manual test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsClosed)
	assert.Equal(t, mode.Halted, r.modes.Current())
	waitPositions(t, r, 0)

	res, err := r.eng.RunCycle(ctx, snapshot("MSFT", 415, 3))
	require.NoError(t, err)
	assert.Equal(t, gate.CodeHalted, res.Rejection)

	overrides := r.eng.Events(risk.EventFilter{Type: risk.EventManualOverride})
	require.NotEmpty(t, overrides)
	assert.Equal(t, "ops", overrides[0].Actor)

	require.NoError(t, r.eng.Resume("ops", "checked", false))
	assert.Equal(t, mode.Paper, r.modes.Current())
}

func TestEmergencyStopCancelsOpenOrders(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1, LatencyMsMin: 200, LatencyMsMax: 200}, nil)
	ctx := context.Background()

	res, err := r.eng.RunCycle(ctx, snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	require.NotNil(t, res.Order)

	rep, err := r.eng.EmergencyStop(ctx, "ops", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrdersCancelled)
	assert.Zero(t, rep.PositionsClosed)

	o, err := r.orders.Get(res.Order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, order.Cancelled, o.State)
	assert.Empty(t, r.eng.RiskState().Reserved["AAPL"])

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, r.eng.OpenPositions(), "cancelled order never fills")
}

func TestStoppedEngineOnlyMarks(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	ctx := context.Background()
	feed := sliceFeed{snapshot("AAPL", 200, 0), snapshot("MSFT", 415, 0), snapshot("NVDA", 450, 0)}

	require.NoError(t, r.eng.Run(ctx, feed))
	assert.Zero(t, r.eng.Status().Cycles)

	assert.True(t, r.eng.Start("ops"))
	assert.False(t, r.eng.Start("ops"))
	require.NoError(t, r.eng.Run(ctx, feed))
	st := r.eng.Status()
	assert.Equal(t, uint64(3), st.Cycles)
	assert.True(t, st.Running)
	assert.Zero(t, st.InFlight)

	assert.True(t, r.eng.Stop("ops"))
	assert.False(t, r.eng.Running())
}

func TestSetModeRoutesNextCycle(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	require.NoError(t, r.eng.SetMode(mode.Live, "ops"))
	assert.Error(t, r.eng.SetMode("halted", "ops"))

	res, err := r.eng.RunCycle(context.Background(), snapshot("AAPL", 200, 3))
	require.ErrorIs(t, err, order.ErrExecutionFailed, "no live venue configured")
	assert.Equal(t, mode.Live, res.Mode.Trading)
	assert.Empty(t, r.eng.RiskState().Reserved["AAPL"], "reservation released")

	failed := r.eng.Events(risk.EventFilter{Type: risk.EventExecutionFailed})
	require.Len(t, failed, 1)
	assert.False(t, r.modes.IsHalted(), "one failed order does not halt trading")

	set := r.eng.Events(risk.EventFilter{Type: risk.EventManualOverride})
	require.Len(t, set, 1)
	assert.Equal(t, "set_mode", set[0].Reason)
}

func TestHousekeepPrunesTerminalOrders(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	_, err := r.eng.RunCycle(context.Background(), snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(r.eng.Orders(true)) == 0 }, 2*time.Second, 5*time.Millisecond)

	r.eng.Housekeep(time.Now())
	assert.Len(t, r.eng.Orders(false), 1, "inside retention")
	r.eng.Housekeep(time.Now().Add(2 * time.Hour))
	assert.Empty(t, r.eng.Orders(false))
}

func TestEmergencyStopClosesAtOpeningVenue(t *testing.T) {
	live := broker.NewPaperBroker(broker.PaperConfig{Seed: 2})
	t.Cleanup(live.Close)
	var mu sync.Mutex
	var liveSides []portfolio.Side
	live.SetSubmitHook(func(req broker.SubmitRequest) error {
		mu.Lock()
		defer mu.Unlock()
		liveSides = append(liveSides, req.Side)
		return nil
	})
	r := newRig(t, broker.PaperConfig{Seed: 1}, live)
	ctx := context.Background()

	require.NoError(t, r.eng.SetMode(mode.Live, "ops"))
	_, err := r.eng.RunCycle(ctx, snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	waitPositions(t, r, 1)
	assert.Equal(t, mode.Live, r.eng.OpenPositions()[0].Venue)

	require.NoError(t, r.eng.SetMode(mode.Paper, "ops"))
	rep, err := r.eng.EmergencyStop(ctx, "ops", "flatten")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsClosed)
	waitPositions(t, r, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []portfolio.Side{portfolio.Buy, portfolio.Sell}, liveSides, "live long closed at the live venue")
	for _, o := range r.eng.Orders(false) {
		assert.Equal(t, mode.Live, o.Mode, "%s order", o.Purpose)
	}
}

// heldSubmitter parks a gate submission between authorization and the
// order controller
type heldSubmitter struct {
	next    gate.Submitter
	reached chan struct{}
	release chan struct{}
}

func (s *heldSubmitter) Submit(ctx context.Context, o order.Order) (order.Order, error) {
	close(s.reached)
	<-s.release
	return s.next.Submit(ctx, o)
}

func TestEmergencyStopRefusesAuthorizedEntry(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1}, nil)
	ctx := context.Background()
	held := &heldSubmitter{next: r.orders, reached: make(chan struct{}), release: make(chan struct{})}
	r.eng.gate = gate.New(testConfig().Gate, r.risk, held)

	snap := snapshot("AAPL", 200, 3)
	type outcome struct {
		res CycleResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.eng.RunCycle(ctx, snap)
		done <- outcome{res, err}
	}()
	select {
	case <-held.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached submission")
	}

	rep, err := r.eng.EmergencyStop(ctx, "ops", "in flight")
	require.NoError(t, err)
	assert.Zero(t, rep.OrdersCancelled, "no order record exists yet")
	close(held.release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, gate.CodeHalted, out.res.Rejection)

	o, err := r.orders.Get(order.Key("AAPL", portfolio.Buy, snap.Timestamp))
	require.NoError(t, err)
	assert.Equal(t, order.Rejected, o.State)
	assert.Equal(t, "not_authorized", o.Reason)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, r.eng.OpenPositions(), "no position opened after the stop")
	assert.Empty(t, r.eng.RiskState().Reserved)
}

func TestEmergencyStopKeepsWorkingLiquidation(t *testing.T) {
	r := newRig(t, broker.PaperConfig{Seed: 1, LatencyMsMin: 150, LatencyMsMax: 150}, nil)
	ctx := context.Background()
	_, err := r.eng.RunCycle(ctx, snapshot("AAPL", 200, 3))
	require.NoError(t, err)
	waitPositions(t, r, 1)
	pos := r.eng.OpenPositions()[0]

	r.orders.Liquidate(ctx, []risk.CloseInstruction{{
		Symbol: "AAPL", Side: pos.Side.Closes(), Quantity: pos.Size, Price: 200,
		Reason: "stop_loss", IssuedAt: time.Now(), Venue: pos.Venue,
	}})

	rep, err := r.eng.EmergencyStop(ctx, "ops", "")
	require.NoError(t, err)
	assert.Zero(t, rep.OrdersCancelled, "working liquidation left alone")
	waitPositions(t, r, 0)

	var liquidations []order.Order
	for _, o := range r.eng.Orders(false) {
		if o.Purpose == order.PurposeLiquidation {
			liquidations = append(liquidations, o)
		}
	}
	require.Len(t, liquidations, 1, "symbol skipped while its exit is in flight")
	assert.Equal(t, "stop_loss", liquidations[0].Reason)
	require.Eventually(t, func() bool {
		o, err := r.orders.Get(liquidations[0].IdempotencyKey)
		return err == nil && o.State == order.Filled
	}, 2*time.Second, 5*time.Millisecond)
}
