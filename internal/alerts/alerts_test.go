package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type recordingSender struct {
	mu       sync.Mutex
	alerts   []Alert
	failures int // fail this many calls first
	calls    int
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("webhook unavailable")
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingSender) received() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func event(sev risk.Severity, reason string) risk.RiskEvent {
	return risk.RiskEvent{
		ID:        reason,
		Type:      risk.EventCircuitBreak,
		Severity:  sev,
		Reason:    reason,
		Timestamp: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.PerMinute = 0
	return cfg
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
}

func TestDispatcherFiltersAndDedupes(t *testing.T) {
	sender := &recordingSender{}
	state := func() risk.State { return risk.State{Equity: 94000, DrawdownPct: 0.06, Mode: mode.Halted} }
	d := NewDispatcher(testConfig(), state, sender)
	runDispatcher(t, d)

	d.Notify(event(risk.SeverityInfo, "resume"))
	d.Notify(event(risk.SeverityWarning, "stop_loss"))
	d.Notify(event(risk.SeverityWarning, "stop_loss"))
	d.Notify(event(risk.SeverityCritical, "drawdown_limit"))

	require.Eventually(t, func() bool { return d.Stats().Sent == 2 }, time.Second, 5*time.Millisecond)
	got := sender.received()
	require.Len(t, got, 2)
	assert.Equal(t, "stop_loss", got[0].Event.Reason)
	assert.Nil(t, got[0].State, "state only attached to critical alerts")
	assert.Equal(t, "drawdown_limit", got[1].Event.Reason)
	require.NotNil(t, got[1].State)
	assert.Equal(t, 94000.0, got[1].State.Equity)

	assert.Equal(t, int64(1), d.Stats().Deduped)
}

func TestDispatcherRateLimitSparesCritical(t *testing.T) {
	cfg := testConfig()
	cfg.PerMinute = 1
	cfg.Burst = 1
	sender := &recordingSender{}
	d := NewDispatcher(cfg, nil, sender)
	runDispatcher(t, d)

	d.Notify(event(risk.SeverityWarning, "a"))
	d.Notify(event(risk.SeverityWarning, "b"))
	d.Notify(event(risk.SeverityCritical, "c"))

	require.Eventually(t, func() bool { return len(sender.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), d.Stats().RateLimited)
	assert.Equal(t, "c", sender.received()[1].Event.Reason)
}

func TestDispatcherRetries(t *testing.T) {
	flaky := &recordingSender{failures: 2}
	d := NewDispatcher(testConfig(), nil, flaky)
	runDispatcher(t, d)
	d.Notify(event(risk.SeverityCritical, "var_limit"))
	require.Eventually(t, func() bool { return d.Stats().Sent == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, flaky.callCount())

	dead := &recordingSender{failures: 100}
	d2 := NewDispatcher(testConfig(), nil, dead)
	runDispatcher(t, d2)
	d2.Notify(event(risk.SeverityCritical, "var_limit"))
	require.Eventually(t, func() bool { return d2.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, dead.received())
}

func TestDispatcherQueueKeepsCritical(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	sender := &recordingSender{}
	d := NewDispatcher(cfg, nil, sender)

	d.Notify(event(risk.SeverityWarning, "first"))
	d.Notify(event(risk.SeverityCritical, "breaker"))
	d.Notify(event(risk.SeverityWarning, "late"))
	assert.Equal(t, int64(2), d.Stats().Dropped)

	runDispatcher(t, d)
	require.Eventually(t, func() bool { return len(sender.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "breaker", sender.received()[0].Event.Reason)
}

func TestDisabledDispatcherIgnoresEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	d := NewDispatcher(cfg, nil, &recordingSender{})
	d.Notify(event(risk.SeverityCritical, "drawdown_limit"))
	assert.Zero(t, d.Stats().Queued)
}

func TestSlackSenderFormatsAlert(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackSender(SlackConfig{WebhookURL: srv.URL, Channel: "#risk"})
	ev := event(risk.SeverityCritical, "drawdown_limit")
	ev.Detail = map[string]any{"drawdown_pct": 0.06}
	st := risk.State{
		Equity:       94000,
		DrawdownPct:  0.06,
		Mode:         mode.Halted,
		MaxPositions: 5,
		OpenPositions: map[string]portfolio.Position{
			"AAPL": {Symbol: "AAPL", Side: portfolio.Long, Size: 50, EntryPrice: 200, UnrealizedPnL: -150},
		},
		Liquidating: []string{"AAPL"},
	}
	require.NoError(t, s.Send(context.Background(), Alert{Event: ev, State: &st}))

	assert.Equal(t, "#risk", got.Channel)
	assert.Contains(t, got.Text, "drawdown_limit")
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "danger", got.Attachments[0].Color)
	assert.Len(t, got.Blocks, 4, "header, summary, positions, liquidation")

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail.Close()
	err := NewSlackSender(SlackConfig{WebhookURL: fail.URL}).Send(context.Background(), Alert{Event: ev})
	assert.Error(t, err)
}

func TestTelegramSender(t *testing.T) {
	var mu sync.Mutex
	var chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/botTOKEN/getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"risk","username":"risk_bot"}}`)
		case "/botTOKEN/sendMessage":
			mu.Lock()
			chatID, text = r.FormValue("chat_id"), r.FormValue("text")
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewTelegramSenderWithEndpoint(TelegramConfig{Token: "TOKEN", ChatID: 42}, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	ev := event(risk.SeverityCritical, "manual_halt")
	ev.Actor = "ops"
	require.NoError(t, s.Send(context.Background(), Alert{Event: ev, State: &risk.State{Equity: 100000, Mode: mode.Halted}}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", chatID)
	assert.Contains(t, text, "manual_halt")
	assert.Contains(t, text, "Actor: ops")
	assert.Contains(t, text, "Mode: halted")
}
