package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

func record(t *testing.T, o order.Order, at time.Time) outbox.OrderRecord {
	t.Helper()
	b, err := json.Marshal(o)
	require.NoError(t, err)
	return outbox.OrderRecord{Key: o.IdempotencyKey, State: string(o.State), Payload: b, UpdatedAt: at}
}

func TestSummarizeFoldsJournal(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	o := order.Order{IdempotencyKey: "k1", Symbol: "AAPL", Side: portfolio.Buy, RequestedSize: 50, Purpose: order.PurposeEntry}

	var recs []outbox.OrderRecord
	for i, st := range []order.State{order.Pending, order.Submitted, order.Acked, order.Acked, order.Filled} {
		o.State = st
		if st == order.Filled {
			o.FilledSize, o.AvgFillPrice = 50, 200.1
		}
		recs = append(recs, record(t, o, t0.Add(time.Duration(i)*time.Second)))
	}
	recs = append(recs, record(t, order.Order{IdempotencyKey: "k2", Symbol: "NVDA", State: order.Rejected, Reason: "live_unavailable"}, t0))

	events := []risk.RiskEvent{
		{Type: risk.EventCircuitBreak, Reason: "drawdown_limit", Timestamp: t0.Add(time.Minute)},
		{Type: risk.EventManualOverride, Reason: "resume", Timestamp: t0.Add(2 * time.Minute)},
		{Type: risk.EventExecutionFailed, Symbol: "NVDA", Timestamp: t0},
	}

	s := summarize(recs, events, "", time.Time{})
	require.Len(t, s.Orders, 2)
	assert.Equal(t, []string{"pending", "submitted", "acked", "filled"}, s.Orders[0].Transition)
	assert.Equal(t, 200.1, s.Orders[0].AvgPrice)
	assert.Equal(t, map[string]int{"filled": 1, "rejected": 1}, s.OrdersByState)
	assert.Len(t, s.Breakers, 1)
	assert.Len(t, s.Overrides, 1)
	assert.Len(t, s.Failures, 1)

	s = summarize(recs, events, "AAPL", time.Time{})
	require.Len(t, s.Orders, 1)
	assert.Empty(t, s.Failures, "NVDA failure filtered out")
	assert.Len(t, s.Breakers, 1, "account-wide events are kept")

	s = summarize(recs, events, "", t0.Add(90*time.Second))
	assert.Empty(t, s.Orders)
	assert.Equal(t, map[string]int{"manual_override": 1}, s.EventsByType)
}
