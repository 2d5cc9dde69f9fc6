package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk", "events.jsonl")
	l := NewEventLog(path, 0)

	var seen []RiskEvent
	l.Subscribe(func(ev RiskEvent) { seen = append(seen, ev) })

	a := l.Record(RiskEvent{Type: EventCircuitBreak, Severity: SeverityCritical, Reason: BreakDrawdown})
	b := l.Record(RiskEvent{Type: EventExecutionFailed, Symbol: "AAPL", Reason: "retries_exhausted"})

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, SeverityInfo, b.Severity, "default severity")
	assert.Len(t, seen, 2)

	// Append a malformed line; it is skipped on load
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json\n")
	require.NoError(t, f.Close())

	loaded, err := LoadEvents(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, a.ID, loaded[0].ID)
	assert.Equal(t, EventExecutionFailed, loaded[1].Type)
}

func TestEventLogFilterAndBound(t *testing.T) {
	l := NewEventLog("", 3)
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(RiskEvent{Type: EventLimitBreach, Symbol: "AAPL", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	l.Record(RiskEvent{Type: EventManualOverride, Reason: "resume", Timestamp: base.Add(10 * time.Minute)})

	all := l.Events(EventFilter{})
	require.Len(t, all, 3, "memory is bounded")
	assert.Equal(t, EventManualOverride, all[2].Type)

	assert.Len(t, l.Events(EventFilter{Type: EventLimitBreach}), 2)
	assert.Len(t, l.Events(EventFilter{Since: base.Add(4 * time.Minute)}), 2)
	assert.Len(t, l.Events(EventFilter{Limit: 1}), 1)
}

func TestLoadEventsMissingFile(t *testing.T) {
	evs, err := LoadEvents(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, evs)
}
