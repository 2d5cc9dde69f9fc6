package risk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// EventType classifies a RiskEvent
type EventType string

const (
	EventLimitBreach     EventType = "limit_breach"
	EventCircuitBreak    EventType = "circuit_break"
	EventManualOverride  EventType = "manual_override"
	EventExecutionFailed EventType = "execution_failed"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RiskEvent is an immutable audit record
type RiskEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Symbol    string         `json:"symbol,omitempty"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventLog is the append-only RiskEvent journal. Events are kept in memory
// (bounded) and appended as JSON lines to a file when a path is set.
type EventLog struct {
	mu     sync.Mutex
	events []RiskEvent
	max    int
	path   string
	sinks  []func(RiskEvent)
	now    func() time.Time
}

func NewEventLog(path string, maxInMemory int) *EventLog {
	if maxInMemory <= 0 {
		maxInMemory = 10000
	}
	return &EventLog{path: path, max: maxInMemory, now: time.Now}
}

// Subscribe registers a sink called after each recorded event. Sinks run on
// the recording goroutine and must not block.
func (l *EventLog) Subscribe(fn func(RiskEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, fn)
}

// Record stamps an event with an id and timestamp and appends it
func (l *EventLog) Record(ev RiskEvent) RiskEvent {
	l.mu.Lock()
	ev.ID = uuid.New().String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = append([]RiskEvent(nil), l.events[len(l.events)-l.max:]...)
	}
	if l.path != "" {
		if err := l.persist(ev); err != nil {
			log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("risk event persist failed")
			observ.IncCounter("risk_event_persist_errors_total", map[string]string{"event_type": string(ev.Type)})
		}
	}
	sinks := l.sinks
	l.mu.Unlock()

	observ.IncCounter("risk_events_total", map[string]string{"type": string(ev.Type), "severity": string(ev.Severity)})
	for _, fn := range sinks {
		fn(ev)
	}
	return ev
}

// persist appends an event to the JSONL log. Caller holds l.mu.
func (l *EventLog) persist(ev RiskEvent) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create event log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", b); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// EventFilter selects events; zero values match everything
type EventFilter struct {
	Type   EventType
	Symbol string
	Since  time.Time
	Limit  int // most recent N
}

func (f EventFilter) match(ev RiskEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Symbol != "" && ev.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Events returns a copy of the in-memory events matching the filter, oldest first
func (l *EventLog) Events(f EventFilter) []RiskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []RiskEvent
	for _, ev := range l.events {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// LoadEvents reads a JSONL event log. Malformed lines are skipped and counted.
func LoadEvents(path string) ([]RiskEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []RiskEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev RiskEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Warn().Str("line", strconv.Itoa(lineNum)).Err(err).Msg("skipping malformed risk event")
			observ.IncCounter("risk_event_parse_errors_total", nil)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading event log: %w", err)
	}
	return events, nil
}
