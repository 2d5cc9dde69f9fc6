// Command replay reconstructs a session from the order journal and the risk
// event log and prints a JSON audit summary.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/outbox"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

type orderLine struct {
	Key        string      `json:"key"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"`
	Purpose    string      `json:"purpose"`
	Mode       string      `json:"mode"`
	State      order.State `json:"state"`
	Filled     float64     `json:"filled"`
	Requested  float64     `json:"requested"`
	AvgPrice   float64     `json:"avg_price,omitempty"`
	Attempts   int         `json:"attempts"`
	Reason     string      `json:"reason,omitempty"`
	Transition []string    `json:"transitions"`
}

type summary struct {
	Orders        []orderLine      `json:"orders"`
	OrdersByState map[string]int   `json:"orders_by_state"`
	EventsByType  map[string]int   `json:"events_by_type"`
	Breakers      []risk.RiskEvent `json:"breakers"`
	Overrides     []risk.RiskEvent `json:"overrides"`
	Failures      []risk.RiskEvent `json:"execution_failures"`
}

func main() {
	var dir, eventsPath, symbol, since string
	flag.StringVar(&dir, "outbox", "data/outbox", "order outbox directory")
	flag.StringVar(&eventsPath, "events", "data/risk_events.jsonl", "risk event log")
	flag.StringVar(&symbol, "symbol", "", "only this symbol")
	flag.StringVar(&since, "since", "", "only records at or after this RFC3339 time")
	flag.Parse()

	observ.SetupLogging("warn", "console")

	var cutoff time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid -since")
		}
		cutoff = t
	}
	symbol = strings.ToUpper(symbol)

	records, err := outbox.ReadJournal(filepath.Join(dir, "orders.jsonl"))
	if err != nil {
		log.Fatal().Err(err).Msg("read journal")
	}
	events, err := risk.LoadEvents(eventsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read events")
	}

	out := summarize(records, events, symbol, cutoff)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("encode")
	}
}

func summarize(records []outbox.OrderRecord, events []risk.RiskEvent, symbol string, cutoff time.Time) summary {
	s := summary{OrdersByState: map[string]int{}, EventsByType: map[string]int{}}

	// The journal holds every state change; the last record per key wins
	byKey := map[string]*orderLine{}
	var keys []string
	for _, rec := range records {
		if rec.UpdatedAt.Before(cutoff) {
			continue
		}
		var o order.Order
		if err := json.Unmarshal(rec.Payload, &o); err != nil {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		line, ok := byKey[rec.Key]
		if !ok {
			line = &orderLine{Key: rec.Key}
			byKey[rec.Key] = line
			keys = append(keys, rec.Key)
		}
		line.Symbol, line.Side, line.Purpose, line.Mode = o.Symbol, string(o.Side), string(o.Purpose), string(o.Mode)
		line.State, line.Filled, line.Requested = o.State, o.FilledSize, o.RequestedSize
		line.AvgPrice, line.Attempts, line.Reason = o.AvgFillPrice, o.Attempts, o.Reason
		if n := len(line.Transition); n == 0 || line.Transition[n-1] != string(o.State) {
			line.Transition = append(line.Transition, string(o.State))
		}
	}
	for _, k := range keys {
		line := byKey[k]
		s.Orders = append(s.Orders, *line)
		s.OrdersByState[string(line.State)]++
	}

	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) || (symbol != "" && ev.Symbol != "" && ev.Symbol != symbol) {
			continue
		}
		s.EventsByType[string(ev.Type)]++
		switch ev.Type {
		case risk.EventCircuitBreak:
			s.Breakers = append(s.Breakers, ev)
		case risk.EventManualOverride:
			s.Overrides = append(s.Overrides, ev)
		case risk.EventExecutionFailed:
			s.Failures = append(s.Failures, ev)
		}
	}
	sort.SliceStable(s.Breakers, func(i, j int) bool { return s.Breakers[i].Timestamp.Before(s.Breakers[j].Timestamp) })
	return s
}
