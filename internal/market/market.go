// Package market produces the per-symbol price and feature snapshots that
// drive evaluation cycles.
package market

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// Snapshot is one market observation for a symbol
type Snapshot struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Price     float64            `json:"price"`
	Features  map[string]float64 `json:"features"`
}

// Feature names produced by the simulated feed
const (
	FeatureReturn     = "return_1"
	FeatureMomentum   = "momentum"
	FeatureVolatility = "volatility"
)

// Feed produces snapshots until ctx ends or the source is exhausted, then
// closes the channel.
type Feed interface {
	Start(ctx context.Context) (<-chan Snapshot, error)
}

type instrument struct {
	BasePrice  float64
	Volatility float64 // daily, as a fraction
}

// Reference instruments for the simulated feed
var defaultInstruments = map[string]instrument{
	"AAPL":  {BasePrice: 206.80, Volatility: 0.025},
	"NVDA":  {BasePrice: 450.00, Volatility: 0.035},
	"MSFT":  {BasePrice: 415.75, Volatility: 0.022},
	"GOOGL": {BasePrice: 172.50, Volatility: 0.028},
	"BIOX":  {BasePrice: 12.50, Volatility: 0.055},
}

// SimConfig configures the random-walk feed
type SimConfig struct {
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
	Seed     int64         `yaml:"seed"`
	Window   int           `yaml:"window"` // returns kept for features
}

type simState struct {
	price   float64
	vol     float64
	returns []float64
}

// SimFeed is a geometric random walk per symbol. Features are derived from
// the walk's own recent returns.
type SimFeed struct {
	cfg SimConfig

	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]*simState
}

func NewSimFeed(cfg SimConfig) *SimFeed {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Window < 2 {
		cfg.Window = 20
	}
	if len(cfg.Symbols) == 0 {
		for s := range defaultInstruments {
			cfg.Symbols = append(cfg.Symbols, s)
		}
		sort.Strings(cfg.Symbols)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &SimFeed{cfg: cfg, rng: rand.New(rand.NewSource(seed)), states: make(map[string]*simState)}
	for _, s := range cfg.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		inst, ok := defaultInstruments[sym]
		if !ok {
			inst = instrument{BasePrice: 100, Volatility: 0.03}
		}
		f.states[sym] = &simState{price: inst.BasePrice, vol: inst.Volatility}
	}
	return f
}

// Step advances every symbol by one interval and returns the snapshots in
// symbol order.
func (f *SimFeed) Step(now time.Time) []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Scale daily volatility to one interval of a 6.5h session
	frac := f.cfg.Interval.Seconds() / (6.5 * 3600)
	syms := make([]string, 0, len(f.states))
	for s := range f.states {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	out := make([]Snapshot, 0, len(syms))
	for _, sym := range syms {
		st := f.states[sym]
		r := st.vol * math.Sqrt(frac) * f.rng.NormFloat64()
		st.price *= math.Exp(r)
		st.returns = append(st.returns, r)
		if len(st.returns) > f.cfg.Window {
			st.returns = st.returns[len(st.returns)-f.cfg.Window:]
		}
		out = append(out, Snapshot{
			Symbol:    sym,
			Timestamp: now.UTC(),
			Price:     math.Round(st.price*100) / 100,
			Features:  features(st.returns),
		})
	}
	return out
}

// features summarizes recent log returns. Momentum is the mean return in
// units of its own standard deviation.
func features(returns []float64) map[string]float64 {
	fs := map[string]float64{FeatureReturn: 0, FeatureMomentum: 0, FeatureVolatility: 0}
	n := len(returns)
	if n == 0 {
		return fs
	}
	fs[FeatureReturn] = returns[n-1]
	if n < 2 {
		return fs
	}
	mean, sd := stat.MeanStdDev(returns, nil)
	fs[FeatureVolatility] = sd
	if sd > 1e-12 {
		fs[FeatureMomentum] = mean / sd * math.Sqrt(float64(n))
	}
	return fs
}

func (f *SimFeed) Start(ctx context.Context) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, s := range f.Step(now) {
					select {
					case ch <- s:
						observ.IncCounter("market_snapshots_total", map[string]string{"source": "sim"})
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// ReplayFeed plays snapshots back from a JSONL file. Speed 0 emits as fast
// as the consumer reads; otherwise gaps between timestamps are replayed
// divided by Speed.
type ReplayFeed struct {
	Path  string
	Speed float64
}

func (f *ReplayFeed) Start(ctx context.Context) (<-chan Snapshot, error) {
	snaps, err := LoadSnapshots(f.Path)
	if err != nil {
		return nil, err
	}
	ch := make(chan Snapshot, 64)
	go func() {
		defer close(ch)
		var prev time.Time
		for _, s := range snaps {
			if f.Speed > 0 && !prev.IsZero() && s.Timestamp.After(prev) {
				wait := time.Duration(float64(s.Timestamp.Sub(prev)) / f.Speed)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			prev = s.Timestamp
			select {
			case ch <- s:
				observ.IncCounter("market_snapshots_total", map[string]string{"source": "replay"})
			case <-ctx.Done():
				return
			}
		}
		log.Info().Int("snapshots", len(snaps)).Str("path", f.Path).Msg("replay finished")
	}()
	return ch, nil
}

// LoadSnapshots reads a JSONL snapshot file, skipping malformed lines
func LoadSnapshots(path string) ([]Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file: %w", err)
	}
	defer file.Close()

	var out []Snapshot
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var s Snapshot
		if err := json.Unmarshal([]byte(text), &s); err != nil || s.Symbol == "" || s.Price <= 0 {
			log.Warn().Int("line", line).Err(err).Msg("skipping malformed snapshot")
			continue
		}
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read snapshot file: %w", err)
	}
	return out, nil
}
