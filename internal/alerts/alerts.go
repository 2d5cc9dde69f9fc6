// Package alerts forwards high-severity risk events to operators.
package alerts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Config controls which events are forwarded and how often
type Config struct {
	Enabled      bool           `yaml:"enabled"`
	MinSeverity  risk.Severity  `yaml:"min_severity"`
	DedupeWindow time.Duration  `yaml:"dedupe_window"`
	PerMinute    float64        `yaml:"per_minute"` // critical alerts are never rate limited
	Burst        int            `yaml:"burst"`
	QueueSize    int            `yaml:"queue_size"`
	MaxAttempts  int            `yaml:"max_attempts"`
	RetryBackoff time.Duration  `yaml:"retry_backoff"`
	Slack        SlackConfig    `yaml:"slack"`
	Telegram     TelegramConfig `yaml:"telegram"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MinSeverity:  risk.SeverityWarning,
		DedupeWindow: time.Minute,
		PerMinute:    20,
		Burst:        5,
		QueueSize:    1000,
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
	}
}

// Alert is one event on its way to operators. State is attached to
// critical alerts when a state source is wired.
type Alert struct {
	Event risk.RiskEvent
	State *risk.State
}

// Sender delivers an alert to one channel
type Sender interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Stats counts dispatcher outcomes
type Stats struct {
	Queued      int64 `json:"queued"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Deduped     int64 `json:"deduped"`
	RateLimited int64 `json:"rate_limited"`
	Dropped     int64 `json:"dropped"`
}

// Dispatcher filters, deduplicates and rate limits events, then delivers
// them from a single worker. Notify never blocks, so it can be subscribed
// directly to the risk event log.
type Dispatcher struct {
	cfg     Config
	senders []Sender
	state   func() risk.State
	limiter *rate.Limiter
	queue   chan Alert
	now     func() time.Time

	mu     sync.Mutex
	dedupe map[string]time.Time
	stats  Stats
}

func NewDispatcher(cfg Config, state func() risk.State, senders ...Sender) *Dispatcher {
	def := DefaultConfig()
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = def.MinSeverity
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	d := &Dispatcher{
		cfg:     cfg,
		senders: senders,
		state:   state,
		queue:   make(chan Alert, cfg.QueueSize),
		now:     time.Now,
		dedupe:  make(map[string]time.Time),
	}
	if cfg.PerMinute > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.PerMinute/60.0), burst)
	}
	return d
}

func rank(s risk.Severity) int {
	switch s {
	case risk.SeverityCritical:
		return 2
	case risk.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func fingerprint(ev risk.RiskEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", ev.Type, ev.Reason, ev.Symbol, ev.Severity)))
	return fmt.Sprintf("%x", sum)[:16]
}

// Notify queues an event for delivery if it passes the filters
func (d *Dispatcher) Notify(ev risk.RiskEvent) {
	if !d.cfg.Enabled || len(d.senders) == 0 || rank(ev.Severity) < rank(d.cfg.MinSeverity) {
		return
	}
	critical := ev.Severity == risk.SeverityCritical

	d.mu.Lock()
	now := d.now()
	hash := fingerprint(ev)
	if last, ok := d.dedupe[hash]; ok && now.Sub(last) < d.cfg.DedupeWindow {
		d.stats.Deduped++
		d.mu.Unlock()
		observ.IncCounter("alerts_suppressed_total", map[string]string{"reason": "duplicate"})
		return
	}
	if !critical && d.limiter != nil && !d.limiter.AllowN(now, 1) {
		d.stats.RateLimited++
		d.mu.Unlock()
		observ.IncCounter("alerts_suppressed_total", map[string]string{"reason": "rate_limited"})
		return
	}
	d.dedupe[hash] = now
	if len(d.dedupe) > 1000 {
		for k, t := range d.dedupe {
			if now.Sub(t) >= d.cfg.DedupeWindow {
				delete(d.dedupe, k)
			}
		}
	}
	d.mu.Unlock()

	d.enqueue(Alert{Event: ev})
}

// enqueue adds an alert; when the queue is full the oldest alert is dropped
// unless it is critical and the new one isn't
func (d *Dispatcher) enqueue(a Alert) {
	select {
	case d.queue <- a:
		d.count(func(s *Stats) { s.Queued++ })
		observ.SetGauge("alert_queue_depth", float64(len(d.queue)), nil)
		return
	default:
	}

	select {
	case old := <-d.queue:
		if old.Event.Severity == risk.SeverityCritical && a.Event.Severity != risk.SeverityCritical {
			a = old
		}
	default:
	}
	select {
	case d.queue <- a:
	default:
	}
	d.count(func(s *Stats) { s.Dropped++ })
	observ.IncCounter("alerts_suppressed_total", map[string]string{"reason": "queue_full"})
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Run delivers queued alerts until ctx ends
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			observ.SetGauge("alert_queue_depth", float64(len(d.queue)), nil)
			d.deliver(ctx, a)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	if a.Event.Severity == risk.SeverityCritical && d.state != nil {
		st := d.state()
		a.State = &st
	}
	for _, s := range d.senders {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = d.cfg.RetryBackoff
		eb.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxAttempts-1)), ctx)

		err := backoff.Retry(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return s.Send(sendCtx, a)
		}, policy)
		if err != nil {
			d.count(func(st *Stats) { st.Failed++ })
			observ.IncCounter("alerts_failed_total", map[string]string{"channel": s.Name()})
			log.Error().Err(err).Str("channel", s.Name()).Str("event", a.Event.ID).Msg("alert delivery failed")
			continue
		}
		d.count(func(st *Stats) { st.Sent++ })
		observ.IncCounter("alerts_sent_total", map[string]string{"channel": s.Name()})
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
