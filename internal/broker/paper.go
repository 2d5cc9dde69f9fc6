package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
)

// PaperConfig shapes simulated executions
type PaperConfig struct {
	LatencyMsMin   int   `yaml:"latency_ms_min"`
	LatencyMsMax   int   `yaml:"latency_ms_max"`
	SlippageBpsMin int   `yaml:"slippage_bps_min"`
	SlippageBpsMax int   `yaml:"slippage_bps_max"`
	FillChunks     int   `yaml:"fill_chunks"` // >1 splits each order into partial fills
	Seed           int64 `yaml:"seed"`
}

type paperOrder struct {
	id        string
	req       SubmitRequest
	filled    float64
	complete  bool
	cancelled bool
}

// PaperBroker simulates a venue in process. Orders fill after a random
// latency with random adverse slippage, optionally in several chunks.
type PaperBroker struct {
	cfg PaperConfig

	mu     sync.Mutex
	rng    *rand.Rand
	orders map[string]*paperOrder // by broker order id
	byKey  map[string]string      // idempotency key -> broker order id
	hook   func(SubmitRequest) error
	marks  map[string]float64

	fills  chan FillNotice
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	if cfg.LatencyMsMax < cfg.LatencyMsMin {
		cfg.LatencyMsMax = cfg.LatencyMsMin
	}
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	if cfg.FillChunks < 1 {
		cfg.FillChunks = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperBroker{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		orders: make(map[string]*paperOrder),
		byKey:  make(map[string]string),
		marks:  make(map[string]float64),
		fills:  make(chan FillNotice, 1024),
		done:   make(chan struct{}),
	}
}

// SetSubmitHook installs a function consulted before every submission.
// A non-nil return fails the submission with that error.
func (b *PaperBroker) SetSubmitHook(fn func(SubmitRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

// Mark sets the price simulated fills are taken from. Without a mark the
// request's reference price is used.
func (b *PaperBroker) Mark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
}

func (b *PaperBroker) Fills() <-chan FillNotice { return b.fills }

func (b *PaperBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}

	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			observ.IncCounter("broker_submit_errors_total", map[string]string{"venue": "paper"})
			return SubmitResult{}, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return SubmitResult{}, &RejectError{Code: "venue_closed", Message: "paper broker closed"}
	}
	if id, ok := b.byKey[req.IdempotencyKey]; ok {
		observ.IncCounter("broker_duplicate_submits_total", map[string]string{"venue": "paper"})
		return SubmitResult{BrokerOrderID: id, Status: StatusDuplicate}, nil
	}

	o := &paperOrder{id: "paper-" + uuid.NewString(), req: req}
	b.orders[o.id] = o
	b.byKey[req.IdempotencyKey] = o.id
	latency := b.latencyLocked()

	b.wg.Add(1)
	go b.execute(o, latency)

	observ.IncCounter("broker_orders_total", map[string]string{"venue": "paper", "side": string(req.Side)})
	log.Debug().Str("key", req.IdempotencyKey).Str("broker_order_id", o.id).Str("symbol", req.Symbol).
		Float64("qty", req.Quantity).Dur("latency", latency).Msg("paper order accepted")
	return SubmitResult{BrokerOrderID: o.id, Status: StatusAccepted}, nil
}

func (b *PaperBroker) latencyLocked() time.Duration {
	span := b.cfg.LatencyMsMax - b.cfg.LatencyMsMin
	ms := b.cfg.LatencyMsMin
	if span > 0 {
		ms += b.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (b *PaperBroker) slippageLocked() float64 {
	span := b.cfg.SlippageBpsMax - b.cfg.SlippageBpsMin
	bps := b.cfg.SlippageBpsMin
	if span > 0 {
		bps += b.rng.Intn(span + 1)
	}
	return float64(bps) / 10000.0
}

// execute emits the order's fills, stopping early if it is cancelled
func (b *PaperBroker) execute(o *paperOrder, latency time.Duration) {
	defer b.wg.Done()
	chunks := b.cfg.FillChunks
	for i := 0; i < chunks; i++ {
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-b.done:
				return
			}
		}

		b.mu.Lock()
		if o.cancelled || b.closed {
			b.mu.Unlock()
			return
		}
		qty := o.req.Quantity / float64(chunks)
		if i == chunks-1 {
			qty = o.req.Quantity - o.filled
		}
		price := o.req.Price
		if m, ok := b.marks[o.req.Symbol]; ok && m > 0 {
			price = m
		}
		// Slippage is always adverse
		mult := 1.0 + b.slippageLocked()
		if o.req.Side == portfolio.Buy {
			price *= mult
		} else {
			price /= mult
		}
		o.filled += qty
		o.complete = i == chunks-1
		b.mu.Unlock()

		notice := FillNotice{
			FillID:         o.id + "-" + uuid.NewString()[:8],
			BrokerOrderID:  o.id,
			IdempotencyKey: o.req.IdempotencyKey,
			Symbol:         o.req.Symbol,
			Side:           o.req.Side,
			FilledSize:     qty,
			Price:          price,
			Timestamp:      time.Now().UTC(),
		}
		select {
		case b.fills <- notice:
			observ.IncCounter("broker_fills_total", map[string]string{"venue": "paper"})
		case <-b.done:
			return
		}
	}
}

// CancelOrder stops any remaining fills of an open order
func (b *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.complete {
		return ErrNotCancelable
	}
	o.cancelled = true
	return nil
}

// Close stops pending executions. The fill channel is left open so readers
// never see a spurious close.
func (b *PaperBroker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
}
