package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
)

// Router sends each order to the paper or live venue named by its mode and
// merges both fill streams.
type Router struct {
	paper Broker
	live  Broker

	mu    sync.Mutex
	venue map[string]Broker // broker order id -> venue

	fills chan FillNotice
	once  sync.Once
}

// NewRouter builds a router. live may be nil when no live venue is configured.
func NewRouter(paper, live Broker) *Router {
	return &Router{
		paper: paper,
		live:  live,
		venue: make(map[string]Broker),
		fills: make(chan FillNotice, 1024),
	}
}

// Start begins merging venue fills until ctx ends
func (r *Router) Start(ctx context.Context) {
	r.once.Do(func() {
		for _, b := range []Broker{r.paper, r.live} {
			if b == nil {
				continue
			}
			go func(src <-chan FillNotice) {
				for {
					select {
					case <-ctx.Done():
						return
					case f := <-src:
						select {
						case r.fills <- f:
						case <-ctx.Done():
							return
						}
					}
				}
			}(b.Fills())
		}
	})
}

func (r *Router) Fills() <-chan FillNotice { return r.fills }

func (r *Router) pick(m mode.Mode) (Broker, error) {
	switch m {
	case mode.Paper:
		return r.paper, nil
	case mode.Live:
		if r.live == nil {
			return nil, &RejectError{Code: "live_unavailable", Message: "no live venue configured"}
		}
		return r.live, nil
	default:
		return nil, &RejectError{Code: "invalid_mode", Message: fmt.Sprintf("cannot route orders in mode %q", m)}
	}
}

func (r *Router) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	b, err := r.pick(req.Mode)
	if err != nil {
		return SubmitResult{}, err
	}
	res, err := b.SubmitOrder(ctx, req)
	if err == nil {
		r.mu.Lock()
		r.venue[res.BrokerOrderID] = b
		r.mu.Unlock()
	}
	return res, err
}

// CancelOrder routes to the venue that accepted the order. Orders recovered
// from a previous run are routed by their id prefix.
func (r *Router) CancelOrder(ctx context.Context, brokerOrderID string) error {
	r.mu.Lock()
	b, ok := r.venue[brokerOrderID]
	r.mu.Unlock()
	if !ok {
		b = r.paper
		if !strings.HasPrefix(brokerOrderID, "paper-") && r.live != nil {
			b = r.live
		}
	}
	return b.CancelOrder(ctx, brokerOrderID)
}
