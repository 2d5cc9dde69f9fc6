// Package gate decides whether a consensus signal becomes an order.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/ensemble-trader/internal/ensemble"
	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
	"github.com/Rajchodisetti/ensemble-trader/internal/order"
	"github.com/Rajchodisetti/ensemble-trader/internal/portfolio"
	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
	"github.com/Rajchodisetti/ensemble-trader/internal/risk"
)

// Code is a machine-readable rejection code
type Code string

const (
	CodeFlatSignal     Code = "flat_signal"
	CodeLowConfidence  Code = "below_confidence_threshold"
	CodeHalted         Code = "system_halted"
	CodeRateLimited    Code = "rate_limited"
	CodeRiskDenied     Code = "risk_denied"
	CodeInvalidRequest Code = "invalid_request"
)

// Rejection explains why a signal did not become an order
type Rejection struct {
	Code   Code
	Symbol string
	Denial risk.DenialReason // set when Code is risk_denied
	Detail string
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("signal for %s rejected: %s", r.Symbol, r.Code)
	if r.Denial != "" {
		msg += " (" + string(r.Denial) + ")"
	}
	if r.Detail != "" {
		msg += ": " + r.Detail
	}
	return msg
}

// IsRejection reports whether err is a *Rejection and returns its code
func IsRejection(err error) (Code, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code, true
	}
	return "", false
}

// Config is the gate's hot-reloadable configuration
type Config struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	OrdersPerMinute     float64 `yaml:"orders_per_minute"` // 0 disables the limiter
	Burst               int     `yaml:"burst"`
}

func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.6, OrdersPerMinute: 30, Burst: 5}
}

// Authorizer sizes trades
type Authorizer interface {
	Authorize(req risk.AuthorizationRequest) (risk.Authorization, error)
	Release(key string)
}

// Submitter takes ownership of orders
type Submitter interface {
	Submit(ctx context.Context, o order.Order) (order.Order, error)
}

// Gate is stateless apart from its configuration and order-rate limiter
type Gate struct {
	risk   Authorizer
	orders Submitter

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, a Authorizer, s Submitter) *Gate {
	g := &Gate{risk: a, orders: s}
	g.Apply(cfg)
	return g
}

// Apply swaps in new configuration. Callers apply it between cycles.
func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	if cfg.OrdersPerMinute <= 0 {
		g.limiter = nil
		return
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.OrdersPerMinute / 60.0)
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(limit, burst)
		return
	}
	g.limiter.SetLimit(limit)
	g.limiter.SetBurst(burst)
}

func (g *Gate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Evaluate screens one signal. snap is the mode captured at the start of
// the cycle; price is the reference price used to size the order. The
// returned order is the accepted (or already existing) order; a rejected
// signal returns a *Rejection.
func (g *Gate) Evaluate(ctx context.Context, sig ensemble.ConsensusSignal, snap mode.Snapshot, price float64) (order.Order, error) {
	g.mu.RLock()
	cfg := g.cfg
	limiter := g.limiter
	g.mu.RUnlock()

	reject := func(code Code, detail string) (order.Order, error) {
		observ.IncCounter("gate_rejections_total", map[string]string{"code": string(code)})
		log.Debug().Str("symbol", sig.Symbol).Str("code", string(code)).Str("detail", detail).Msg("signal rejected")
		return order.Order{}, &Rejection{Code: code, Symbol: sig.Symbol, Detail: detail}
	}

	switch {
	case sig.Direction == prediction.Flat:
		return reject(CodeFlatSignal, "")
	case sig.Direction != prediction.Long && sig.Direction != prediction.Short:
		return reject(CodeInvalidRequest, fmt.Sprintf("direction %q", sig.Direction))
	case sig.Confidence < cfg.ConfidenceThreshold:
		return reject(CodeLowConfidence, fmt.Sprintf("%.3f < %.3f", sig.Confidence, cfg.ConfidenceThreshold))
	case snap.Halted():
		return reject(CodeHalted, "")
	}

	if limiter != nil && !limiter.Allow() {
		return reject(CodeRateLimited, "")
	}

	side := portfolio.Buy
	if sig.Direction == prediction.Short {
		side = portfolio.Sell
	}
	key := order.Key(sig.Symbol, side, sig.Timestamp)

	auth, err := g.risk.Authorize(risk.AuthorizationRequest{
		Key:        key,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Price:      price,
		Venue:      snap.Trading,
	})
	if err != nil {
		if reason, ok := risk.IsDenial(err); ok {
			observ.IncCounter("gate_rejections_total", map[string]string{"code": string(CodeRiskDenied)})
			return order.Order{}, &Rejection{Code: CodeRiskDenied, Symbol: sig.Symbol, Denial: reason, Detail: err.Error()}
		}
		return order.Order{}, fmt.Errorf("authorize %s: %w", sig.Symbol, err)
	}

	purpose := order.PurposeEntry
	if auth.Reduce {
		purpose = order.PurposeExit
	}
	venue := auth.Venue
	if venue == "" {
		venue = snap.Trading
	}
	o, err := g.orders.Submit(ctx, order.Order{
		IdempotencyKey: key,
		Symbol:         sig.Symbol,
		Side:           auth.Side,
		RequestedSize:  auth.Quantity,
		Price:          auth.Price,
		Confidence:     sig.Confidence,
		Purpose:        purpose,
		Mode:           venue,
	})
	if errors.Is(err, order.ErrDuplicate) {
		if o.State.Terminal() {
			// Re-evaluation of a signal whose order already finished
			g.risk.Release(key)
		}
		observ.IncCounter("gate_duplicate_signals_total", nil)
		return o, nil
	}
	if errors.Is(err, order.ErrNotAuthorized) {
		observ.IncCounter("gate_rejections_total", map[string]string{"code": string(CodeHalted)})
		return o, &Rejection{Code: CodeHalted, Symbol: sig.Symbol, Detail: err.Error()}
	}
	if errors.Is(err, order.ErrInvalidOrder) {
		g.risk.Release(key)
	}
	if err != nil {
		return o, err
	}
	observ.IncCounter("gate_orders_total", map[string]string{"side": string(auth.Side), "purpose": string(purpose)})
	log.Info().Str("symbol", sig.Symbol).Str("key", key).Str("side", string(auth.Side)).Float64("qty", auth.Quantity).
		Float64("confidence", sig.Confidence).Str("mode", string(venue)).Msg("order placed")
	return o, nil
}
