package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// ConnectionState is the fill stream connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// LiveConfig configures the HTTP venue client
type LiveConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"-"`
	Timeout          time.Duration `yaml:"timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// HTTPBroker talks to a venue over REST for orders and a websocket for fills.
// Submissions carry the idempotency key in the Idempotency-Key header; the
// venue answers 409 with the original order for a repeated key.
type HTTPBroker struct {
	cfg    LiveConfig
	client *http.Client
	fills  chan FillNotice
	state  atomic.Int32

	mu     sync.Mutex
	seen   map[string]struct{} // delivered fill ids
	order  []string            // seen in arrival order, for bounding
	lastID string
}

const maxSeenFills = 10000

func NewHTTPBroker(cfg LiveConfig) *HTTPBroker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		fills:  make(chan FillNotice, 1024),
		seen:   make(map[string]struct{}),
	}
}

func (b *HTTPBroker) Fills() <-chan FillNotice { return b.fills }

func (b *HTTPBroker) ConnectionState() ConnectionState {
	return ConnectionState(b.state.Load())
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *HTTPBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal order: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	b.authorize(httpReq)

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	observ.RecordDuration("broker_submit_latency", time.Since(start), map[string]string{"venue": "live"})
	if err != nil {
		observ.IncCounter("broker_submit_errors_total", map[string]string{"venue": "live"})
		return SubmitResult{}, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict:
		var res SubmitResult
		if err := json.Unmarshal(data, &res); err != nil || res.BrokerOrderID == "" {
			return SubmitResult{}, fmt.Errorf("malformed submit response (status %d)", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusConflict {
			res.Status = StatusDuplicate
			observ.IncCounter("broker_duplicate_submits_total", map[string]string{"venue": "live"})
		} else if res.Status == "" {
			res.Status = StatusAccepted
		}
		observ.IncCounter("broker_orders_total", map[string]string{"venue": "live", "side": string(req.Side)})
		return res, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		if ae.Code == "" {
			ae.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		observ.IncCounter("broker_rejects_total", map[string]string{"venue": "live", "code": ae.Code})
		return SubmitResult{}, &RejectError{Code: ae.Code, Message: ae.Message}
	default:
		observ.IncCounter("broker_submit_errors_total", map[string]string{"venue": "live"})
		return SubmitResult{}, fmt.Errorf("venue unavailable: status %d", resp.StatusCode)
	}
}

func (b *HTTPBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.cfg.BaseURL+"/orders/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.authorize(httpReq)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return ErrUnknownOrder
	case http.StatusConflict:
		return ErrNotCancelable
	default:
		return fmt.Errorf("cancel failed: status %d", resp.StatusCode)
	}
}

func (b *HTTPBroker) authorize(r *http.Request) {
	if b.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

// Start consumes the venue's fill stream until ctx is cancelled,
// reconnecting with exponential backoff. Each reconnect asks for fills after
// the last one seen and duplicates are dropped by fill id.
func (b *HTTPBroker) Start(ctx context.Context) {
	go b.streamLoop(ctx)
}

func (b *HTTPBroker) streamLoop(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.ReconnectInitial
	eb.MaxInterval = b.cfg.ReconnectMax
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(eb, ctx)

	op := func() error {
		err := b.consume(ctx, eb)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observ.IncCounter("broker_stream_reconnects_total", nil)
		log.Warn().Err(err).Dur("retry_in", wait).Msg("fill stream disconnected")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("fill stream stopped")
	}
	b.setState(StateDisconnected)
}

func (b *HTTPBroker) setState(s ConnectionState) {
	b.state.Store(int32(s))
	observ.SetGauge("broker_stream_state", float64(s), nil)
}

func (b *HTTPBroker) streamURL() (string, error) {
	u, err := url.Parse(b.cfg.BaseURL + "/fills/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	b.mu.Lock()
	last := b.lastID
	b.mu.Unlock()
	if last != "" {
		q := u.Query()
		q.Set("after", last)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// consume runs one connection until it fails
func (b *HTTPBroker) consume(ctx context.Context, eb *backoff.ExponentialBackOff) error {
	b.setState(StateConnecting)
	target, err := b.streamURL()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("bad stream url: %w", err))
	}
	header := http.Header{}
	if b.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		b.setState(StateDisconnected)
		return fmt.Errorf("dial fill stream: %w", err)
	}
	defer conn.Close()
	b.setState(StateConnected)
	eb.Reset()
	log.Info().Str("url", target).Msg("fill stream connected")

	// Unblock the read when ctx ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.setState(StateDisconnected)
			return fmt.Errorf("read fill stream: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))

		var notice FillNotice
		if err := json.Unmarshal(msg, &notice); err != nil || notice.FillID == "" {
			observ.IncCounter("broker_stream_parse_errors_total", nil)
			log.Warn().Err(err).Msg("malformed fill notice skipped")
			continue
		}
		if !b.markSeen(notice.FillID) {
			observ.IncCounter("broker_duplicate_fills_total", nil)
			continue
		}
		select {
		case b.fills <- notice:
			observ.IncCounter("broker_fills_total", map[string]string{"venue": "live"})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markSeen records a fill id and reports whether it is new
func (b *HTTPBroker) markSeen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[id]; dup {
		return false
	}
	b.seen[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > maxSeenFills {
		delete(b.seen, b.order[0])
		b.order = b.order[1:]
	}
	b.lastID = id
	return true
}
