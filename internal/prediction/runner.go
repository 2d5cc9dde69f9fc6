package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// Request is the feature snapshot handed to every model for one cycle
type Request struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// Runner produces a native output for one model
type Runner interface {
	Meta() ModelMeta
	Produce(ctx context.Context, req Request) (RawOutput, error)
}

// HTTPRunner calls an external model service: POST {baseURL}/predict
type HTTPRunner struct {
	meta   ModelMeta
	url    string
	client *http.Client
}

func NewHTTPRunner(meta ModelMeta, baseURL string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPRunner{
		meta:   meta,
		url:    baseURL + "/predict",
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRunner) Meta() ModelMeta { return r.meta }

func (r *HTTPRunner) Produce(ctx context.Context, req Request) (RawOutput, error) {
	body, err := json.Marshal(struct {
		Request
		ModelID string `json:"model_id"`
	}{req, r.meta.ID})
	if err != nil {
		return RawOutput{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return RawOutput{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return RawOutput{}, fmt.Errorf("model %s: %w", r.meta.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RawOutput{}, fmt.Errorf("model %s: status %d: %s", r.meta.ID, resp.StatusCode, bytes.TrimSpace(b))
	}
	var out RawOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RawOutput{}, fmt.Errorf("model %s: decode response: %w", r.meta.ID, err)
	}
	if out.Symbol == "" {
		out.Symbol = req.Symbol
	}
	return out, nil
}

// MomentumRunner is a deterministic stand-in model that reads one feature
// and emits output in the model's native kind. Used for paper sessions and
// tests when no model service is reachable.
type MomentumRunner struct {
	meta    ModelMeta
	Feature string
	Scale   float64
}

func NewMomentumRunner(meta ModelMeta, feature string, scale float64) *MomentumRunner {
	if scale <= 0 {
		scale = 1
	}
	return &MomentumRunner{meta: meta, Feature: feature, Scale: scale}
}

func (r *MomentumRunner) Meta() ModelMeta { return r.meta }

func (r *MomentumRunner) Produce(ctx context.Context, req Request) (RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return RawOutput{}, err
	}
	x, ok := req.Features[r.Feature]
	if !ok {
		return RawOutput{}, fmt.Errorf("model %s: feature %q missing", r.meta.ID, r.Feature)
	}
	s := math.Tanh(x / r.Scale)
	out := RawOutput{ModelID: r.meta.ID, Symbol: req.Symbol, Timestamp: req.Timestamp, Kind: r.meta.Kind}

	switch r.meta.Kind {
	case KindQValues:
		out.QValues = []float64{s, -s, 0}
	case KindDirect:
		out.Direction = Flat
		if s > 0 {
			out.Direction = Long
		} else if s < 0 {
			out.Direction = Short
		}
		out.Probability = 0.5 + math.Abs(s)/2
	default:
		out.Kind = KindClassProbs
		pFlat := 0.2 * (1 - math.Abs(s))
		pLong := (1 - pFlat) * (1 + s) / 2
		out.Probabilities = []float64{1 - pFlat - pLong, pFlat, pLong}
	}
	return out, nil
}

// Collect fans a request out to every runner in parallel and normalizes the
// results. Runners that fail, time out, or return unusable output are
// excluded and reported; they never block the cycle beyond timeout.
func Collect(ctx context.Context, runners []Runner, n *Normalizer, req Request, timeout time.Duration) ([]Prediction, []error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		pred Prediction
		err  error
	}
	results := make([]result, len(runners))

	var wg sync.WaitGroup
	for i, r := range runners {
		wg.Add(1)
		go func(i int, r Runner) {
			defer wg.Done()
			meta := r.Meta()
			start := time.Now()
			raw, err := r.Produce(ctx, req)
			observ.RecordDuration("model_latency", time.Since(start), map[string]string{"model": meta.ID})
			if err != nil {
				results[i].err = &Error{ModelID: meta.ID, Symbol: req.Symbol, Reason: err.Error(), Kind: ErrUnavailable}
				return
			}
			results[i].pred, results[i].err = n.Normalize(raw, meta)
		}(i, r)
	}
	wg.Wait()

	var preds []Prediction
	var excluded []error
	for i, res := range results {
		if res.err != nil {
			excluded = append(excluded, res.err)
			log.Warn().Err(res.err).Str("model", runners[i].Meta().ID).Str("symbol", req.Symbol).Msg("prediction excluded")
			observ.IncCounter("predictions_excluded_total", map[string]string{"model": runners[i].Meta().ID})
			continue
		}
		preds = append(preds, res.pred)
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].ModelID < preds[j].ModelID })
	return preds, excluded
}
