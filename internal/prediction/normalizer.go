package prediction

import (
	"math"
	"time"
)

const (
	probSumTolerance = 0.01
	highProbBoost    = 0.1
	highProbLevel    = 0.7
)

// Normalizer validates raw outputs and maps them to Prediction.
// It is stateless and safe for concurrent use.
type Normalizer struct {
	Staleness time.Duration // max age of a prediction
	MaxSkew   time.Duration // tolerated clock skew for future timestamps
	Now       func() time.Time
}

func NewNormalizer(staleness time.Duration) *Normalizer {
	return &Normalizer{Staleness: staleness, MaxSkew: 2 * time.Second, Now: time.Now}
}

// Normalize maps a native output plus model metadata to a Prediction.
// The returned error is always a *Error wrapping ErrStale or ErrMalformed.
func (n *Normalizer) Normalize(raw RawOutput, meta ModelMeta) (Prediction, error) {
	if raw.ModelID == "" {
		raw.ModelID = meta.ID
	}
	if raw.Kind == "" {
		raw.Kind = meta.Kind
	}
	if raw.ModelID == "" || raw.Symbol == "" {
		return Prediction{}, malformed(raw, "missing model id or symbol")
	}
	if raw.Timestamp.IsZero() {
		return Prediction{}, malformed(raw, "missing timestamp")
	}

	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	if n.Staleness > 0 && now.Sub(raw.Timestamp) > n.Staleness {
		return Prediction{}, stale(raw, "age %s exceeds %s", now.Sub(raw.Timestamp).Round(time.Millisecond), n.Staleness)
	}
	if raw.Timestamp.Sub(now) > n.MaxSkew {
		return Prediction{}, stale(raw, "timestamp %s is in the future", raw.Timestamp.Format(time.RFC3339Nano))
	}

	var (
		dir   Direction
		prob  float64
		probs []float64
		err   error
	)
	switch raw.Kind {
	case KindClassProbs:
		dir, prob, probs, err = fromClassProbs(raw)
	case KindQValues:
		dir, prob, probs, err = fromQValues(raw)
	case KindDirect:
		dir, prob, probs, err = fromDirect(raw)
	default:
		err = malformed(raw, "unknown output kind %q", raw.Kind)
	}
	if err != nil {
		return Prediction{}, err
	}

	accuracy := meta.Accuracy
	if accuracy <= 0 || math.IsNaN(accuracy) {
		accuracy = 1
	}
	accuracy = math.Min(accuracy, 1)

	return Prediction{
		ModelID:       raw.ModelID,
		Symbol:        raw.Symbol,
		Timestamp:     raw.Timestamp,
		Direction:     dir,
		Probability:   prob,
		RawConfidence: clamp01(separation(probs) * accuracy),
	}, nil
}

// fromClassProbs reads a [short, flat, long] distribution
func fromClassProbs(raw RawOutput) (Direction, float64, []float64, error) {
	p := raw.Probabilities
	if len(p) != 3 {
		return "", 0, nil, malformed(raw, "expected 3 class probabilities, got %d", len(p))
	}
	sum := 0.0
	for _, v := range p {
		if !finite(v) || v < 0 || v > 1 {
			return "", 0, nil, malformed(raw, "probability %v out of range", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > probSumTolerance {
		return "", 0, nil, malformed(raw, "probabilities sum to %.4f", sum)
	}
	dir, prob := argmax(p[2], p[0], p[1])
	return dir, prob, p, nil
}

// fromQValues calibrates [long, short, flat] action values into a
// distribution. Each directional action is scored by its margin over the
// best alternative, squashed through a logistic, and flat takes the mass the
// stronger side leaves over.
func fromQValues(raw RawOutput) (Direction, float64, []float64, error) {
	q := raw.QValues
	if len(q) != 3 {
		return "", 0, nil, malformed(raw, "expected 3 q-values, got %d", len(q))
	}
	for _, v := range q {
		if !finite(v) {
			return "", 0, nil, malformed(raw, "q-value %v is not finite", v)
		}
	}
	pLong := logistic(q[0] - math.Max(q[1], q[2]))
	pShort := logistic(q[1] - math.Max(q[0], q[2]))
	pFlat := math.Max(0, 1-math.Max(pLong, pShort))
	total := pLong + pShort + pFlat
	pLong, pShort, pFlat = pLong/total, pShort/total, pFlat/total

	dir, prob := argmax(pLong, pShort, pFlat)
	return dir, prob, []float64{pShort, pFlat, pLong}, nil
}

func fromDirect(raw RawOutput) (Direction, float64, []float64, error) {
	if !raw.Direction.Valid() {
		return "", 0, nil, malformed(raw, "unknown direction %q", raw.Direction)
	}
	p := raw.Probability
	if !finite(p) || p < 0 || p > 1 {
		return "", 0, nil, malformed(raw, "probability %v out of range", p)
	}
	if raw.Direction == Flat {
		return Flat, p, []float64{0, 0}, nil
	}
	return raw.Direction, p, []float64{p, 1 - p}, nil
}

// argmax picks the most probable class. Ties between long and short, or any
// tie involving flat, resolve to flat.
func argmax(pLong, pShort, pFlat float64) (Direction, float64) {
	switch {
	case pLong > pShort && pLong > pFlat:
		return Long, pLong
	case pShort > pLong && pShort > pFlat:
		return Short, pShort
	default:
		return Flat, pFlat
	}
}

// separation is the spread between the most and least likely classes, with a
// small boost for a dominant class.
func separation(p []float64) float64 {
	if len(p) == 0 {
		return 0
	}
	hi, lo := p[0], p[0]
	for _, v := range p[1:] {
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	s := hi - lo
	if hi > highProbLevel {
		s += highProbBoost
	}
	return clamp01(s)
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
