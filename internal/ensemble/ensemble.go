// Package ensemble combines normalized predictions into one consensus signal.
package ensemble

import (
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/ensemble-trader/internal/prediction"
)

// ConsensusSignal is the ensemble output for one symbol and cycle
type ConsensusSignal struct {
	Symbol             string               `json:"symbol"`
	Timestamp          time.Time            `json:"timestamp"`
	Direction          prediction.Direction `json:"direction"`
	ProbLong           float64              `json:"prob_long"`
	ProbShort          float64              `json:"prob_short"`
	Confidence         float64              `json:"confidence"`
	ContributingModels []string             `json:"contributing_models"`
}

// Edge is ProbLong minus ProbShort
func (s ConsensusSignal) Edge() float64 { return s.ProbLong - s.ProbShort }

// Config holds the weight table and decision thresholds
type Config struct {
	Weights map[string]float64 // model id -> weight; the expected model set
	MinEdge float64            // |edge| must exceed this for a direction
	Epsilon float64            // |edge| at or below this is a tie
}

// DefaultWeights is the 40/35/25 split across the three production models
func DefaultWeights() map[string]float64 {
	return map[string]float64{"random_forest": 0.40, "lstm": 0.35, "ddqn": 0.25}
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), MinEdge: 0.05, Epsilon: 1e-9}
}

// Combine folds the predictions for one symbol into a ConsensusSignal.
// Predictions for other symbols or from models outside the weight table are
// ignored, and a model that reported twice contributes its latest
// prediction. The result depends only on the input set, not its order.
func Combine(cfg Config, symbol string, ts time.Time, preds []prediction.Prediction) ConsensusSignal {
	latest := make(map[string]prediction.Prediction, len(preds))
	for _, p := range preds {
		if p.Symbol != symbol {
			continue
		}
		w, ok := cfg.Weights[p.ModelID]
		if !ok || w <= 0 {
			continue
		}
		if prev, seen := latest[p.ModelID]; seen && !newer(p, prev) {
			continue
		}
		latest[p.ModelID] = p
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sumW, longMass, shortMass float64
	for _, id := range ids {
		p := latest[id]
		w := cfg.Weights[id]
		sumW += w
		switch p.Direction {
		case prediction.Long:
			longMass += w * p.Probability
		case prediction.Short:
			shortMass += w * p.Probability
		}
	}

	sig := ConsensusSignal{
		Symbol:             symbol,
		Timestamp:          ts,
		Direction:          prediction.Flat,
		ProbLong:           0.5,
		ProbShort:          0.5,
		ContributingModels: ids,
	}
	if sumW == 0 {
		return sig
	}

	probLong, probShort := longMass/sumW, shortMass/sumW
	if total := probLong + probShort; total > 0 {
		sig.ProbLong, sig.ProbShort = probLong/total, probShort/total
	}

	edge := sig.ProbLong - sig.ProbShort
	switch {
	case math.Abs(edge) <= cfg.Epsilon:
		sig.Direction = prediction.Flat
	case edge > cfg.MinEdge:
		sig.Direction = prediction.Long
	case edge < -cfg.MinEdge:
		sig.Direction = prediction.Short
	}

	expected := 0
	for _, w := range cfg.Weights {
		if w > 0 {
			expected++
		}
	}
	coverage := float64(len(ids)) / float64(expected)
	sig.Confidence = math.Min(1, math.Abs(edge)*coverage)
	return sig
}

// newer orders duplicate predictions from one model deterministically
func newer(a, b prediction.Prediction) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Probability != b.Probability {
		return a.Probability > b.Probability
	}
	return a.Direction < b.Direction
}
