// Package prediction turns heterogeneous model outputs into a common
// Prediction shape the ensemble can combine.
package prediction

import (
	"errors"
	"fmt"
	"time"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short || d == Flat
}

// Opposite returns the reverse trading direction; flat stays flat
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Flat
}

// Prediction is one model's normalized opinion for one symbol at one instant
type Prediction struct {
	ModelID       string    `json:"model_id"`
	Symbol        string    `json:"symbol"`
	Timestamp     time.Time `json:"timestamp"`
	Direction     Direction `json:"direction"`
	Probability   float64   `json:"probability"`
	RawConfidence float64   `json:"raw_confidence"`
}

// Kind identifies the native output format of a model
type Kind string

const (
	// KindClassProbs is a softmax over [short, flat, long]
	KindClassProbs Kind = "class_probs"
	// KindQValues are dueling DQN action values ordered [long, short, flat]
	KindQValues Kind = "q_values"
	// KindDirect is an already decided {direction, probability}
	KindDirect Kind = "direct"
)

// RawOutput is what a model runner returns before normalization
type RawOutput struct {
	ModelID       string    `json:"model_id"`
	Symbol        string    `json:"symbol"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          Kind      `json:"kind"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	QValues       []float64 `json:"q_values,omitempty"`
	Direction     Direction `json:"direction,omitempty"`
	Probability   float64   `json:"probability,omitempty"`
}

// ModelMeta describes a model independently of any single output
type ModelMeta struct {
	ID       string  `json:"id" yaml:"id"`
	Kind     Kind    `json:"kind" yaml:"kind"`
	Accuracy float64 `json:"accuracy" yaml:"accuracy"` // historical hit rate in [0,1]; 0 means unknown
}

var (
	ErrStale       = errors.New("stale prediction")
	ErrMalformed   = errors.New("malformed prediction")
	ErrUnavailable = errors.New("prediction unavailable")
)

// Error is returned for a prediction that must be excluded from a cycle
type Error struct {
	ModelID string
	Symbol  string
	Reason  string
	Kind    error // ErrStale, ErrMalformed or ErrUnavailable
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: model=%s symbol=%s: %s", e.Kind, e.ModelID, e.Symbol, e.Reason)
}

func (e *Error) Unwrap() error { return e.Kind }

func malformed(raw RawOutput, format string, args ...any) error {
	return &Error{ModelID: raw.ModelID, Symbol: raw.Symbol, Reason: fmt.Sprintf(format, args...), Kind: ErrMalformed}
}

func stale(raw RawOutput, format string, args ...any) error {
	return &Error{ModelID: raw.ModelID, Symbol: raw.Symbol, Reason: fmt.Sprintf(format, args...), Kind: ErrStale}
}
