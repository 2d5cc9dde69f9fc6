package market

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimFeedIsDeterministicPerSeed(t *testing.T) {
	cfg := SimConfig{Symbols: []string{"msft", "AAPL"}, Interval: time.Minute, Seed: 42}
	a, b := NewSimFeed(cfg), NewSimFeed(cfg)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	var last []Snapshot
	for i := 0; i < 30; i++ {
		sa := a.Step(now.Add(time.Duration(i) * time.Minute))
		sb := b.Step(now.Add(time.Duration(i) * time.Minute))
		require.Equal(t, sa, sb)
		last = sa
	}
	require.Len(t, last, 2)
	assert.Equal(t, "AAPL", last[0].Symbol)
	assert.Equal(t, "MSFT", last[1].Symbol)
	for _, s := range last {
		assert.Greater(t, s.Price, 0.0)
		assert.Contains(t, s.Features, FeatureMomentum)
		assert.Greater(t, s.Features[FeatureVolatility], 0.0)
	}
	// Half an hour of 2.5% daily vol stays near the base price
	assert.InDelta(t, 206.80, last[0].Price, 206.80*0.05)
}

func TestFeatures(t *testing.T) {
	fs := features([]float64{0.01, 0.01, 0.01})
	assert.Equal(t, 0.01, fs[FeatureReturn])
	assert.InDelta(t, 0, fs[FeatureVolatility], 1e-12)
	assert.Zero(t, fs[FeatureMomentum], "no dispersion, no momentum score")

	up := features([]float64{0.01, 0.02, 0.015, 0.01})
	assert.Greater(t, up[FeatureMomentum], 0.0)
	down := features([]float64{-0.01, -0.02, -0.015, -0.01})
	assert.Less(t, down[FeatureMomentum], 0.0)
}

func TestSimFeedStartStops(t *testing.T) {
	f := NewSimFeed(SimConfig{Symbols: []string{"AAPL"}, Interval: 5 * time.Millisecond, Seed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.Start(ctx)
	require.NoError(t, err)
	select {
	case s := <-ch:
		assert.Equal(t, "AAPL", s.Symbol)
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
	cancel()
	for range ch {
	}
}

func TestReplayFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snaps.jsonl")
	content := `# session 2026-03-02
{"symbol":"AAPL","timestamp":"2026-03-02T15:00:00Z","price":206.8,"features":{"momentum":1.2}}
{"symbol":"AAPL","timestamp":"2026-03-02T15:00:01Z","price":-1}
not json
{"symbol":"MSFT","timestamp":"2026-03-02T15:00:02Z","price":415.75,"features":{"momentum":-0.4}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	ch, err := (&ReplayFeed{Path: path}).Start(context.Background())
	require.NoError(t, err)
	var got []Snapshot
	for s := range ch {
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, 1.2, got[0].Features["momentum"])
	assert.Equal(t, "MSFT", got[1].Symbol)

	_, err = (&ReplayFeed{Path: filepath.Join(t.TempDir(), "missing")}).Start(context.Background())
	assert.Error(t, err)
}
