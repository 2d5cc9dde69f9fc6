package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// returnWindow keeps the most recent equity returns for VaR
type returnWindow struct {
	size    int
	returns []float64
	last    float64 // last equity sampled
}

func newReturnWindow(size int) *returnWindow {
	if size < 2 {
		size = 2
	}
	return &returnWindow{size: size}
}

// sample records the return from the previous equity sample
func (w *returnWindow) sample(equity float64) {
	if w.last > 0 && equity > 0 && !math.IsNaN(equity) {
		w.returns = append(w.returns, (equity-w.last)/w.last)
		if len(w.returns) > w.size {
			w.returns = w.returns[len(w.returns)-w.size:]
		}
	}
	w.last = equity
}

func (w *returnWindow) reset(equity float64) {
	w.returns = nil
	w.last = equity
}

func (w *returnWindow) resize(size int) {
	if size < 2 {
		size = 2
	}
	w.size = size
	if len(w.returns) > size {
		w.returns = w.returns[len(w.returns)-size:]
	}
}

// ParametricVaR returns the one-period value at risk as a fraction of
// equity: z(confidence) times the standard deviation of returns. It returns
// 0 with fewer than minSamples observations.
func ParametricVaR(returns []float64, confidence float64, minSamples int) float64 {
	if minSamples < 2 {
		minSamples = 2
	}
	if len(returns) < minSamples || confidence <= 0.5 || confidence >= 1 {
		return 0
	}
	sigma := stat.StdDev(returns, nil)
	if math.IsNaN(sigma) {
		return 0
	}
	return distuv.UnitNormal.Quantile(confidence) * sigma
}

// Drawdown returns (peak - equity) / peak, floored at zero
func Drawdown(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	return math.Max(0, (peak-equity)/peak)
}
