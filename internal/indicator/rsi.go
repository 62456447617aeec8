// Package indicator provides the incremental RSI calculation used per instrument.
//
// PriceSeries consumes one price at a time and keeps a bounded window plus
// Wilder's smoothed averages.
package indicator

import "rsi-engine/internal/ringbuf"

// DefaultPeriod is the RSI lookback used when none is configured.
const DefaultPeriod = 14

// NeutralRSI is reported when neither gains nor losses were observed over the
// smoothing window. Wilder's formula is undefined there (0/0); the engine
// reports the midpoint instead of failing.
const NeutralRSI = 50.0

// Reading is the outcome of a single observation.
type Reading struct {
	Value float64 // RSI in [0,100]; meaningful only when Ready
	Ready bool    // false during warm-up (first period observations)
	Count uint64  // 1-based observation number for this series
}

// PriceSeries calculates the Relative Strength Index using Wilder's smoothing.
// It keeps only the last period+1 prices, so memory per instrument is bounded.
// Observe is O(1) except on the seeding observation, which scans the window once.
//
// A PriceSeries is not safe for concurrent use; the store serializes writers per key.
type PriceSeries struct {
	period  int
	window  *ringbuf.Window[float64]
	count   uint64
	avgGain float64
	avgLoss float64
}

// NewPriceSeries creates a series with the given period. Non-positive periods fall
// back to DefaultPeriod.
func NewPriceSeries(period int) *PriceSeries {
	if period < 1 {
		period = DefaultPeriod
	}
	return &PriceSeries{
		period: period,
		window: ringbuf.New[float64](period + 1),
	}
}

// Observe appends price and returns the resulting RSI reading.
func (s *PriceSeries) Observe(price float64) Reading {
	prev, _ := s.window.Last()
	s.window.Push(price)
	s.count++

	n := uint64(s.period)
	switch {
	case s.count <= n:
		return Reading{Count: s.count}
	case s.count == n+1:
		// Window holds exactly period+1 prices: seed from its period transitions.
		var sumGain, sumLoss float64
		for i := 1; i < s.window.Len(); i++ {
			g, l := splitDelta(s.window.At(i) - s.window.At(i-1))
			sumGain += g
			sumLoss += l
		}
		s.avgGain = sumGain / float64(s.period)
		s.avgLoss = sumLoss / float64(s.period)
	default:
		g, l := splitDelta(price - prev)
		s.avgGain, s.avgLoss = s.smooth(g, l)
	}

	return Reading{Value: RSIFromAverages(s.avgGain, s.avgLoss), Ready: true, Count: s.count}
}

// Peek computes what Observe(price) would return, WITHOUT mutating state.
func (s *PriceSeries) Peek(price float64) (float64, bool) {
	n := uint64(s.period)
	next := s.count + 1
	switch {
	case next <= n:
		return 0, false
	case next == n+1:
		var sumGain, sumLoss float64
		for i := 1; i < s.window.Len(); i++ {
			g, l := splitDelta(s.window.At(i) - s.window.At(i-1))
			sumGain += g
			sumLoss += l
		}
		last, _ := s.window.Last()
		g, l := splitDelta(price - last)
		p := float64(s.period)
		return RSIFromAverages((sumGain+g)/p, (sumLoss+l)/p), true
	default:
		last, _ := s.window.Last()
		ag, al := s.smooth(splitDelta(price - last))
		return RSIFromAverages(ag, al), true
	}
}

func (s *PriceSeries) smooth(gain, loss float64) (float64, float64) {
	p := float64(s.period)
	return (s.avgGain*(p-1) + gain) / p, (s.avgLoss*(p-1) + loss) / p
}

// RSIFromAverages maps smoothed averages to RSI.
// avgLoss == 0 means every move was up (100), unless nothing moved at all (NeutralRSI).
func RSIFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return NeutralRSI
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

func splitDelta(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}
