// Package indicators derives technical signals from candle history:
// support/resistance levels and a moving-average/RSI snapshot.
package indicators

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/initialgyw/fiddy/internal/domain"
)

// LevelKind distinguishes support from resistance.
type LevelKind string

const (
	Support    LevelKind = "support"
	Resistance LevelKind = "resistance"
)

// Level is a price level derived from a fractal in the candle history.
type Level struct {
	Kind  LevelKind
	Price float64
	// Datetime is the epoch-millisecond timestamp of the fractal candle.
	Datetime int64
}

// Levels finds support and resistance levels using five-candle fractals.
// A support fractal is a low flanked by two rising lows on each side, a
// resistance fractal the mirror image. Levels closer to an already
// accepted level than the average candle range are treated as noise and
// dropped. Results are sorted by price ascending.
func Levels(candles []domain.Candle) []Level {
	if len(candles) < 5 {
		return nil
	}

	avgRange := averageCandleRange(candles)

	var levels []Level
	for i := 2; i < len(candles)-2; i++ {
		if isSupportFractal(candles, i) {
			levels = appendLevel(levels, Level{
				Kind:     Support,
				Price:    candles[i].Low,
				Datetime: candles[i].Datetime,
			}, avgRange)
		}
		if isResistanceFractal(candles, i) {
			levels = appendLevel(levels, Level{
				Kind:     Resistance,
				Price:    candles[i].High,
				Datetime: candles[i].Datetime,
			}, avgRange)
		}
	}

	sort.Slice(levels, func(a, b int) bool { return levels[a].Price < levels[b].Price })

	return levels
}

func isSupportFractal(c []domain.Candle, i int) bool {
	return c[i].Low < c[i-1].Low &&
		c[i].Low < c[i+1].Low &&
		c[i+1].Low < c[i+2].Low &&
		c[i-1].Low < c[i-2].Low
}

func isResistanceFractal(c []domain.Candle, i int) bool {
	return c[i].High > c[i-1].High &&
		c[i].High > c[i+1].High &&
		c[i+1].High > c[i+2].High &&
		c[i-1].High > c[i-2].High
}

// appendLevel adds a level unless it sits within avgRange of one already
// found, which would just restate the same zone.
func appendLevel(levels []Level, l Level, avgRange float64) []Level {
	for _, existing := range levels {
		d := l.Price - existing.Price
		if d < 0 {
			d = -d
		}
		if d < avgRange {
			return levels
		}
	}
	return append(levels, l)
}

func averageCandleRange(candles []domain.Candle) float64 {
	ranges := make([]float64, len(candles))
	for i, c := range candles {
		ranges[i] = c.High - c.Low
	}
	return stat.Mean(ranges, nil)
}
