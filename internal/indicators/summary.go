package indicators

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/initialgyw/fiddy/internal/domain"
)

const (
	smaFastPeriod = 20
	smaSlowPeriod = 50
	rsiPeriod     = 14
)

// Summary is a snapshot of common indicators computed from daily candles.
type Summary struct {
	Close   float64
	SMA20   float64
	SMA50   float64
	RSI14   float64
	Candles int
}

// Summarize computes the indicator snapshot from the most recent values of
// each series. It needs at least smaSlowPeriod candles.
func Summarize(candles []domain.Candle) (Summary, error) {
	if len(candles) < smaSlowPeriod {
		return Summary{}, fmt.Errorf("need at least %d candles, got %d", smaSlowPeriod, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	smaFast := talib.Sma(closes, smaFastPeriod)
	smaSlow := talib.Sma(closes, smaSlowPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)

	last := len(closes) - 1

	return Summary{
		Close:   closes[last],
		SMA20:   smaFast[last],
		SMA50:   smaSlow[last],
		RSI14:   rsi[last],
		Candles: len(candles),
	}, nil
}
