package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/initialgyw/fiddy/internal/indicators"
)

// composeProfileMessage builds the reply text for a ticker: quote,
// description, market cap and dividend dates, plus an indicator snapshot
// and nearby levels when enough daily history is available. Indicator
// failures degrade the message rather than failing the reply.
func (r *Relay) composeProfileMessage(ctx context.Context, symbol string) (string, error) {
	quotes, err := r.market.GetQuotes(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	quote, ok := quotes[symbol]
	if !ok {
		return "", fmt.Errorf("no quote returned for %s", symbol)
	}

	profile, err := r.market.GetProfile(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("failed to get profile for %s: %w", symbol, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", symbol, profile.Description)
	fmt.Fprintf(&b, "Quote: $%.2f\n", quote.Price())
	fmt.Fprintf(&b, "Market Cap: $%d\n", int64(profile.Fundamental.MarketCap))
	fmt.Fprintf(&b, "Dividend Date: %s\n", datePart(profile.Fundamental.DividendDate))
	fmt.Fprintf(&b, "Dividend Pay Date: %s\n", datePart(profile.Fundamental.DividendPayDate))

	candles, err := r.market.GetDailyQuotes(ctx, symbol)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping indicators in reply")
		return b.String(), nil
	}

	if summary, err := indicators.Summarize(candles); err == nil {
		fmt.Fprintf(&b, "SMA20: $%.2f | SMA50: $%.2f | RSI14: %.1f\n",
			summary.SMA20, summary.SMA50, summary.RSI14)
	}

	if levels := indicators.Levels(candles); len(levels) > 0 {
		support, resistance := nearestLevels(levels, quote.Price())
		if support != nil {
			fmt.Fprintf(&b, "Support: $%.2f\n", support.Price)
		}
		if resistance != nil {
			fmt.Fprintf(&b, "Resistance: $%.2f\n", resistance.Price)
		}
	}

	return b.String(), nil
}

// datePart trims timestamps like "2021-04-01 00:00:00.000" down to the
// date. Empty values render as "None".
func datePart(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "None"
	}
	return fields[0]
}

// nearestLevels picks the closest support below and resistance above the
// current price. Levels are sorted by price ascending.
func nearestLevels(levels []indicators.Level, price float64) (support, resistance *indicators.Level) {
	for i := range levels {
		l := levels[i]
		if l.Kind == indicators.Support && l.Price < price {
			if support == nil || l.Price > support.Price {
				support = &levels[i]
			}
		}
		if l.Kind == indicators.Resistance && l.Price > price {
			if resistance == nil || l.Price < resistance.Price {
				resistance = &levels[i]
			}
		}
	}
	return support, resistance
}
