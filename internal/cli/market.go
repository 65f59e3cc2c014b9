package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/initialgyw/fiddy/internal/domain"
	"github.com/initialgyw/fiddy/internal/indicators"
)

// calendarCmd prints upcoming market sessions.
type calendarCmd struct {
	days int
}

func (*calendarCmd) Name() string     { return "calendar" }
func (*calendarCmd) Synopsis() string { return "show upcoming market session days" }
func (*calendarCmd) Usage() string {
	return `fiddy calendar [-days <n>]

  Resolves the market calendar (cached locally) and prints the next n
  session days with their market open and close times.
`
}

func (c *calendarCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.days, "days", 10, "Number of upcoming session days to print.")
}

func (c *calendarCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		return fail(err)
	}

	client, err := a.alpacaClient()
	if err != nil {
		return fail(err)
	}

	sessions, err := client.SessionDays()
	if err != nil {
		return fail(err)
	}

	now := time.Now()
	printed := 0
	for _, s := range sessions {
		if s.MarketClose.Before(now) {
			continue
		}
		fmt.Printf("%s  open %s  close %s\n",
			s.Date().Format("2006-01-02"),
			s.MarketOpen.In(domain.MarketLocation()).Format("15:04"),
			s.MarketClose.In(domain.MarketLocation()).Format("15:04"))
		printed++
		if printed >= c.days {
			break
		}
	}

	return subcommands.ExitSuccess
}

// quoteCmd prints real-time quotes.
type quoteCmd struct{}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "print real-time quotes for symbols" }
func (*quoteCmd) Usage() string {
	return `fiddy quote <SYMBOL> [SYMBOL...]

  Fetches live quotes. Quotes are never cached.
`
}
func (*quoteCmd) SetFlags(f *flag.FlagSet) {}

func (c *quoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return fail(fmt.Errorf("at least one symbol is required"))
	}

	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	client, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	symbols := make([]string, f.NArg())
	for i, s := range f.Args() {
		symbols[i] = strings.ToUpper(s)
	}

	quotes, err := client.GetQuotes(ctx, symbols...)
	if err != nil {
		return fail(err)
	}

	for _, symbol := range symbols {
		q, ok := quotes[symbol]
		if !ok {
			fmt.Printf("%-6s no quote\n", symbol)
			continue
		}
		fmt.Printf("%-6s $%.2f  bid $%.2f  ask $%.2f\n", symbol, q.Price(), q.BidPrice, q.AskPrice)
	}

	return subcommands.ExitSuccess
}

// profileCmd prints an instrument profile.
type profileCmd struct{}

func (*profileCmd) Name() string     { return "profile" }
func (*profileCmd) Synopsis() string { return "print an instrument's profile and fundamentals" }
func (*profileCmd) Usage() string {
	return `fiddy profile <SYMBOL>

  Prints description, exchange and fundamentals. Cached for one day.
`
}
func (*profileCmd) SetFlags(f *flag.FlagSet) {}

func (c *profileCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fail(fmt.Errorf("exactly one symbol is required"))
	}

	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	client, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	symbol := strings.ToUpper(f.Arg(0))
	profile, err := client.GetProfile(ctx, symbol)
	if err != nil {
		return fail(err)
	}

	fund := profile.Fundamental
	fmt.Printf("%s (%s)\n", profile.Symbol, profile.Description)
	fmt.Printf("Exchange:       %s\n", profile.Exchange)
	fmt.Printf("Asset Type:     %s\n", profile.AssetType)
	fmt.Printf("Market Cap:     $%.0f\n", fund.MarketCap)
	fmt.Printf("P/E Ratio:      %.2f\n", fund.PeRatio)
	fmt.Printf("52w High/Low:   $%.2f / $%.2f\n", fund.High52, fund.Low52)
	fmt.Printf("Dividend:       $%.2f (%.2f%%)\n", fund.DividendAmount, fund.DividendYield)
	fmt.Printf("Dividend Date:  %s\n", fund.DividendDate)
	fmt.Printf("Pay Date:       %s\n", fund.DividendPayDate)

	return subcommands.ExitSuccess
}

// dailyCmd fetches (and caches) daily candles.
type dailyCmd struct {
	tail int
}

func (*dailyCmd) Name() string     { return "daily" }
func (*dailyCmd) Synopsis() string { return "fetch daily candles for a symbol" }
func (*dailyCmd) Usage() string {
	return `fiddy daily [-tail <n>] <SYMBOL>

  Fetches twenty years of daily candles, serving from the local cache
  while it covers the last closing date. Prints the newest n candles.
`
}

func (c *dailyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.tail, "tail", 10, "Number of most recent candles to print.")
}

func (c *dailyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fail(fmt.Errorf("exactly one symbol is required"))
	}

	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	client, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	symbol := strings.ToUpper(f.Arg(0))
	candles, err := client.GetDailyQuotes(ctx, symbol)
	if err != nil {
		return fail(err)
	}

	printCandles(candles, c.tail, "2006-01-02")
	fmt.Printf("%d candles total\n", len(candles))

	return subcommands.ExitSuccess
}

// minutesCmd backfills minute candles over a date range.
type minutesCmd struct {
	start     string
	end       string
	frequency int
	tail      int
}

func (*minutesCmd) Name() string     { return "minutes" }
func (*minutesCmd) Synopsis() string { return "backfill minute candles for a symbol" }
func (*minutesCmd) Usage() string {
	return `fiddy minutes -start <YYYY-MM-DD> [-end <YYYY-MM-DD>] [-freq <n>] <SYMBOL>

  Walks the market sessions in the range, fetching minute candles one day
  at a time. Past days are cached per day; sessions with no data are
  marked so they are not re-fetched.
`
}

func (c *minutesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.start, "start", "", "First session day to fetch (required).")
	f.StringVar(&c.end, "end", "", "Last session day to fetch (defaults to today).")
	f.IntVar(&c.frequency, "freq", 1, "Candle width in minutes (1, 5, 10, 15, 30).")
	f.IntVar(&c.tail, "tail", 5, "Number of most recent candles to print.")
}

func (c *minutesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fail(fmt.Errorf("exactly one symbol is required"))
	}
	if c.start == "" {
		return fail(fmt.Errorf("-start is required"))
	}

	start, err := time.ParseInLocation("2006-01-02", c.start, domain.MarketLocation())
	if err != nil {
		return fail(fmt.Errorf("invalid -start: %w", err))
	}

	end := time.Now().In(domain.MarketLocation())
	if c.end != "" {
		end, err = time.ParseInLocation("2006-01-02", c.end, domain.MarketLocation())
		if err != nil {
			return fail(fmt.Errorf("invalid -end: %w", err))
		}
	}

	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	client, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	symbol := strings.ToUpper(f.Arg(0))
	candles, err := client.GetMinuteQuotes(ctx, symbol, start, end, c.frequency)
	if err != nil {
		return fail(err)
	}

	printCandles(candles, c.tail, "2006-01-02 15:04")
	fmt.Printf("%d candles total\n", len(candles))

	return subcommands.ExitSuccess
}

// levelsCmd prints support/resistance levels and an indicator snapshot.
type levelsCmd struct{}

func (*levelsCmd) Name() string     { return "levels" }
func (*levelsCmd) Synopsis() string { return "print support/resistance levels for a symbol" }
func (*levelsCmd) Usage() string {
	return `fiddy levels <SYMBOL>

  Derives fractal support and resistance levels from the daily candle
  history, plus a moving-average and RSI snapshot.
`
}
func (*levelsCmd) SetFlags(f *flag.FlagSet) {}

func (c *levelsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fail(fmt.Errorf("exactly one symbol is required"))
	}

	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	client, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	symbol := strings.ToUpper(f.Arg(0))
	candles, err := client.GetDailyQuotes(ctx, symbol)
	if err != nil {
		return fail(err)
	}

	if summary, err := indicators.Summarize(candles); err == nil {
		fmt.Printf("%s  close $%.2f  SMA20 $%.2f  SMA50 $%.2f  RSI14 %.1f\n\n",
			symbol, summary.Close, summary.SMA20, summary.SMA50, summary.RSI14)
	}

	levels := indicators.Levels(candles)
	if len(levels) == 0 {
		fmt.Println("No levels found.")
		return subcommands.ExitSuccess
	}

	for _, l := range levels {
		fmt.Printf("%-10s $%.2f  (%s)\n", l.Kind, l.Price,
			time.UnixMilli(l.Datetime).In(domain.MarketLocation()).Format("2006-01-02"))
	}

	return subcommands.ExitSuccess
}

func printCandles(candles []domain.Candle, tail int, layout string) {
	start := len(candles) - tail
	if start < 0 {
		start = 0
	}
	for _, c := range candles[start:] {
		fmt.Printf("%s  o %.2f  h %.2f  l %.2f  c %.2f  v %d\n",
			c.Time().Format(layout), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
}
