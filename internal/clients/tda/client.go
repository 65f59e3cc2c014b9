package tda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/cache"
	"github.com/initialgyw/fiddy/internal/domain"
)

const (
	// DefaultBaseURL is the TDA REST API root.
	DefaultBaseURL = "https://api.tdameritrade.com"

	// Fundamentals and profiles are cached for one day.
	profileTTL = 24 * time.Hour

	// HTTP 429 handling for price history: sleep then retry, twice at most.
	rateLimitSleep   = 40 * time.Second
	rateLimitRetries = 2
)

// TokenProvider supplies a valid Authorization header value.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// CalendarSource answers trading-day questions; satisfied by the alpaca client.
type CalendarSource interface {
	BusinessDays(start, end time.Time) ([]domain.SessionDay, error)
	LastClosingDate(t time.Time, extendedHours bool) (time.Time, error)
}

// Client is the TDA market data client. Read operations consult the file
// cache first and only hit the API when the cached artifact is missing or
// expired.
type Client struct {
	auth       TokenProvider
	calendar   CalendarSource
	baseURL    string
	dataDir    string
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

// NewClient creates a TDA market data client. dataDir is the root of the
// per-symbol cache tree.
func NewClient(auth TokenProvider, calendar CalendarSource, dataDir string, log zerolog.Logger) *Client {
	return &Client{
		auth:       auth,
		calendar:   calendar,
		baseURL:    DefaultBaseURL,
		dataDir:    dataDir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "tda").Logger(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// get issues an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", u, err)
	}
	return nil
}

// GetQuotes fetches real-time quotes for one or more symbols. Quotes are
// never cached.
func (c *Client) GetQuotes(ctx context.Context, symbols ...string) (map[string]domain.Quote, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	for i, s := range symbols {
		symbols[i] = strings.ToUpper(s)
	}

	quotes := make(map[string]domain.Quote)
	err := c.get(ctx, "/v1/marketdata/quotes", url.Values{
		"symbol": {strings.Join(symbols, ",")},
	}, &quotes)
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

// GetProfile returns the instrument profile (description plus fundamentals),
// cache-first with a one day expiration.
func (c *Client) GetProfile(ctx context.Context, symbol string) (domain.Profile, error) {
	symbol = strings.ToUpper(symbol)
	file := filepath.Join(c.dataDir, "tda", symbol, "profile.json")
	now := c.now()

	var cached struct {
		Expiration time.Time      `json:"expiration"`
		Profile    domain.Profile `json:"profile"`
	}
	ok, err := cache.Load(file, &cached, cache.KindJSON)
	if err != nil {
		c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable profile cache")
	}
	if ok && cache.Fresh(cached.Expiration, now) {
		c.log.Debug().Str("symbol", symbol).Msg("Profile cache hit")
		return cached.Profile, nil
	}

	var result map[string]domain.Profile
	err = c.get(ctx, "/v1/instruments", url.Values{
		"symbol":     {symbol},
		"projection": {"fundamental"},
	}, &result)
	if err != nil {
		return domain.Profile{}, err
	}

	profile, exists := result[symbol]
	if !exists {
		return domain.Profile{}, fmt.Errorf("no instrument data for %s", symbol)
	}
	profile.Symbol = symbol

	cached.Expiration = now.Add(profileTTL)
	cached.Profile = profile
	if err := cache.Save(file, cached, cache.KindJSON); err != nil {
		return domain.Profile{}, err
	}
	c.log.Debug().Str("symbol", symbol).Str("file", file).Msg("Profile cached")

	return profile, nil
}

// GetFundamental returns just the fundamentals slice of the profile,
// cache-first with a one day expiration.
func (c *Client) GetFundamental(ctx context.Context, symbol string) (domain.Fundamental, error) {
	symbol = strings.ToUpper(symbol)
	file := filepath.Join(c.dataDir, "tda", symbol, "fundamental.json")
	now := c.now()

	var cached struct {
		Expiration  time.Time          `json:"expiration"`
		Fundamental domain.Fundamental `json:"fundamental"`
	}
	ok, err := cache.Load(file, &cached, cache.KindJSON)
	if err != nil {
		c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable fundamental cache")
	}
	if ok && cache.Fresh(cached.Expiration, now) {
		return cached.Fundamental, nil
	}

	profile, err := c.GetProfile(ctx, symbol)
	if err != nil {
		return domain.Fundamental{}, err
	}

	cached.Expiration = now.Add(profileTTL)
	cached.Fundamental = profile.Fundamental
	if err := cache.Save(file, cached, cache.KindJSON); err != nil {
		return domain.Fundamental{}, err
	}

	return profile.Fundamental, nil
}

// PriceHistoryOptions mirror the TDA price history query parameters.
// Zero values are omitted; when StartDate and EndDate are both set the
// period parameters are dropped, matching the API contract.
type PriceHistoryOptions struct {
	PeriodType    string // day, month, year, ytd
	Period        int
	FrequencyType string // minute, daily, weekly, monthly
	Frequency     int
	StartDate     time.Time
	EndDate       time.Time
	ExtendedHours bool
}

// DefaultPriceHistoryOptions is twenty years of daily candles.
func DefaultPriceHistoryOptions() PriceHistoryOptions {
	return PriceHistoryOptions{
		PeriodType:    "year",
		Period:        20,
		FrequencyType: "daily",
		Frequency:     1,
		ExtendedHours: true,
	}
}

// GetPriceHistory fetches candles for a symbol. On HTTP 429 the call sleeps
// 40 seconds and retries, at most twice; past that it fails with
// ErrRateLimited.
func (c *Client) GetPriceHistory(ctx context.Context, symbol string, opts PriceHistoryOptions) ([]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)

	params := url.Values{
		"frequencyType":         {opts.FrequencyType},
		"frequency":             {strconv.Itoa(opts.Frequency)},
		"needExtendedHoursData": {strconv.FormatBool(opts.ExtendedHours)},
	}
	if !opts.StartDate.IsZero() && !opts.EndDate.IsZero() {
		params.Set("startDate", strconv.FormatInt(opts.StartDate.UnixMilli(), 10))
		params.Set("endDate", strconv.FormatInt(opts.EndDate.UnixMilli(), 10))
	} else {
		params.Set("periodType", opts.PeriodType)
		params.Set("period", strconv.Itoa(opts.Period))
	}

	var result struct {
		Candles []domain.Candle `json:"candles"`
		Symbol  string          `json:"symbol"`
		Empty   bool            `json:"empty"`
	}

	path := "/v1/marketdata/" + symbol + "/pricehistory"
	for attempt := 0; ; attempt++ {
		err := c.get(ctx, path, params, &result)
		if err == nil {
			break
		}
		if !isRateLimited(err) {
			return nil, err
		}
		if attempt >= rateLimitRetries {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, symbol)
		}
		c.log.Warn().
			Str("symbol", symbol).
			Int("attempt", attempt+1).
			Dur("sleep", rateLimitSleep).
			Msg("Rate limited, backing off")
		c.sleep(rateLimitSleep)
	}

	if len(result.Candles) == 0 {
		c.log.Debug().Str("symbol", symbol).Msg("Price history returned no candles")
	}
	return result.Candles, nil
}

// GetDailyQuotes returns daily candles for a symbol. The cached CSV is
// reused while its last candle is on the last closing date; otherwise the
// full history is refetched and the cache replaced.
func (c *Client) GetDailyQuotes(ctx context.Context, symbol string) ([]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)
	file := filepath.Join(c.dataDir, "tda", symbol, "daily.csv")

	var cached []domain.Candle
	ok, err := cache.Load(file, &cached, cache.KindCSV)
	if err != nil {
		c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable daily cache")
	}
	if ok && len(cached) > 0 {
		lastClose, err := c.calendar.LastClosingDate(c.now(), true)
		if err != nil {
			return nil, err
		}
		last := cached[len(cached)-1].Time()
		if last.Year() == lastClose.Year() && last.YearDay() == lastClose.YearDay() {
			c.log.Debug().Str("symbol", symbol).Str("file", file).Msg("Daily quotes cache hit")
			return cached, nil
		}
		c.log.Debug().Str("symbol", symbol).Msg("Daily quotes cache stale")
	}

	candles, err := c.GetPriceHistory(ctx, symbol, DefaultPriceHistoryOptions())
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	if err := cache.Save(file, candles, cache.KindCSV); err != nil {
		return nil, err
	}
	c.log.Debug().Str("symbol", symbol).Str("file", file).Int("candles", len(candles)).Msg("Daily quotes cached")

	return candles, nil
}

// GetMinuteQuotes backfills minute candles between start and end, walking
// the trading calendar one session at a time. Days already cached are read
// from disk; days marked no-data are skipped without a fetch; a fetched day
// with zero candles is marked no-data so it is never requested again. The
// current trading day is returned but never persisted, because its session
// is still incomplete.
func (c *Client) GetMinuteQuotes(ctx context.Context, symbol string, start, end time.Time, frequency int) ([]domain.Candle, error) {
	symbol = strings.ToUpper(symbol)
	if frequency <= 0 {
		frequency = 1
	}
	if end.IsZero() {
		end = c.now()
	}
	if start.IsZero() {
		start = end.AddDate(-1, 0, 0)
	}

	days, err := c.calendar.BusinessDays(start, end)
	if err != nil {
		return nil, err
	}

	today := c.now().In(domain.MarketLocation())
	var all []domain.Candle

	for _, day := range days {
		date := day.Date()
		file := filepath.Join(c.dataDir, "tda", symbol,
			fmt.Sprintf("%s-%dminute.csv", date.Format("2006-01-02"), frequency))

		var cached []domain.Candle
		ok, err := cache.Load(file, &cached, cache.KindCSV)
		if err != nil {
			c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable minute cache")
		}
		if ok {
			all = append(all, cached...)
			continue
		}
		if cache.HasNoData(file) {
			c.log.Debug().Str("file", file).Msg("Skipping no-data day")
			continue
		}

		candles, err := c.GetPriceHistory(ctx, symbol, PriceHistoryOptions{
			FrequencyType: "minute",
			Frequency:     frequency,
			StartDate:     day.SessionOpen,
			EndDate:       day.SessionClose,
			ExtendedHours: true,
		})
		if err != nil {
			return nil, err
		}

		isToday := date.Year() == today.Year() && date.YearDay() == today.YearDay()
		if isToday {
			// Intraday data is incomplete; return it but do not persist.
			all = append(all, candles...)
			continue
		}

		if len(candles) == 0 {
			if err := cache.MarkNoData(file); err != nil {
				return nil, err
			}
			c.log.Debug().Str("file", file).Msg("Marked no-data day")
			continue
		}

		if err := cache.Save(file, candles, cache.KindCSV); err != nil {
			return nil, err
		}
		all = append(all, candles...)
	}

	return all, nil
}
