package tda

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initialgyw/fiddy/internal/cache"
	"github.com/initialgyw/fiddy/internal/domain"
)

type staticToken string

func (s staticToken) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// fakeCalendar serves a fixed trading week.
type fakeCalendar struct {
	days      []domain.SessionDay
	lastClose time.Time
}

func (f *fakeCalendar) BusinessDays(start, end time.Time) ([]domain.SessionDay, error) {
	var out []domain.SessionDay
	for _, d := range f.days {
		date := d.Date()
		if !date.Before(start) && !date.After(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeCalendar) LastClosingDate(t time.Time, extendedHours bool) (time.Time, error) {
	if f.lastClose.IsZero() {
		return time.Time{}, errors.New("no calendar loaded")
	}
	return f.lastClose, nil
}

func sessionDay(loc *time.Location, y int, m time.Month, d int) domain.SessionDay {
	return domain.SessionDay{
		MarketOpen:   time.Date(y, m, d, 9, 30, 0, 0, loc),
		MarketClose:  time.Date(y, m, d, 16, 0, 0, 0, loc),
		SessionOpen:  time.Date(y, m, d, 0, 0, 1, 0, loc),
		SessionClose: time.Date(y, m, d, 23, 59, 59, 0, loc),
	}
}

func newTestClient(t *testing.T, handler http.Handler, calendar CalendarSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(staticToken("Bearer test-token"), calendar, t.TempDir(), zerolog.Nop())
	c.baseURL = srv.URL
	c.sleep = func(time.Duration) {}
	return c
}

func candlesFor(day time.Time, n int) []domain.Candle {
	candles := make([]domain.Candle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, domain.Candle{
			Datetime: day.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Open:     100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
		})
	}
	return candles
}

func writeHistory(w http.ResponseWriter, candles []domain.Candle) {
	json.NewEncoder(w).Encode(map[string]any{
		"candles": candles,
		"empty":   len(candles) == 0,
	})
}

func TestGetQuotes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "AAPL,VTSAX", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]domain.Quote{
			"AAPL":  {Symbol: "AAPL", AssetType: "EQUITY", Mark: 124.5, ClosePrice: 123.0},
			"VTSAX": {Symbol: "VTSAX", AssetType: "MUTUAL_FUND", ClosePrice: 85.2},
		})
	}), &fakeCalendar{})

	quotes, err := c.GetQuotes(context.Background(), "aapl", "vtsax")
	require.NoError(t, err)
	assert.Equal(t, 124.5, quotes["AAPL"].Price())
	assert.Equal(t, 85.2, quotes["VTSAX"].Price())
}

func TestGetProfile_CachesForADay(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]domain.Profile{
			"AAPL": {
				Description: "Apple Inc. - Common Stock",
				AssetType:   "EQUITY",
				Fundamental: domain.Fundamental{MarketCap: 2000000.0, DividendDate: "2020-08-07 00:00:00.0"},
			},
		})
	}), &fakeCalendar{})

	now := time.Date(2020, 9, 17, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	first, err := c.GetProfile(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc. - Common Stock", first.Description)
	assert.Equal(t, 1, calls)

	// Within the one day window: served from cache.
	_, err = c.GetProfile(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Past expiration: refetched.
	c.now = func() time.Time { return now.Add(25 * time.Hour) }
	_, err = c.GetProfile(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetPriceHistory_RateLimitRecovers(t *testing.T) {
	var slept []time.Duration
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		writeHistory(w, candlesFor(time.Date(2020, 9, 16, 9, 30, 0, 0, time.UTC), 3))
	}), &fakeCalendar{})
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	candles, err := c.GetPriceHistory(context.Background(), "SPY", DefaultPriceHistoryOptions())
	require.NoError(t, err)
	assert.Len(t, candles, 3)
	assert.Equal(t, []time.Duration{rateLimitSleep, rateLimitSleep}, slept)
}

func TestGetPriceHistory_RateLimitBudgetExhausted(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}), &fakeCalendar{})

	_, err := c.GetPriceHistory(context.Background(), "SPY", DefaultPriceHistoryOptions())
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestGetPriceHistory_OtherErrorsNotRetried(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "nope", http.StatusInternalServerError)
	}), &fakeCalendar{})

	_, err := c.GetPriceHistory(context.Background(), "SPY", DefaultPriceHistoryOptions())
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusInternalServerError, reqErr.Status)
}

func TestGetDailyQuotes_CacheValidUntilLastClose(t *testing.T) {
	loc := domain.MarketLocation()
	lastClose := time.Date(2020, 9, 16, 0, 0, 0, 0, loc)
	calls := 0

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeHistory(w, []domain.Candle{{
			Datetime: time.Date(2020, 9, 16, 16, 0, 0, 0, loc).UnixMilli(),
			Close:    339.5, Volume: 100,
		}})
	}), &fakeCalendar{lastClose: lastClose})

	first, err := c.GetDailyQuotes(context.Background(), "spy")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, calls)

	// Cached file ends on the last closing date: no refetch.
	second, err := c.GetDailyQuotes(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestGetMinuteQuotes_Backfill(t *testing.T) {
	loc := domain.MarketLocation()
	cal := &fakeCalendar{days: []domain.SessionDay{
		sessionDay(loc, 2020, 9, 15),
		sessionDay(loc, 2020, 9, 16),
		sessionDay(loc, 2020, 9, 17),
	}}

	fetched := map[string]int{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("startDate")
		fetched[start]++

		// The 16th has no data; other days return two candles.
		day16 := time.Date(2020, 9, 16, 0, 0, 1, 0, loc).UnixMilli()
		if start == strconv.FormatInt(day16, 10) {
			writeHistory(w, nil)
			return
		}
		writeHistory(w, candlesFor(time.Date(2020, 9, 15, 9, 30, 0, 0, loc), 2))
	}), cal)
	c.now = func() time.Time { return time.Date(2020, 9, 18, 12, 0, 0, 0, loc) }

	start := time.Date(2020, 9, 15, 0, 0, 0, 0, loc)
	end := time.Date(2020, 9, 17, 0, 0, 0, 0, loc)

	candles, err := c.GetMinuteQuotes(context.Background(), "spy", start, end, 1)
	require.NoError(t, err)
	assert.Len(t, candles, 4) // two days with two candles each

	// The empty day got a no-data marker.
	marker := filepath.Join(c.dataDir, "tda", "SPY", "2020-09-16-1minute.csv")
	assert.True(t, cache.HasNoData(marker))

	// A second run over the same range fetches nothing: cached files for
	// data days, marker for the empty day.
	before := len(fetched)
	_, err = c.GetMinuteQuotes(context.Background(), "SPY", start, end, 1)
	require.NoError(t, err)
	assert.Equal(t, before, len(fetched))
}

func TestGetMinuteQuotes_CurrentDayNeverPersisted(t *testing.T) {
	loc := domain.MarketLocation()
	today := time.Date(2020, 9, 17, 13, 0, 0, 0, loc)
	cal := &fakeCalendar{days: []domain.SessionDay{sessionDay(loc, 2020, 9, 17)}}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeHistory(w, candlesFor(time.Date(2020, 9, 17, 9, 30, 0, 0, loc), 5))
	}), cal)
	c.now = func() time.Time { return today }

	candles, err := c.GetMinuteQuotes(context.Background(), "spy",
		time.Date(2020, 9, 17, 0, 0, 0, 0, loc),
		time.Date(2020, 9, 17, 0, 0, 0, 0, loc), 1)
	require.NoError(t, err)
	assert.Len(t, candles, 5)

	// Neither a cache file nor a marker may exist for the current day.
	file := filepath.Join(c.dataDir, "tda", "SPY", "2020-09-17-1minute.csv")
	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, cache.HasNoData(file))
}
