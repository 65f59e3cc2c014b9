// Package alpaca wraps the Alpaca SDK for market calendar lookups. The
// calendar is the source of truth for "is the market open" and "last
// closing date" queries and is cached on disk so repeat runs stay offline.
package alpaca

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/cache"
	"github.com/initialgyw/fiddy/internal/credentials"
	"github.com/initialgyw/fiddy/internal/domain"
)

const (
	// CredentialsSection is the INI section holding Alpaca credentials.
	CredentialsSection = "alpaca_paper"

	calendarTTL    = 7 * 24 * time.Hour // raw calendar refreshes weekly
	sessionDaysTTL = 24 * time.Hour     // resolved instants refresh daily
)

// CalendarAPI is the slice of the Alpaca SDK the client uses.
type CalendarAPI interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// Client fetches and caches the market calendar.
type Client struct {
	api     CalendarAPI
	dataDir string
	loc     *time.Location
	log     zerolog.Logger
	now     func() time.Time
}

// NewClient creates a calendar client from an Alpaca credentials section
// (api_key_id, secret_key, base_url).
func NewClient(creds credentials.Section, dataDir string, log zerolog.Logger) (*Client, error) {
	for _, key := range []string{"api_key_id", "secret_key", "base_url"} {
		if creds[key] == "" {
			return nil, fmt.Errorf("missing %q in %s credentials", key, CredentialsSection)
		}
	}

	api := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    creds["api_key_id"],
		APISecret: creds["secret_key"],
		BaseURL:   creds["base_url"],
	})

	return NewClientWithAPI(api, dataDir, log), nil
}

// NewClientWithAPI creates a calendar client with a provided API implementation (for testing).
func NewClientWithAPI(api CalendarAPI, dataDir string, log zerolog.Logger) *Client {
	return &Client{
		api:     api,
		dataDir: dataDir,
		loc:     domain.MarketLocation(),
		log:     log.With().Str("client", "alpaca").Logger(),
		now:     time.Now,
	}
}

type calendarArtifact struct {
	Expiration time.Time            `json:"expiration"`
	Calendar   []domain.CalendarDay `json:"calendar"`
}

type sessionDaysArtifact struct {
	Expiration time.Time           `msgpack:"expiration"`
	Days       []domain.SessionDay `msgpack:"days"`
}

// Calendar returns the raw trading calendar, cache-first. A fresh cached
// artifact is returned as-is; otherwise the calendar is fetched for a two
// year window around now and cached for seven days.
func (c *Client) Calendar() ([]domain.CalendarDay, error) {
	file := filepath.Join(c.dataDir, "alpaca", "calendar.json")
	now := c.now().In(c.loc)

	var cached calendarArtifact
	ok, err := cache.Load(file, &cached, cache.KindJSON)
	if err != nil {
		c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable calendar cache")
	}
	if ok && cache.Fresh(cached.Expiration, now) {
		c.log.Debug().Str("file", file).Msg("Calendar cache hit")
		return cached.Calendar, nil
	}

	days, err := c.api.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(-1, 0, 0),
		End:   now.AddDate(1, 0, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar: %w", err)
	}

	calendar := make([]domain.CalendarDay, 0, len(days))
	for _, d := range days {
		calendar = append(calendar, domain.CalendarDay{
			Date:  d.Date,
			Open:  d.Open,
			Close: d.Close,
		})
	}

	artifact := calendarArtifact{
		Expiration: now.Add(calendarTTL),
		Calendar:   calendar,
	}
	if err := cache.Save(file, artifact, cache.KindJSON); err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("file", file).
		Time("expiration", artifact.Expiration).
		Msg("Calendar cached")

	return calendar, nil
}

// SessionDays returns the calendar resolved into concrete instants,
// cache-first with a one day expiration. Market open/close come from the
// exchange; the extended session spans 00:00:01 through 23:59:59 local.
func (c *Client) SessionDays() ([]domain.SessionDay, error) {
	file := filepath.Join(c.dataDir, "alpaca", "calendar.msgpack")
	now := c.now().In(c.loc)

	var cached sessionDaysArtifact
	ok, err := cache.Load(file, &cached, cache.KindMsgpack)
	if err != nil {
		c.log.Warn().Err(err).Str("file", file).Msg("Ignoring unreadable session cache")
	}
	if ok && cache.Fresh(cached.Expiration, now) {
		c.log.Debug().Str("file", file).Msg("Session calendar cache hit")
		return cached.Days, nil
	}

	calendar, err := c.Calendar()
	if err != nil {
		return nil, err
	}

	days := make([]domain.SessionDay, 0, len(calendar))
	for _, cal := range calendar {
		day, err := resolveDay(cal, c.loc)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}

	artifact := sessionDaysArtifact{
		Expiration: now.Add(sessionDaysTTL),
		Days:       days,
	}
	if err := cache.Save(file, artifact, cache.KindMsgpack); err != nil {
		return nil, err
	}
	c.log.Debug().Str("file", file).Msg("Session calendar cached")

	return days, nil
}

// BusinessDays returns the trading days whose session opens fall within
// [start, end], inclusive on both sides.
func (c *Client) BusinessDays(start, end time.Time) ([]domain.SessionDay, error) {
	days, err := c.SessionDays()
	if err != nil {
		return nil, err
	}

	var out []domain.SessionDay
	for _, day := range days {
		date := day.Date()
		if !date.Before(truncateToDay(start, c.loc)) && !date.After(truncateToDay(end, c.loc)) {
			out = append(out, day)
		}
	}
	return out, nil
}

// LastClosingDate returns the date of the latest trading day whose close
// precedes t. A timestamp at exactly midnight is normalized to 18:00 for
// regular hours and 23:59:59 for the extended session before the lookup.
func (c *Client) LastClosingDate(t time.Time, extendedHours bool) (time.Time, error) {
	days, err := c.SessionDays()
	if err != nil {
		return time.Time{}, err
	}

	t = t.In(c.loc)
	if t.Hour() == 0 && t.Minute() == 0 {
		if extendedHours {
			t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, c.loc)
		} else {
			t = time.Date(t.Year(), t.Month(), t.Day(), 18, 0, 0, 0, c.loc)
		}
	}
	c.log.Debug().Time("lookup", t).Bool("extended_hours", extendedHours).Msg("Resolving last closing date")

	var last time.Time
	found := false
	for _, day := range days {
		closing := day.MarketClose
		if extendedHours {
			closing = day.SessionClose
		}
		if closing.Before(t) {
			last = day.Date()
			found = true
		}
	}

	if !found {
		return time.Time{}, fmt.Errorf("no trading day closes before %s in the loaded calendar window", t)
	}
	return last, nil
}

// resolveDay turns a raw calendar day into instants in the market timezone.
func resolveDay(cal domain.CalendarDay, loc *time.Location) (domain.SessionDay, error) {
	date, err := time.ParseInLocation("2006-01-02", cal.Date, loc)
	if err != nil {
		return domain.SessionDay{}, fmt.Errorf("bad calendar date %q: %w", cal.Date, err)
	}

	openH, openM, err := parseClock(cal.Open)
	if err != nil {
		return domain.SessionDay{}, fmt.Errorf("bad market open %q: %w", cal.Open, err)
	}
	closeH, closeM, err := parseClock(cal.Close)
	if err != nil {
		return domain.SessionDay{}, fmt.Errorf("bad market close %q: %w", cal.Close, err)
	}

	return domain.SessionDay{
		MarketOpen:   date.Add(time.Duration(openH)*time.Hour + time.Duration(openM)*time.Minute),
		MarketClose:  date.Add(time.Duration(closeH)*time.Hour + time.Duration(closeM)*time.Minute),
		SessionOpen:  date.Add(time.Second),
		SessionClose: date.Add(23*time.Hour + 59*time.Minute + 59*time.Second),
	}, nil
}

// parseClock parses "HH:MM" wall-clock strings.
func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return h, m, nil
}

func truncateToDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
