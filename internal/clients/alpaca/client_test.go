package alpaca

import (
	"testing"
	"time"

	sdk "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initialgyw/fiddy/internal/credentials"
	"github.com/initialgyw/fiddy/internal/domain"
)

type mockCalendarAPI struct {
	days  []sdk.CalendarDay
	calls int
}

func (m *mockCalendarAPI) GetCalendar(req sdk.GetCalendarRequest) ([]sdk.CalendarDay, error) {
	m.calls++
	return m.days, nil
}

func testWeek() []sdk.CalendarDay {
	return []sdk.CalendarDay{
		{Date: "2020-09-14", Open: "09:30", Close: "16:00"},
		{Date: "2020-09-15", Open: "09:30", Close: "16:00"},
		{Date: "2020-09-16", Open: "09:30", Close: "16:00"},
		{Date: "2020-09-17", Open: "09:30", Close: "16:00"},
		{Date: "2020-09-18", Open: "09:30", Close: "16:00"},
	}
}

func newTestClient(t *testing.T, api CalendarAPI, now time.Time) *Client {
	t.Helper()
	c := NewClientWithAPI(api, t.TempDir(), zerolog.Nop())
	c.now = func() time.Time { return now }
	return c
}

func TestNewClient_MissingCredentials(t *testing.T) {
	_, err := NewClient(credentials.Section{"api_key_id": "k"}, t.TempDir(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_key")
}

func TestCalendar_FetchesThenCaches(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	now := time.Date(2020, 9, 16, 12, 0, 0, 0, domain.MarketLocation())
	c := newTestClient(t, api, now)

	first, err := c.Calendar()
	require.NoError(t, err)
	require.Len(t, first, 5)
	assert.Equal(t, 1, api.calls)

	// Second read inside the expiration window must not refetch.
	second, err := c.Calendar()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, api.calls)
}

func TestCalendar_ExpiredCacheRefetches(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	now := time.Date(2020, 9, 16, 12, 0, 0, 0, domain.MarketLocation())
	c := newTestClient(t, api, now)

	_, err := c.Calendar()
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)

	// Jump past the seven day expiration: a live refetch is required.
	c.now = func() time.Time { return now.AddDate(0, 0, 8) }
	_, err = c.Calendar()
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)
}

func TestSessionDays_ResolvesInstants(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	loc := domain.MarketLocation()
	now := time.Date(2020, 9, 16, 12, 0, 0, 0, loc)
	c := newTestClient(t, api, now)

	days, err := c.SessionDays()
	require.NoError(t, err)
	require.Len(t, days, 5)

	first := days[0]
	assert.Equal(t, time.Date(2020, 9, 14, 9, 30, 0, 0, loc), first.MarketOpen)
	assert.Equal(t, time.Date(2020, 9, 14, 16, 0, 0, 0, loc), first.MarketClose)
	assert.Equal(t, time.Date(2020, 9, 14, 0, 0, 1, 0, loc), first.SessionOpen)
	assert.Equal(t, time.Date(2020, 9, 14, 23, 59, 59, 0, loc), first.SessionClose)
}

func TestBusinessDays_InclusiveRange(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	loc := domain.MarketLocation()
	c := newTestClient(t, api, time.Date(2020, 9, 16, 12, 0, 0, 0, loc))

	days, err := c.BusinessDays(
		time.Date(2020, 9, 15, 0, 0, 0, 0, loc),
		time.Date(2020, 9, 17, 0, 0, 0, 0, loc),
	)
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, 15, days[0].Date().Day())
	assert.Equal(t, 17, days[2].Date().Day())
}

func TestLastClosingDate_MidnightNormalization(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	loc := domain.MarketLocation()
	c := newTestClient(t, api, time.Date(2020, 9, 18, 12, 0, 0, 0, loc))

	// Midnight on the 17th, regular hours: normalized to 18:00, so the
	// 17th's own 16:00 close counts.
	midnight := time.Date(2020, 9, 17, 0, 0, 0, 0, loc)
	date, err := c.LastClosingDate(midnight, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 9, 17, 0, 0, 0, 0, loc), date)

	// Extended hours: normalized to 23:59:59, the 17th's session close is
	// not strictly before it, so the 16th wins.
	date, err = c.LastClosingDate(midnight, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 9, 16, 0, 0, 0, 0, loc), date)
}

func TestLastClosingDate_MiddayUsesPreviousClose(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	loc := domain.MarketLocation()
	c := newTestClient(t, api, time.Date(2020, 9, 18, 12, 0, 0, 0, loc))

	// Noon on the 17th: the market has not closed yet, so the 16th is the
	// last closing date.
	noon := time.Date(2020, 9, 17, 12, 0, 0, 0, loc)
	date, err := c.LastClosingDate(noon, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 9, 16, 0, 0, 0, 0, loc), date)
}

func TestLastClosingDate_OutsideCalendarWindow(t *testing.T) {
	api := &mockCalendarAPI{days: testWeek()}
	loc := domain.MarketLocation()
	c := newTestClient(t, api, time.Date(2020, 9, 18, 12, 0, 0, 0, loc))

	_, err := c.LastClosingDate(time.Date(2020, 9, 13, 12, 0, 0, 0, loc), false)
	assert.Error(t, err)
}
