package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/domain"
)

// CalendarSource resolves the market calendar. *alpaca.Client satisfies it.
type CalendarSource interface {
	Calendar() ([]domain.CalendarDay, error)
	SessionDays() ([]domain.SessionDay, error)
}

// CalendarRefreshJob re-resolves the market calendar so the cached copy
// never expires in the middle of a trading day.
type CalendarRefreshJob struct {
	calendar CalendarSource
	log      zerolog.Logger
}

// NewCalendarRefreshJob creates the calendar refresh job.
func NewCalendarRefreshJob(calendar CalendarSource, log zerolog.Logger) *CalendarRefreshJob {
	return &CalendarRefreshJob{
		calendar: calendar,
		log:      log.With().Str("job", "calendar_refresh").Logger(),
	}
}

// Name returns the job name.
func (j *CalendarRefreshJob) Name() string { return "calendar_refresh" }

// Run fetches the raw calendar and the derived session days. Both walk the
// cache-then-fetch path, so a fresh cache makes this a no-op.
func (j *CalendarRefreshJob) Run(ctx context.Context) error {
	days, err := j.calendar.Calendar()
	if err != nil {
		return fmt.Errorf("calendar refresh failed: %w", err)
	}

	sessions, err := j.calendar.SessionDays()
	if err != nil {
		return fmt.Errorf("session day refresh failed: %w", err)
	}

	j.log.Debug().Int("calendar_days", len(days)).Int("session_days", len(sessions)).Msg("Calendar refreshed")
	return nil
}
