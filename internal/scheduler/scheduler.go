// Package scheduler runs fiddy's recurring maintenance: calendar
// refreshes, cache sweeps and backups. Jobs execute on the shared worker
// pool so every run shows up in the outcome journal.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/work"
)

// Job is a unit of recurring work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	pool *work.Pool
	log  zerolog.Logger
}

// New creates a scheduler that submits job runs to the pool.
func New(pool *work.Pool, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		pool: pool,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the cron loop and waits for a running trigger to return.
// In-flight job runs finish on the pool.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule ("@hourly", "30 17 * * MON-FRI",
// "@every 6h"). Each trigger queues one pool task named after the job.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		err := s.pool.Submit(work.Task{
			Name: "job:" + job.Name(),
			Run:  job.Run,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("job", job.Name()).Msg("Could not queue job run")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run(ctx)
}
