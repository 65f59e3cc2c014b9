package scheduler

import (
	"context"

	"github.com/rs/zerolog"
)

// BackupRunner creates a backup and rotates old ones. *backup.Service
// satisfies it.
type BackupRunner interface {
	CreateAndUpload(ctx context.Context) (string, error)
	Rotate(ctx context.Context, retentionDays int) (int, error)
}

// BackupJob ships the data directory to object storage on a schedule.
type BackupJob struct {
	runner        BackupRunner
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob creates the backup job.
func NewBackupJob(runner BackupRunner, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		runner:        runner,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name.
func (j *BackupJob) Name() string { return "backup" }

// Run uploads a fresh archive, then rotates old ones. A rotation failure
// is logged but does not fail the run: the new backup already landed.
func (j *BackupJob) Run(ctx context.Context) error {
	name, err := j.runner.CreateAndUpload(ctx)
	if err != nil {
		return err
	}

	deleted, err := j.runner.Rotate(ctx, j.retentionDays)
	if err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
		return nil
	}

	j.log.Info().Str("archive", name).Int("rotated", deleted).Msg("Backup job done")
	return nil
}
