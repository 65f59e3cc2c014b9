package scheduler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/work"
)

const (
	// profileRetention matches the profile/fundamental cache TTL: once a
	// profile artifact is older than this, no reader will accept it.
	profileRetention = 24 * time.Hour

	// journalRetention bounds the outcome journal.
	journalRetention = 30 * 24 * time.Hour
)

// CacheSweepJob removes cache artifacts no reader will ever accept again
// and prunes old entries from the outcome journal. Candle files are left
// alone: their validity is decided against the market calendar, not age.
type CacheSweepJob struct {
	dataDir string
	journal *work.Journal
	log     zerolog.Logger
	now     func() time.Time
}

// NewCacheSweepJob creates the sweep job. journal may be nil.
func NewCacheSweepJob(dataDir string, journal *work.Journal, log zerolog.Logger) *CacheSweepJob {
	return &CacheSweepJob{
		dataDir: dataDir,
		journal: journal,
		log:     log.With().Str("job", "cache_sweep").Logger(),
		now:     time.Now,
	}
}

// Name returns the job name.
func (j *CacheSweepJob) Name() string { return "cache_sweep" }

// Run walks the data directory and deletes expired profile artifacts, then
// prunes the journal.
func (j *CacheSweepJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-profileRetention)
	removed := 0

	err := filepath.WalkDir(j.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isSweepable(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			j.log.Warn().Err(err).Str("file", path).Msg("Could not remove expired artifact")
			return nil
		}
		removed++
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	if err != nil {
		return err
	}

	if j.journal != nil {
		pruned, perr := j.journal.Prune(j.now().Add(-journalRetention))
		if perr != nil {
			return perr
		}
		j.log.Debug().Int("files_removed", removed).Int64("journal_pruned", pruned).Msg("Cache sweep done")
		return nil
	}

	j.log.Debug().Int("files_removed", removed).Msg("Cache sweep done")
	return nil
}

// isSweepable reports whether a cache file expires by age alone.
func isSweepable(name string) bool {
	return name == "profile.json" || name == "fundamental.json"
}
