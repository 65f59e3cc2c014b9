package work

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRecorder collects outcomes in memory.
type memRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *memRecorder) Record(o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func TestPoolRunsTasks(t *testing.T) {
	rec := &memRecorder{}
	pool := NewPool(2, rec, zerolog.Nop())

	var mu sync.Mutex
	ran := map[string]bool{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, pool.Submit(Task{
			Name: name,
			Run: func(ctx context.Context) error {
				mu.Lock()
				ran[name] = true
				mu.Unlock()
				return nil
			},
		}))
	}

	pool.Stop()

	assert.Len(t, ran, 3)
	assert.Len(t, rec.all(), 3)

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Submitted)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPoolRecordsFailures(t *testing.T) {
	rec := &memRecorder{}
	pool := NewPool(1, rec, zerolog.Nop())

	require.NoError(t, pool.Submit(Task{
		Name: "broken",
		Run: func(ctx context.Context) error {
			return errors.New("boom")
		},
	}))
	pool.Stop()

	outcomes := rec.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "broken", outcomes[0].Task)
	assert.False(t, outcomes[0].Succeeded())
	assert.Equal(t, "boom", outcomes[0].Error)
	assert.Equal(t, 1, pool.Stats().Failed)
}

func TestPoolRecoversPanics(t *testing.T) {
	rec := &memRecorder{}
	pool := NewPool(1, rec, zerolog.Nop())

	require.NoError(t, pool.Submit(Task{
		Name: "panicky",
		Run: func(ctx context.Context) error {
			panic("oh no")
		},
	}))
	require.NoError(t, pool.Submit(Task{
		Name: "after",
		Run:  func(ctx context.Context) error { return nil },
	}))
	pool.Stop()

	outcomes := rec.all()
	require.Len(t, outcomes, 2, "worker should survive the panic")
	assert.Contains(t, outcomes[0].Error, "panicked")
	assert.True(t, outcomes[1].Succeeded())
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, nil, zerolog.Nop())
	pool.Stop()

	err := pool.Submit(Task{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolStopWithBlockedSubmit(t *testing.T) {
	rec := &memRecorder{}
	pool := NewPool(1, rec, zerolog.Nop())

	release := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		Name: "holder",
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
	}))
	for i := 0; i < cap(pool.tasks); i++ {
		require.NoError(t, pool.Submit(Task{
			Name: "queued",
			Run:  func(ctx context.Context) error { return nil },
		}))
	}

	submitted := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				submitted <- errors.New("submit panicked")
			}
		}()
		submitted <- pool.Submit(Task{
			Name: "blocked",
			Run:  func(ctx context.Context) error { return nil },
		})
	}()

	// Let the extra Submit block on the full queue before stopping.
	time.Sleep(50 * time.Millisecond)
	close(release)
	pool.Stop()

	require.NoError(t, <-submitted)
	assert.Len(t, rec.all(), cap(pool.tasks)+2)
	assert.ErrorIs(t, pool.Submit(Task{Name: "late"}), ErrPoolStopped)
}

func TestPoolTaskTimeout(t *testing.T) {
	rec := &memRecorder{}
	pool := NewPool(1, rec, zerolog.Nop())
	pool.timeout = 20 * time.Millisecond

	require.NoError(t, pool.Submit(Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	pool.Stop()

	outcomes := rec.all()
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].Error, "deadline exceeded")
}
