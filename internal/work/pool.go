package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTaskTimeout bounds how long one task may run.
const DefaultTaskTimeout = 5 * time.Minute

// ErrPoolStopped is returned by Submit after Stop has been called.
var ErrPoolStopped = errors.New("work: pool stopped")

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Recorder receives the outcome of every executed task. *Journal satisfies
// it; tests may substitute their own.
type Recorder interface {
	Record(Outcome) error
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Submitted int
	Succeeded int
	Failed    int
	InFlight  int
}

// Pool executes submitted tasks on a fixed number of workers. Each task
// gets its own timeout, panics are converted to failures, and every
// outcome goes to the recorder.
type Pool struct {
	tasks    chan Task
	recorder Recorder
	timeout  time.Duration
	log      zerolog.Logger
	wg       sync.WaitGroup

	// mu serializes sends on tasks against the close in Stop, so a
	// Submit blocked on a full queue can never hit a closed channel.
	mu      sync.Mutex
	stopped bool

	statsMu sync.Mutex
	stats   Stats
}

// NewPool starts a pool with the given number of workers. recorder may be
// nil when outcomes need not be persisted.
func NewPool(workers int, recorder Recorder, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		tasks:    make(chan Task, workers*4),
		recorder: recorder,
		timeout:  DefaultTaskTimeout,
		log:      log.With().Str("component", "work_pool").Logger(),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Submit queues a task for execution. It blocks while the queue is full
// and fails once the pool has been stopped.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.tasks <- task

	p.statsMu.Lock()
	p.stats.Submitted++
	p.statsMu.Unlock()
	return nil
}

// Stop drains the queue, waits for in-flight tasks, and shuts the pool
// down. Submit fails afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	p.statsMu.Lock()
	p.stats.InFlight++
	p.statsMu.Unlock()

	started := time.Now()
	err := p.runGuarded(task)
	finished := time.Now()

	p.statsMu.Lock()
	p.stats.InFlight--
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Succeeded++
	}
	p.statsMu.Unlock()

	outcome := Outcome{Task: task.Name, Started: started, Finished: finished}
	if err != nil {
		outcome.Error = err.Error()
		p.log.Error().Err(err).Str("task", task.Name).Msg("Task failed")
	} else {
		p.log.Debug().Str("task", task.Name).Dur("took", finished.Sub(started)).Msg("Task completed")
	}

	if p.recorder != nil {
		if rerr := p.recorder.Record(outcome); rerr != nil {
			p.log.Error().Err(rerr).Str("task", task.Name).Msg("Failed to record task outcome")
		}
	}
}

// runGuarded executes the task under its timeout, turning panics into
// errors so one bad task cannot take the worker down.
func (p *Pool) runGuarded(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	return task.Run(ctx)
}
