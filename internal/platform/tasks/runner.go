// Package tasks runs fire-and-forget background work with bounded
// concurrency, panic isolation, and an observable record of failures.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrRunnerClosed = errors.New("task runner closed")

// Config controls runner limits. Zero values fall back to defaults.
type Config struct {
	Concurrency    int
	Timeout        time.Duration
	FailureHistory int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureHistory <= 0 {
		c.FailureHistory = 50
	}
	return c
}

// Failure is one recorded task failure.
type Failure struct {
	Task  string    `json:"task"`
	Error string    `json:"error"`
	Panic bool      `json:"panic,omitempty"`
	At    time.Time `json:"at"`
}

// Stats is a point-in-time snapshot of runner counters.
type Stats struct {
	Started   int64     `json:"started"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Panicked  int64     `json:"panicked"`
	Running   int64     `json:"running"`
	Recent    []Failure `json:"recent_failures"`
}

// Runner executes tasks on their own goroutines. At most Concurrency tasks
// run at once; the rest wait for a slot without blocking the caller of Go.
// Each task gets a context with the configured timeout that is detached from
// any request context.
type Runner struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// lifecycle orders wg.Add in Go against Shutdown's wait: once closed is
	// set under it, the counter can only go down.
	lifecycle sync.Mutex
	closed    bool

	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	running   atomic.Int64

	mu       sync.Mutex
	failures []Failure
	next     int
}

func NewRunner(cfg Config, logger zerolog.Logger) *Runner {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:   logger.With().Str("component", "tasks").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
		failures: make([]Failure, 0, cfg.FailureHistory),
	}
}

// Go schedules fn under name and returns immediately.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.lifecycle.Lock()
	if r.closed {
		r.lifecycle.Unlock()
		r.recordFailure(name, ErrRunnerClosed, false)
		return
	}
	r.started.Add(1)
	r.wg.Add(1)
	r.lifecycle.Unlock()

	go func() {
		defer r.wg.Done()

		if err := r.sem.Acquire(r.baseCtx, 1); err != nil {
			r.recordFailure(name, fmt.Errorf("acquire slot: %w", err), false)
			return
		}
		defer r.sem.Release(1)

		r.running.Add(1)
		defer r.running.Add(-1)

		ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.Timeout)
		defer cancel()

		if err := r.run(ctx, name, fn); err != nil {
			return
		}
		r.succeeded.Add(1)
	}()
}

func (r *Runner) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error().
				Str("task", name).
				Str("panic", fmt.Sprintf("%v", p)).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			r.recordFailure(name, err, true)
		}
	}()

	if err = fn(ctx); err != nil {
		r.recordFailure(name, err, false)
	}
	return err
}

func (r *Runner) recordFailure(name string, err error, panicked bool) {
	r.failed.Add(1)
	if panicked {
		r.panicked.Add(1)
	} else {
		r.logger.Warn().Str("task", name).Err(err).Msg("task failed")
	}

	f := Failure{Task: name, Error: err.Error(), Panic: panicked, At: time.Now().UTC()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) < r.cfg.FailureHistory {
		r.failures = append(r.failures, f)
		return
	}
	r.failures[r.next] = f
	r.next = (r.next + 1) % r.cfg.FailureHistory
}

// Stats returns the current counters and the most recent failures, oldest first.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	recent := make([]Failure, 0, len(r.failures))
	recent = append(recent, r.failures[r.next:]...)
	recent = append(recent, r.failures[:r.next]...)
	r.mu.Unlock()

	return Stats{
		Started:   r.started.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Panicked:  r.panicked.Load(),
		Running:   r.running.Load(),
		Recent:    recent,
	}
}

// Wait blocks until every scheduled task has finished. Callers must not
// schedule concurrently from outside a task; use Shutdown for that.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx
// expires first, the remaining tasks have their contexts cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.lifecycle.Lock()
	r.closed = true
	r.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// HealthHandler exposes Stats as JSON.
func (r *Runner) HealthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, r.Stats())
	}
}
