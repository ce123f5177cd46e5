package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRunner_RunsTasks(t *testing.T) {
	r := NewRunner(Config{Concurrency: 4}, zerolog.Nop())

	var n atomic.Int32
	for i := 0; i < 20; i++ {
		r.Go("count", func(ctx context.Context) error {
			n.Add(1)
			return nil
		})
	}
	r.Wait()

	if n.Load() != 20 {
		t.Errorf("expected 20 runs, got %d", n.Load())
	}
	s := r.Stats()
	if s.Started != 20 || s.Succeeded != 20 || s.Failed != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	r := NewRunner(Config{Concurrency: 2}, zerolog.Nop())

	var current, peak atomic.Int32
	for i := 0; i < 10; i++ {
		r.Go("bounded", func(ctx context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		})
	}
	r.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestRunner_IsolatesFailuresAndPanics(t *testing.T) {
	r := NewRunner(Config{Concurrency: 4}, zerolog.Nop())

	var ok atomic.Int32
	r.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	r.Go("panics", func(ctx context.Context) error { panic("kaboom") })
	r.Go("succeeds", func(ctx context.Context) error { ok.Add(1); return nil })
	r.Wait()

	if ok.Load() != 1 {
		t.Error("sibling task should still run")
	}
	s := r.Stats()
	if s.Failed != 2 || s.Panicked != 1 || s.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if len(s.Recent) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(s.Recent))
	}
}

func TestRunner_FailureRingKeepsMostRecent(t *testing.T) {
	r := NewRunner(Config{Concurrency: 1, FailureHistory: 3}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		i := i
		r.Go(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			return fmt.Errorf("err-%d", i)
		})
		r.Wait()
	}

	recent := r.Stats().Recent
	if len(recent) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(recent))
	}
	for i, want := range []string{"task-2", "task-3", "task-4"} {
		if recent[i].Task != want {
			t.Errorf("recent[%d]: expected %s, got %s", i, want, recent[i].Task)
		}
	}
}

func TestRunner_TaskTimeout(t *testing.T) {
	r := NewRunner(Config{Timeout: 10 * time.Millisecond}, zerolog.Nop())

	r.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.Wait()

	recent := r.Stats().Recent
	if len(recent) != 1 || recent[0].Error != context.DeadlineExceeded.Error() {
		t.Errorf("expected deadline failure, got %+v", recent)
	}
}

func TestRunner_ShutdownRejectsNewTasks(t *testing.T) {
	r := NewRunner(Config{}, zerolog.Nop())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	ran := false
	r.Go("late", func(ctx context.Context) error { ran = true; return nil })
	r.Wait()

	if ran {
		t.Error("task scheduled after shutdown should not run")
	}
	if r.Stats().Failed != 1 {
		t.Errorf("expected rejected task to count as failed")
	}
}

func TestRunner_ShutdownRacingGo(t *testing.T) {
	r := NewRunner(Config{Concurrency: 4}, zerolog.Nop())

	const n = 200
	var ran atomic.Int64
	var scheduling sync.WaitGroup
	scheduling.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer scheduling.Done()
			r.Go("racing", func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}()
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	scheduling.Wait()
	afterShutdown := ran.Load()

	st := r.Stats()
	if st.Started+st.Failed != n {
		t.Errorf("started %d + rejected %d, want %d", st.Started, st.Failed, n)
	}
	if st.Succeeded != afterShutdown || afterShutdown != st.Started {
		t.Errorf("every accepted task must finish before Shutdown returns: started %d, ran %d", st.Started, afterShutdown)
	}
}

func TestRunner_HealthHandler(t *testing.T) {
	r := NewRunner(Config{}, zerolog.Nop())
	r.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	r.Wait()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/tasks", nil)
	rec := httptest.NewRecorder()
	if err := r.HealthHandler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"failed":1`) || !strings.Contains(body, `"task":"fails"`) {
		t.Errorf("unexpected body: %s", body)
	}
}
