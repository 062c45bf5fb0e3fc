package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a launch is requested on a shut-down pool.
var ErrPoolShutdown = errors.New("launch pool is shut down")

// ErrLaunchOverlap is returned when a schedule's previous launch is still
// running. Overlapping ticks skip the schedule rather than queue behind a
// slow run.
var ErrLaunchOverlap = errors.New("previous launch of this schedule still running")

// PoolMetrics is a snapshot of launch pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Panics    int64 `json:"panics"`
}

// LaunchPool runs scheduled-run launches with bounded concurrency. Launches
// are keyed by schedule ID: at most one launch per schedule is in flight at
// a time, so a schedule whose run outlives its cron interval is skipped
// instead of stacking up.
type LaunchPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	panics    atomic.Int64
}

// NewLaunchPool creates a pool that runs at most size launches concurrently.
func NewLaunchPool(size int) *LaunchPool {
	if size <= 0 {
		size = 1
	}
	return &LaunchPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Launch claims the schedule and runs fn on the pool. It blocks until a
// concurrency slot frees up, honoring ctx cancellation and pool shutdown.
// A schedule whose previous launch has not finished gets ErrLaunchOverlap.
func (p *LaunchPool) Launch(ctx context.Context, scheduleID string, fn func(ctx context.Context) error) error {
	if err := p.claim(scheduleID); err != nil {
		return err
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.unclaim(scheduleID)
		return ctx.Err()
	case <-p.done:
		p.unclaim(scheduleID)
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquisition; wg.Add must happen under
	// the lock so Shutdown's Wait cannot miss a launch it should drain.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.unclaim(scheduleID)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			p.unclaim(scheduleID)
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()

	return nil
}

// claim marks the schedule as in flight, rejecting duplicates.
func (p *LaunchPool) claim(scheduleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	if _, running := p.inFlight[scheduleID]; running {
		p.skipped.Add(1)
		return ErrLaunchOverlap
	}
	p.inFlight[scheduleID] = struct{}{}
	return nil
}

func (p *LaunchPool) unclaim(scheduleID string) {
	p.mu.Lock()
	delete(p.inFlight, scheduleID)
	p.mu.Unlock()
}

// InFlight reports whether the schedule currently has a running launch.
func (p *LaunchPool) InFlight(scheduleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[scheduleID]
	return ok
}

// Wait blocks until every in-flight launch finishes.
func (p *LaunchPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting launches and waits for in-flight ones to finish.
func (p *LaunchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *LaunchPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Panics:    p.panics.Load(),
	}
}
