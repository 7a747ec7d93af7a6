// Package schedule runs periodic activities with single-flight semantics: a tick that
// fires while the previous cycle of the same activity is still running is dropped.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/loadguard/internal/logger"
)

// Task is one cycle of a periodic activity.
type Task func(ctx context.Context)

type Runner struct {
	name     string
	interval time.Duration
	task     Task

	inFlight atomic.Bool
	skipped  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(name string, interval time.Duration, task Task) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
	}
}

// Start runs the task once immediately and then on every tick until Stop is called or ctx
// is cancelled. Calling Start on a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		logger.Warn().Str("runner", r.name).Msg("Runner already started")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx)

	logger.Debug().
		Str("runner", r.name).
		Dur("interval", r.interval).
		Msg("Runner started")
}

// Stop cancels the loop and waits for any in-flight cycle to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	r.wg.Wait()

	logger.Debug().Str("runner", r.name).Msg("Runner stopped")
}

// RunOnce runs a cycle in the calling goroutine. It returns false without running the task
// when another cycle is in flight.
func (r *Runner) RunOnce(ctx context.Context) bool {
	if !r.acquire() {
		return false
	}
	r.run(ctx)

	return true
}

// Skipped returns the number of ticks dropped because a cycle was still running.
func (r *Runner) Skipped() int64 {
	return r.skipped.Load()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.trigger(ctx)
		}
	}
}

func (r *Runner) trigger(ctx context.Context) {
	if !r.acquire() {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

func (r *Runner) acquire() bool {
	if r.inFlight.CompareAndSwap(false, true) {
		return true
	}

	r.skipped.Add(1)
	logger.Debug().Str("runner", r.name).Msg("Previous cycle still running, tick skipped")

	return false
}

func (r *Runner) run(ctx context.Context) {
	defer r.inFlight.Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Str("runner", r.name).
				Interface("panic", rec).
				Msg("Cycle panicked, continuing on next tick")
		}
	}()

	r.task(ctx)
}
