// Package reactor provides a single-threaded, cooperative callback loop.
//
// Every callback posted to a Reactor runs on the goroutine that called Run,
// one at a time and to completion. Work that blocks (network I/O) runs
// elsewhere and reports back with Post. The loop keeps running while any
// interest registered with Hold or AfterFunc is active, mirroring the way
// an event loop stays alive while it has watchers.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Reactor struct {
	mu      sync.Mutex
	queue   []func()
	handles int
	stopped bool

	wake chan struct{}
}

func New() *Reactor {
	return &Reactor{wake: make(chan struct{}, 1)}
}

// Post schedules fn to run on the loop. It never blocks and is safe for
// concurrent use. Callbacks posted after Stop are discarded.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.signal()
}

// Hold registers an active interest that keeps Run from returning when the
// queue is empty. The returned release func may be called more than once.
func (r *Reactor) Hold() (release func()) {
	r.mu.Lock()
	r.handles++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.handles--
			r.mu.Unlock()
			r.signal()
		})
	}
}

// Stop makes Run return once the current callback finishes. Queued
// callbacks are dropped.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.queue = nil
	r.mu.Unlock()
	r.signal()
}

// Run dispatches callbacks until Stop, until ctx is done, or until no
// interest is held and nothing is queued.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		stopped := r.stopped
		idle := r.handles == 0 && len(batch) == 0
		r.mu.Unlock()

		if stopped || idle {
			return nil
		}

		for _, fn := range batch {
			if r.isStopped() {
				return nil
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reactor) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	done    atomic.Bool
	release func()
}

// AfterFunc runs fn on the loop after d. The pending timer holds the
// reactor until it fires or is stopped.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{release: r.Hold()}
	tm.t = time.AfterFunc(d, func() {
		r.Post(func() {
			if tm.done.CompareAndSwap(false, true) {
				tm.release()
				fn()
			}
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether fn was prevented from running.
func (t *Timer) Stop() bool {
	if t == nil || !t.done.CompareAndSwap(false, true) {
		return false
	}
	t.t.Stop()
	t.release()
	return true
}
