// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the timer-heap/cooperative-loop shape surveyed in the
// retrieved example pack's event-loop implementations, simplified to the
// single-threaded, no-internal-locking model spec.md §4.A and §5 require.

package osp

import (
	"container/heap"
	"context"
	"sync"
)

// delayedTask is one entry of the [TaskRunner]'s delay min-heap.
type delayedTask struct {
	deadline TimePoint
	seq      uint64
	fn       func()
}

// delayedTaskHeap implements [heap.Interface] ordered by deadline, breaking
// ties by submission sequence so that same-deadline tasks run in the order
// they were posted.
type delayedTaskHeap []*delayedTask

func (h delayedTaskHeap) Len() int { return len(h) }

func (h delayedTaskHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h delayedTaskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedTaskHeap) Push(x any) {
	*h = append(*h, x.(*delayedTask))
}

func (h *delayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TaskRunner is a single-threaded, cooperative task scheduler (spec.md
// §4.A). Every component in this package assumes it is only ever invoked
// from within a task run by the same [*TaskRunner]; none of them take an
// internal lock (spec.md §5).
//
// [TaskRunner.PostTask] and [TaskRunner.PostTaskWithDelay] are the only
// methods safe to call from a goroutine other than the one executing
// [TaskRunner.Run]; they hand the task to the runner thread rather than
// invoke it directly.
type TaskRunner struct {
	clock Clock

	mu      sync.Mutex
	cond    *sync.Cond
	fifo    []func()
	delayed delayedTaskHeap
	nextSeq uint64
	stopped bool
	running bool
}

// NewTaskRunner returns a new, unstarted [*TaskRunner] driven by clock.
func NewTaskRunner(clock Clock) *TaskRunner {
	r := &TaskRunner{clock: clock}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// PostTask schedules fn to run as soon as the runner is next idle, in
// submission order relative to other zero-delay tasks.
func (r *TaskRunner) PostTask(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.fifo = append(r.fifo, fn)
	r.cond.Signal()
}

// PostTaskWithDelay schedules fn to run no earlier than d from now.
func (r *TaskRunner) PostTaskWithDelay(fn func(), d Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.nextSeq++
	heap.Push(&r.delayed, &delayedTask{
		deadline: r.clock.Now().Add(d),
		seq:      r.nextSeq,
		fn:       fn,
	})
	r.cond.Signal()
}

// Run drives the runner loop until [TaskRunner.Stop] is called or ctx is
// done, whichever happens first. Run must not be called re-entrantly or
// concurrently with another call to Run on the same [*TaskRunner].
func (r *TaskRunner) Run(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	// context cancellation is translated into a Stop() so the condvar
	// wait below always has a single wakeup path to reason about.
	stopWatch := context.AfterFunc(ctx, r.Stop)
	defer stopWatch()

	for {
		r.mu.Lock()
		for len(r.fifo) == 0 && r.delayed.Len() == 0 && !r.stopped {
			r.cond.Wait()
		}
		if r.stopped && len(r.fifo) == 0 && r.delayed.Len() == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}

		batch := r.fifo
		r.fifo = nil

		now := r.clock.Now()
		for r.delayed.Len() > 0 && !now.Before(r.delayed[0].deadline) {
			item := heap.Pop(&r.delayed).(*delayedTask)
			batch = append(batch, item.fn)
		}
		r.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// Stop causes the runner loop to exit after it finishes any task already
// selected for execution. Stop is idempotent and safe to call from any
// goroutine, including from within a task running on the loop itself.
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cond.Broadcast()
}

// Running reports whether [TaskRunner.Run] is currently executing.
func (r *TaskRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
