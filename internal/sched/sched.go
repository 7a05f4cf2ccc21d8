// Package sched runs cancellable periodic tasks.
//
// The pipeline has several timers (stalled-speaker sweep, cache TTL sweep,
// queued-ingest tick). Each is a [Task]: a goroutine driven by a ticker that
// stops deterministically when Stop is called, waiting for an in-flight run
// to finish.
package sched

import (
	"log/slog"
	"sync"
	"time"
)

// Task calls a function on a fixed interval until stopped.
type Task struct {
	name     string
	interval time.Duration
	fn       func(now time.Time)

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// Every starts a task that calls fn every interval. A non-positive interval
// yields a task that never fires; Stop is still required.
func Every(name string, interval time.Duration, fn func(now time.Time)) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Task) loop() {
	defer close(t.exited)
	if t.interval <= 0 {
		<-t.done
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.run(now)
		}
	}
}

func (t *Task) run(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sched: task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(now)
}

// Stop cancels the task and waits for any in-flight run to return. Safe to
// call more than once. Must not be called from inside the task's own
// function.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	<-t.exited
}
