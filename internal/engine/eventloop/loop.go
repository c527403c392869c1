// Package eventloop provides the single-threaded cooperative scheduler that
// module loading, linking and evaluation run on. Tasks posted to a Loop run one
// at a time, in posting order, on the goroutine that calls Run. Blocking work
// (network and disk I/O) runs on its own goroutine through Go and hands its
// continuation back to the loop.
package eventloop

import (
	"context"
	"sync"
)

type Loop struct {
	mu    sync.Mutex
	tasks []func()
	refs  int
	wake  chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn to run on the loop after every task posted before it.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// Go runs work on a new goroutine. The loop stays alive until work returns;
// the continuation it returns (if any) is posted back to the loop.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()

	go func() {
		cont := work()
		l.mu.Lock()
		l.refs--
		if cont != nil {
			l.tasks = append(l.tasks, cont)
		}
		l.mu.Unlock()
		l.signal()
	}()
}

// Ref keeps the loop alive until the matching Unref, for callers that manage
// their own goroutines.
func (l *Loop) Ref() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

func (l *Loop) Unref() {
	l.mu.Lock()
	if l.refs > 0 {
		l.refs--
	}
	l.mu.Unlock()
	l.signal()
}

// Run drains the task queue. It returns nil once no task is queued and no
// outstanding Go/Ref holds the loop, or ctx's error if ctx ends while the
// loop is waiting on outstanding work.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.tasks) > 0 {
			fn := l.tasks[0]
			l.tasks[0] = nil
			l.tasks = l.tasks[1:]
			l.mu.Unlock()
			fn()
			continue
		}
		idle := l.refs == 0
		l.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Pending reports queued tasks and outstanding references.
func (l *Loop) Pending() (tasks int, refs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks), l.refs
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
