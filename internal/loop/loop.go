// Package loop provides the single logical execution context on which all
// local store mutations and state transitions run.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("loop: stopped")

// Loop executes posted functions one at a time in submission order.
// Functions running on the loop must not call Call, which would deadlock.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// New creates a loop with the given task buffer and starts its goroutine.
func New(buf int) *Loop {
	l := &Loop{
		tasks: make(chan func(), buf),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post enqueues fn without waiting for it to run. It blocks only while the
// buffer is full and returns ErrStopped once the loop is stopped.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Stop terminates the loop after the running task completes. Queued tasks
// that have not started are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}
