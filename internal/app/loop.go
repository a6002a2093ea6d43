// Package app wires the relay connection, the call manager and the chat
// router into one client, and runs them on a single event loop.
package app

import (
	"context"
	"sync"
)

const loopQueueSize = 256

// Loop runs posted closures one at a time on the goroutine that called Run.
// State owned by the loop needs no locking as long as it is only touched
// from posted closures.
type Loop struct {
	queue    chan func()
	done     chan struct{}
	doneOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		queue: make(chan func(), loopQueueSize),
		done:  make(chan struct{}),
	}
}

// Post schedules fn. It blocks while the queue is full and drops fn once the
// loop has stopped. Post must not be called from inside a posted closure
// when the queue may be full.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Run executes posted closures until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.Post(func() { result <- fn() })

	select {
	case err := <-result:
		return err
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
