// Package worker provides the serial execution context each bucket runs on.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
)

// Queue runs submitted tasks one at a time, in submission order, on a
// single goroutine. Submit never blocks, so the transport read loop can hand
// frames over without waiting on a slow bucket.
type Queue struct {
	name string
	log  logger.Logger

	mu      sync.Mutex
	tasks   []func()
	signal  chan struct{}
	stopped bool

	done chan struct{}
}

func NewQueue(name string, log logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		name:   name,
		log:    log,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.stopped {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.signal
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(task)
	}
}

func (q *Queue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("worker task panicked", "queue", q.name, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit enqueues fn. It fails with constants.ErrClosed after Stop.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return constants.ErrClosed
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the queue and waits for its result. When ctx ends first
// the task still runs but its result is discarded.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := q.Submit(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, runs the ones already queued and waits for the
// worker goroutine to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	already := q.stopped
	q.stopped = true
	q.mu.Unlock()

	if !already {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	<-q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
