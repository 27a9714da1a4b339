package worker

import (
	"context"
	"sync"
)

// Future is a result that is resolved exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve sets the result. Only the first call has an effect; it reports
// whether this call resolved the future.
func (f *Future) Resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result, or nil while unresolved.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future is resolved or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
