// Package storage declares the persistence collaborator of the sync engine.
//
// Reads and writes happen inside sections. A critical section is exclusive
// and commits its writes atomically when finished; a safe section is shared
// and read-only. The engine never assumes it is the only writer.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/simperium/simperium.go/pkg/models"
)

// Reader is the read side available in both kinds of section.
type Reader interface {
	// Object returns constants.ErrNotFound when the key is absent.
	Object(bucket, key string) (*models.Object, error)
	// Objects returns the objects found; missing keys are left out.
	Objects(bucket string, keys []string) (map[string]*models.Object, error)
	// Keys returns the bucket's keys in ascending order.
	Keys(bucket string) ([]string, error)
	// Metadata returns nil without error when name is unset.
	Metadata(bucket, name string) ([]byte, error)
}

// Writer stages changes inside a critical section.
type Writer interface {
	Reader
	Save(bucket string, obj *models.Object) error
	Delete(bucket, key string) error
	// SetMetadata with a nil value removes the entry.
	SetMetadata(bucket, name string, value []byte) error
}

// CriticalSection is an exclusive write bracket.
type CriticalSection interface {
	Writer
	// Finish commits the staged writes and releases the section.
	Finish() error
	// Abort discards the staged writes and releases the section.
	Abort()
}

// SafeSection is a shared read bracket.
type SafeSection interface {
	Reader
	Finish()
}

type Storage interface {
	BeginCriticalSection(ctx context.Context) (CriticalSection, error)
	BeginSafeSection(ctx context.Context) (SafeSection, error)
	// Clear removes every object and metadata entry of bucket, or of all
	// buckets when bucket is empty.
	Clear(ctx context.Context, bucket string) error
	Close() error
}

// Error wraps a failure reported by a storage adapter.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// WithCriticalSection runs fn inside a critical section. The section is
// committed when fn returns nil and aborted otherwise, including on panic.
func WithCriticalSection(ctx context.Context, s Storage, fn func(w Writer) error) (err error) {
	cs, err := s.BeginCriticalSection(ctx)
	if err != nil {
		return wrap("begin", err)
	}
	done := false
	defer func() {
		if !done {
			cs.Abort()
		}
	}()
	if err := fn(cs); err != nil {
		return err
	}
	done = true
	return wrap("commit", cs.Finish())
}

// WithSafeSection runs fn inside a safe section and always releases it.
func WithSafeSection(ctx context.Context, s Storage, fn func(r Reader) error) error {
	ss, err := s.BeginSafeSection(ctx)
	if err != nil {
		return wrap("begin", err)
	}
	defer ss.Finish()
	return fn(ss)
}
