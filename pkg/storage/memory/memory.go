// Package memory is an in-process storage adapter. Nothing survives the
// process, which makes it the adapter of choice for tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
)

type bucket struct {
	objects map[string]*models.Object
	meta    map[string][]byte
}

func newBucket() *bucket {
	return &bucket{objects: make(map[string]*models.Object), meta: make(map[string][]byte)}
}

// Store keeps cloned objects so callers never share memory with it.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	closed  bool

	failMu   sync.Mutex
	failNext error
}

var _ storage.Storage = (*Store)(nil)

func New() *Store {
	return &Store{buckets: make(map[string]*bucket)}
}

// FailNextCommit makes the next critical section commit fail with err.
func (s *Store) FailNextCommit(err error) {
	s.failMu.Lock()
	s.failNext = err
	s.failMu.Unlock()
}

func (s *Store) takeFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) BeginCriticalSection(ctx context.Context) (storage.CriticalSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, constants.ErrClosed
	}
	return &critical{store: s, staged: make(map[string]*stagedBucket)}, nil
}

func (s *Store) BeginSafeSection(ctx context.Context) (storage.SafeSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, constants.ErrClosed
	}
	return &safe{store: s}, nil
}

func (s *Store) Clear(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.buckets = make(map[string]*bucket)
		return nil
	}
	delete(s.buckets, name)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) object(name, key string) (*models.Object, error) {
	b, ok := s.buckets[name]
	if !ok {
		return nil, constants.ErrNotFound
	}
	o, ok := b.objects[key]
	if !ok {
		return nil, constants.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) keys(name string) []string {
	b, ok := s.buckets[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	return out
}

func (s *Store) metadata(name, key string) []byte {
	b, ok := s.buckets[name]
	if !ok {
		return nil
	}
	return clone(b.meta[key])
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

type safe struct {
	store *Store
	once  sync.Once
}

func (r *safe) Object(bucket, key string) (*models.Object, error) {
	return r.store.object(bucket, key)
}

func (r *safe) Objects(bucket string, keys []string) (map[string]*models.Object, error) {
	out := make(map[string]*models.Object, len(keys))
	for _, k := range keys {
		if o, err := r.store.object(bucket, k); err == nil {
			out[k] = o
		}
	}
	return out, nil
}

func (r *safe) Keys(bucket string) ([]string, error) {
	keys := r.store.keys(bucket)
	sort.Strings(keys)
	return keys, nil
}

func (r *safe) Metadata(bucket, name string) ([]byte, error) {
	return r.store.metadata(bucket, name), nil
}

func (r *safe) Finish() {
	r.once.Do(r.store.mu.RUnlock)
}

// stagedBucket holds writes not yet committed. A nil object or nil
// metadata value marks a deletion.
type stagedBucket struct {
	objects map[string]*models.Object
	meta    map[string][]byte
}

type critical struct {
	store  *Store
	staged map[string]*stagedBucket
	done   bool
}

func (c *critical) stage(bucket string) *stagedBucket {
	sb, ok := c.staged[bucket]
	if !ok {
		sb = &stagedBucket{objects: make(map[string]*models.Object), meta: make(map[string][]byte)}
		c.staged[bucket] = sb
	}
	return sb
}

func (c *critical) Object(bucket, key string) (*models.Object, error) {
	if c.done {
		return nil, constants.ErrClosed
	}
	if sb, ok := c.staged[bucket]; ok {
		if o, ok := sb.objects[key]; ok {
			if o == nil {
				return nil, constants.ErrNotFound
			}
			return o.Clone(), nil
		}
	}
	return c.store.object(bucket, key)
}

func (c *critical) Objects(bucket string, keys []string) (map[string]*models.Object, error) {
	out := make(map[string]*models.Object, len(keys))
	for _, k := range keys {
		o, err := c.Object(bucket, k)
		if errors.Is(err, constants.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = o
	}
	return out, nil
}

func (c *critical) Keys(bucket string) ([]string, error) {
	set := make(map[string]struct{})
	for _, k := range c.store.keys(bucket) {
		set[k] = struct{}{}
	}
	if sb, ok := c.staged[bucket]; ok {
		for k, o := range sb.objects {
			if o == nil {
				delete(set, k)
			} else {
				set[k] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *critical) Metadata(bucket, name string) ([]byte, error) {
	if sb, ok := c.staged[bucket]; ok {
		if v, ok := sb.meta[name]; ok {
			return clone(v), nil
		}
	}
	return c.store.metadata(bucket, name), nil
}

func (c *critical) Save(bucket string, obj *models.Object) error {
	if c.done {
		return constants.ErrClosed
	}
	c.stage(bucket).objects[obj.Key] = obj.Clone()
	return nil
}

func (c *critical) Delete(bucket, key string) error {
	if c.done {
		return constants.ErrClosed
	}
	c.stage(bucket).objects[key] = nil
	return nil
}

func (c *critical) SetMetadata(bucket, name string, value []byte) error {
	if c.done {
		return constants.ErrClosed
	}
	c.stage(bucket).meta[name] = clone(value)
	return nil
}

func (c *critical) Finish() error {
	if c.done {
		return constants.ErrClosed
	}
	c.done = true
	defer c.store.mu.Unlock()

	if err := c.store.takeFailure(); err != nil {
		return err
	}
	for name, sb := range c.staged {
		b, ok := c.store.buckets[name]
		if !ok {
			b = newBucket()
			c.store.buckets[name] = b
		}
		for k, o := range sb.objects {
			if o == nil {
				delete(b.objects, k)
			} else {
				b.objects[k] = o
			}
		}
		for k, v := range sb.meta {
			if v == nil {
				delete(b.meta, k)
			} else {
				b.meta[k] = v
			}
		}
	}
	return nil
}

func (c *critical) Abort() {
	if c.done {
		return
	}
	c.done = true
	c.store.mu.Unlock()
}
