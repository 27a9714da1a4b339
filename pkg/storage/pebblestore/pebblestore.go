// Package pebblestore is a durable storage adapter on cockroachdb/pebble.
//
// Objects are CBOR encoded under o\x00<bucket>\x00<key>, metadata is kept
// raw under m\x00<bucket>\x00<name>. Decoded objects are cached in an LRU.
package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/simperium/simperium.go/internal/codec"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/storage"
)

const (
	objectPrefix = 'o'
	metaPrefix   = 'm'
	sep          = 0x00

	DefaultCacheSize = 1024
)

type Options struct {
	// Pebble options; nil uses pebble defaults.
	Pebble *pebble.Options
	// CacheSize is the number of decoded objects kept; 0 uses the default.
	CacheSize int
}

type Store struct {
	mu    sync.RWMutex
	db    *pebble.DB
	cache *lru.Cache[string, *models.Object]
	codec *codec.CBOR
}

var _ storage.Storage = (*Store)(nil)

func Open(dir string, opts Options) (*Store, error) {
	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *models.Object](size)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Store{db: db, cache: cache, codec: codec.NewCBOR()}, nil
}

// DB exposes the underlying database, for metrics collection.
func (s *Store) DB() *pebble.DB {
	return s.db
}

func objectKey(bucket, key string) []byte {
	return append(bucketPrefix(objectPrefix, bucket), key...)
}

func metaKey(bucket, name string) []byte {
	return append(bucketPrefix(metaPrefix, bucket), name...)
}

func bucketPrefix(kind byte, bucket string) []byte {
	b := make([]byte, 0, len(bucket)+3)
	b = append(b, kind, sep)
	b = append(b, bucket...)
	return append(b, sep)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) BeginCriticalSection(ctx context.Context) (storage.CriticalSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return nil, constants.ErrClosed
	}
	batch := s.db.NewIndexedBatch()
	return &critical{
		reader: reader{store: s, src: batch},
		batch:  batch,
		dirty:  make(map[string]*models.Object),
	}, nil
}

func (s *Store) BeginSafeSection(ctx context.Context) (storage.SafeSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, constants.ErrClosed
	}
	return &safe{reader: reader{store: s, src: s.db}}, nil
}

func (s *Store) Clear(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return constants.ErrClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	if bucket == "" {
		if err := b.DeleteRange([]byte{0x00}, []byte{0xff}, nil); err != nil {
			return err
		}
	} else {
		for _, kind := range []byte{objectPrefix, metaPrefix} {
			p := bucketPrefix(kind, bucket)
			if err := b.DeleteRange(p, upperBound(p), nil); err != nil {
				return err
			}
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.cache.Purge()
	return err
}

type reader struct {
	store *Store
	src   pebble.Reader
}

func (r *reader) get(key []byte) ([]byte, error) {
	v, closer, err := r.src.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, constants.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (r *reader) Object(bucket, key string) (*models.Object, error) {
	k := objectKey(bucket, key)
	cacheable := r.cacheable()
	if cacheable {
		if o, ok := r.store.cache.Get(string(k)); ok {
			return o.Clone(), nil
		}
	}
	raw, err := r.get(k)
	if err != nil {
		return nil, err
	}
	var obj models.Object
	if err := r.store.codec.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	if cacheable {
		r.store.cache.Add(string(k), obj.Clone())
	}
	return &obj, nil
}

// cacheable is false inside critical sections, whose staged writes must
// not leak into the shared cache.
func (r *reader) cacheable() bool {
	return r.src == r.store.db
}

func (r *reader) Objects(bucket string, keys []string) (map[string]*models.Object, error) {
	out := make(map[string]*models.Object, len(keys))
	for _, k := range keys {
		o, err := r.Object(bucket, k)
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

func (r *reader) Keys(bucket string) ([]string, error) {
	p := bucketPrefix(objectPrefix, bucket)
	it, err := r.src.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, err
	}
	var out []string
	for it.First(); it.Valid(); it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), p)))
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return nil, err
	}
	return out, it.Close()
}

func (r *reader) Metadata(bucket, name string) ([]byte, error) {
	v, err := r.get(metaKey(bucket, name))
	if errors.Is(err, constants.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

type safe struct {
	reader
	once sync.Once
}

func (s *safe) Finish() {
	s.once.Do(s.store.mu.RUnlock)
}

type critical struct {
	reader
	batch *pebble.Batch
	// dirty records the objects written in this section so the cache can
	// be refreshed on commit. nil marks a deletion.
	dirty map[string]*models.Object
	done  bool
}

func (c *critical) Object(bucket, key string) (*models.Object, error) {
	if c.done {
		return nil, constants.ErrClosed
	}
	return c.reader.Object(bucket, key)
}

func (c *critical) Save(bucket string, obj *models.Object) error {
	if c.done {
		return constants.ErrClosed
	}
	raw, err := c.store.codec.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, obj.Key, err)
	}
	k := objectKey(bucket, obj.Key)
	if err := c.batch.Set(k, raw, nil); err != nil {
		return err
	}
	c.dirty[string(k)] = obj.Clone()
	return nil
}

func (c *critical) Delete(bucket, key string) error {
	if c.done {
		return constants.ErrClosed
	}
	k := objectKey(bucket, key)
	if err := c.batch.Delete(k, nil); err != nil {
		return err
	}
	c.dirty[string(k)] = nil
	return nil
}

func (c *critical) SetMetadata(bucket, name string, value []byte) error {
	if c.done {
		return constants.ErrClosed
	}
	if value == nil {
		return c.batch.Delete(metaKey(bucket, name), nil)
	}
	return c.batch.Set(metaKey(bucket, name), value, nil)
}

func (c *critical) Finish() error {
	if c.done {
		return constants.ErrClosed
	}
	c.done = true
	defer c.store.mu.Unlock()
	defer c.batch.Close()

	if err := c.batch.Commit(pebble.Sync); err != nil {
		return err
	}
	for k, o := range c.dirty {
		if o == nil {
			c.store.cache.Remove(k)
		} else {
			c.store.cache.Add(k, o)
		}
	}
	return nil
}

func (c *critical) Abort() {
	if c.done {
		return
	}
	c.done = true
	_ = c.batch.Close()
	c.store.mu.Unlock()
}
