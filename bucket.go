package simperium

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/simperium/simperium.go/internal/rand"
	"github.com/simperium/simperium.go/internal/worker"
	"github.com/simperium/simperium.go/pkg/changes"
	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/differ"
	"github.com/simperium/simperium.go/pkg/index"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/metrics"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/relationship"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/wire"
)

// Bucket syncs the objects of one schema. Every operation, local or
// remote, runs on the bucket's own worker, so a bucket never races with
// itself; distinct buckets run concurrently.
type Bucket struct {
	name   string
	remote string

	schema    *schema.Schema
	differ    *differ.Differ
	changes   *changes.Processor
	index     *index.Processor
	resolver  *relationship.Resolver
	store     storage.Storage
	transport *connection.Transport
	queue     *worker.Queue
	delegate  Delegate
	log       logger.Logger
	metrics   *metrics.Metrics

	// The fields below are confined to the worker.

	channel *connection.Channel
	// ctx is cancelled by Stop and bounds the requests sent meanwhile.
	ctx    context.Context
	cancel context.CancelFunc
	loaded bool
	online bool

	indexStarted time.Time
	// versions holds the "key.version" past versions asked for.
	versions map[string]struct{}
}

type bucketOptions struct {
	remote     string
	pageSize   int
	maxRetries int
	resolver   *relationship.Resolver
	store      storage.Storage
	transport  *connection.Transport
	delegate   Delegate
	log        logger.Logger
	metrics    *metrics.Metrics
}

func newBucket(s *schema.Schema, opts bucketOptions) *Bucket {
	name := s.Name()
	log := opts.log
	b := &Bucket{
		name:      name,
		remote:    opts.remote,
		schema:    s,
		differ:    differ.New(s, log),
		resolver:  opts.resolver,
		store:     opts.store,
		transport: opts.transport,
		queue:     worker.NewQueue(name, log),
		delegate:  opts.delegate,
		log:       log,
		metrics:   opts.metrics,
		ctx:       context.Background(),
		cancel:    func() {},
		versions:  make(map[string]struct{}),
	}
	if b.remote == "" {
		b.remote = name
	}
	b.changes = changes.NewProcessor(name, changes.SenderFunc(b.sendChange), opts.maxRetries, log)
	b.index = index.NewProcessor(name, index.RequesterFunc(b.requestIndex), opts.pageSize, log)
	return b
}

// Name is the local bucket name, also used in storage.
func (b *Bucket) Name() string {
	return b.name
}

// RemoteName is the bucket name announced to the server.
func (b *Bucket) RemoteName() string {
	return b.remote
}

func (b *Bucket) Schema() *schema.Schema {
	return b.schema
}

func (b *Bucket) sendChange(ctx context.Context, c changes.Change) error {
	if b.channel == nil {
		return constants.ErrNotConnected
	}
	err := b.channel.SendChange(ctx, wire.ChangeRequest{
		CCID:          c.CCID,
		ID:            c.Key,
		Op:            string(c.Op),
		SourceVersion: c.BaseVersion,
		Diff:          c.Diff,
	})
	if err == nil {
		b.metrics.ChangeSent(b.name)
	}
	return err
}

func (b *Bucket) requestIndex(ctx context.Context, mark string, limit int) error {
	if b.channel == nil {
		return constants.ErrNotConnected
	}
	return b.channel.RequestIndex(ctx, mark, limit)
}

// Start restores the pending changes and opens the bucket's channel. The
// channel authenticates as soon as the transport is connected, then the
// bucket resumes indexing or streaming from its persisted cursors.
func (b *Bucket) Start(ctx context.Context) error {
	return b.queue.Do(ctx, func() error {
		if b.channel != nil {
			return nil
		}
		if !b.loaded {
			if err := storage.WithSafeSection(ctx, b.store, b.changes.Load); err != nil {
				return fmt.Errorf("load pending changes of %s: %w", b.name, err)
			}
			b.loaded = true
			b.metrics.SetPending(b.name, b.changes.Len())
		}
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.channel = b.transport.Channel(b.remote, &inbox{b: b})
		b.log.Debug("bucket started", "bucket", b.name, "channel", b.channel.Number())
		return nil
	})
}

// Stop closes the channel and abandons outstanding requests. Ghosts and
// pending changes are kept; a later Start resumes from them.
func (b *Bucket) Stop(ctx context.Context) error {
	return b.queue.Do(ctx, func() error {
		b.stop()
		return nil
	})
}

func (b *Bucket) stop() {
	if b.channel == nil {
		return
	}
	b.channel.Close()
	b.channel = nil
	b.cancel()
	b.online = false
	b.index.Cancel(constants.ErrClosed)
	b.persist()
	b.log.Debug("bucket stopped", "bucket", b.name)
}

// close stops the bucket and its worker for good.
func (b *Bucket) close() {
	_ = b.queue.Submit(b.stop)
	b.queue.Stop()
}

// ForceSync downloads the whole index again. The future resolves once a
// run from page 1 has completed, including when a run was already in
// progress. Offline, it resolves after the next connection.
func (b *Bucket) ForceSync(ctx context.Context) (*worker.Future, error) {
	var f *worker.Future
	err := b.queue.Do(ctx, func() error {
		wasPaging := b.index.Paging()
		if b.online {
			if err := b.channel.Transition(connection.PhaseIndexing); err != nil {
				return err
			}
		}
		var err error
		f, err = b.index.ForceSync(b.ctx)
		if err != nil {
			b.log.Debug("force sync deferred", "bucket", b.name, "error", err)
		}
		if b.online && !wasPaging {
			b.indexStarted = time.Now()
			b.delegate.IndexingWillStart(b.name)
		}
		return nil
	})
	return f, err
}

// InsertOrUpdate stores obj and queues the change for the server. The
// object's ghost and references are managed by the bucket and ignored.
func (b *Bucket) InsertOrUpdate(ctx context.Context, obj *models.Object) error {
	if obj == nil || obj.Key == "" {
		return fmt.Errorf("%w: object without key", constants.ErrInvalidValue)
	}
	obj = obj.Clone()
	return b.queue.Do(ctx, func() error {
		bt := &batch{}
		err := b.commit(ctx, func(w storage.Writer) error {
			cur, err := b.object(w, obj.Key)
			if err != nil {
				return err
			}
			obj.Ghost, obj.References = nil, nil
			if cur != nil {
				obj.Ghost, obj.References = cur.Ghost, cur.References
			}

			var diff schema.ObjectDiff
			if obj.Ghost == nil {
				diff = b.differ.DiffForAddition(obj)
			} else {
				if diff, err = b.differ.Diff(obj.Ghost.Data, obj.Data); err != nil {
					b.log.Warn("members left out of change", "bucket", b.name, "key", obj.Key, "error", err)
				}
			}
			b.changes.Enqueue(obj.Key, changes.OpModify, diff, obj.Version())
			return b.save(w, obj, bt)
		})
		if err != nil {
			return err
		}
		b.finish(bt)
		b.flush()
		return nil
	})
}

// SaveWithoutSyncing stores obj locally and queues nothing. The edit is
// sent with the next InsertOrUpdate of the same key, which diffs against
// the ghost. Until then a remote change to the key replaces it.
func (b *Bucket) SaveWithoutSyncing(ctx context.Context, obj *models.Object) error {
	if obj == nil || obj.Key == "" {
		return fmt.Errorf("%w: object without key", constants.ErrInvalidValue)
	}
	obj = obj.Clone()
	return b.queue.Do(ctx, func() error {
		bt := &batch{}
		err := b.commit(ctx, func(w storage.Writer) error {
			cur, err := b.object(w, obj.Key)
			if err != nil {
				return err
			}
			obj.Ghost, obj.References = nil, nil
			if cur != nil {
				obj.Ghost, obj.References = cur.Ghost, cur.References
			}
			return b.save(w, obj, bt)
		})
		if err != nil {
			return err
		}
		b.finish(bt)
		return nil
	})
}

// Insert stores a new object under a generated key.
func (b *Bucket) Insert(ctx context.Context, data map[string]any) (*models.Object, error) {
	obj := models.NewObject(rand.NewKey(), data)
	if err := b.InsertOrUpdate(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete removes key locally and queues its deletion for the server.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.queue.Do(ctx, func() error {
		err := b.commit(ctx, func(w storage.Writer) error {
			cur, err := b.object(w, key)
			if err != nil {
				return err
			}
			if cur == nil {
				return fmt.Errorf("delete %s/%s: %w", b.name, key, constants.ErrNotFound)
			}
			b.changes.Enqueue(key, changes.OpDelete, nil, cur.Version())
			return w.Delete(b.name, key)
		})
		if err != nil {
			return err
		}
		b.flush()
		return nil
	})
}

// ObjectForKey returns a copy of the stored object.
func (b *Bucket) ObjectForKey(ctx context.Context, key string) (*models.Object, error) {
	var obj *models.Object
	err := b.queue.Do(ctx, func() error {
		return storage.WithSafeSection(ctx, b.store, func(r storage.Reader) error {
			var err error
			obj, err = r.Object(b.name, key)
			return err
		})
	})
	return obj, err
}

// ObjectsForKeys returns the stored objects among keys.
func (b *Bucket) ObjectsForKeys(ctx context.Context, keys []string) (map[string]*models.Object, error) {
	var objs map[string]*models.Object
	err := b.queue.Do(ctx, func() error {
		return storage.WithSafeSection(ctx, b.store, func(r storage.Reader) error {
			var err error
			objs, err = r.Objects(b.name, keys)
			return err
		})
	})
	return objs, err
}

// Keys returns the stored keys in ascending order.
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.queue.Do(ctx, func() error {
		return storage.WithSafeSection(ctx, b.store, func(r storage.Reader) error {
			var err error
			keys, err = r.Keys(b.name)
			return err
		})
	})
	return keys, err
}

// Versions asks the server for the last n versions of key, the current one
// included. They are delivered to Delegate.ObjectVersionReceived.
func (b *Bucket) Versions(ctx context.Context, key string, n int) error {
	return b.queue.Do(ctx, func() error {
		if !b.online {
			return constants.ErrNotAuthenticated
		}
		var obj *models.Object
		err := storage.WithSafeSection(ctx, b.store, func(r storage.Reader) error {
			var err error
			obj, err = r.Object(b.name, key)
			return err
		})
		if err != nil {
			return err
		}
		for i := range n {
			v, ok := obj.Version().Previous(i)
			if !ok {
				break
			}
			b.versions[key+"."+v.String()] = struct{}{}
			if err := b.channel.RequestEntity(ctx, key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns the keys with a change not yet acknowledged.
func (b *Bucket) Pending(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.queue.Do(ctx, func() error {
		keys = b.changes.Keys()
		return nil
	})
	return keys, err
}

// reset forgets every local object, cursor and pending change of the
// bucket. When online, the index is downloaded again.
func (b *Bucket) reset(ctx context.Context) error {
	return b.queue.Do(ctx, func() error {
		b.changes.Reset()
		b.index.Cancel(constants.ErrClosed)
		clear(b.versions)
		if err := b.store.Clear(ctx, b.name); err != nil {
			return err
		}
		if err := b.commit(ctx, func(storage.Writer) error { return nil }); err != nil {
			return err
		}
		if b.online {
			b.startIndex("", true)
		}
		return nil
	})
}

// object returns the stored object, or nil when key is absent.
func (b *Bucket) object(r storage.Reader, key string) (*models.Object, error) {
	obj, err := r.Object(b.name, key)
	if errors.Is(err, constants.ErrNotFound) {
		return nil, nil
	}
	return obj, err
}

// commit runs fn in a critical section, along with the pending changes
// when they changed.
func (b *Bucket) commit(ctx context.Context, fn func(w storage.Writer) error) error {
	err := storage.WithCriticalSection(ctx, b.store, func(w storage.Writer) error {
		if err := fn(w); err != nil {
			return err
		}
		if b.changes.Dirty() {
			return b.changes.Save(w)
		}
		return nil
	})
	if err != nil {
		var se *storage.Error
		if errors.As(err, &se) {
			b.metrics.StorageFailed(b.name)
		}
		return err
	}
	b.changes.MarkSaved()
	b.metrics.SetPending(b.name, b.changes.Len())
	return nil
}

// persist writes the pending changes when they changed since last saved.
func (b *Bucket) persist() {
	if !b.changes.Dirty() {
		return
	}
	if err := b.commit(context.Background(), func(storage.Writer) error { return nil }); err != nil {
		b.log.Warn("failed to persist pending changes", "bucket", b.name, "error", err)
	}
}

// flush sends the pending changes when authenticated.
func (b *Bucket) flush() {
	if !b.online {
		return
	}
	if err := b.changes.Flush(b.ctx); err != nil {
		b.log.Debug("changes left pending", "bucket", b.name, "error", err)
	}
	b.persist()
}

// save links the references of obj, writes it and resolves the links
// waiting for it.
func (b *Bucket) save(w storage.Writer, obj *models.Object, bt *batch) error {
	if err := b.resolver.Link(w, b.schema, obj); err != nil {
		return err
	}
	if err := w.Save(b.name, obj); err != nil {
		return err
	}
	linked, err := b.resolver.ResolveForKey(w, obj.Key, b.name)
	if err != nil {
		return err
	}
	for _, rel := range linked {
		bt.link(rel.SourceBucket, rel.SourceKey)
	}
	return nil
}

// batch collects what a section did, to be reported once it committed.
type batch struct {
	added   []string
	changed []string
	acked   []string
	deleted []string
	linked  map[string][]string
	errs    []error
	after   []func()
	flush   bool
}

func (bt *batch) link(bucket, key string) {
	if bt.linked == nil {
		bt.linked = make(map[string][]string)
	}
	bt.linked[bucket] = append(bt.linked[bucket], key)
}

func sortedUnique(keys []string) []string {
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (b *Bucket) finish(bt *batch) {
	for _, key := range bt.deleted {
		b.delegate.ObjectKeyWillBeDeleted(b.name, key)
	}
	if len(bt.added) > 0 {
		b.delegate.ObjectKeysAdded(b.name, sortedUnique(bt.added))
	}
	if len(bt.changed) > 0 {
		b.delegate.ObjectKeysChanged(b.name, sortedUnique(bt.changed))
	}
	for _, key := range bt.acked {
		b.delegate.ObjectKeyAcknowledged(b.name, key)
	}
	buckets := make([]string, 0, len(bt.linked))
	for name := range bt.linked {
		buckets = append(buckets, name)
	}
	slices.Sort(buckets)
	for _, name := range buckets {
		keys := sortedUnique(bt.linked[name])
		b.metrics.LinkResolved(name, len(keys))
		b.delegate.ObjectKeysChanged(name, keys)
	}
	for _, err := range bt.errs {
		b.syncError(err)
	}
	for _, fn := range bt.after {
		fn()
	}
	if bt.flush {
		b.flush()
	}
}

func (b *Bucket) syncError(err error) {
	b.log.Warn("sync error", "bucket", b.name, "error", err)
	b.delegate.SyncError(b.name, err)
}
