package simperium

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/simperium/simperium.go/pkg/changes"
	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/index"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/wire"
)

// inbox moves the frames of the bucket's channel from the transport read
// loop onto the bucket worker.
type inbox struct {
	b *Bucket
}

var _ connection.Handler = (*inbox)(nil)

func (in *inbox) submit(fn func()) {
	if err := in.b.queue.Submit(fn); err != nil {
		in.b.log.Debug("frame dropped by stopped bucket", "bucket", in.b.name)
	}
}

func (in *inbox) HandleAuth(user string, err error) {
	in.submit(func() { in.b.onAuth(user, err) })
}

func (in *inbox) HandleIndexPage(page wire.IndexPage) {
	in.submit(func() { in.b.onIndexPage(page) })
}

func (in *inbox) HandleChanges(list []wire.Change) {
	in.submit(func() { in.b.onChanges(list) })
}

func (in *inbox) HandleStaleChangeVersion() {
	in.submit(in.b.onStaleChangeVersion)
}

func (in *inbox) HandleEntity(e wire.EntityResponse) {
	in.submit(func() { in.b.onEntity(e) })
}

func (in *inbox) HandleClosed(err error) {
	in.submit(func() { in.b.onClosed(err) })
}

func (b *Bucket) onAuth(user string, err error) {
	if b.channel == nil {
		return
	}
	if err != nil {
		b.online = false
		b.log.Warn("authentication failed", "bucket", b.name, "error", err)
		b.delegate.AuthenticationFailed(b.name, err)
		return
	}
	b.online = true
	b.log.Debug("authenticated", "bucket", b.name, "user", user)
	b.delegate.AuthenticationSuccessful(b.name, user)

	var mark, cv []byte
	err = storage.WithSafeSection(context.Background(), b.store, func(r storage.Reader) error {
		var err error
		if mark, err = r.Metadata(b.name, constants.MetaIndexMark); err != nil {
			return err
		}
		cv, err = r.Metadata(b.name, constants.MetaChangeVersion)
		return err
	})
	if err != nil {
		b.syncError(fmt.Errorf("read cursors of %s: %w", b.name, err))
		return
	}

	if b.index.Pending() || len(mark) > 0 || len(cv) == 0 {
		b.startIndex(string(mark), false)
	} else {
		b.stream(string(cv))
	}
	if err := b.changes.Resume(b.ctx); err != nil {
		b.log.Debug("changes left pending", "bucket", b.name, "error", err)
	}
	b.persist()
}

func (b *Bucket) startIndex(mark string, force bool) {
	if err := b.channel.Transition(connection.PhaseIndexing); err != nil {
		b.log.Error("BUG: cannot index", "bucket", b.name, "error", err)
		return
	}
	if !b.index.Paging() {
		b.indexStarted = time.Now()
		b.delegate.IndexingWillStart(b.name)
	}
	if err := b.index.Start(b.ctx, mark, force); err != nil {
		b.log.Warn("index not requested", "bucket", b.name, "error", err)
	}
}

func (b *Bucket) stream(cv string) {
	if err := b.channel.Transition(connection.PhaseStreaming); err != nil {
		b.log.Error("BUG: cannot stream", "bucket", b.name, "error", err)
		return
	}
	if err := b.channel.StreamFrom(b.ctx, cv); err != nil {
		b.log.Warn("change version not sent", "bucket", b.name, "error", err)
	}
}

func (b *Bucket) onClosed(err error) {
	b.online = false
	b.index.Interrupt()
	b.log.Debug("channel closed", "bucket", b.name, "error", err)
}

func (b *Bucket) onStaleChangeVersion() {
	if !b.online {
		return
	}
	b.log.Info("change version unknown to the server, indexing again", "bucket", b.name)
	err := b.commit(context.Background(), func(w storage.Writer) error {
		return w.SetMetadata(b.name, constants.MetaChangeVersion, nil)
	})
	if err != nil {
		b.syncError(err)
		return
	}
	b.startIndex("", false)
}

func (b *Bucket) onIndexPage(page wire.IndexPage) {
	b.metrics.IndexPage(b.name)
	bt := &batch{}
	var res index.Result
	err := b.commit(context.Background(), func(w storage.Writer) error {
		var err error
		res, err = b.index.HandlePage(w, page, func(w storage.Writer, e wire.Entity) error {
			return b.applyEntity(w, e, bt)
		})
		return err
	})
	if err != nil {
		// Paging resumes from the durable mark on the next connection.
		b.index.Interrupt()
		b.syncError(fmt.Errorf("index page of %s: %w", b.name, err))
		return
	}
	b.finish(bt)

	if err := b.index.Advance(b.ctx, page, res); err != nil {
		b.log.Warn("next index page not requested", "bucket", b.name, "error", err)
		return
	}
	if !res.Done || b.index.Paging() {
		return
	}
	b.metrics.IndexFinished(b.name, time.Since(b.indexStarted))
	b.delegate.IndexingDidFinish(b.name)

	var cv []byte
	err = storage.WithSafeSection(context.Background(), b.store, func(r storage.Reader) error {
		var err error
		cv, err = r.Metadata(b.name, constants.MetaChangeVersion)
		return err
	})
	if err != nil {
		b.syncError(err)
		return
	}
	if b.online {
		b.stream(string(cv))
	}
}

// applyEntity stores an index entity unless the local ghost is current.
func (b *Bucket) applyEntity(w storage.Writer, e wire.Entity, bt *batch) error {
	obj, err := b.object(w, e.Key)
	if err != nil {
		return err
	}
	base := models.Ghost{Key: e.Key}
	switch {
	case obj == nil && b.changes.State(e.Key) != changes.StateIdle:
		// Deleted locally, the delete is on its way.
		return index.ErrSkip
	case obj != nil && obj.Ghost != nil:
		if obj.Ghost.Version.AtLeast(e.Version) {
			return index.ErrSkip
		}
		base = *obj.Ghost
	}

	next, err := b.ghostFrom(e.Key, e.Version, e.Data)
	if err != nil {
		b.log.Warn("skipping index entity", "bucket", b.name, "key", e.Key, "error", err)
		return index.ErrSkip
	}
	if obj == nil {
		obj = models.NewObject(e.Key, nil)
		bt.added = append(bt.added, e.Key)
	} else {
		bt.changed = append(bt.changed, e.Key)
	}
	b.rebaseLocal(obj, base, next)
	return b.save(w, obj, bt)
}

// ghostFrom builds the ghost of a full server copy of an object.
func (b *Bucket) ghostFrom(key string, v models.Version, data map[string]any) (models.Ghost, error) {
	diff := b.differ.DiffForAddition(models.NewObject(key, models.CloneData(data)))
	return b.differ.ApplyGhostDiff(diff, models.Ghost{Key: key}, v)
}

// rebaseLocal moves obj from ghost base to ghost next. Local edits not
// acknowledged yet are transformed and reapplied on top of next.
func (b *Bucket) rebaseLocal(obj *models.Object, base, next models.Ghost) {
	defer func() {
		g := next.Clone()
		obj.Ghost = &g
	}()

	state := b.changes.State(obj.Key)
	if state == changes.StateIdle {
		obj.Data = models.CloneData(next.Data)
		return
	}

	local, err := b.differ.Diff(base.Data, obj.Data)
	if err != nil {
		b.log.Warn("members left out of local edits", "bucket", b.name, "key", obj.Key, "error", err)
	}
	remote, err := b.differ.Diff(base.Data, next.Data)
	if err != nil {
		b.log.Warn("members left out of remote edits", "bucket", b.name, "key", obj.Key, "error", err)
	}
	merged := models.NewObject(obj.Key, models.CloneData(next.Data))
	rebased, err := b.differ.Transform(local, remote, base)
	if err == nil {
		err = b.differ.ApplyDiff(rebased, merged)
	}
	if err != nil {
		b.log.Warn("keeping local copy over remote edits", "bucket", b.name, "key", obj.Key, "error", err)
		merged.Data = obj.Data
	}
	obj.Data = merged.Data

	if state == changes.StatePendingSend {
		diff, err := b.differ.Diff(next.Data, obj.Data)
		if err != nil {
			b.log.Warn("members left out of change", "bucket", b.name, "key", obj.Key, "error", err)
		}
		if err := b.changes.Rebase(b.ctx, obj.Key, diff, next.Version); err != nil {
			b.log.Warn("change not rebased", "bucket", b.name, "key", obj.Key, "error", err)
		}
	}
}

func (b *Bucket) onChanges(list []wire.Change) {
	if keys := b.remoteEdits(list); len(keys) > 0 {
		b.delegate.ObjectKeysWillChange(b.name, keys)
	}
	bt := &batch{}
	err := b.commit(context.Background(), func(w storage.Writer) error {
		cv := ""
		for _, ch := range list {
			if err := b.applyChange(w, ch, bt); err != nil {
				return err
			}
			if ch.ChangeVersion != "" {
				cv = ch.ChangeVersion
			}
		}
		if cv == "" {
			return nil
		}
		return w.SetMetadata(b.name, constants.MetaChangeVersion, []byte(cv))
	})
	if err != nil {
		b.syncError(fmt.Errorf("changes of %s: %w", b.name, err))
		return
	}
	b.finish(bt)
}

// remoteEdits returns the stored keys that list modifies on behalf of other
// clients.
func (b *Bucket) remoteEdits(list []wire.Change) []string {
	self := b.transport.ClientID()
	var keys []string
	for _, ch := range list {
		if ch.ID != "" && ch.Error == 0 && ch.Op == string(changes.OpModify) && ch.ClientID != self {
			keys = append(keys, ch.ID)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	var stored map[string]*models.Object
	err := storage.WithSafeSection(context.Background(), b.store, func(r storage.Reader) error {
		var err error
		stored, err = r.Objects(b.name, sortedUnique(keys))
		return err
	})
	if err != nil {
		b.log.Warn("could not look up changing keys", "bucket", b.name, "error", err)
		return nil
	}
	out := make([]string, 0, len(stored))
	for key := range stored {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

func (b *Bucket) applyChange(w storage.Writer, ch wire.Change, bt *batch) error {
	if ch.ID == "" {
		b.log.Warn("dropping change without key", "bucket", b.name)
		return nil
	}
	if ch.Error != 0 {
		return b.changeFailed(w, ch, bt)
	}
	if c, ok := b.changes.Acknowledge(ch.ID, ch.CCIDs); ok {
		return b.acknowledged(w, ch, c, bt)
	}
	return b.remoteChange(w, ch, bt)
}

func (b *Bucket) acknowledged(w storage.Writer, ch wire.Change, c changes.Change, bt *batch) error {
	b.metrics.ChangeAcked(b.name)
	bt.acked = append(bt.acked, ch.ID)

	obj, err := b.object(w, ch.ID)
	if err != nil {
		return err
	}
	if c.Op == changes.OpDelete || ch.Op == string(changes.OpDelete) {
		if obj == nil {
			b.changes.Promote(ch.ID, models.NoVersion, nil)
			return nil
		}
		// Created again while the delete was in flight.
		b.changes.Promote(ch.ID, models.NoVersion, b.differ.DiffForAddition(obj))
		bt.flush = true
		return nil
	}
	if obj == nil {
		// Deleted while in flight; the queued delete goes next.
		b.changes.Promote(ch.ID, ch.Version, nil)
		bt.flush = true
		return nil
	}

	base := models.Ghost{Key: ch.ID}
	if obj.Ghost != nil {
		base = *obj.Ghost
	}
	next, err := b.differ.ApplyGhostDiff(ch.Diff, base, ch.Version)
	if err != nil {
		b.log.Warn("acknowledged diff does not apply, fetching object", "bucket", b.name, "key", ch.ID, "error", err)
		b.fetch(ch.ID, bt)
		return nil
	}
	obj.Ghost = &next

	var diff schema.ObjectDiff
	if c.HasQueued() {
		if diff, err = b.differ.Diff(next.Data, obj.Data); err != nil {
			b.log.Warn("members left out of change", "bucket", b.name, "key", ch.ID, "error", err)
		}
	}
	if b.changes.Promote(ch.ID, next.Version, diff) == changes.StatePendingSend {
		bt.flush = true
	}
	return b.save(w, obj, bt)
}

func (b *Bucket) remoteChange(w storage.Writer, ch wire.Change, bt *batch) error {
	obj, err := b.object(w, ch.ID)
	if err != nil {
		return err
	}
	if ch.Op == string(changes.OpDelete) {
		b.changes.Drop(ch.ID)
		if obj == nil {
			return nil
		}
		b.metrics.RemoteChange(b.name)
		bt.deleted = append(bt.deleted, ch.ID)
		return w.Delete(b.name, ch.ID)
	}

	base := models.Ghost{Key: ch.ID}
	if obj != nil && obj.Ghost != nil {
		base = *obj.Ghost
	}
	if !base.Version.IsZero() && base.Version.AtLeast(ch.Version) {
		// Redelivered.
		return nil
	}
	if obj == nil && b.changes.State(ch.ID) != changes.StateIdle {
		return nil
	}
	if ch.SourceVersion != base.Version {
		b.log.Debug("change does not follow the local ghost, fetching object", "bucket", b.name,
			"key", ch.ID, "ghost", base.Version, "sv", ch.SourceVersion)
		b.fetch(ch.ID, bt)
		return nil
	}
	next, err := b.differ.ApplyGhostDiff(ch.Diff, base, ch.Version)
	if err != nil {
		b.log.Warn("remote diff does not apply, fetching object", "bucket", b.name, "key", ch.ID, "error", err)
		b.fetch(ch.ID, bt)
		return nil
	}

	b.metrics.RemoteChange(b.name)
	if obj == nil {
		obj = models.NewObject(ch.ID, nil)
		bt.added = append(bt.added, ch.ID)
	} else {
		bt.changed = append(bt.changed, ch.ID)
	}
	b.rebaseLocal(obj, base, next)
	return b.save(w, obj, bt)
}

func (b *Bucket) changeFailed(w storage.Writer, ch wire.Change, bt *batch) error {
	c, ok := b.changes.Acknowledge(ch.ID, ch.CCIDs)
	if !ok {
		b.log.Debug("ignoring error for a change not in flight", "bucket", b.name, "key", ch.ID, "code", ch.Error)
		return nil
	}
	b.metrics.ChangeRejected(b.name, strconv.Itoa(ch.Error))

	switch ch.Error {
	case wire.ErrCodeConflict:
		if _, err := b.changes.Conflict(ch.ID); err != nil {
			bt.errs = append(bt.errs, err)
			return nil
		}
		b.metrics.Conflict(b.name)
		b.fetch(ch.ID, bt)
	case wire.ErrCodeEmpty:
		// Nothing changed on the server; queued edits go next.
		obj, err := b.object(w, ch.ID)
		if err != nil {
			return err
		}
		var diff schema.ObjectDiff
		if obj != nil && c.HasQueued() {
			g := models.Ghost{}
			if obj.Ghost != nil {
				g = *obj.Ghost
			}
			diff, _ = b.differ.Diff(g.Data, obj.Data)
		}
		if b.changes.Promote(ch.ID, obj.Version(), diff) == changes.StatePendingSend {
			bt.flush = true
		}
	case wire.ErrCodeNotFound:
		b.changes.Drop(ch.ID)
		if c.Op != changes.OpDelete {
			bt.errs = append(bt.errs, &ChangeError{Bucket: b.name, Key: ch.ID, Code: ch.Error})
		}
	default:
		b.changes.Drop(ch.ID)
		bt.errs = append(bt.errs, &ChangeError{Bucket: b.name, Key: ch.ID, Code: ch.Error})
	}
	return nil
}

// fetch asks for the latest version of key once the section committed.
func (b *Bucket) fetch(key string, bt *batch) {
	bt.after = append(bt.after, func() {
		if b.channel == nil {
			return
		}
		if err := b.channel.RequestEntity(b.ctx, key, models.NoVersion); err != nil {
			b.log.Debug("entity not requested", "bucket", b.name, "key", key, "error", err)
		}
	})
}

func (b *Bucket) onEntity(e wire.EntityResponse) {
	id := e.Key + "." + e.Version.String()
	if _, ok := b.versions[id]; ok {
		delete(b.versions, id)
		b.delegate.ObjectVersionReceived(b.name, e.Key, e.Version, e.Data)
	}

	bt := &batch{}
	err := b.commit(context.Background(), func(w storage.Writer) error {
		return b.applyLatest(w, e, bt)
	})
	if err != nil {
		b.syncError(fmt.Errorf("entity %s/%s: %w", b.name, e.Key, err))
		return
	}
	b.finish(bt)
}

// applyLatest installs a server copy of an object when it is newer than
// the local ghost, and resends a conflicting change rebased onto it.
func (b *Bucket) applyLatest(w storage.Writer, e wire.EntityResponse, bt *batch) error {
	obj, err := b.object(w, e.Key)
	if err != nil {
		return err
	}
	state := b.changes.State(e.Key)
	conflict := state == changes.StateConflict

	if e.Data == nil {
		if conflict {
			b.changes.Drop(e.Key)
			bt.errs = append(bt.errs, fmt.Errorf("rebase %s/%s: %w", b.name, e.Key, constants.ErrNotFound))
		}
		return nil
	}
	if obj == nil {
		if conflict {
			// Deleted locally meanwhile: the queued delete replaces it.
			return b.changes.Rebase(b.ctx, e.Key, nil, e.Version)
		}
		if state != changes.StateIdle {
			return nil
		}
		obj = models.NewObject(e.Key, nil)
		bt.added = append(bt.added, e.Key)
	} else if obj.Version().Before(e.Version) {
		bt.changed = append(bt.changed, e.Key)
	} else if !conflict {
		return nil
	}

	if obj.Version().Before(e.Version) {
		base := models.Ghost{Key: e.Key}
		if obj.Ghost != nil {
			base = *obj.Ghost
		}
		next, err := b.ghostFrom(e.Key, e.Version, e.Data)
		if err != nil {
			return err
		}
		b.rebaseLocal(obj, base, next)
		if err := b.save(w, obj, bt); err != nil {
			return err
		}
	}
	if !conflict {
		return nil
	}

	var ghost map[string]any
	if obj.Ghost != nil {
		ghost = obj.Ghost.Data
	}
	diff, err := b.differ.Diff(ghost, obj.Data)
	if err != nil {
		b.log.Warn("members left out of change", "bucket", b.name, "key", e.Key, "error", err)
	}
	b.log.Debug("resending rebased change", "bucket", b.name, "key", e.Key, "base", obj.Version())
	return b.changes.Rebase(b.ctx, e.Key, diff, obj.Version())
}
