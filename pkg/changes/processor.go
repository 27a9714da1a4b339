// Package changes tracks local mutations per object key and drives them
// through send, acknowledgment and conflict resolution. At most one change
// per key is in flight.
//
// A Processor is confined to its bucket's worker and is not safe for
// concurrent use.
package changes

import (
	"context"
	"fmt"
	"slices"

	"github.com/goccy/go-json"

	"github.com/simperium/simperium.go/internal/rand"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
)

// Sender hands a change to the bucket's channel.
type Sender interface {
	SendChange(ctx context.Context, c Change) error
}

type SenderFunc func(ctx context.Context, c Change) error

func (f SenderFunc) SendChange(ctx context.Context, c Change) error {
	return f(ctx, c)
}

type Processor struct {
	bucket     string
	sender     Sender
	maxRetries int
	log        logger.Logger

	changes map[string]*Change
	// dirty is set when the in-memory state differs from what was last
	// persisted successfully.
	dirty bool
}

func NewProcessor(bucket string, sender Sender, maxRetries int, log logger.Logger) *Processor {
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxConflictRetries
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		bucket:     bucket,
		sender:     sender,
		maxRetries: maxRetries,
		log:        log,
		changes:    make(map[string]*Change),
	}
}

func (p *Processor) transition(c *Change, next State) {
	if err := c.State.validateTransitionTo(next); err != nil {
		panic(fmt.Sprintf("BUG: change %s/%s: %v", p.bucket, c.Key, err))
	}
	p.log.Debug("change state transitioned", "bucket", p.bucket, "key", c.Key, "from", c.State, "to", next)
	c.State = next
	p.dirty = true
}

// State returns the state of key; keys without a pending change are Idle.
func (p *Processor) State(key string) State {
	if c, ok := p.changes[key]; ok {
		return c.State
	}
	return StateIdle
}

// Pending returns a copy of the change for key.
func (p *Processor) Pending(key string) (Change, bool) {
	c, ok := p.changes[key]
	if !ok {
		return Change{}, false
	}
	return c.clone(), true
}

// Keys returns the keys with a pending change, sorted.
func (p *Processor) Keys() []string {
	keys := make([]string, 0, len(p.changes))
	for k := range p.changes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (p *Processor) Len() int {
	return len(p.changes)
}

// Enqueue records a local edit. diff is computed against the current ghost,
// whose version is base. It returns the resulting state of the key.
func (p *Processor) Enqueue(key string, op Op, diff schema.ObjectDiff, base models.Version) State {
	c, ok := p.changes[key]
	if !ok {
		if op == OpModify && len(diff) == 0 {
			return StateIdle
		}
		c = &Change{Key: key, Op: op, Diff: diff, BaseVersion: base, State: StateIdle}
		p.changes[key] = c
		p.transition(c, StatePendingSend)
		return c.State
	}

	switch c.State {
	case StatePendingSend:
		if op == OpDelete && base.IsZero() {
			// Never reached the server, nothing to delete remotely.
			p.transition(c, StateIdle)
			delete(p.changes, key)
			return StateIdle
		}
		c.Op, c.Diff, c.BaseVersion = op, diff, base
		if op == OpModify && len(diff) == 0 {
			p.transition(c, StateIdle)
			delete(p.changes, key)
			return StateIdle
		}
		p.dirty = true
	case StateAwaitingAck, StateConflict:
		switch {
		case op == OpDelete:
			c.QueuedOp, c.Queued = OpDelete, nil
		case c.QueuedOp == OpDelete:
			// A delete supersedes later edits.
		default:
			c.QueuedOp = OpModify
			c.Queued = c.Queued.Merge(diff)
		}
		p.dirty = true
	}
	return c.State
}

// Flush sends every pending change that is not deferred, each with a fresh
// change id. A failed send leaves that change and the rest pending.
func (p *Processor) Flush(ctx context.Context) error {
	for _, key := range p.Keys() {
		c := p.changes[key]
		if c.State != StatePendingSend || c.Deferred {
			continue
		}
		c.CCID = rand.NewChangeID(constants.ChangeIDLength)
		p.transition(c, StateAwaitingAck)
		if err := p.sender.SendChange(ctx, c.clone()); err != nil {
			p.transition(c, StatePendingSend)
			c.CCID = ""
			return fmt.Errorf("send change %s/%s: %w", p.bucket, key, err)
		}
	}
	return nil
}

// Resume is called after reconnecting. In-flight changes are resent with
// their original change id, interrupted conflicts and deferred changes go
// back to PendingSend, and then everything pending is flushed.
func (p *Processor) Resume(ctx context.Context) error {
	for _, key := range p.Keys() {
		c := p.changes[key]
		c.Deferred = false
		switch c.State {
		case StateAwaitingAck:
			if err := p.sender.SendChange(ctx, c.clone()); err != nil {
				return fmt.Errorf("resend change %s/%s: %w", p.bucket, key, err)
			}
		case StateConflict:
			p.transition(c, StatePendingSend)
		}
	}
	return p.Flush(ctx)
}

// Acknowledge matches an acknowledgment against the in-flight change of
// key. The change stays in flight until Promote.
func (p *Processor) Acknowledge(key string, ccids []string) (Change, bool) {
	c, ok := p.changes[key]
	if !ok || c.State != StateAwaitingAck || !slices.Contains(ccids, c.CCID) {
		return Change{}, false
	}
	return c.clone(), true
}

// Promote completes the in-flight change of key. When edits were queued,
// next must be the diff from the new ghost (at base) to the object; it
// becomes the pending change.
func (p *Processor) Promote(key string, base models.Version, next schema.ObjectDiff) State {
	c, ok := p.changes[key]
	if !ok {
		return StateIdle
	}
	if !c.HasQueued() || (c.QueuedOp == OpModify && len(next) == 0) {
		p.transition(c, StateIdle)
		delete(p.changes, key)
		return StateIdle
	}
	c.Op, c.BaseVersion, c.CCID, c.Attempts = c.QueuedOp, base, "", 0
	c.Diff = next
	if c.Op == OpDelete {
		c.Diff = nil
	}
	c.Queued, c.QueuedOp = nil, ""
	p.transition(c, StatePendingSend)
	return c.State
}

// Conflict records that the server rejected the in-flight change because
// its base version is stale. Past the retry bound the change is deferred to
// the next connectivity window and a ConflictError is returned.
func (p *Processor) Conflict(key string) (Change, error) {
	c, ok := p.changes[key]
	if !ok {
		return Change{}, constants.ErrNotFound
	}
	if c.State != StateAwaitingAck {
		return Change{}, fmt.Errorf("%w: conflict for %s/%s in %v", constants.ErrInvalidTransition, p.bucket, key, c.State)
	}
	c.Attempts++
	if c.Attempts > p.maxRetries {
		attempts := c.Attempts
		c.Attempts = 0
		c.Deferred = true
		c.CCID = ""
		p.transition(c, StatePendingSend)
		return c.clone(), &ConflictError{Bucket: p.bucket, Key: key, Attempts: attempts - 1}
	}
	p.transition(c, StateConflict)
	return c.clone(), nil
}

// Rebase installs the transformed diff of a conflicting change, computed
// against the authoritative version base, and resends it. Queued edits are
// expected to be folded into diff by the caller. An empty modify diff
// completes the change.
func (p *Processor) Rebase(ctx context.Context, key string, diff schema.ObjectDiff, base models.Version) error {
	c, ok := p.changes[key]
	if !ok {
		return constants.ErrNotFound
	}
	op := c.Op
	if c.QueuedOp == OpDelete {
		op = OpDelete
	}
	c.Queued, c.QueuedOp = nil, ""
	if op == OpModify && len(diff) == 0 {
		p.transition(c, StateIdle)
		delete(p.changes, key)
		return nil
	}
	c.Op, c.Diff, c.BaseVersion = op, diff, base
	if op == OpDelete {
		c.Diff = nil
	}
	if c.State != StateConflict {
		return nil
	}
	c.CCID = rand.NewChangeID(constants.ChangeIDLength)
	p.transition(c, StateAwaitingAck)
	if err := p.sender.SendChange(ctx, c.clone()); err != nil {
		// Sent again by Resume on the next connection.
		p.log.Debug("rebased change not sent", "bucket", p.bucket, "key", key, "error", err)
	}
	return nil
}

// Drop forgets the change of key, for changes the server rejected for good.
func (p *Processor) Drop(key string) {
	c, ok := p.changes[key]
	if !ok {
		return
	}
	c.State = StateIdle
	delete(p.changes, key)
	p.dirty = true
}

// Reset forgets every change, for ClearLocalData.
func (p *Processor) Reset() {
	p.changes = make(map[string]*Change)
	p.dirty = true
}

func (p *Processor) Dirty() bool {
	return p.dirty
}

// Save writes the pending changes into the bucket metadata. MarkSaved must
// be called once the enclosing section committed.
func (p *Processor) Save(w storage.Writer) error {
	list := make([]Change, 0, len(p.changes))
	for _, k := range p.Keys() {
		list = append(list, p.changes[k].clone())
	}
	if len(list) == 0 {
		return w.SetMetadata(p.bucket, constants.MetaPending, nil)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode pending changes: %w", err)
	}
	return w.SetMetadata(p.bucket, constants.MetaPending, raw)
}

func (p *Processor) MarkSaved() {
	p.dirty = false
}

// Load restores the pending changes persisted by Save.
func (p *Processor) Load(r storage.Reader) error {
	raw, err := r.Metadata(p.bucket, constants.MetaPending)
	if err != nil {
		return err
	}
	p.changes = make(map[string]*Change)
	p.dirty = false
	if raw == nil {
		return nil
	}
	var list []Change
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode pending changes: %w", err)
	}
	for i := range list {
		c := list[i]
		p.changes[c.Key] = &c
	}
	return nil
}
