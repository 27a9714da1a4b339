package changes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/storage/memory"
)

type recorder struct {
	sent []Change
	fail error
}

func (r *recorder) SendChange(_ context.Context, c Change) error {
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, c)
	return nil
}

func age(v int64) schema.ObjectDiff {
	return schema.ObjectDiff{"age": schema.Replace(v)}
}

func TestEnqueueAndFlush(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := NewProcessor("person", rec, 3, nil)

	assert.Equal(t, StatePendingSend, p.Enqueue("k", OpModify, age(31), "3"))
	require.NoError(t, p.Flush(ctx))

	require.Len(t, rec.sent, 1)
	assert.Len(t, rec.sent[0].CCID, constants.ChangeIDLength)
	assert.Equal(t, age(31), rec.sent[0].Diff)
	assert.Equal(t, StateAwaitingAck, p.State("k"))

	// Nothing more to send.
	require.NoError(t, p.Flush(ctx))
	assert.Len(t, rec.sent, 1)
}

func TestEmptyModifyIsIgnored(t *testing.T) {
	p := NewProcessor("person", &recorder{}, 3, nil)
	assert.Equal(t, StateIdle, p.Enqueue("k", OpModify, schema.ObjectDiff{}, "3"))
	assert.Equal(t, 0, p.Len())
}

func TestRapidEditsCoalesce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := NewProcessor("person", rec, 3, nil)

	p.Enqueue("k", OpModify, age(1), "3")
	require.NoError(t, p.Flush(ctx))
	for i := int64(2); i <= 10; i++ {
		assert.Equal(t, StateAwaitingAck, p.Enqueue("k", OpModify, schema.ObjectDiff{
			"age":  schema.Replace(i),
			"name": schema.Replace("n"),
		}, "3"))
		require.NoError(t, p.Flush(ctx))
	}
	require.Len(t, rec.sent, 1, "only one change in flight per key")

	c, ok := p.Pending("k")
	require.True(t, ok)
	assert.Equal(t, OpModify, c.QueuedOp)
	assert.Equal(t, schema.Replace(int64(10)), c.Queued["age"])

	acked, ok := p.Acknowledge("k", []string{"other", rec.sent[0].CCID})
	require.True(t, ok)
	assert.Equal(t, rec.sent[0].CCID, acked.CCID)

	assert.Equal(t, StatePendingSend, p.Promote("k", "4", c.Queued))
	require.NoError(t, p.Flush(ctx))
	require.Len(t, rec.sent, 2)
	assert.Equal(t, c.Queued, rec.sent[1].Diff)
	assert.Equal(t, "4", string(rec.sent[1].BaseVersion))
	assert.NotEqual(t, rec.sent[0].CCID, rec.sent[1].CCID)
}

func TestAcknowledgeIgnoresUnknownCCID(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor("person", &recorder{}, 3, nil)
	p.Enqueue("k", OpModify, age(1), "3")
	require.NoError(t, p.Flush(ctx))

	_, ok := p.Acknowledge("k", []string{"nope"})
	assert.False(t, ok)
	_, ok = p.Acknowledge("missing", []string{"nope"})
	assert.False(t, ok)
}

func TestPromoteWithoutQueueGoesIdle(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor("person", &recorder{}, 3, nil)
	p.Enqueue("k", OpModify, age(1), "3")
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, StateIdle, p.Promote("k", "4", nil))
	assert.Equal(t, 0, p.Len())
}

func TestDeleteSupersedesQueue(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := NewProcessor("person", rec, 3, nil)
	p.Enqueue("k", OpModify, age(1), "3")
	require.NoError(t, p.Flush(ctx))
	p.Enqueue("k", OpDelete, nil, "3")
	p.Enqueue("k", OpModify, age(5), "3")

	c, _ := p.Pending("k")
	assert.Equal(t, OpDelete, c.QueuedOp)
	assert.Nil(t, c.Queued)

	p.Promote("k", "4", nil)
	require.NoError(t, p.Flush(ctx))
	require.Len(t, rec.sent, 2)
	assert.Equal(t, OpDelete, rec.sent[1].Op)
}

func TestDeleteOfUnsentCreationDropsChange(t *testing.T) {
	p := NewProcessor("person", &recorder{}, 3, nil)
	p.Enqueue("k", OpModify, age(1), "")
	assert.Equal(t, StateIdle, p.Enqueue("k", OpDelete, nil, ""))
	assert.Equal(t, 0, p.Len())
}

func TestFailedSendStaysPending(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{fail: constants.ErrNotConnected}
	p := NewProcessor("person", rec, 3, nil)
	p.Enqueue("k", OpModify, age(1), "3")

	require.ErrorIs(t, p.Flush(ctx), constants.ErrNotConnected)
	assert.Equal(t, StatePendingSend, p.State("k"))

	rec.fail = nil
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, StateAwaitingAck, p.State("k"))
}

func TestResumeResendsWithSameCCID(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := NewProcessor("person", rec, 3, nil)
	p.Enqueue("a", OpModify, age(1), "3")
	require.NoError(t, p.Flush(ctx))
	p.Enqueue("b", OpModify, age(2), "3")

	require.NoError(t, p.Resume(ctx))
	require.Len(t, rec.sent, 3)
	assert.Equal(t, rec.sent[0].CCID, rec.sent[1].CCID)
	assert.Equal(t, "b", rec.sent[2].Key)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := NewProcessor("person", rec, 2, nil)
	p.Enqueue("k", OpModify, age(31), "3")
	require.NoError(t, p.Flush(ctx))

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := p.Conflict("k")
		require.NoError(t, err)
		assert.Equal(t, StateConflict, p.State("k"))
		require.NoError(t, p.Rebase(ctx, "k", age(31), "4"))
		assert.Equal(t, StateAwaitingAck, p.State("k"))
	}

	_, err := p.Conflict("k")
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, constants.ErrTooManyConflicts))
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, StatePendingSend, p.State("k"), "change stays queued")

	sent := len(rec.sent)
	require.NoError(t, p.Flush(ctx))
	assert.Len(t, rec.sent, sent, "deferred until the next connectivity window")

	require.NoError(t, p.Resume(ctx))
	assert.Len(t, rec.sent, sent+1)
}

func TestConflictOutsideFlightIsRejected(t *testing.T) {
	p := NewProcessor("person", &recorder{}, 2, nil)
	p.Enqueue("k", OpModify, age(31), "3")
	_, err := p.Conflict("k")
	require.ErrorIs(t, err, constants.ErrInvalidTransition)
}

func TestRebaseToNothingCompletes(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor("person", &recorder{}, 2, nil)
	p.Enqueue("k", OpModify, age(31), "3")
	require.NoError(t, p.Flush(ctx))
	_, err := p.Conflict("k")
	require.NoError(t, err)
	require.NoError(t, p.Rebase(ctx, "k", schema.ObjectDiff{}, "4"))
	assert.Equal(t, 0, p.Len())
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &recorder{}
	p := NewProcessor("person", rec, 3, nil)
	p.Enqueue("a", OpModify, schema.ObjectDiff{
		"bio":  schema.Delta("=5\t+!"),
		"tags": schema.Ops(schema.ListOp{Op: schema.OpAdd, Index: 0, Value: "x"}),
	}, "3")
	require.NoError(t, p.Flush(ctx))
	p.Enqueue("b", OpDelete, nil, "7")
	assert.True(t, p.Dirty())

	require.NoError(t, storage.WithCriticalSection(ctx, store, p.Save))
	p.MarkSaved()
	assert.False(t, p.Dirty())

	restored := NewProcessor("person", rec, 3, nil)
	require.NoError(t, storage.WithSafeSection(ctx, store, restored.Load))
	assert.Equal(t, []string{"a", "b"}, restored.Keys())

	a, _ := restored.Pending("a")
	orig, _ := p.Pending("a")
	assert.Equal(t, orig.CCID, a.CCID)
	assert.Equal(t, StateAwaitingAck, a.State)
	assert.Equal(t, "=5\t+!", a.Diff["bio"].Delta)

	require.NoError(t, restored.Resume(ctx))
	last := rec.sent[len(rec.sent)-2:]
	assert.Equal(t, orig.CCID, last[0].CCID)
	assert.Equal(t, OpDelete, last[1].Op)
}

func TestSaveEmptyClearsMetadata(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := NewProcessor("person", &recorder{}, 3, nil)
	p.Enqueue("a", OpModify, age(1), "3")
	require.NoError(t, storage.WithCriticalSection(ctx, store, p.Save))
	p.Drop("a")
	require.NoError(t, storage.WithCriticalSection(ctx, store, p.Save))

	require.NoError(t, storage.WithSafeSection(ctx, store, func(r storage.Reader) error {
		v, err := r.Metadata("person", constants.MetaPending)
		assert.Nil(t, v)
		return err
	}))
}

func TestInvalidTransitionPanics(t *testing.T) {
	p := NewProcessor("person", &recorder{}, 3, nil)
	c := &Change{Key: "k", State: StateIdle}
	assert.Panics(t, func() { p.transition(c, StateAwaitingAck) })
}
