package simperium

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/simperium/simperium.go/internal/fakesim"
	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/storage/memory"
	"github.com/simperium/simperium.go/pkg/storage/pebblestore"
	"github.com/simperium/simperium.go/pkg/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	personSchema = schema.MustNew("person",
		schema.Member{Name: "name", Type: schema.String},
		schema.Member{Name: "age", Type: schema.Integer},
	)
	noteSchema = schema.MustNew("note",
		schema.Member{Name: "content", Type: schema.Text},
	)
	postSchema = schema.MustNew("post",
		schema.Member{Name: "title", Type: schema.String},
	)
	commentSchema = schema.MustNew("comment",
		schema.Member{Name: "body", Type: schema.Text},
		schema.Member{Name: "post", Type: schema.String, References: "post"},
	)
)

type events struct {
	NopDelegate

	mu         sync.Mutex
	users      []string
	refused    []error
	added      map[string][]string
	willChange map[string][]string
	changed    map[string][]string
	acked      []string
	deleted    []string
	indexed    int
	errs       []error
	versions   []models.Version
}

func newEvents() *events {
	return &events{
		added:      make(map[string][]string),
		willChange: make(map[string][]string),
		changed:    make(map[string][]string),
	}
}

func (e *events) ObjectKeysAdded(bucket string, keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added[bucket] = append(e.added[bucket], keys...)
}

func (e *events) ObjectKeysWillChange(bucket string, keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.willChange[bucket] = append(e.willChange[bucket], keys...)
}

func (e *events) ObjectKeysChanged(bucket string, keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changed[bucket] = append(e.changed[bucket], keys...)
}

func (e *events) ObjectKeyAcknowledged(_, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acked = append(e.acked, key)
}

func (e *events) ObjectKeyWillBeDeleted(_, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, key)
}

func (e *events) IndexingDidFinish(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexed++
}

func (e *events) AuthenticationSuccessful(_, user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, user)
}

func (e *events) AuthenticationFailed(_ string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refused = append(e.refused, err)
}

func (e *events) ObjectVersionReceived(_, _ string, v models.Version, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.versions = append(e.versions, v)
}

func (e *events) SyncError(_ string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *events) count(fn func() int) func() int {
	return func() int {
		e.mu.Lock()
		defer e.mu.Unlock()
		return fn()
	}
}

type SyncSuite struct {
	suite.Suite
	ctx    context.Context
	srv    *fakesim.Server
	events *events
}

func TestSync(t *testing.T) {
	suite.Run(t, new(SyncSuite))
}

func (s *SyncSuite) SetupTest() {
	s.ctx = context.Background()
	s.srv = fakesim.NewServer("127.0.0.1:0", nil)
	s.Require().NoError(s.srv.Start())
	s.events = newEvents()
}

func (s *SyncSuite) TearDownTest() {
	_ = s.srv.Stop()
}

func (s *SyncSuite) newClient(store storage.Storage, token string, opts Options) *Client {
	u, err := url.Parse(s.srv.URL("app"))
	s.Require().NoError(err)
	cfg := connection.NewConfig(u)
	cfg.AppID = "app"
	cfg.Token = token
	cfg.Retryer = connection.NewFixedDelayRetryer(20*time.Millisecond, 0)
	cfg.HeartbeatInterval = time.Second
	if opts.Delegate == nil {
		opts.Delegate = s.events
	}

	c, err := New(cfg, store, opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func (s *SyncSuite) bucket(c *Client, sc *schema.Schema) *Bucket {
	b, err := c.Bucket(s.ctx, sc)
	s.Require().NoError(err)
	return b
}

func (s *SyncSuite) eventually(b *Bucket, key string, cond func(*models.Object) bool) *models.Object {
	var obj *models.Object
	s.Require().Eventually(func() bool {
		o, err := b.ObjectForKey(s.ctx, key)
		if err != nil {
			return false
		}
		obj = o
		return cond(o)
	}, waitFor, tick)
	return obj
}

func atVersion(v models.Version) func(*models.Object) bool {
	return func(o *models.Object) bool { return o.Version() == v }
}

func (s *SyncSuite) waitIndexed(n int) {
	indexed := s.events.count(func() int { return s.events.indexed })
	s.Require().Eventually(func() bool { return indexed() >= n }, waitFor, tick)
}

func payloads(frames []wire.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Payload)
	}
	return out
}

func (s *SyncSuite) TestOfflineCreate() {
	c := s.newClient(memory.New(), "", Options{})
	people := s.bucket(c, personSchema)

	s.Require().NoError(people.InsertOrUpdate(s.ctx, models.NewObject("alice", map[string]any{"name": "Alice", "age": 30})))
	pending, err := people.Pending(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"alice"}, pending)

	s.Require().NoError(c.Connect(s.ctx))
	obj := s.eventually(people, "alice", atVersion("1"))
	s.Equal(map[string]any{"name": "Alice", "age": int64(30)}, obj.Ghost.Data)

	data, v, ok := s.srv.Object("person", "alice")
	s.Require().True(ok)
	s.Equal(models.Version("1"), v)
	s.EqualValues(30, data["age"])

	pending, err = people.Pending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)
	s.Eventually(func() bool {
		return s.events.count(func() int { return len(s.events.acked) })() == 1
	}, waitFor, tick)
}

func (s *SyncSuite) TestScalarConflictKeepsLocalIntent() {
	s.srv.Seed("person", "p1", map[string]any{"name": "Bob", "age": 28.0})
	s.srv.Seed("person", "p1", map[string]any{"name": "Bob", "age": 29.0})
	s.srv.Seed("person", "p1", map[string]any{"name": "Bob", "age": 30.0})

	c := s.newClient(memory.New(), "", Options{})
	people := s.bucket(c, personSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	obj := s.eventually(people, "p1", atVersion("3"))

	s.Require().NoError(c.SetNetworkEnabled(s.ctx, false))
	obj.Data["age"] = int64(31)
	s.Require().NoError(people.InsertOrUpdate(s.ctx, obj))
	s.srv.Commit("person", "p1", map[string]any{"name": "Bob", "age": 29.0})
	s.Require().NoError(c.SetNetworkEnabled(s.ctx, true))

	obj = s.eventually(people, "p1", atVersion("5"))
	s.EqualValues(31, obj.Data["age"])
	s.EqualValues(31, obj.Ghost.Data["age"])
	data, v, _ := s.srv.Object("person", "p1")
	s.Equal(models.Version("5"), v)
	s.EqualValues(31, data["age"])
	s.Len(s.srv.Received(wire.CmdChange), 2, "the stale change and its rebased resend")
}

func (s *SyncSuite) TestTextMerge() {
	s.srv.Seed("note", "n1", map[string]any{"content": "Hello world"})

	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	obj := s.eventually(notes, "n1", atVersion("1"))

	s.Require().NoError(c.SetNetworkEnabled(s.ctx, false))
	obj.Data["content"] = "Hello world!"
	s.Require().NoError(notes.InsertOrUpdate(s.ctx, obj))
	s.srv.Commit("note", "n1", map[string]any{"content": "Dear Hello world"})
	s.Require().NoError(c.SetNetworkEnabled(s.ctx, true))

	obj = s.eventually(notes, "n1", atVersion("3"))
	s.Equal("Dear Hello world!", obj.Data["content"])
	data, _, _ := s.srv.Object("note", "n1")
	s.Equal("Dear Hello world!", data["content"])
}

func (s *SyncSuite) TestRemoteChangeWhileIdle() {
	s.srv.Seed("note", "n1", map[string]any{"content": "one"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("1"))
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 1 }, waitFor, tick)

	s.srv.Commit("note", "n1", map[string]any{"content": "one two"})
	s.srv.Commit("note", "n2", map[string]any{"content": "new"})
	obj := s.eventually(notes, "n1", atVersion("2"))
	s.Equal("one two", obj.Data["content"])
	s.eventually(notes, "n2", atVersion("1"))

	s.events.mu.Lock()
	s.Contains(s.events.added["note"], "n2")
	s.Contains(s.events.changed["note"], "n1")
	s.Equal([]string{"n1"}, s.events.willChange["note"], "n2 was not stored yet")
	s.events.mu.Unlock()

	s.srv.Remove("note", "n2")
	s.Require().Eventually(func() bool {
		_, err := notes.ObjectForKey(s.ctx, "n2")
		return errors.Is(err, ErrNotFound)
	}, waitFor, tick)
	keys, err := notes.Keys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"n1"}, keys)
	s.events.mu.Lock()
	s.Equal([]string{"n2"}, s.events.deleted)
	s.events.mu.Unlock()
}

func (s *SyncSuite) TestAddAndRemoveDelegate() {
	s.srv.Seed("note", "n1", map[string]any{"content": "one"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	extra := newEvents()
	c.AddDelegate(extra)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("1"))
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 1 }, waitFor, tick)

	s.srv.Commit("note", "n1", map[string]any{"content": "one two"})
	s.eventually(notes, "n1", atVersion("2"))
	extraChanged := extra.count(func() int { return len(extra.changed["note"]) })
	s.Require().Eventually(func() bool { return extraChanged() == 1 }, waitFor, tick)

	s.True(c.RemoveDelegate(extra))
	s.False(c.RemoveDelegate(extra))
	s.srv.Commit("note", "n1", map[string]any{"content": "one two three"})
	s.eventually(notes, "n1", atVersion("3"))

	changed := s.events.count(func() int { return len(s.events.changed["note"]) })
	s.Require().Eventually(func() bool { return changed() == 2 }, waitFor, tick)
	s.Equal(1, extraChanged())
	extra.mu.Lock()
	s.Equal(1, extra.indexed)
	s.Equal([]string{"n1"}, extra.willChange["note"])
	extra.mu.Unlock()
}

func (s *SyncSuite) TestSaveWithoutSyncing() {
	c := s.newClient(memory.New(), "", Options{})
	people := s.bucket(c, personSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)

	s.Require().NoError(people.InsertOrUpdate(s.ctx, models.NewObject("p1", map[string]any{"name": "Bob", "age": 30})))
	obj := s.eventually(people, "p1", atVersion("1"))

	obj.Data["age"] = int64(31)
	s.Require().NoError(people.SaveWithoutSyncing(s.ctx, obj))
	pending, err := people.Pending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)
	obj, err = people.ObjectForKey(s.ctx, "p1")
	s.Require().NoError(err)
	s.EqualValues(31, obj.Data["age"])
	s.EqualValues(30, obj.Ghost.Data["age"])
	s.Len(s.srv.Received(wire.CmdChange), 1)

	obj.Data["name"] = "Robert"
	s.Require().NoError(people.InsertOrUpdate(s.ctx, obj))
	s.eventually(people, "p1", atVersion("2"))
	data, _, _ := s.srv.Object("person", "p1")
	s.Equal("Robert", data["name"])
	s.EqualValues(31, data["age"])
}

func (s *SyncSuite) TestOutOfOrderRelationship() {
	s.srv.Seed("comment", "c1", map[string]any{"body": "first!", "post": "P1"})

	c := s.newClient(memory.New(), "", Options{})
	posts := s.bucket(c, postSchema)
	comments := s.bucket(c, commentSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(2)

	cm := s.eventually(comments, "c1", atVersion("1"))
	s.Empty(cm.References)

	s.srv.Commit("post", "P1", map[string]any{"title": "Hello"})
	s.eventually(posts, "P1", atVersion("1"))
	cm = s.eventually(comments, "c1", func(o *models.Object) bool { return len(o.References) == 1 })
	s.Equal(models.Reference{Bucket: "post", Key: "P1"}, cm.References["post"])

	s.events.mu.Lock()
	s.Contains(s.events.changed["comment"], "c1")
	s.events.mu.Unlock()
}

func (s *SyncSuite) TestReconnectMidIndexResumesAtMark() {
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		s.srv.Seed("note", k, map[string]any{"content": k})
	}
	s.srv.FailWhen(wire.CmdIndex, wire.IndexRequest("c", 1), fakesim.FailureDropConnection)

	c := s.newClient(memory.New(), "", Options{IndexPageSize: 1})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)

	keys, err := notes.Keys(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c", "d", "e"}, keys)
	s.Equal([]string{"1:::1", "1:b::1", "1:c::1", "1:c::1", "1:d::1", "1:e::1"}, payloads(s.srv.Received(wire.CmdIndex)))
}

func (s *SyncSuite) TestReconnectStreamsWithoutIndexing() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 1 }, waitFor, tick)
	cv := s.srv.ChangeVersion("note")

	s.srv.DropConnections()
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 2 }, waitFor, tick)
	s.Len(s.srv.Received(wire.CmdIndex), 1)
	s.Equal([]string{cv, cv}, payloads(s.srv.Received(wire.CmdChangeVersion)))

	s.srv.Commit("note", "n1", map[string]any{"content": "xy"})
	s.eventually(notes, "n1", atVersion("2"))
}

func (s *SyncSuite) TestStaleChangeVersionIndexesAgain() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	store := memory.New()
	c := s.newClient(store, "", Options{})
	s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 1 }, waitFor, tick)

	s.Require().NoError(c.SetNetworkEnabled(s.ctx, false))
	s.srv.Seed("note", "n2", map[string]any{"content": "y"})
	s.srv.Compact("note")
	s.Require().NoError(c.SetNetworkEnabled(s.ctx, true))

	s.waitIndexed(2)
	s.Len(s.srv.Received(wire.CmdIndex), 2)
}

func (s *SyncSuite) TestPendingChangesSurviveRestart() {
	store, err := pebblestore.Open(s.T().TempDir(), pebblestore.Options{})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = store.Close() })

	offline := s.newClient(store, "", Options{})
	notes := s.bucket(offline, noteSchema)
	s.Require().NoError(notes.InsertOrUpdate(s.ctx, models.NewObject("n1", map[string]any{"content": "draft"})))
	s.Require().NoError(offline.Close(s.ctx))

	c := s.newClient(store, "", Options{})
	notes = s.bucket(c, noteSchema)
	pending, err := notes.Pending(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"n1"}, pending)

	s.Require().NoError(c.Connect(s.ctx))
	s.eventually(notes, "n1", atVersion("1"))
	data, _, ok := s.srv.Object("note", "n1")
	s.Require().True(ok)
	s.Equal("draft", data["content"])
}

func (s *SyncSuite) TestCoalescedEdits() {
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)

	s.srv.Hold(wire.CmdChange)
	for _, text := range []string{"a", "ab", "abc", "abcd"} {
		s.Require().NoError(notes.InsertOrUpdate(s.ctx, models.NewObject("n1", map[string]any{"content": text})))
	}
	s.Require().Eventually(func() bool { return s.srv.Held(wire.CmdChange) == 1 }, waitFor, tick)
	s.srv.Release(wire.CmdChange)

	obj := s.eventually(notes, "n1", atVersion("2"))
	s.Equal("abcd", obj.Ghost.Data["content"])
	s.Len(s.srv.Received(wire.CmdChange), 2, "one in flight, one coalesced follow-up")
}

func (s *SyncSuite) TestLocalDelete() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("1"))

	s.Require().NoError(notes.Delete(s.ctx, "n1"))
	s.Require().Eventually(func() bool {
		_, _, ok := s.srv.Object("note", "n1")
		return !ok
	}, waitFor, tick)
	s.ErrorIs(notes.Delete(s.ctx, "n1"), ErrNotFound)
}

func (s *SyncSuite) TestRejectedChangeIsDropped() {
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)

	s.srv.RejectNext("note", "n1", wire.ErrCodeTooLarge)
	s.Require().NoError(notes.InsertOrUpdate(s.ctx, models.NewObject("n1", map[string]any{"content": "huge"})))
	errs := s.events.count(func() int { return len(s.events.errs) })
	s.Require().Eventually(func() bool { return errs() == 1 }, waitFor, tick)

	s.events.mu.Lock()
	var ce *ChangeError
	s.Require().ErrorAs(s.events.errs[0], &ce)
	s.events.mu.Unlock()
	s.Equal(wire.ErrCodeTooLarge, ce.Code)
	s.ErrorIs(ce, ErrChangeRejected)

	pending, err := notes.Pending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)
	obj, err := notes.ObjectForKey(s.ctx, "n1")
	s.Require().NoError(err)
	s.Nil(obj.Ghost)
}

func (s *SyncSuite) TestConflictRetriesExhaustedKeepsChangeQueued() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{MaxConflictRetries: 1})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	obj := s.eventually(notes, "n1", atVersion("1"))

	s.srv.Hold(wire.CmdChange)
	s.srv.Hold(wire.CmdEntity)
	obj.Data["content"] = "xy"
	s.Require().NoError(notes.InsertOrUpdate(s.ctx, obj))

	s.Require().Eventually(func() bool { return s.srv.Held(wire.CmdChange) == 1 }, waitFor, tick)
	s.srv.RejectNext("note", "n1", wire.ErrCodeConflict)
	s.srv.Release(wire.CmdChange)

	// The rebased resend follows the entity fetch and conflicts again.
	s.Require().Eventually(func() bool { return s.srv.Held(wire.CmdEntity) == 1 }, waitFor, tick)
	s.srv.RejectNext("note", "n1", wire.ErrCodeConflict)
	s.srv.Release(wire.CmdEntity)

	errs := s.events.count(func() int { return len(s.events.errs) })
	s.Require().Eventually(func() bool { return errs() == 1 }, waitFor, tick)
	s.events.mu.Lock()
	var ce *ConflictError
	s.Require().ErrorAs(s.events.errs[0], &ce)
	s.events.mu.Unlock()
	s.Equal("n1", ce.Key)
	s.Equal(1, ce.Attempts)

	pending, err := notes.Pending(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"n1"}, pending)
	_, v, _ := s.srv.Object("note", "n1")
	s.Equal(models.Version("1"), v)

	s.srv.DropConnections()
	obj = s.eventually(notes, "n1", atVersion("2"))
	s.Equal("xy", obj.Ghost.Data["content"])
	data, _, _ := s.srv.Object("note", "n1")
	s.Equal("xy", data["content"])
}

func (s *SyncSuite) TestForceSync() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)

	f, err := notes.ForceSync(s.ctx)
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.Require().NoError(f.Wait(ctx))
	s.Len(s.srv.Received(wire.CmdIndex), 2)
}

func (s *SyncSuite) TestAuthFailureWaitsForToken() {
	s.srv.SetTokens(map[string]string{"good": "alice"})
	c := s.newClient(memory.New(), "bad", Options{})
	s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))

	refused := s.events.count(func() int { return len(s.events.refused) })
	s.Require().Eventually(func() bool { return refused() == 1 }, waitFor, tick)
	s.events.mu.Lock()
	var ae *AuthError
	s.ErrorAs(s.events.refused[0], &ae)
	s.events.mu.Unlock()

	c.SetToken("good")
	users := s.events.count(func() int { return len(s.events.users) })
	s.Require().Eventually(func() bool { return users() == 1 }, waitFor, tick)
	s.waitIndexed(1)
}

func (s *SyncSuite) TestVersions() {
	for _, text := range []string{"v1", "v2", "v3"} {
		s.srv.Seed("note", "n1", map[string]any{"content": text})
	}
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("3"))

	s.Require().NoError(notes.Versions(s.ctx, "n1", 2))
	got := s.events.count(func() int { return len(s.events.versions) })
	s.Require().Eventually(func() bool { return got() == 2 }, waitFor, tick)
	s.events.mu.Lock()
	s.ElementsMatch([]models.Version{"3", "2"}, s.events.versions)
	s.events.mu.Unlock()
}

func (s *SyncSuite) TestBucketNamesAndRegistry() {
	s.srv.Seed("remote-notes", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{BucketNames: map[string]string{"note": "remote-notes"}})
	notes := s.bucket(c, noteSchema)
	s.Equal("remote-notes", notes.RemoteName())

	_, err := c.Bucket(s.ctx, noteSchema)
	s.ErrorIs(err, ErrBucketExists)
	_, err = c.Lookup("nope")
	s.ErrorIs(err, ErrUnknownBucket)
	got, err := c.Lookup("note")
	s.Require().NoError(err)
	s.Same(notes, got)
	s.Equal([]string{"note"}, c.Buckets())

	s.Require().NoError(c.Connect(s.ctx))
	s.eventually(notes, "n1", atVersion("1"))
}

func (s *SyncSuite) TestClearLocalData() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("1"))

	s.Require().NoError(c.ClearLocalData(s.ctx))
	s.waitIndexed(2)
	s.eventually(notes, "n1", atVersion("1"))
	s.Len(s.srv.Received(wire.CmdIndex), 2)
}

func (s *SyncSuite) TestStopKeepsLocalState() {
	s.srv.Seed("note", "n1", map[string]any{"content": "x"})
	c := s.newClient(memory.New(), "", Options{})
	notes := s.bucket(c, noteSchema)
	s.Require().NoError(c.Connect(s.ctx))
	s.waitIndexed(1)
	s.eventually(notes, "n1", atVersion("1"))
	s.Require().Eventually(func() bool { return len(s.srv.Received(wire.CmdChangeVersion)) == 1 }, waitFor, tick)

	s.Require().NoError(notes.Stop(s.ctx))
	s.Require().NoError(notes.InsertOrUpdate(s.ctx, models.NewObject("n1", map[string]any{"content": "xy"})))
	time.Sleep(50 * time.Millisecond)
	s.Empty(s.srv.Received(wire.CmdChange))

	s.Require().NoError(notes.Start(s.ctx))
	s.eventually(notes, "n1", atVersion("2"))
	s.Len(s.srv.Received(wire.CmdIndex), 1)
}
