// Package simperium keeps buckets of typed objects in local storage in sync
// with a Simperium server, online or not.
//
// # Buckets
//
// A [Bucket] syncs the objects of one [schema.Schema]. Local edits made with
// [Bucket.InsertOrUpdate] and [Bucket.Delete] are stored at once and turned
// into member diffs against the object's ghost, the last version the server
// acknowledged. At most one change per object is in flight; edits made
// meanwhile are coalesced and sent after the acknowledgment.
//
// Remote changes are applied to the ghost and, when the object has local
// edits of its own, the local edits are transformed and reapplied on top.
// A change the server rejects as stale is rebased on the latest version
// and sent again, a bounded number of times.
//
// # Client
//
// The [Client] owns the websocket shared by all buckets, one channel per
// bucket. When the connection drops it reconnects with exponential backoff
// and every bucket resumes from its persisted change version, without
// downloading its index again. Storage is provided by the caller, see
// [github.com/simperium/simperium.go/pkg/storage/memory] and
// [github.com/simperium/simperium.go/pkg/storage/pebblestore].
//
//	store := memory.New()
//	cfg := connection.NewConfig(u)
//	cfg.AppID, cfg.Token = "my-app", token
//	client, err := simperium.New(cfg, store, simperium.Options{})
//	...
//	notes, err := client.Bucket(ctx, schema.MustNew("note",
//		schema.Member{Name: "content", Type: schema.Text},
//		schema.Member{Name: "tags", Type: schema.List},
//	))
//	...
//	err = client.Connect(ctx)
//
// Events are reported through a [Delegate], on the worker of the bucket
// they concern.
package simperium
