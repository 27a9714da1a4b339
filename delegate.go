package simperium

import (
	"slices"
	"sync"

	"github.com/simperium/simperium.go/pkg/models"
)

// Delegate is notified of sync events. Methods run on the worker of the
// bucket they concern, after the storage writes they report have committed,
// and must not block for long.
type Delegate interface {
	// ObjectKeysAdded reports objects downloaded or created remotely.
	ObjectKeysAdded(bucket string, keys []string)
	// ObjectKeysWillChange is called before remote changes to stored
	// objects are written.
	ObjectKeysWillChange(bucket string, keys []string)
	// ObjectKeysChanged reports objects changed remotely, or whose
	// references were resolved.
	ObjectKeysChanged(bucket string, keys []string)
	// ObjectKeyAcknowledged reports a local change accepted by the server.
	ObjectKeyAcknowledged(bucket, key string)
	ObjectKeyWillBeDeleted(bucket, key string)
	IndexingWillStart(bucket string)
	IndexingDidFinish(bucket string)
	AuthenticationSuccessful(bucket, user string)
	AuthenticationFailed(bucket string, err error)
	// ObjectVersionReceived delivers a version requested with
	// Bucket.Versions. data is nil when the server no longer has it.
	ObjectVersionReceived(bucket, key string, version models.Version, data map[string]any)
	SyncError(bucket string, err error)
}

// NopDelegate ignores every event. Embed it to implement only some methods.
type NopDelegate struct{}

func (NopDelegate) ObjectKeysAdded(string, []string)        {}
func (NopDelegate) ObjectKeysWillChange(string, []string)   {}
func (NopDelegate) ObjectKeysChanged(string, []string)      {}
func (NopDelegate) ObjectKeyAcknowledged(string, string)    {}
func (NopDelegate) ObjectKeyWillBeDeleted(string, string)   {}
func (NopDelegate) IndexingWillStart(string)                {}
func (NopDelegate) IndexingDidFinish(string)                {}
func (NopDelegate) AuthenticationSuccessful(string, string) {}
func (NopDelegate) AuthenticationFailed(string, error)      {}
func (NopDelegate) SyncError(string, error)                 {}

func (NopDelegate) ObjectVersionReceived(string, string, models.Version, map[string]any) {}

// delegates fans every event out to the registered delegates, in the order
// they were added.
type delegates struct {
	mu   sync.RWMutex
	list []Delegate
}

var _ Delegate = (*delegates)(nil)

func (ds *delegates) add(d Delegate) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.list = append(slices.Clip(ds.list), d)
}

func (ds *delegates) remove(d Delegate) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	i := slices.Index(ds.list, d)
	if i < 0 {
		return false
	}
	ds.list = slices.Delete(slices.Clone(ds.list), i, i+1)
	return true
}

func (ds *delegates) each(fn func(Delegate)) {
	ds.mu.RLock()
	list := ds.list
	ds.mu.RUnlock()
	for _, d := range list {
		fn(d)
	}
}

func (ds *delegates) ObjectKeysAdded(bucket string, keys []string) {
	ds.each(func(d Delegate) { d.ObjectKeysAdded(bucket, keys) })
}

func (ds *delegates) ObjectKeysWillChange(bucket string, keys []string) {
	ds.each(func(d Delegate) { d.ObjectKeysWillChange(bucket, keys) })
}

func (ds *delegates) ObjectKeysChanged(bucket string, keys []string) {
	ds.each(func(d Delegate) { d.ObjectKeysChanged(bucket, keys) })
}

func (ds *delegates) ObjectKeyAcknowledged(bucket, key string) {
	ds.each(func(d Delegate) { d.ObjectKeyAcknowledged(bucket, key) })
}

func (ds *delegates) ObjectKeyWillBeDeleted(bucket, key string) {
	ds.each(func(d Delegate) { d.ObjectKeyWillBeDeleted(bucket, key) })
}

func (ds *delegates) IndexingWillStart(bucket string) {
	ds.each(func(d Delegate) { d.IndexingWillStart(bucket) })
}

func (ds *delegates) IndexingDidFinish(bucket string) {
	ds.each(func(d Delegate) { d.IndexingDidFinish(bucket) })
}

func (ds *delegates) AuthenticationSuccessful(bucket, user string) {
	ds.each(func(d Delegate) { d.AuthenticationSuccessful(bucket, user) })
}

func (ds *delegates) AuthenticationFailed(bucket string, err error) {
	ds.each(func(d Delegate) { d.AuthenticationFailed(bucket, err) })
}

func (ds *delegates) ObjectVersionReceived(bucket, key string, version models.Version, data map[string]any) {
	ds.each(func(d Delegate) { d.ObjectVersionReceived(bucket, key, version, data) })
}

func (ds *delegates) SyncError(bucket string, err error) {
	ds.each(func(d Delegate) { d.SyncError(bucket, err) })
}
