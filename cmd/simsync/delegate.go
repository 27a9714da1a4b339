package main

import (
	"github.com/simperium/simperium.go"
	"github.com/simperium/simperium.go/pkg/logger"
)

// logDelegate reports sync events to the log.
type logDelegate struct {
	simperium.NopDelegate
	log logger.Logger
}

func (d *logDelegate) ObjectKeysAdded(bucket string, keys []string) {
	d.log.Info("objects added", "bucket", bucket, "keys", keys)
}

func (d *logDelegate) ObjectKeysChanged(bucket string, keys []string) {
	d.log.Info("objects changed", "bucket", bucket, "keys", keys)
}

func (d *logDelegate) ObjectKeyAcknowledged(bucket, key string) {
	d.log.Debug("change acknowledged", "bucket", bucket, "key", key)
}

func (d *logDelegate) ObjectKeyWillBeDeleted(bucket, key string) {
	d.log.Info("object deleted", "bucket", bucket, "key", key)
}

func (d *logDelegate) IndexingWillStart(bucket string) {
	d.log.Info("indexing", "bucket", bucket)
}

func (d *logDelegate) IndexingDidFinish(bucket string) {
	d.log.Info("indexed", "bucket", bucket)
}

func (d *logDelegate) AuthenticationSuccessful(bucket, user string) {
	d.log.Info("authenticated", "bucket", bucket, "user", user)
}

func (d *logDelegate) AuthenticationFailed(bucket string, err error) {
	d.log.Error("authentication failed, set SIMPERIUM_TOKEN", "bucket", bucket, "error", err)
}

func (d *logDelegate) SyncError(bucket string, err error) {
	d.log.Warn("sync error", "bucket", bucket, "error", err)
}
