package simperium

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/changes"
	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/storage"
	"github.com/simperium/simperium.go/pkg/wire"
)

// Errors reported by the engine. Match them with errors.As.
type (
	// AuthError is the server's refusal of the access token. The bucket
	// stays offline until Client.SetToken.
	AuthError = wire.AuthError
	// ConflictError reports a change that kept conflicting after the
	// configured number of rebases. It stays queued.
	ConflictError = changes.ConflictError
	// SchemaError reports a member dropped from a payload.
	SchemaError = schema.Error
	// StorageError wraps a failure of the storage collaborator.
	StorageError = storage.Error
	// TransportError reports a broken websocket. It is handled by
	// reconnecting.
	TransportError = connection.Error
)

var (
	ErrNotFound         = constants.ErrNotFound
	ErrClosed           = constants.ErrClosed
	ErrUnknownBucket    = constants.ErrUnknownBucket
	ErrBucketExists     = constants.ErrBucketExists
	ErrChangeRejected   = constants.ErrChangeRejected
	ErrNotAuthenticated = constants.ErrNotAuthenticated
)

// ChangeError is a change the server refused for good. The change is
// dropped; the local object is left as is.
type ChangeError struct {
	Bucket string
	Key    string
	Code   int
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("change %s/%s rejected with code %d", e.Bucket, e.Key, e.Code)
}

func (e *ChangeError) Unwrap() error {
	return constants.ErrChangeRejected
}
