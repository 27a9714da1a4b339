package constants

import "time"

const (
	// ChangeIDLength is the size of the locally generated change id (ccid)
	// attached to every change sent to the server.
	ChangeIDLength = 32
	// CloseMessageCode is the websocket close code sent on a clean shutdown.
	CloseMessageCode = 1000
	// DefaultWSTimeout bounds a single frame write.
	DefaultWSTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is how often the transport pings the server.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultIndexPageSize is the number of entities requested per index page.
	DefaultIndexPageSize = 100
	// DefaultMaxConflictRetries bounds fetch-transform-resend cycles for one change.
	DefaultMaxConflictRetries = 3
	// APIVersion is the protocol version announced in the init handshake.
	APIVersion = "1.1"
	// LibraryName identifies this client in the init handshake.
	LibraryName = "simperium-go"
	// LibraryVersion is the version announced in the init handshake.
	LibraryVersion = "0.4.0"
)

const (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
)

// Metadata names used by buckets in the storage metadata dictionary.
const (
	MetaChangeVersion = "cv"
	MetaIndexMark     = "mark"
	MetaIndexCV       = "index_cv"
	MetaPending       = "changes"
)

// RelationshipsBucket is the metadata namespace of pending relationships.
// It is not a syncable bucket.
const RelationshipsBucket = "__relationships"
