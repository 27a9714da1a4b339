package constants

import "errors"

var (
	ErrNotFound          = errors.New("object not found")
	ErrNotConnected      = errors.New("transport is not connected")
	ErrClosed            = errors.New("closed")
	ErrNotAuthenticated  = errors.New("channel is not authenticated")
	ErrUnknownBucket     = errors.New("unknown bucket")
	ErrBucketExists      = errors.New("bucket already registered")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrUnknownMember     = errors.New("unknown member")
	ErrInvalidValue      = errors.New("invalid member value")
	ErrInvalidDiff       = errors.New("invalid diff")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrTooManyConflicts  = errors.New("too many conflict retries")
	ErrChangeRejected    = errors.New("change rejected by server")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrNoURL             = errors.New("url not set")
	ErrNoAppID           = errors.New("app id not set")
	ErrInvalidTransition = errors.New("invalid state transition")
)
