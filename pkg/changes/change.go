package changes

import (
	"fmt"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
)

// Op is the object level operation of a change.
type Op string

const (
	OpModify Op = "M"
	OpDelete Op = "-"
)

// Change is the single pending mutation of one key.
//
// Diff is in flight once State is AwaitingAck. Edits made meanwhile are
// coalesced into Queued (or QueuedOp for a delete) and sent after the ack.
type Change struct {
	Key         string            `json:"key"`
	CCID        string            `json:"ccid,omitempty"`
	Op          Op                `json:"o"`
	Diff        schema.ObjectDiff `json:"diff,omitempty"`
	BaseVersion models.Version    `json:"sv,omitempty"`
	State       State             `json:"state"`
	Queued      schema.ObjectDiff `json:"queued,omitempty"`
	QueuedOp    Op                `json:"queued_op,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`

	// Deferred changes wait for the next Resume before being sent again.
	Deferred bool `json:"deferred,omitempty"`
}

// HasQueued reports whether edits arrived while the change was in flight.
func (c *Change) HasQueued() bool {
	return c.QueuedOp != ""
}

func (c *Change) clone() Change {
	out := *c
	out.Diff = cloneDiff(c.Diff)
	out.Queued = cloneDiff(c.Queued)
	return out
}

func cloneDiff(d schema.ObjectDiff) schema.ObjectDiff {
	if d == nil {
		return nil
	}
	out := make(schema.ObjectDiff, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ConflictError is returned once a change has been rebased MaxRetries times
// without being accepted. The change stays queued.
type ConflictError struct {
	Bucket   string
	Key      string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("change %s/%s still conflicting after %d attempts", e.Bucket, e.Key, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return constants.ErrTooManyConflicts
}
