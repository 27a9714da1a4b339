package connection

import (
	"errors"
	"fmt"
)

var errUnsupportedScheme = errors.New("unsupported scheme")

// Error is a failure of the websocket transport. The client reconnects
// after it with backoff.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
