// Package wire implements the text frames exchanged with the sync server.
//
// Every frame is "<channel>:<command>:<payload>", except heartbeats which
// are "h:<n>" and carry no channel.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simperium/simperium.go/pkg/constants"
)

const (
	CmdInit          = "init"
	CmdAuth          = "auth"
	CmdIndex         = "i"
	CmdChangeVersion = "cv"
	CmdChange        = "c"
	CmdEntity        = "e"
	CmdLog           = "log"
	CmdHeartbeat     = "h"
)

// NoChannel is the channel of frames that belong to the connection.
const NoChannel = -1

type Frame struct {
	Channel int
	Command string
	Payload string
}

func (f Frame) String() string {
	if f.Channel == NoChannel {
		return f.Command + ":" + f.Payload
	}
	return strconv.Itoa(f.Channel) + ":" + f.Command + ":" + f.Payload
}

func Heartbeat(n int) Frame {
	return Frame{Channel: NoChannel, Command: CmdHeartbeat, Payload: strconv.Itoa(n)}
}

// Parse splits a raw frame. The payload may itself contain colons.
func Parse(raw string) (Frame, error) {
	head, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q", constants.ErrInvalidFrame, abbreviate(raw))
	}
	if head == CmdHeartbeat {
		return Frame{Channel: NoChannel, Command: CmdHeartbeat, Payload: rest}, nil
	}
	ch, err := strconv.Atoi(head)
	if err != nil || ch < 0 {
		return Frame{}, fmt.Errorf("%w: bad channel in %q", constants.ErrInvalidFrame, abbreviate(raw))
	}
	cmd, payload, _ := strings.Cut(rest, ":")
	if cmd == "" {
		return Frame{}, fmt.Errorf("%w: no command in %q", constants.ErrInvalidFrame, abbreviate(raw))
	}
	return Frame{Channel: ch, Command: cmd, Payload: payload}, nil
}

func abbreviate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
