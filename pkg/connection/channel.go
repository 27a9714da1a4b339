package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/wire"
)

// Handler receives the decoded frames of one channel. Methods are called on
// the transport read goroutine and must not block.
type Handler interface {
	// HandleAuth reports the outcome of init: the user name, or an
	// *wire.AuthError.
	HandleAuth(user string, err error)
	HandleIndexPage(page wire.IndexPage)
	HandleChanges(changes []wire.Change)
	// HandleStaleChangeVersion reports that the server does not know the
	// change version we resumed from.
	HandleStaleChangeVersion()
	HandleEntity(e wire.EntityResponse)
	// HandleClosed reports that the channel went down with the websocket.
	HandleClosed(err error)
}

// Channel is the conversation of one bucket over the transport.
type Channel struct {
	t      *Transport
	number int
	name   string
	h      Handler
	log    logger.Logger

	mu    sync.Mutex
	phase Phase
	// sentToken is the token of the last init; refused is set when the
	// server turned it down.
	sentToken string
	refused   bool
}

func newChannel(t *Transport, number int, name string, h Handler) *Channel {
	return &Channel{
		t:      t,
		number: number,
		name:   name,
		h:      h,
		log:    t.log,
	}
}

func (c *Channel) Number() int {
	return c.number
}

// Name is the remote bucket name announced in init.
func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) ClientID() string {
	return c.t.ClientID()
}

func (c *Channel) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Transition moves an authenticated channel between indexing and streaming.
func (c *Channel) Transition(next Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next != PhaseIndexing && next != PhaseStreaming {
		return fmt.Errorf("%w: channel %s cannot be moved to %v", constants.ErrInvalidTransition, c.name, next)
	}
	if c.phase == next {
		return nil
	}
	return c.transitionLocked(next)
}

func (c *Channel) transitionLocked(next Phase) error {
	if err := c.phase.validateTransitionTo(next); err != nil {
		return err
	}
	c.log.Debug("channel phase transitioned", "channel", c.number, "bucket", c.name, "from", c.phase, "to", next)
	c.phase = next
	return nil
}

func (c *Channel) open(ctx context.Context) {
	token := c.t.Token()

	c.mu.Lock()
	if c.phase != PhaseClosed || (c.refused && c.sentToken == token) {
		c.mu.Unlock()
		return
	}
	if err := c.transitionLocked(PhaseAuthenticating); err != nil {
		c.mu.Unlock()
		c.log.Error("BUG: channel open", "error", err)
		return
	}
	c.sentToken = token
	c.refused = false
	c.mu.Unlock()

	payload, err := wire.Encode(wire.Init{
		ClientID: c.t.ClientID(),
		API:      constants.APIVersion,
		Token:    token,
		AppID:    c.t.cfg.AppID,
		Name:     c.name,
		Library:  constants.LibraryName,
		Version:  constants.LibraryVersion,
	})
	if err != nil {
		c.log.Error("failed to encode init", "bucket", c.name, "error", err)
		return
	}
	if err := c.send(ctx, wire.CmdInit, payload); err != nil {
		// The read loop notices the broken connection and reopens.
		c.log.Warn("init not sent", "bucket", c.name, "error", err)
	}
}

func (c *Channel) forgetRefusal() {
	c.mu.Lock()
	c.refused = false
	c.mu.Unlock()
}

func (c *Channel) closed(err error) {
	c.mu.Lock()
	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return
	}
	_ = c.transitionLocked(PhaseClosed)
	c.mu.Unlock()
	c.h.HandleClosed(err)
}

// Close takes the channel off the transport.
func (c *Channel) Close() {
	c.t.remove(c)
	c.mu.Lock()
	if c.phase != PhaseClosed {
		_ = c.transitionLocked(PhaseClosed)
	}
	c.mu.Unlock()
}

func (c *Channel) dispatch(f wire.Frame) {
	switch f.Command {
	case wire.CmdAuth:
		user, err := wire.ParseAuth(f.Payload)
		if err != nil {
			c.mu.Lock()
			c.refused = true
			if c.phase != PhaseClosed {
				_ = c.transitionLocked(PhaseClosed)
			}
			c.mu.Unlock()
		}
		c.h.HandleAuth(user, err)

	case wire.CmdIndex:
		page, err := wire.ParseIndexPage(f.Payload)
		if err != nil {
			c.log.Warn("dropping index page", "bucket", c.name, "error", err)
			return
		}
		c.h.HandleIndexPage(page)

	case wire.CmdChangeVersion:
		if strings.TrimSpace(f.Payload) == wire.StaleChangeIndex {
			c.h.HandleStaleChangeVersion()
			return
		}
		c.log.Debug("change version echoed", "bucket", c.name, "cv", f.Payload)

	case wire.CmdChange:
		changes, err := wire.ParseChanges(f.Payload)
		if err != nil {
			c.log.Warn("dropping changes", "bucket", c.name, "error", err)
			return
		}
		c.h.HandleChanges(changes)

	case wire.CmdEntity:
		e, err := wire.ParseEntity(f.Payload)
		if err != nil {
			c.log.Warn("dropping entity", "bucket", c.name, "error", err)
			return
		}
		c.h.HandleEntity(e)

	case wire.CmdLog:
		c.log.Info("server log", "bucket", c.name, "payload", f.Payload)

	default:
		c.log.Warn("unknown command", "bucket", c.name, "command", f.Command)
	}
}

func (c *Channel) send(ctx context.Context, cmd, payload string) error {
	return c.t.write(ctx, wire.Frame{Channel: c.number, Command: cmd, Payload: payload})
}

func (c *Channel) sendAuthenticated(ctx context.Context, cmd, payload string) error {
	switch c.Phase() {
	case PhaseIndexing, PhaseStreaming:
		return c.send(ctx, cmd, payload)
	}
	return constants.ErrNotAuthenticated
}

// RequestIndex asks for the index page starting at mark.
func (c *Channel) RequestIndex(ctx context.Context, mark string, limit int) error {
	return c.sendAuthenticated(ctx, wire.CmdIndex, wire.IndexRequest(mark, limit))
}

// StreamFrom subscribes to changes after the change version cv.
func (c *Channel) StreamFrom(ctx context.Context, cv string) error {
	return c.sendAuthenticated(ctx, wire.CmdChangeVersion, cv)
}

func (c *Channel) SendChange(ctx context.Context, req wire.ChangeRequest) error {
	if req.ClientID == "" {
		req.ClientID = c.t.ClientID()
	}
	payload, err := wire.Encode(req)
	if err != nil {
		return fmt.Errorf("encode change %s/%s: %w", c.name, req.ID, err)
	}
	return c.sendAuthenticated(ctx, wire.CmdChange, payload)
}

// RequestEntity asks for key at version, or its latest version when
// version is zero.
func (c *Channel) RequestEntity(ctx context.Context, key string, version models.Version) error {
	return c.sendAuthenticated(ctx, wire.CmdEntity, wire.EntityRequest(key, version))
}

// Log forwards a diagnostic line to the server.
func (c *Channel) Log(ctx context.Context, line string) error {
	return c.send(ctx, wire.CmdLog, line)
}
