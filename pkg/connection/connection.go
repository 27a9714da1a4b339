// Package connection multiplexes bucket channels over a single websocket to
// the sync server and keeps that websocket connected.
//
// The Transport owns one read goroutine. Frames are routed by channel number
// to the Handler of the channel, which is expected to hand them over to its
// own execution context and return quickly. Writes from any goroutine are
// serialized behind a lock.
//
// When the websocket drops, every channel is closed and the transport
// reconnects with the configured Retryer, re-sending init on every channel.
package connection

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/wire"
)

type Transport struct {
	cfg *Config
	log logger.Logger

	channels *xsync.MapOf[int, *Channel]
	next     atomic.Int32

	tokenMu sync.RWMutex
	token   string

	stateMu  sync.Mutex
	state    State
	stopping bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	// connLock guards conn and serializes writes to it.
	connLock sync.Mutex
	conn     *gorilla.Conn

	beats    atomic.Int64
	awaiting atomic.Int64
}

func New(cfg *Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:      cfg,
		log:      cfg.Logger,
		channels: xsync.NewMapOf[int, *Channel](),
		token:    cfg.Token,
	}, nil
}

func (t *Transport) ClientID() string {
	return t.cfg.ClientID
}

func (t *Transport) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *Transport) transitionLocked(next State) {
	if err := t.state.validateTransitionTo(next); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
	t.log.Debug("transport state transitioned", "from", t.state, "to", next)
	t.state = next
}

func (t *Transport) Token() string {
	t.tokenMu.RLock()
	defer t.tokenMu.RUnlock()
	return t.token
}

// SetToken replaces the access token. Channels refused with the previous
// token are opened again when connected.
func (t *Transport) SetToken(token string) {
	t.tokenMu.Lock()
	t.token = token
	t.tokenMu.Unlock()

	connected := t.State() == StateConnected
	t.channels.Range(func(_ int, ch *Channel) bool {
		ch.forgetRefusal()
		if connected {
			ch.open(context.Background())
		}
		return true
	})
}

// Channel registers a channel for the remote bucket name. It is opened at
// once when the transport is connected, and on every (re)connection after.
func (t *Transport) Channel(name string, h Handler) *Channel {
	ch := newChannel(t, int(t.next.Add(1)-1), name, h)
	t.channels.Store(ch.number, ch)
	if t.State() == StateConnected {
		ch.open(context.Background())
	}
	return ch
}

func (t *Transport) remove(ch *Channel) {
	t.channels.Delete(ch.number)
}

// Connect dials the server and starts serving. A failure of this first
// dial is returned as is; after it succeeds, lost connections are
// re-established in the background.
func (t *Transport) Connect(ctx context.Context) error {
	t.stateMu.Lock()
	if err := t.state.validateTransitionTo(StateConnecting); err != nil {
		t.stateMu.Unlock()
		return err
	}
	t.transitionLocked(StateConnecting)
	t.stateMu.Unlock()

	conn, err := t.dial(ctx)

	t.stateMu.Lock()
	if err != nil {
		t.transitionLocked(StateDisconnected)
		t.stateMu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.loopDone = make(chan struct{})
	t.setConn(conn)
	t.transitionLocked(StateConnected)
	done := t.loopDone
	t.stateMu.Unlock()

	go t.loop(loopCtx, conn, done)
	t.openChannels()
	return nil
}

func (t *Transport) dial(ctx context.Context) (*gorilla.Conn, error) {
	conn, res, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL.String(), nil)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	t.log.Debug("websocket connected", "url", t.cfg.URL.Redacted())
	return conn, nil
}

func (t *Transport) setConn(conn *gorilla.Conn) {
	t.connLock.Lock()
	t.conn = conn
	t.connLock.Unlock()
}

func (t *Transport) dropConn(conn *gorilla.Conn) {
	t.connLock.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connLock.Unlock()
	conn.Close()
}

func (t *Transport) openChannels() {
	var list []*Channel
	t.channels.Range(func(_ int, ch *Channel) bool {
		list = append(list, ch)
		return true
	})
	slices.SortFunc(list, func(a, b *Channel) int { return a.number - b.number })
	for _, ch := range list {
		ch.open(context.Background())
	}
}

func (t *Transport) closeChannels(err error) {
	t.channels.Range(func(_ int, ch *Channel) bool {
		ch.closed(err)
		return true
	})
}

func (t *Transport) loop(ctx context.Context, conn *gorilla.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		err := t.serve(conn)
		t.dropConn(conn)
		t.closeChannels(&Error{Op: "read", Err: err})

		t.stateMu.Lock()
		if t.stopping {
			t.stopping = false
			t.transitionLocked(StateDisconnected)
			t.stateMu.Unlock()
			return
		}
		t.transitionLocked(StateReconnecting)
		t.stateMu.Unlock()

		t.log.Warn("connection lost", "error", err)
		if conn = t.reconnect(ctx, err); conn == nil {
			t.stateMu.Lock()
			t.stopping = false
			t.transitionLocked(StateDisconnected)
			t.stateMu.Unlock()
			return
		}
	}
}

func (t *Transport) reconnect(ctx context.Context, lastErr error) *gorilla.Conn {
	for attempt := 0; ; attempt++ {
		delay, ok := t.cfg.Retryer.NextDelay(attempt, lastErr)
		if !ok {
			t.log.Error("giving up reconnecting", "attempts", attempt, "error", lastErr)
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := t.dial(ctx)
		if err != nil {
			lastErr = err
			t.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		t.stateMu.Lock()
		if t.stopping {
			t.stateMu.Unlock()
			conn.Close()
			return nil
		}
		t.setConn(conn)
		t.transitionLocked(StateConnected)
		t.stateMu.Unlock()

		t.cfg.Retryer.Reset()
		t.cfg.Metrics.Reconnected()
		t.log.Info("reconnected", "attempt", attempt)
		t.openChannels()
		return conn
	}
}

// serve reads frames from conn until it fails, heartbeating meanwhile.
func (t *Transport) serve(conn *gorilla.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.ping(stop)
	}()
	err := t.readLoop(conn)
	close(stop)
	wg.Wait()
	return err
}

func (t *Transport) readLoop(conn *gorilla.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(3 * t.cfg.HeartbeatInterval)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.dispatch(string(data))
	}
}

func (t *Transport) ping(stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := t.beats.Add(1)
			t.awaiting.Store(n + 1)
			if err := t.write(context.Background(), wire.Heartbeat(int(n))); err != nil {
				t.log.Debug("heartbeat not sent", "error", err)
			}
		}
	}
}

func (t *Transport) dispatch(raw string) {
	f, err := wire.Parse(raw)
	if err != nil {
		t.log.Warn("dropping frame", "error", err)
		return
	}
	t.cfg.Metrics.FrameReceived(f.Command)

	if f.Command == wire.CmdHeartbeat {
		t.heartbeat(f.Payload)
		return
	}
	ch, ok := t.channels.Load(f.Channel)
	if !ok {
		t.log.Warn("frame for unknown channel", "channel", f.Channel, "command", f.Command)
		return
	}
	ch.dispatch(f)
}

// heartbeat answers server heartbeats. Replies to ours need no answer.
func (t *Transport) heartbeat(payload string) {
	n, err := strconv.Atoi(payload)
	if err != nil {
		t.log.Warn("bad heartbeat", "payload", payload)
		return
	}
	if int64(n) == t.awaiting.Load() {
		return
	}
	if err := t.write(context.Background(), wire.Heartbeat(n+1)); err != nil {
		t.log.Debug("heartbeat reply not sent", "error", err)
	}
}

func (t *Transport) write(ctx context.Context, f wire.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.connLock.Lock()
	defer t.connLock.Unlock()
	if t.conn == nil {
		return constants.ErrNotConnected
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := t.conn.WriteMessage(gorilla.TextMessage, []byte(f.String())); err != nil {
		// The read loop fails next and reconnects.
		t.conn.Close()
		return &Error{Op: "write", Err: err}
	}
	t.cfg.Metrics.FrameSent(f.Command)
	return nil
}

// Disconnect closes the websocket and stops reconnecting. Connect may be
// called again afterwards.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.stateMu.Lock()
	switch t.state {
	case StateDisconnected, StateClosed:
		t.stateMu.Unlock()
		return nil
	case StateConnecting:
		t.stateMu.Unlock()
		return fmt.Errorf("%w: disconnect while connecting", constants.ErrInvalidTransition)
	}
	t.stopping = true
	t.cancel()
	done := t.loopDone
	t.stateMu.Unlock()

	t.connLock.Lock()
	if t.conn != nil {
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		if err := t.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.log.Debug("failed to write close message", "error", err)
		}
		t.conn.Close()
	}
	t.connLock.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and releases every channel. The transport cannot be
// used afterwards.
func (t *Transport) Close(ctx context.Context) error {
	if err := t.Disconnect(ctx); err != nil {
		return err
	}
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state == StateClosed {
		return nil
	}
	t.transitionLocked(StateClosed)
	t.channels.Range(func(n int, _ *Channel) bool {
		t.channels.Delete(n)
		return true
	})
	return nil
}
