// Package fakesim provides a fake sync server for tests. It speaks the
// channel protocol of package wire over a websocket, keeps buckets of
// versioned objects in memory and can inject failures: dropped connections,
// held requests, rejected changes and commits from other clients.
//
// The WebSocket server is implemented using the `gws` library.
package fakesim

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/lxzan/gws"

	"github.com/simperium/simperium.go/pkg/logger"
	"github.com/simperium/simperium.go/pkg/models"
	"github.com/simperium/simperium.go/pkg/schema"
	"github.com/simperium/simperium.go/pkg/wire"
)

// FailureType is a failure injected when the next frame of a command
// arrives.
type FailureType string

const (
	// FailureDropConnection closes the underlying network connection.
	FailureDropConnection FailureType = "drop_connection"
	// FailureWebSocketClose sends a websocket close frame.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureIgnore swallows the frame without answering.
	FailureIgnore FailureType = "ignore"
)

// OtherClient is the client id of commits injected with Commit and Remove.
const OtherClient = "fakesim-other"

type object struct {
	version int
	data    map[string]any
	history map[int]map[string]any
}

type bucket struct {
	objects map[string]*object
	// changes is the change log, oldest first.
	changes []wire.Change
	// applied maps ccids to the change they produced.
	applied map[string]wire.Change
	// rejects holds error codes for the next change of a key.
	rejects map[string]int
	// floor is the change version the log starts after.
	floor string
}

func newBucket() *bucket {
	return &bucket{
		objects: make(map[string]*object),
		applied: make(map[string]wire.Change),
		rejects: make(map[string]int),
	}
}

func (b *bucket) cv() string {
	if len(b.changes) == 0 {
		return b.floor
	}
	return b.changes[len(b.changes)-1].ChangeVersion
}

type session struct {
	socket *gws.Conn
	// channels maps authenticated channel numbers to bucket names.
	channels map[int]string
}

func (s *session) write(f wire.Frame) error {
	return s.socket.WriteMessage(gws.OpcodeText, []byte(f.String()))
}

// Server is a fake sync server.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server
	log      logger.Logger

	mu       sync.Mutex
	tokens   map[string]string
	buckets  map[string]*bucket
	sessions map[*gws.Conn]*session
	received []wire.Frame
	failNext map[string]FailureType
	failWhen map[string]FailureType
	held     map[string][]func()
	holding  map[string]bool
	cvSeq    int
}

type handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" to bind to a random
// available port.
func NewServer(addr string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		addr:     addr,
		log:      log,
		buckets:  make(map[string]*bucket),
		sessions: make(map[*gws.Conn]*session),
		failNext: make(map[string]FailureType),
		failWhen: make(map[string]FailureType),
		held:     make(map[string][]func()),
		holding:  make(map[string]bool),
	}
	s.server = gws.NewServer(&handler{server: s}, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("fakesim server error", "error", err)
		}
	}
	return s
}

func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("fakesim listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.DropConnections()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket endpoint for app.
func (s *Server) URL(app string) string {
	return "ws://" + s.Address() + "/sock/1/" + app + "/websocket"
}

// SetTokens restricts init to the given token -> user pairs. With no
// tokens any token is accepted as user "tester".
func (s *Server) SetTokens(tokens map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
}

// FailNext injects f when the next frame with command cmd arrives.
func (s *Server) FailNext(cmd string, f FailureType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] = f
}

// FailWhen injects f when a frame with command cmd and exactly payload
// arrives, once.
func (s *Server) FailWhen(cmd, payload string, f FailureType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWhen[cmd+":"+payload] = f
}

// Hold defers the handling of frames with command cmd until Release.
func (s *Server) Hold(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[cmd] = true
}

// Release handles the frames held for cmd, in arrival order, and stops
// holding.
func (s *Server) Release(cmd string) {
	s.mu.Lock()
	tasks := s.held[cmd]
	delete(s.held, cmd)
	delete(s.holding, cmd)
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// Held returns how many frames are waiting for Release(cmd).
func (s *Server) Held(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held[cmd])
}

// RejectNext makes the next change to bucket/key fail with code.
func (s *Server) RejectNext(bucketName, key string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketLocked(bucketName).rejects[key] = code
}

// DropConnections closes every client connection at the network level.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sockets := make([]*gws.Conn, 0, len(s.sessions))
	for socket := range s.sessions {
		sockets = append(sockets, socket)
	}
	s.mu.Unlock()
	for _, socket := range sockets {
		socket.NetConn().Close()
	}
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Received returns the client frames seen with command cmd, or all frames
// when cmd is empty.
func (s *Server) Received(cmd string) []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	for _, f := range s.received {
		if cmd == "" || f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

// Ping sends a server heartbeat to every client.
func (s *Server) Ping(n int) {
	s.mu.Lock()
	sessions := s.sessionsLocked()
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.write(wire.Heartbeat(n))
	}
}

// Seed stores an object without notifying anyone.
func (s *Server) Seed(bucketName, key string, data map[string]any) models.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(bucketName)
	ch := s.commitLocked(b, OtherClient, key, "M", schema.DiffObjects(s.dataLocked(b, key), data), "")
	return ch.Version
}

// Commit stores data as the next version of key, as another client would,
// and broadcasts the change.
func (s *Server) Commit(bucketName, key string, data map[string]any) models.Version {
	s.mu.Lock()
	b := s.bucketLocked(bucketName)
	ch := s.commitLocked(b, OtherClient, key, "M", schema.DiffObjects(s.dataLocked(b, key), data), "")
	subs := s.subscribersLocked(bucketName)
	s.mu.Unlock()
	s.broadcast(subs, ch)
	return ch.Version
}

// Remove deletes key as another client would and broadcasts the change.
func (s *Server) Remove(bucketName, key string) {
	s.mu.Lock()
	b := s.bucketLocked(bucketName)
	if _, ok := b.objects[key]; !ok {
		s.mu.Unlock()
		return
	}
	ch := s.commitLocked(b, OtherClient, key, "-", nil, "")
	subs := s.subscribersLocked(bucketName)
	s.mu.Unlock()
	s.broadcast(subs, ch)
}

// Compact forgets the change log of bucket. Change versions older than the
// latest one become stale.
func (s *Server) Compact(bucketName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(bucketName)
	b.floor = b.cv()
	b.changes = nil
}

// Object returns the current data and version of key.
func (s *Server) Object(bucketName, key string) (map[string]any, models.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.bucketLocked(bucketName).objects[key]
	if !ok {
		return nil, models.NoVersion, false
	}
	return models.CloneData(o.data), version(o.version), true
}

// ChangeVersion returns the latest change version of bucket.
func (s *Server) ChangeVersion(bucketName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketLocked(bucketName).cv()
}

func version(n int) models.Version {
	return models.Version(strconv.Itoa(n))
}

func (s *Server) bucketLocked(name string) *bucket {
	b, ok := s.buckets[name]
	if !ok {
		b = newBucket()
		s.buckets[name] = b
	}
	return b
}

func (s *Server) dataLocked(b *bucket, key string) map[string]any {
	if o, ok := b.objects[key]; ok {
		return o.data
	}
	return map[string]any{}
}

func (s *Server) sessionsLocked() []*session {
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// commitLocked applies a validated change and appends it to the log.
func (s *Server) commitLocked(b *bucket, clientID, key, op string, diff schema.ObjectDiff, ccid string) wire.Change {
	o, ok := b.objects[key]
	if !ok {
		o = &object{data: map[string]any{}, history: make(map[int]map[string]any)}
		b.objects[key] = o
	}
	sv := version(o.version)
	if o.version == 0 {
		sv = models.NoVersion
	}

	if op == "-" {
		delete(b.objects, key)
	} else {
		data := models.CloneData(o.data)
		if err := schema.ApplyObject(data, diff); err != nil {
			s.log.Warn("fakesim could not apply diff", "key", key, "error", err)
		}
		o.version++
		o.data = data
		o.history[o.version] = models.CloneData(data)
	}

	s.cvSeq++
	ch := wire.Change{
		ClientID:      clientID,
		ID:            key,
		Op:            op,
		SourceVersion: sv,
		ChangeVersion: "cv" + strconv.Itoa(s.cvSeq),
		Diff:          diff,
	}
	if op != "-" {
		ch.Version = version(o.version)
	}
	if ccid != "" {
		ch.CCIDs = []string{ccid}
		b.applied[ccid] = ch
	}
	b.changes = append(b.changes, ch)
	return ch
}

// subscriber is a session with the channels it has authenticated for one
// bucket, captured under s.mu.
type subscriber struct {
	sess     *session
	channels []int
}

func (s *Server) subscribersLocked(bucketName string) []subscriber {
	var out []subscriber
	for _, sess := range s.sessions {
		var channels []int
		for n, name := range sess.channels {
			if name == bucketName {
				channels = append(channels, n)
			}
		}
		if len(channels) > 0 {
			slices.Sort(channels)
			out = append(out, subscriber{sess: sess, channels: channels})
		}
	}
	return out
}

func (s *Server) broadcast(subs []subscriber, changes ...wire.Change) {
	payload, err := wire.Encode(changes)
	if err != nil {
		s.log.Error("fakesim could not encode changes", "error", err)
		return
	}
	for _, sub := range subs {
		for _, n := range sub.channels {
			_ = sub.sess.write(wire.Frame{Channel: n, Command: wire.CmdChange, Payload: payload})
		}
	}
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.sessions[socket] = &session{socket: socket, channels: make(map[int]string)}
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.sessions, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s := h.server

	f, err := wire.Parse(string(message.Bytes()))
	if err != nil {
		s.log.Warn("fakesim dropping frame", "error", err)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, f)
	sess := s.sessions[socket]
	failure, fail := s.failNext[f.Command]
	delete(s.failNext, f.Command)
	if !fail {
		failure, fail = s.failWhen[f.Command+":"+f.Payload]
		delete(s.failWhen, f.Command+":"+f.Payload)
	}
	s.mu.Unlock()

	if sess == nil {
		return
	}
	if fail {
		switch failure {
		case FailureDropConnection:
			socket.NetConn().Close()
		case FailureWebSocketClose:
			socket.WriteClose(1001, []byte("failure injection"))
		}
		return
	}

	task := func() { h.handle(sess, f) }
	s.mu.Lock()
	if s.holding[f.Command] {
		s.held[f.Command] = append(s.held[f.Command], task)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	task()
}

func (h *handler) handle(sess *session, f wire.Frame) {
	switch f.Command {
	case wire.CmdHeartbeat:
		n, err := strconv.Atoi(f.Payload)
		if err == nil {
			_ = sess.write(wire.Heartbeat(n + 1))
		}
	case wire.CmdInit:
		h.handleInit(sess, f)
	case wire.CmdIndex:
		h.handleIndex(sess, f)
	case wire.CmdChangeVersion:
		h.handleChangeVersion(sess, f)
	case wire.CmdChange:
		h.handleChange(sess, f)
	case wire.CmdEntity:
		h.handleEntity(sess, f)
	case wire.CmdLog:
	}
}

func (h *handler) bucketOf(sess *session, channel int) (string, bool) {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	name, ok := sess.channels[channel]
	return name, ok
}

func (h *handler) reply(sess *session, channel int, cmd, payload string) {
	_ = sess.write(wire.Frame{Channel: channel, Command: cmd, Payload: payload})
}

func (h *handler) handleInit(sess *session, f wire.Frame) {
	s := h.server
	var init wire.Init
	if err := decode(f.Payload, &init); err != nil || init.Name == "" {
		h.reply(sess, f.Channel, wire.CmdAuth, `{"code":400,"msg":"bad init"}`)
		return
	}

	s.mu.Lock()
	user := "tester"
	ok := true
	if len(s.tokens) > 0 {
		user, ok = s.tokens[init.Token]
	}
	if ok {
		sess.channels[f.Channel] = init.Name
	} else {
		delete(sess.channels, f.Channel)
	}
	s.mu.Unlock()

	if !ok {
		h.reply(sess, f.Channel, wire.CmdAuth, `{"code":401,"msg":"invalid token"}`)
		return
	}
	h.reply(sess, f.Channel, wire.CmdAuth, user)
}

func (h *handler) handleIndex(sess *session, f wire.Frame) {
	s := h.server
	name, ok := h.bucketOf(sess, f.Channel)
	if !ok {
		return
	}
	mark, limit, err := wire.ParseIndexRequest(f.Payload)
	if err != nil || limit <= 0 {
		h.reply(sess, f.Channel, wire.CmdLog, "bad index request")
		return
	}

	s.mu.Lock()
	b := s.bucketLocked(name)
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	start, _ := slices.BinarySearch(keys, mark)
	end := min(start+limit, len(keys))
	page := wire.IndexPage{Entities: []wire.Entity{}, Current: b.cv()}
	for _, k := range keys[start:end] {
		o := b.objects[k]
		page.Entities = append(page.Entities, wire.Entity{Key: k, Version: version(o.version), Data: models.CloneData(o.data)})
	}
	if end < len(keys) {
		page.Mark = keys[end]
	}
	s.mu.Unlock()

	payload, err := wire.Encode(page)
	if err != nil {
		s.log.Error("fakesim could not encode index page", "error", err)
		return
	}
	h.reply(sess, f.Channel, wire.CmdIndex, payload)
}

func (h *handler) handleChangeVersion(sess *session, f wire.Frame) {
	s := h.server
	name, ok := h.bucketOf(sess, f.Channel)
	if !ok {
		return
	}
	cv := strings.TrimSpace(f.Payload)

	s.mu.Lock()
	b := s.bucketLocked(name)
	// An empty cursor streams the whole log.
	pos := -1
	if cv != "" && cv != b.floor {
		pos = slices.IndexFunc(b.changes, func(c wire.Change) bool { return c.ChangeVersion == cv })
	}
	stale := cv != "" && cv != b.floor && pos < 0
	missed := slices.Clone(b.changes[pos+1:])
	s.mu.Unlock()

	if stale {
		h.reply(sess, f.Channel, wire.CmdChangeVersion, wire.StaleChangeIndex)
		return
	}
	if len(missed) == 0 {
		return
	}
	payload, err := wire.Encode(missed)
	if err != nil {
		return
	}
	h.reply(sess, f.Channel, wire.CmdChange, payload)
}

func (h *handler) handleChange(sess *session, f wire.Frame) {
	s := h.server
	name, ok := h.bucketOf(sess, f.Channel)
	if !ok {
		return
	}
	var req wire.ChangeRequest
	if err := decode(f.Payload, &req); err != nil || req.ID == "" {
		h.reply(sess, f.Channel, wire.CmdLog, "bad change")
		return
	}

	s.mu.Lock()
	b := s.bucketLocked(name)
	if prev, ok := b.applied[req.CCID]; ok {
		// Resent after a reconnect: acknowledge again.
		s.mu.Unlock()
		h.sendChanges(sess, f.Channel, prev)
		return
	}
	code := h.validate(b, req)
	if code != 0 {
		s.mu.Unlock()
		h.sendChanges(sess, f.Channel, wire.Change{
			ClientID: req.ClientID,
			ID:       req.ID,
			CCIDs:    []string{req.CCID},
			Error:    code,
		})
		return
	}
	ch := s.commitLocked(b, req.ClientID, req.ID, req.Op, req.Diff, req.CCID)
	subs := s.subscribersLocked(name)
	s.mu.Unlock()
	s.broadcast(subs, ch)
}

func (h *handler) validate(b *bucket, req wire.ChangeRequest) int {
	if code, ok := b.rejects[req.ID]; ok {
		delete(b.rejects, req.ID)
		return code
	}
	o, exists := b.objects[req.ID]
	switch req.Op {
	case "-":
		if !exists {
			return wire.ErrCodeNotFound
		}
		return 0
	case "M":
	default:
		return wire.ErrCodeBadDiff
	}
	if len(req.Diff) == 0 {
		return wire.ErrCodeEmpty
	}
	current := models.NoVersion
	if exists {
		current = version(o.version)
	}
	if req.SourceVersion != current {
		return wire.ErrCodeConflict
	}
	trial := models.CloneData(h.server.dataLocked(b, req.ID))
	if err := schema.ApplyObject(trial, req.Diff); err != nil {
		return wire.ErrCodeBadDiff
	}
	return 0
}

func (h *handler) sendChanges(sess *session, channel int, changes ...wire.Change) {
	payload, err := wire.Encode(changes)
	if err != nil {
		return
	}
	h.reply(sess, channel, wire.CmdChange, payload)
}

func (h *handler) handleEntity(sess *session, f wire.Frame) {
	s := h.server
	name, ok := h.bucketOf(sess, f.Channel)
	if !ok {
		return
	}
	key, v := wire.ParseEntityRequest(f.Payload)

	s.mu.Lock()
	resp := wire.EntityResponse{Key: key, Version: v}
	if o, ok := s.bucketLocked(name).objects[key]; ok {
		n := o.version
		if !v.IsZero() {
			n, _ = strconv.Atoi(v.String())
		}
		resp.Version = version(n)
		if data, ok := o.history[n]; ok {
			resp.Data = models.CloneData(data)
		}
	}
	s.mu.Unlock()

	if resp.Version.IsZero() {
		resp.Version = "0"
	}
	payload, err := resp.Payload()
	if err != nil {
		return
	}
	h.reply(sess, f.Channel, wire.CmdEntity, payload)
}

func decode(payload string, v any) error {
	return json.Unmarshal([]byte(payload), v)
}
