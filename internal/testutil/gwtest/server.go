// Package gwtest provides an in-process gateway endpoint speaking the wire
// protocol. Tests drive shards against it over real websockets; cmd/gatesim
// serves it standalone.
package gwtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/auth"
	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/wire"
)

var (
	ErrUnknownShard  = errors.New("gwtest: unknown shard")
	ErrServerClosed  = errors.New("gwtest: server closed")
	ErrInvalidInject = errors.New("gwtest: invalid inject payload")
)

// Config controls simulated gateway behavior.
type Config struct {
	Token               string
	TotalShards         int
	HeartbeatIntervalMS int
	ReplayBufferSize    int
}

func DefaultConfig() Config {
	return Config{
		Token:               "gwtest-token",
		TotalShards:         0,
		HeartbeatIntervalMS: 45000,
		ReplayBufferSize:    256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Token) == "" {
		c.Token = def.Token
	}
	if c.HeartbeatIntervalMS <= 0 {
		c.HeartbeatIntervalMS = def.HeartbeatIntervalMS
	}
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = def.ReplayBufferSize
	}
	return c
}

// SessionInfo is the observed state of one shard session.
type SessionInfo struct {
	ID         string
	Shard      wire.ShardID
	Seq        int
	Connected  bool
	Identifies int
	Resumes    int
	Presences  int
}

type session struct {
	id      string
	shard   wire.ShardID
	intents wire.Intent

	seq        int
	connected  bool
	identifies int
	resumes    int
	presences  int

	conn    *websocket.Conn
	writeMu sync.Mutex
	replay  []wire.Payload
}

// Server is an in-process gateway endpoint.
type Server struct {
	cfg       Config
	validator auth.Validator
	limits    wire.Limits

	mu          sync.Mutex
	sessions    map[string]*session
	byShard     map[int]*session
	identifies  int
	dropAcks    int
	rejectNext  bool
	rejectResum bool
	closed      bool

	httpServer *http.Server
	listener   net.Listener
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		validator: auth.StaticToken{Token: cfg.Token},
		limits:    wire.DefaultLimits(),
		sessions:  make(map[string]*session),
		byShard:   make(map[int]*session),
	}
}

// Handler returns the websocket upgrade endpoint.
func (s *Server) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go s.handleConn(conn)
	})
}

// StartLocal serves on a loopback listener and returns the websocket URL.
func (s *Server) StartLocal() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = l
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()
	go func() {
		_ = srv.Serve(l)
	}()
	return "ws://" + l.Addr().String() + "/", nil
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close tears down the listener and every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	srv := s.httpServer
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.conn != nil {
			conns = append(conns, sess.conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	if srv != nil {
		_ = srv.Close()
	}
}

func (s *Server) handleConn(conn *websocket.Conn) {
	hello, err := wire.NewPayload(wire.OpHello, wire.Hello{HeartbeatIntervalMS: s.cfg.HeartbeatIntervalMS})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := wire.WritePayload(conn, s.limits, hello); err != nil {
		_ = conn.Close()
		return
	}

	var sess *session
	defer func() {
		_ = conn.Close()
		if sess != nil {
			s.mu.Lock()
			if sess.conn == conn {
				sess.connected = false
				sess.conn = nil
			}
			s.mu.Unlock()
		}
	}()

	readLimits := s.limits
	readLimits.ReadTimeout = 0

	for {
		payload, err := wire.ReadPayload(conn, readLimits)
		if err != nil {
			return
		}
		switch payload.Op {
		case wire.OpIdentify:
			sess, err = s.handleIdentify(conn, payload)
			if err != nil {
				return
			}
		case wire.OpResume:
			sess, err = s.handleResume(conn, payload)
			if err != nil {
				return
			}
		case wire.OpHeartbeat:
			if s.swallowAck() {
				continue
			}
			ack := wire.Payload{Op: wire.OpHeartbeatAck}
			if err := s.writeConn(conn, sess, ack); err != nil {
				return
			}
		case wire.OpPresenceUpdate:
			s.mu.Lock()
			if sess != nil {
				sess.presences++
			}
			s.mu.Unlock()
		default:
			log.Debug().Str("op", payload.Op.String()).Msg("gwtest ignoring payload")
		}
	}
}

func (s *Server) handleIdentify(conn *websocket.Conn, payload wire.Payload) (*session, error) {
	s.mu.Lock()
	s.identifies++
	s.mu.Unlock()

	var identify wire.Identify
	if err := json.Unmarshal(payload.Data, &identify); err != nil {
		s.closeWith(conn, int(wire.CloseDecodeError), "malformed identify")
		return nil, err
	}
	if err := s.validator.Validate(identify.Token); err != nil {
		s.closeWith(conn, int(wire.CloseAuthenticationFailed), "authentication failed")
		return nil, err
	}
	if identify.Shard[1] <= 0 || identify.Shard[0] < 0 || identify.Shard[0] >= identify.Shard[1] {
		s.closeWith(conn, int(wire.CloseInvalidShard), "invalid shard")
		return nil, fmt.Errorf("gwtest: invalid shard %v", identify.Shard)
	}
	if s.cfg.TotalShards > 0 && identify.Shard[1] != s.cfg.TotalShards {
		s.closeWith(conn, int(wire.CloseShardingRequired), "sharding required")
		return nil, fmt.Errorf("gwtest: shard total %d, want %d", identify.Shard[1], s.cfg.TotalShards)
	}

	s.mu.Lock()
	if s.rejectNext {
		s.rejectNext = false
		resumable := s.rejectResum
		s.mu.Unlock()
		body, _ := json.Marshal(resumable)
		_ = wire.WritePayload(conn, s.limits, wire.Payload{Op: wire.OpInvalidSession, Data: body})
		return nil, nil
	}
	sess := &session{
		id:         uuid.NewString(),
		shard:      wire.ShardID{Index: identify.Shard[0], Total: identify.Shard[1]},
		intents:    identify.Intents,
		conn:       conn,
		connected:  true,
		identifies: 1,
	}
	s.sessions[sess.id] = sess
	s.byShard[sess.shard.Index] = sess
	s.mu.Unlock()

	ready := readyBody{
		Version:          10,
		SessionID:        sess.id,
		ResumeGatewayURL: "",
		User:             model.User{ID: "bot.wisp", Username: "wisp", Bot: true},
	}
	return sess, s.sendDispatch(sess, "READY", ready)
}

func (s *Server) handleResume(conn *websocket.Conn, payload wire.Payload) (*session, error) {
	var resume wire.Resume
	if err := json.Unmarshal(payload.Data, &resume); err != nil {
		s.closeWith(conn, int(wire.CloseDecodeError), "malformed resume")
		return nil, err
	}
	if err := s.validator.Validate(resume.Token); err != nil {
		s.closeWith(conn, int(wire.CloseAuthenticationFailed), "authentication failed")
		return nil, err
	}

	s.mu.Lock()
	sess, ok := s.sessions[resume.SessionID]
	if !ok {
		s.mu.Unlock()
		body, _ := json.Marshal(false)
		_ = wire.WritePayload(conn, s.limits, wire.Payload{Op: wire.OpInvalidSession, Data: body})
		return nil, nil
	}
	replay := make([]wire.Payload, 0, len(sess.replay))
	for _, p := range sess.replay {
		if p.Seq != nil && *p.Seq > resume.Seq {
			replay = append(replay, p)
		}
	}
	oldest := 0
	if len(sess.replay) > 0 && sess.replay[0].Seq != nil {
		oldest = *sess.replay[0].Seq
	}
	if resume.Seq < oldest-1 {
		// Requested history fell off the replay buffer.
		delete(s.sessions, resume.SessionID)
		s.mu.Unlock()
		body, _ := json.Marshal(false)
		_ = wire.WritePayload(conn, s.limits, wire.Payload{Op: wire.OpInvalidSession, Data: body})
		return nil, nil
	}
	sess.conn = conn
	sess.connected = true
	sess.resumes++
	s.byShard[sess.shard.Index] = sess
	s.mu.Unlock()

	for _, p := range replay {
		if err := s.writeSession(sess, p); err != nil {
			return sess, err
		}
	}
	return sess, s.sendDispatch(sess, "RESUMED", struct{}{})
}

type readyBody struct {
	Version          int        `json:"v"`
	SessionID        string     `json:"session_id"`
	ResumeGatewayURL string     `json:"resume_gateway_url"`
	User             model.User `json:"user"`
}

// Inject emits one dispatch event on the shard's session. Events injected
// while the shard is disconnected are buffered for resume replay.
func (s *Server) Inject(shardIndex int, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInject, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	sess, ok := s.byShard[shardIndex]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrUnknownShard, shardIndex)
	}
	sess.seq++
	seq := sess.seq
	payload := wire.Payload{Op: wire.OpDispatch, Data: body, Seq: &seq, Type: eventType}
	sess.replay = append(sess.replay, payload)
	if len(sess.replay) > s.cfg.ReplayBufferSize {
		sess.replay = sess.replay[len(sess.replay)-s.cfg.ReplayBufferSize:]
	}
	connected := sess.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.writeSession(sess, payload)
}

// sendDispatch emits a session-control dispatch (READY, RESUMED) without
// recording it for replay.
func (s *Server) sendDispatch(sess *session, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sess.seq++
	seq := sess.seq
	s.mu.Unlock()
	payload := wire.Payload{Op: wire.OpDispatch, Data: body, Seq: &seq, Type: eventType}
	return s.writeSession(sess, payload)
}

// CloseShard severs the shard's connection with the given close code.
func (s *Server) CloseShard(shardIndex int, code int, reason string) error {
	s.mu.Lock()
	sess, ok := s.byShard[shardIndex]
	if !ok || sess.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrUnknownShard, shardIndex)
	}
	conn := sess.conn
	sess.connected = false
	s.mu.Unlock()

	s.closeWith(conn, code, reason)
	return nil
}

// DropHeartbeatAcks swallows the next n heartbeat acks across all sessions.
func (s *Server) DropHeartbeatAcks(n int) {
	s.mu.Lock()
	s.dropAcks = n
	s.mu.Unlock()
}

// RejectNextIdentify answers the next identify with invalid-session.
func (s *Server) RejectNextIdentify(resumable bool) {
	s.mu.Lock()
	s.rejectNext = true
	s.rejectResum = resumable
	s.mu.Unlock()
}

// IdentifyAttempts counts every identify received, including rejected ones.
func (s *Server) IdentifyAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifies
}

// Sessions snapshots all observed sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:         sess.id,
			Shard:      sess.shard,
			Seq:        sess.seq,
			Connected:  sess.connected,
			Identifies: sess.identifies,
			Resumes:    sess.resumes,
			Presences:  sess.presences,
		})
	}
	return out
}

// WaitConnected blocks until n sessions are connected or ctx expires.
func (s *Server) WaitConnected(ctx context.Context, n int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		connected := 0
		for _, info := range s.Sessions() {
			if info.Connected {
				connected++
			}
		}
		if connected >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gwtest: %d/%d sessions connected: %w", connected, n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Server) swallowAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropAcks > 0 {
		s.dropAcks--
		return true
	}
	return false
}

func (s *Server) writeSession(sess *session, payload wire.Payload) error {
	s.mu.Lock()
	conn := sess.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return wire.WritePayload(conn, s.limits, payload)
}

func (s *Server) writeConn(conn *websocket.Conn, sess *session, payload wire.Payload) error {
	if sess != nil {
		return s.writeSession(sess, payload)
	}
	return wire.WritePayload(conn, s.limits, payload)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
