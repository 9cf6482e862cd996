// Package gateway owns the per-shard connection lifecycle.
//
// Ownership boundary:
// - dial, hello, identify/resume handshake
// - heartbeat cadence and zombie detection
// - decode and ordered delivery of dispatch events to the sink
//
// Reconnect policy belongs to the cluster: Run covers exactly one
// connection lifetime and returns the classified failure.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/observability"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/protocol/wire"
)

var (
	ErrConnection   = errors.New("gateway: connection failure")
	ErrNotConnected = errors.New("gateway: shard not connected")
)

// HandshakeError is a fatal gateway rejection. It is never retried.
type HandshakeError struct {
	Code   wire.CloseCode
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway: handshake rejected: code=%d %s", int(e.Code), e.Reason)
}

// Shard owns one gateway connection and its session state. Session fields
// are mutated only by the shard's own run loop; status is exposed read-only.
type Shard struct {
	id  wire.ShardID
	cfg Config

	status atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	seq       int
	seqSeen   bool
	resumable bool

	writeMu    sync.Mutex
	missedAcks atomic.Int32
	handshakes atomic.Int64

	rng *rand.Rand
}

func NewShard(id wire.ShardID, cfg Config) (*Shard, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Shard{
		id:  id,
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano() + int64(id.Index))),
	}, nil
}

func (s *Shard) ID() wire.ShardID {
	return s.id
}

func (s *Shard) Status() Status {
	return Status(s.status.Load())
}

// Seq returns the last dispatch sequence seen on this session.
func (s *Shard) Seq() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.seqSeen
}

// Handshakes counts completed handshakes over the shard's lifetime. A
// caller comparing the count across a Run call learns whether that
// connection ever reached the connected state.
func (s *Shard) Handshakes() int64 {
	return s.handshakes.Load()
}

// markConnected promotes the shard to connected, counting the transition
// once per connection.
func (s *Shard) markConnected() {
	old := s.status.Swap(int32(StatusConnected))
	if Status(old) != StatusConnected {
		s.handshakes.Add(1)
	}
}

// Run covers one connection lifetime: dial, handshake, heartbeat, stream.
// It returns nil on ctx cancellation, a *HandshakeError on fatal rejection,
// and an ErrConnection-wrapped error on transient failure. The caller
// decides whether the next attempt resumes or identifies; Run picks
// automatically from the session state it keeps.
func (s *Shard) Run(ctx context.Context, sink chan<- event.InboundEvent) error {
	conn, hello, err := s.connect(ctx)
	if err != nil {
		s.status.Store(int32(StatusDisconnected))
		return err
	}
	defer func() {
		_ = conn.Close()
		s.setConn(nil)
		s.status.Store(int32(StatusDisconnected))
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the reader on shutdown with a best-effort close frame.
	go func() {
		<-runCtx.Done()
		s.sendCloseFrame(conn)
		_ = conn.Close()
	}()

	interval := time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	hbErr := make(chan error, 1)
	go func() {
		if err := s.heartbeatLoop(runCtx, conn, interval); err != nil {
			hbErr <- err
			_ = conn.Close()
		}
	}()

	readErr := s.readLoop(runCtx, conn, sink)
	cancel()

	select {
	case err := <-hbErr:
		return err
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// connect dials the gateway, consumes hello, and sends identify or resume.
// The ready/resumed acknowledgment is handled by the read loop so resume
// replay events flow to the sink in order.
func (s *Shard) connect(ctx context.Context) (*websocket.Conn, wire.Hello, error) {
	s.status.Store(int32(StatusConnecting))
	s.missedAcks.Store(0)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, wire.Hello{}, fmt.Errorf("%w: dial %s: %v", ErrConnection, s.cfg.URL, err)
	}

	handshakeLimits := s.cfg.Limits
	handshakeLimits.ReadTimeout = s.cfg.HandshakeTimeout

	helloPayload, err := wire.ReadPayload(conn, handshakeLimits)
	if err != nil {
		_ = conn.Close()
		return nil, wire.Hello{}, s.classifyReadError(err)
	}
	hello, err := wire.ParseHello(helloPayload)
	if err != nil {
		_ = conn.Close()
		return nil, wire.Hello{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s.setConn(conn)
	mode := "identify"
	var payload wire.Payload
	if s.canResume() {
		mode = "resume"
		s.status.Store(int32(StatusResuming))
		sessionID, seq := s.session()
		payload, err = wire.NewPayload(wire.OpResume, wire.Resume{
			Token:     s.cfg.Token,
			SessionID: sessionID,
			Seq:       seq,
		})
	} else {
		s.status.Store(int32(StatusIdentifying))
		payload, err = wire.NewPayload(wire.OpIdentify, wire.Identify{
			Token:      s.cfg.Token,
			Intents:    s.cfg.Intents,
			Properties: s.cfg.Properties,
			Shard:      s.id.Array(),
		})
	}
	if err == nil {
		err = s.write(conn, payload)
	}
	if err != nil {
		_ = conn.Close()
		s.setConn(nil)
		return nil, wire.Hello{}, fmt.Errorf("%w: %s write: %v", ErrConnection, mode, err)
	}

	observability.RecordHandshake(s.id.String(), mode)
	log.Debug().
		Str("shard", s.id.String()).
		Str("mode", mode).
		Int("heartbeat_ms", hello.HeartbeatIntervalMS).
		Msg("handshake sent")
	return conn, hello, nil
}

func (s *Shard) readLoop(ctx context.Context, conn *websocket.Conn, sink chan<- event.InboundEvent) error {
	for {
		payload, err := wire.ReadPayload(conn, s.cfg.Limits)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.classifyReadError(err)
		}

		switch payload.Op {
		case wire.OpDispatch:
			s.handleDispatch(ctx, payload, sink)
		case wire.OpHeartbeat:
			seqPtr := s.seqPtr()
			if err := s.write(conn, wire.HeartbeatPayload(seqPtr)); err != nil {
				return fmt.Errorf("%w: requested heartbeat write: %v", ErrConnection, err)
			}
		case wire.OpHeartbeatAck:
			s.missedAcks.Store(0)
		case wire.OpReconnect:
			s.setResumable(true)
			return fmt.Errorf("%w: server requested reconnect", ErrConnection)
		case wire.OpInvalidSession:
			resumable, perr := wire.ParseInvalidSession(payload)
			if perr != nil {
				log.Warn().Str("shard", s.id.String()).Err(perr).Msg("malformed invalid_session")
			}
			if !resumable {
				s.clearSession()
			}
			s.setResumable(resumable)
			return fmt.Errorf("%w: session invalidated (resumable=%v)", ErrConnection, resumable)
		default:
			log.Debug().
				Str("shard", s.id.String()).
				Str("op", payload.Op.String()).
				Msg("ignoring payload")
		}
	}
}

func (s *Shard) handleDispatch(ctx context.Context, payload wire.Payload, sink chan<- event.InboundEvent) {
	seq := 0
	if payload.Seq != nil {
		seq = *payload.Seq
		s.setSeq(seq)
		observability.SetLastSeq(s.id.String(), seq)
	}

	data, err := event.Parse(payload.Type, payload.Data)
	if err != nil {
		log.Warn().
			Str("shard", s.id.String()).
			Str("type", payload.Type).
			Err(err).
			Msg("dropping malformed dispatch")
		return
	}

	switch body := data.(type) {
	case event.Ready:
		s.setSession(body.SessionID)
		s.markConnected()
		log.Info().
			Str("shard", s.id.String()).
			Str("session", body.SessionID).
			Int("guilds", len(body.Guilds)).
			Msg("session ready")
	case event.Resumed:
		s.markConnected()
		log.Info().Str("shard", s.id.String()).Msg("session resumed")
	default:
		// Replayed dispatches arrive before the resumed ack; the stream is
		// live as soon as one does.
		if s.Status() == StatusResuming {
			s.markConnected()
		}
	}

	observability.RecordGatewayEvent(s.id.String(), payload.Type)

	ev := event.InboundEvent{
		Shard: s.id,
		Seq:   seq,
		Type:  payload.Type,
		Data:  data,
	}
	select {
	case sink <- ev:
	case <-ctx.Done():
	}
}

func (s *Shard) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: invalid heartbeat interval %v", ErrConnection, interval)
	}
	// First beat lands at a random fraction of the interval so a cluster of
	// shards spreads its heartbeat traffic.
	timer := time.NewTimer(time.Duration(s.rng.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if int(s.missedAcks.Load()) >= s.cfg.HeartbeatTolerance {
			return fmt.Errorf("%w: %d heartbeat acks missed", ErrConnection, s.cfg.HeartbeatTolerance)
		}
		if err := s.write(conn, wire.HeartbeatPayload(s.seqPtr())); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: heartbeat write: %v", ErrConnection, err)
		}
		s.missedAcks.Add(1)
		timer.Reset(interval)
	}
}

// UpdatePresence sends an outbound status change on the live connection.
func (s *Shard) UpdatePresence(ctx context.Context, presence wire.PresenceUpdate) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := wire.NewPayload(wire.OpPresenceUpdate, presence)
	if err != nil {
		return err
	}
	return s.write(conn, payload)
}

func (s *Shard) classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code := wire.CloseCode(closeErr.Code)
		if code.Fatal() {
			s.clearSession()
			return &HandshakeError{Code: code, Reason: closeErr.Text}
		}
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			s.setResumable(false)
		default:
			s.setResumable(code.Resumable())
		}
		if !code.Resumable() {
			s.clearSession()
		}
		return fmt.Errorf("%w: close %d: %s", ErrConnection, closeErr.Code, closeErr.Text)
	}
	// Network severed without a close frame; resume is worth attempting.
	s.setResumable(true)
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func (s *Shard) write(conn *websocket.Conn, payload wire.Payload) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WritePayload(conn, s.cfg.Limits, payload)
}

// sendCloseFrame is best-effort; WriteControl is safe alongside other writes.
func (s *Shard) sendCloseFrame(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(s.cfg.Limits.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (s *Shard) canResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.seqSeen && s.resumable
}

func (s *Shard) session() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.seq
}

func (s *Shard) setSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.resumable = true
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.seq = 0
	s.seqSeen = false
	s.resumable = false
}

func (s *Shard) setSeq(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq
	s.seqSeen = true
}

func (s *Shard) seqPtr() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seqSeen {
		return nil
	}
	seq := s.seq
	return &seq
}

func (s *Shard) setResumable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumable = v
}

func (s *Shard) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *Shard) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
