package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Opcode discriminates gateway payload kinds.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpPresenceUpdate Opcode = 3
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

var (
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrInvalidPayload  = errors.New("wire: invalid payload")
)

// Payload is one gateway message envelope. Seq and Type are set only on
// dispatch payloads.
type Payload struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int            `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Limits constrains payload I/O memory use and blocking time.
type Limits struct {
	MaxPayloadBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 4 * 1024 * 1024,
		ReadTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// NewPayload marshals body into a payload envelope for op.
func NewPayload(op Opcode, body any) (Payload, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Payload{}, fmt.Errorf("wire: encode %s body: %w", op, err)
	}
	return Payload{Op: op, Data: data}, nil
}

// HeartbeatPayload builds an outbound heartbeat carrying the last seen
// sequence, or null when no dispatch has been seen yet.
func HeartbeatPayload(seq *int) Payload {
	data, _ := json.Marshal(seq)
	return Payload{Op: OpHeartbeat, Data: data}
}

// ReadPayload reads and decodes the next payload from conn, bounded by
// limits. Close frames surface as *websocket.CloseError from the read.
func ReadPayload(conn *websocket.Conn, limits Limits) (Payload, error) {
	if limits.MaxPayloadBytes > 0 {
		conn.SetReadLimit(limits.MaxPayloadBytes)
	}
	if limits.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(limits.ReadTimeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// WritePayload encodes and writes one payload to conn, bounded by limits.
func WritePayload(conn *websocket.Conn, limits Limits, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("wire: encode payload: %w", err)
	}
	if limits.MaxPayloadBytes > 0 && int64(len(data)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if limits.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(limits.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
