package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidHello    = errors.New("wire: invalid hello")
	ErrInvalidIdentify = errors.New("wire: invalid identify")
	ErrInvalidResume   = errors.New("wire: invalid resume")
	ErrUnexpectedOp    = errors.New("wire: unexpected opcode")
)

// Hello is the server's first payload, dictating the heartbeat cadence.
type Hello struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval"`
}

func (h Hello) Validate() error {
	if h.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("%w: missing heartbeat_interval", ErrInvalidHello)
	}
	return nil
}

// IdentifyProperties describes the connecting client to the gateway.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the new-session handshake payload. Shard is [index, total].
type Identify struct {
	Token      string             `json:"token"`
	Intents    Intent             `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
	Shard      [2]int             `json:"shard"`
}

func (i Identify) Validate() error {
	if strings.TrimSpace(i.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidIdentify)
	}
	if i.Shard[1] <= 0 {
		return fmt.Errorf("%w: shard total must be positive", ErrInvalidIdentify)
	}
	if i.Shard[0] < 0 || i.Shard[0] >= i.Shard[1] {
		return fmt.Errorf("%w: shard index %d out of range", ErrInvalidIdentify, i.Shard[0])
	}
	return nil
}

// Resume is the session-continuation handshake payload.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
}

func (r Resume) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidResume)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidResume)
	}
	if r.Seq < 0 {
		return fmt.Errorf("%w: negative seq", ErrInvalidResume)
	}
	return nil
}

// PresenceActivity is one activity entry in an outbound presence update.
type PresenceActivity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// PresenceUpdate is the outbound status-change body.
type PresenceUpdate struct {
	Since      *int64             `json:"since"`
	Activities []PresenceActivity `json:"activities"`
	Status     string             `json:"status"`
	AFK        bool               `json:"afk"`
}

// ParseHello decodes and validates a hello payload.
func ParseHello(p Payload) (Hello, error) {
	if p.Op != OpHello {
		return Hello{}, fmt.Errorf("%w: got %s, want hello", ErrUnexpectedOp, p.Op)
	}
	var h Hello
	if err := json.Unmarshal(p.Data, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// ParseInvalidSession decodes the resumable flag carried by an
// invalid-session payload. The body is a bare JSON boolean.
func ParseInvalidSession(p Payload) (bool, error) {
	if p.Op != OpInvalidSession {
		return false, fmt.Errorf("%w: got %s, want invalid_session", ErrUnexpectedOp, p.Op)
	}
	var resumable bool
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &resumable); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return resumable, nil
}
