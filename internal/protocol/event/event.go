// Package event defines the decoded dispatch-event union.
//
// Ownership boundary:
// - dispatch type-name vocabulary
// - typed payload decode with required-field validation
//
// Unknown event types pass through as Raw; only undecodable payloads of
// known types are rejected.
package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/wire"
)

// Dispatch type names from the gateway contract.
const (
	TypeReady          = "READY"
	TypeResumed        = "RESUMED"
	TypeGuildCreate    = "GUILD_CREATE"
	TypeGuildUpdate    = "GUILD_UPDATE"
	TypeGuildDelete    = "GUILD_DELETE"
	TypeChannelCreate  = "CHANNEL_CREATE"
	TypeChannelUpdate  = "CHANNEL_UPDATE"
	TypeChannelDelete  = "CHANNEL_DELETE"
	TypeMemberAdd      = "GUILD_MEMBER_ADD"
	TypeMemberUpdate   = "GUILD_MEMBER_UPDATE"
	TypeMemberRemove   = "GUILD_MEMBER_REMOVE"
	TypePresenceUpdate = "PRESENCE_UPDATE"
	TypeMessageCreate  = "MESSAGE_CREATE"
)

// DecodeError reports a malformed payload for a known dispatch type.
type DecodeError struct {
	Type   string
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("event: type=%s: %s", e.Type, e.Reason)
}

// InboundEvent is one decoded dispatch event tagged with its origin shard.
// Immutable once produced.
type InboundEvent struct {
	Shard wire.ShardID
	Seq   int
	Type  string
	Data  any
}

// Ready confirms a new session.
type Ready struct {
	Version          int           `json:"v"`
	SessionID        string        `json:"session_id"`
	ResumeGatewayURL string        `json:"resume_gateway_url"`
	User             model.User    `json:"user"`
	Guilds           []model.Guild `json:"guilds"`
}

// Resumed confirms a continued session after replay.
type Resumed struct{}

// GuildCreate carries the guild plus its initial sync arrays.
type GuildCreate struct {
	model.Guild
	Channels  []model.Channel  `json:"channels"`
	Members   []model.Member   `json:"members"`
	Presences []model.Presence `json:"presences"`
}

type GuildUpdate struct {
	model.Guild
}

// GuildDelete removes a guild, or marks it unavailable during an outage.
type GuildDelete struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

type ChannelCreate struct {
	model.Channel
}

type ChannelUpdate struct {
	model.Channel
}

type ChannelDelete struct {
	model.Channel
}

type MemberAdd struct {
	model.Member
}

type MemberUpdate struct {
	model.Member
}

type MemberRemove struct {
	GuildID string     `json:"guild_id"`
	User    model.User `json:"user"`
}

type PresenceUpdate struct {
	model.Presence
}

type MessageCreate struct {
	model.Message
}

// Raw carries an event type the core does not model.
type Raw struct {
	Type string
	Data json.RawMessage
}

// Parse decodes a dispatch payload body for type t. Unknown types pass
// through as Raw; malformed known types return a DecodeError.
func Parse(t string, data json.RawMessage) (any, error) {
	var (
		v   any
		err error
	)
	switch t {
	case TypeReady:
		var body Ready
		err = json.Unmarshal(data, &body)
		if err == nil && strings.TrimSpace(body.SessionID) == "" {
			return nil, DecodeError{Type: t, Reason: "missing session_id"}
		}
		v = body
	case TypeResumed:
		v = Resumed{}
	case TypeGuildCreate:
		var body GuildCreate
		err = json.Unmarshal(data, &body)
		if err == nil && body.Guild.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeGuildUpdate:
		var body GuildUpdate
		err = json.Unmarshal(data, &body)
		if err == nil && body.Guild.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeGuildDelete:
		var body GuildDelete
		err = json.Unmarshal(data, &body)
		if err == nil && body.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeChannelCreate:
		var body ChannelCreate
		err = json.Unmarshal(data, &body)
		if err == nil && body.Channel.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeChannelUpdate:
		var body ChannelUpdate
		err = json.Unmarshal(data, &body)
		if err == nil && body.Channel.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeChannelDelete:
		var body ChannelDelete
		err = json.Unmarshal(data, &body)
		if err == nil && body.Channel.ID == "" {
			return nil, DecodeError{Type: t, Reason: "missing id"}
		}
		v = body
	case TypeMemberAdd:
		var body MemberAdd
		err = json.Unmarshal(data, &body)
		if err == nil && (body.Member.GuildID == "" || body.Member.User.ID == "") {
			return nil, DecodeError{Type: t, Reason: "missing guild_id or user id"}
		}
		v = body
	case TypeMemberUpdate:
		var body MemberUpdate
		err = json.Unmarshal(data, &body)
		if err == nil && (body.Member.GuildID == "" || body.Member.User.ID == "") {
			return nil, DecodeError{Type: t, Reason: "missing guild_id or user id"}
		}
		v = body
	case TypeMemberRemove:
		var body MemberRemove
		err = json.Unmarshal(data, &body)
		if err == nil && (body.GuildID == "" || body.User.ID == "") {
			return nil, DecodeError{Type: t, Reason: "missing guild_id or user id"}
		}
		v = body
	case TypePresenceUpdate:
		var body PresenceUpdate
		err = json.Unmarshal(data, &body)
		if err == nil && (body.Presence.GuildID == "" || body.Presence.User.ID == "") {
			return nil, DecodeError{Type: t, Reason: "missing guild_id or user id"}
		}
		v = body
	case TypeMessageCreate:
		var body MessageCreate
		err = json.Unmarshal(data, &body)
		if err == nil && (body.Message.ID == "" || body.Message.ChannelID == "") {
			return nil, DecodeError{Type: t, Reason: "missing id or channel_id"}
		}
		v = body
	default:
		return Raw{Type: t, Data: data}, nil
	}
	if err != nil {
		return nil, DecodeError{Type: t, Reason: err.Error()}
	}
	return v, nil
}
