// Package model defines the entity shapes mirrored from the remote platform.
//
// Ownership boundary:
// - entity field definitions and JSON mapping
// - identifier-based relations between entities
//
// Model holds no state and performs no I/O. Relations are id fields
// resolved through cache lookups, never embedded live references.
package model

// Guild is one top-level community the bot is a member of.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	MemberCount int    `json:"member_count"`
	Unavailable bool   `json:"unavailable"`
}

// Channel is one text or voice channel, keyed independently of its guild.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Topic    string `json:"topic"`
	ParentID string `json:"parent_id"`
}

// User is the platform-global identity of an account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Member is a user's per-guild membership, keyed by (guild id, user id).
type Member struct {
	GuildID  string   `json:"guild_id"`
	User     User     `json:"user"`
	Nick     string   `json:"nick"`
	Roles    []string `json:"roles"`
	JoinedAt string   `json:"joined_at"`
}

// Activity is one presence activity entry.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Presence is a user's per-guild online status, keyed by (guild id, user id).
type Presence struct {
	GuildID    string     `json:"guild_id"`
	User       User       `json:"user"`
	Status     string     `json:"status"`
	Activities []Activity `json:"activities"`
}

// Message is one chat message, keyed by (channel id, message id).
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    User   `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}
