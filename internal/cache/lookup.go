package cache

import (
	"sort"

	"github.com/danmuck/wisp/internal/model"
)

// Guild returns one guild by id.
func (c *Cache) Guild(id string) (model.Guild, bool) {
	c.guildMu.RLock()
	defer c.guildMu.RUnlock()
	g, ok := c.guilds[id]
	return g, ok
}

// Guilds returns every cached guild, ordered by id.
func (c *Cache) Guilds() []model.Guild {
	c.guildMu.RLock()
	out := make([]model.Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	c.guildMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel returns one channel by id.
func (c *Cache) Channel(id string) (model.Channel, bool) {
	c.channelMu.RLock()
	defer c.channelMu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// GuildChannels returns all channels of one guild, ordered by id.
func (c *Cache) GuildChannels(guildID string) []model.Channel {
	c.channelMu.RLock()
	keys := c.channelsByGuild[guildID]
	out := make([]model.Channel, 0, len(keys))
	for id := range keys {
		if ch, ok := c.channels[id]; ok {
			out = append(out, ch)
		}
	}
	c.channelMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Member returns one guild member.
func (c *Cache) Member(guildID, userID string) (model.Member, bool) {
	c.memberMu.RLock()
	defer c.memberMu.RUnlock()
	m, ok := c.members[memberKey(guildID, userID)]
	return m, ok
}

// GuildMembers returns all members of one guild, ordered by user id.
func (c *Cache) GuildMembers(guildID string) []model.Member {
	c.memberMu.RLock()
	keys := c.membersByGuild[guildID]
	out := make([]model.Member, 0, len(keys))
	for key := range keys {
		if m, ok := c.members[key]; ok {
			out = append(out, m)
		}
	}
	c.memberMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// Presence returns one member's presence.
func (c *Cache) Presence(guildID, userID string) (model.Presence, bool) {
	c.presenceMu.RLock()
	defer c.presenceMu.RUnlock()
	p, ok := c.presences[memberKey(guildID, userID)]
	return p, ok
}

// GuildPresences returns all presences of one guild, ordered by user id.
func (c *Cache) GuildPresences(guildID string) []model.Presence {
	c.presenceMu.RLock()
	keys := c.presencesByGuild[guildID]
	out := make([]model.Presence, 0, len(keys))
	for key := range keys {
		if p, ok := c.presences[key]; ok {
			out = append(out, p)
		}
	}
	c.presenceMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// Message returns one cached message.
func (c *Cache) Message(channelID, id string) (model.Message, bool) {
	c.messageMu.RLock()
	defer c.messageMu.RUnlock()
	m, ok := c.messages[messageKey(channelID, id)]
	return m, ok
}

// ChannelMessages returns one channel's cached history in arrival order,
// oldest first.
func (c *Cache) ChannelMessages(channelID string) []model.Message {
	c.messageMu.RLock()
	keys := c.messagesByChannel[channelID]
	out := make([]model.Message, 0, len(keys))
	for _, key := range keys {
		if m, ok := c.messages[key]; ok {
			out = append(out, m)
		}
	}
	c.messageMu.RUnlock()
	return out
}

// User returns one platform-global user by id.
func (c *Cache) User(id string) (model.User, bool) {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// Stats reports table sizes.
type Stats struct {
	Guilds    int `json:"guilds"`
	Channels  int `json:"channels"`
	Members   int `json:"members"`
	Presences int `json:"presences"`
	Messages  int `json:"messages"`
	Users     int `json:"users"`
}

func (c *Cache) Stats() Stats {
	var s Stats
	c.guildMu.RLock()
	s.Guilds = len(c.guilds)
	c.guildMu.RUnlock()
	c.channelMu.RLock()
	s.Channels = len(c.channels)
	c.channelMu.RUnlock()
	c.memberMu.RLock()
	s.Members = len(c.members)
	c.memberMu.RUnlock()
	c.presenceMu.RLock()
	s.Presences = len(c.presences)
	c.presenceMu.RUnlock()
	c.messageMu.RLock()
	s.Messages = len(c.messages)
	c.messageMu.RUnlock()
	c.userMu.RLock()
	s.Users = len(c.users)
	c.userMu.RUnlock()
	return s
}
