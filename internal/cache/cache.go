package cache

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/observability"
	"github.com/danmuck/wisp/internal/protocol/event"
)

// Config bounds cache bookkeeping.
type Config struct {
	// RecentDeleteLimit caps the per-table set of recently deleted keys
	// kept to suppress stale updates.
	RecentDeleteLimit int
	// MessageLimit caps cached messages per channel; oldest age out first.
	MessageLimit int
}

func DefaultConfig() Config {
	return Config{
		RecentDeleteLimit: 1024,
		MessageLimit:      100,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RecentDeleteLimit <= 0 {
		c.RecentDeleteLimit = def.RecentDeleteLimit
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = def.MessageLimit
	}
	return c
}

// Cache mirrors remote entities. Each table has its own lock so readers
// and writers of different kinds never contend.
type Cache struct {
	guildMu      sync.RWMutex
	guilds       map[string]model.Guild
	guildDeleted *deletedSet

	channelMu       sync.RWMutex
	channels        map[string]model.Channel
	channelsByGuild map[string]map[string]struct{}
	channelDeleted  *deletedSet

	memberMu       sync.RWMutex
	members        map[string]model.Member
	membersByGuild map[string]map[string]struct{}
	memberDeleted  *deletedSet

	presenceMu       sync.RWMutex
	presences        map[string]model.Presence
	presencesByGuild map[string]map[string]struct{}

	messageMu         sync.RWMutex
	messageLimit      int
	messages          map[string]model.Message
	messagesByChannel map[string][]string

	userMu sync.RWMutex
	users  map[string]model.User
}

func New(cfg Config) *Cache {
	cfg = cfg.WithDefaults()
	return &Cache{
		guilds:            make(map[string]model.Guild),
		guildDeleted:      newDeletedSet(cfg.RecentDeleteLimit),
		channels:          make(map[string]model.Channel),
		channelsByGuild:   make(map[string]map[string]struct{}),
		channelDeleted:    newDeletedSet(cfg.RecentDeleteLimit),
		members:           make(map[string]model.Member),
		membersByGuild:    make(map[string]map[string]struct{}),
		memberDeleted:     newDeletedSet(cfg.RecentDeleteLimit),
		presences:         make(map[string]model.Presence),
		presencesByGuild:  make(map[string]map[string]struct{}),
		messageLimit:      cfg.MessageLimit,
		messages:          make(map[string]model.Message),
		messagesByChannel: make(map[string][]string),
		users:             make(map[string]model.User),
	}
}

func memberKey(guildID, userID string) string {
	return guildID + "/" + userID
}

func messageKey(channelID, messageID string) string {
	return channelID + "/" + messageID
}

// Apply folds one inbound event into the entity tables and reports what
// changed, with prior values for diffing. Events that carry no cacheable
// state return no changes. Apply never fails: malformed references are
// logged as inconsistencies and recovered by upserting.
func (c *Cache) Apply(ev event.InboundEvent) []Change {
	switch body := ev.Data.(type) {
	case event.Ready:
		return c.applyReady(body)
	case event.GuildCreate:
		return c.applyGuildCreate(body)
	case event.GuildUpdate:
		return c.applyGuildUpdate(body)
	case event.GuildDelete:
		return c.applyGuildDelete(body)
	case event.ChannelCreate:
		return c.applyChannelUpsert(body.Channel, true)
	case event.ChannelUpdate:
		return c.applyChannelUpsert(body.Channel, false)
	case event.ChannelDelete:
		return c.applyChannelDelete(body.Channel.ID)
	case event.MemberAdd:
		return c.applyMemberUpsert(body.Member, true)
	case event.MemberUpdate:
		return c.applyMemberUpsert(body.Member, false)
	case event.MemberRemove:
		return c.applyMemberRemove(body.GuildID, body.User.ID)
	case event.PresenceUpdate:
		return c.applyPresenceUpsert(body.Presence)
	case event.MessageCreate:
		return c.applyMessageCreate(body.Message)
	default:
		return nil
	}
}

func (c *Cache) applyReady(body event.Ready) []Change {
	changes := make([]Change, 0, len(body.Guilds))
	c.guildMu.Lock()
	for _, g := range body.Guilds {
		if g.ID == "" {
			continue
		}
		prior, existed := c.guilds[g.ID]
		c.guildDeleted.clear(g.ID)
		c.guilds[g.ID] = g
		changes = append(changes, guildChange(prior, existed, g))
	}
	count := len(c.guilds)
	c.guildMu.Unlock()
	observability.SetCacheEntities(string(KindGuild), count)
	c.putUser(body.User)
	return changes
}

func (c *Cache) applyGuildCreate(body event.GuildCreate) []Change {
	c.guildMu.Lock()
	prior, existed := c.guilds[body.Guild.ID]
	c.guildDeleted.clear(body.Guild.ID)
	c.guilds[body.Guild.ID] = body.Guild
	count := len(c.guilds)
	c.guildMu.Unlock()
	observability.SetCacheEntities(string(KindGuild), count)

	// Seed the sync arrays; child tables change without per-child diffs.
	for _, ch := range body.Channels {
		if ch.GuildID == "" {
			ch.GuildID = body.Guild.ID
		}
		c.putChannel(ch, true)
	}
	for _, m := range body.Members {
		if m.GuildID == "" {
			m.GuildID = body.Guild.ID
		}
		c.putMember(m)
		c.putUser(m.User)
	}
	for _, p := range body.Presences {
		if p.GuildID == "" {
			p.GuildID = body.Guild.ID
		}
		c.putPresence(p)
	}
	log.Debug().
		Str("guild", body.Guild.ID).
		Int("channels", len(body.Channels)).
		Int("members", len(body.Members)).
		Int("presences", len(body.Presences)).
		Msg("guild synced")

	return []Change{guildChange(prior, existed, body.Guild)}
}

func (c *Cache) applyGuildUpdate(body event.GuildUpdate) []Change {
	c.guildMu.Lock()
	if c.guildDeleted.has(body.Guild.ID) {
		c.guildMu.Unlock()
		log.Debug().Str("guild", body.Guild.ID).Msg("dropping update for deleted guild")
		return nil
	}
	prior, existed := c.guilds[body.Guild.ID]
	c.guilds[body.Guild.ID] = body.Guild
	count := len(c.guilds)
	c.guildMu.Unlock()
	observability.SetCacheEntities(string(KindGuild), count)

	if !existed {
		c.inconsistency(KindGuild, body.Guild.ID, "update for unknown guild; upserted")
	}
	return []Change{{Kind: KindGuild, Op: OpUpdate, Key: body.Guild.ID, Prior: priorOrNil(prior, existed), Value: body.Guild}}
}

func (c *Cache) applyGuildDelete(body event.GuildDelete) []Change {
	if body.Unavailable {
		// Outage, not removal: the guild stays cached but flagged.
		c.guildMu.Lock()
		prior, existed := c.guilds[body.ID]
		next := prior
		if !existed {
			next = model.Guild{ID: body.ID}
		}
		next.Unavailable = true
		c.guilds[body.ID] = next
		c.guildMu.Unlock()
		return []Change{{Kind: KindGuild, Op: OpUpdate, Key: body.ID, Prior: priorOrNil(prior, existed), Value: next}}
	}

	c.guildMu.Lock()
	prior, existed := c.guilds[body.ID]
	delete(c.guilds, body.ID)
	c.guildDeleted.add(body.ID)
	count := len(c.guilds)
	c.guildMu.Unlock()
	observability.SetCacheEntities(string(KindGuild), count)

	if !existed {
		c.inconsistency(KindGuild, body.ID, "delete for unknown guild; ignored")
		return []Change{{Kind: KindGuild, Op: OpDelete, Key: body.ID}}
	}
	c.dropGuildChildren(body.ID)
	return []Change{{Kind: KindGuild, Op: OpDelete, Key: body.ID, Prior: prior}}
}

// dropGuildChildren removes every channel, member, presence, and message
// belonging to the guild. Tables are cleared one at a time; readers between
// table clears can observe a child whose guild is already gone, which the
// arrival-order policy permits.
func (c *Cache) dropGuildChildren(guildID string) {
	c.channelMu.Lock()
	channelIDs := make([]string, 0, len(c.channelsByGuild[guildID]))
	for id := range c.channelsByGuild[guildID] {
		delete(c.channels, id)
		// Channel events may omit guild_id, so the guild-level guard alone
		// cannot suppress their stragglers.
		c.channelDeleted.add(id)
		channelIDs = append(channelIDs, id)
	}
	delete(c.channelsByGuild, guildID)
	channelCount := len(c.channels)
	c.channelMu.Unlock()

	c.messageMu.Lock()
	for _, id := range channelIDs {
		c.dropChannelMessages(id)
	}
	messageCount := len(c.messages)
	c.messageMu.Unlock()

	c.memberMu.Lock()
	for key := range c.membersByGuild[guildID] {
		delete(c.members, key)
	}
	delete(c.membersByGuild, guildID)
	memberCount := len(c.members)
	c.memberMu.Unlock()

	c.presenceMu.Lock()
	for key := range c.presencesByGuild[guildID] {
		delete(c.presences, key)
	}
	delete(c.presencesByGuild, guildID)
	presenceCount := len(c.presences)
	c.presenceMu.Unlock()

	observability.SetCacheEntities(string(KindChannel), channelCount)
	observability.SetCacheEntities(string(KindMember), memberCount)
	observability.SetCacheEntities(string(KindPresence), presenceCount)
	observability.SetCacheEntities(string(KindMessage), messageCount)
}

// dropChannelMessages clears one channel's history. Caller holds messageMu.
func (c *Cache) dropChannelMessages(channelID string) {
	for _, key := range c.messagesByChannel[channelID] {
		delete(c.messages, key)
	}
	delete(c.messagesByChannel, channelID)
}

func (c *Cache) applyChannelUpsert(ch model.Channel, create bool) []Change {
	if dropped := c.guildGone(ch.GuildID); dropped {
		log.Debug().Str("channel", ch.ID).Str("guild", ch.GuildID).Msg("dropping channel event for deleted guild")
		return nil
	}
	prior, existed, ok := c.putChannel(ch, create)
	if !ok {
		return nil
	}
	if !create && !existed {
		c.inconsistency(KindChannel, ch.ID, "update for unknown channel; upserted")
	}
	op := OpUpdate
	if !existed {
		op = OpCreate
	}
	return []Change{{Kind: KindChannel, Op: op, Key: ch.ID, Prior: priorOrNil(prior, existed), Value: ch}}
}

// putChannel upserts one channel. Returns ok=false when the write was
// suppressed by a recent delete.
func (c *Cache) putChannel(ch model.Channel, create bool) (model.Channel, bool, bool) {
	c.channelMu.Lock()
	defer c.channelMu.Unlock()
	if create {
		c.channelDeleted.clear(ch.ID)
	} else if c.channelDeleted.has(ch.ID) {
		return model.Channel{}, false, false
	}
	prior, existed := c.channels[ch.ID]
	c.channels[ch.ID] = ch
	if existed && prior.GuildID != ch.GuildID {
		removeIndex(c.channelsByGuild, prior.GuildID, ch.ID)
	}
	addIndex(c.channelsByGuild, ch.GuildID, ch.ID)
	observability.SetCacheEntities(string(KindChannel), len(c.channels))
	return prior, existed, true
}

func (c *Cache) applyChannelDelete(id string) []Change {
	c.channelMu.Lock()
	prior, existed := c.channels[id]
	delete(c.channels, id)
	c.channelDeleted.add(id)
	if existed {
		removeIndex(c.channelsByGuild, prior.GuildID, id)
	}
	count := len(c.channels)
	c.channelMu.Unlock()
	observability.SetCacheEntities(string(KindChannel), count)

	// History goes with the channel.
	c.messageMu.Lock()
	c.dropChannelMessages(id)
	messageCount := len(c.messages)
	c.messageMu.Unlock()
	observability.SetCacheEntities(string(KindMessage), messageCount)

	if !existed {
		c.inconsistency(KindChannel, id, "delete for unknown channel; ignored")
		return []Change{{Kind: KindChannel, Op: OpDelete, Key: id}}
	}
	return []Change{{Kind: KindChannel, Op: OpDelete, Key: id, Prior: prior}}
}

func (c *Cache) applyMemberUpsert(m model.Member, create bool) []Change {
	if c.guildGone(m.GuildID) {
		log.Debug().Str("guild", m.GuildID).Str("user", m.User.ID).Msg("dropping member event for deleted guild")
		return nil
	}
	prior, existed, ok := c.putMemberGuarded(m, create)
	if !ok {
		return nil
	}
	c.putUser(m.User)
	if !create && !existed {
		c.inconsistency(KindMember, memberKey(m.GuildID, m.User.ID), "update for unknown member; upserted")
	}
	op := OpUpdate
	if !existed {
		op = OpCreate
	}
	return []Change{{Kind: KindMember, Op: op, Key: memberKey(m.GuildID, m.User.ID), Prior: priorOrNil(prior, existed), Value: m}}
}

func (c *Cache) putMemberGuarded(m model.Member, create bool) (model.Member, bool, bool) {
	key := memberKey(m.GuildID, m.User.ID)
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	if create {
		c.memberDeleted.clear(key)
	} else if c.memberDeleted.has(key) {
		return model.Member{}, false, false
	}
	prior, existed := c.members[key]
	c.members[key] = m
	addIndex(c.membersByGuild, m.GuildID, key)
	observability.SetCacheEntities(string(KindMember), len(c.members))
	return prior, existed, true
}

// putMember seeds a member from a sync array, lifting any suppression;
// sync arrays always reflect current membership.
func (c *Cache) putMember(m model.Member) {
	key := memberKey(m.GuildID, m.User.ID)
	c.memberMu.Lock()
	c.memberDeleted.clear(key)
	c.members[key] = m
	addIndex(c.membersByGuild, m.GuildID, key)
	count := len(c.members)
	c.memberMu.Unlock()
	observability.SetCacheEntities(string(KindMember), count)
}

func (c *Cache) applyMemberRemove(guildID, userID string) []Change {
	key := memberKey(guildID, userID)
	c.memberMu.Lock()
	prior, existed := c.members[key]
	delete(c.members, key)
	c.memberDeleted.add(key)
	removeIndex(c.membersByGuild, guildID, key)
	memberCount := len(c.members)
	c.memberMu.Unlock()
	observability.SetCacheEntities(string(KindMember), memberCount)

	// Presence follows membership.
	c.presenceMu.Lock()
	if _, ok := c.presences[key]; ok {
		delete(c.presences, key)
		removeIndex(c.presencesByGuild, guildID, key)
	}
	presenceCount := len(c.presences)
	c.presenceMu.Unlock()
	observability.SetCacheEntities(string(KindPresence), presenceCount)

	if !existed {
		c.inconsistency(KindMember, key, "remove for unknown member; ignored")
		return []Change{{Kind: KindMember, Op: OpDelete, Key: key}}
	}
	return []Change{{Kind: KindMember, Op: OpDelete, Key: key, Prior: prior}}
}

func (c *Cache) applyPresenceUpsert(p model.Presence) []Change {
	if c.guildGone(p.GuildID) {
		return nil
	}
	key := memberKey(p.GuildID, p.User.ID)
	c.memberMu.RLock()
	departed := c.memberDeleted.has(key)
	c.memberMu.RUnlock()
	if departed {
		log.Debug().Str("guild", p.GuildID).Str("user", p.User.ID).Msg("dropping presence for removed member")
		return nil
	}

	prior, existed := c.putPresence(p)
	op := OpUpdate
	if !existed {
		op = OpCreate
	}
	return []Change{{Kind: KindPresence, Op: op, Key: key, Prior: priorOrNil(prior, existed), Value: p}}
}

func (c *Cache) putPresence(p model.Presence) (model.Presence, bool) {
	key := memberKey(p.GuildID, p.User.ID)
	c.presenceMu.Lock()
	prior, existed := c.presences[key]
	c.presences[key] = p
	addIndex(c.presencesByGuild, p.GuildID, key)
	count := len(c.presences)
	c.presenceMu.Unlock()
	observability.SetCacheEntities(string(KindPresence), count)
	return prior, existed
}

func (c *Cache) applyMessageCreate(m model.Message) []Change {
	if c.guildGone(m.GuildID) {
		log.Debug().Str("message", m.ID).Str("guild", m.GuildID).Msg("dropping message for deleted guild")
		return nil
	}
	c.channelMu.RLock()
	channelGone := c.channelDeleted.has(m.ChannelID)
	c.channelMu.RUnlock()
	if channelGone {
		log.Debug().Str("message", m.ID).Str("channel", m.ChannelID).Msg("dropping message for deleted channel")
		return nil
	}

	key := messageKey(m.ChannelID, m.ID)
	c.messageMu.Lock()
	prior, existed := c.messages[key]
	c.messages[key] = m
	if !existed {
		order := append(c.messagesByChannel[m.ChannelID], key)
		for len(order) > c.messageLimit {
			delete(c.messages, order[0])
			order = order[1:]
		}
		c.messagesByChannel[m.ChannelID] = order
	}
	count := len(c.messages)
	c.messageMu.Unlock()
	observability.SetCacheEntities(string(KindMessage), count)
	c.putUser(m.Author)

	op := OpCreate
	if existed {
		op = OpUpdate
	}
	return []Change{{Kind: KindMessage, Op: op, Key: key, Prior: priorOrNil(prior, existed), Value: m}}
}

// putUser upserts the platform-global identity table. Users are never
// evicted; the table tracks everyone seen on any connection.
func (c *Cache) putUser(u model.User) {
	if u.ID == "" {
		return
	}
	c.userMu.Lock()
	c.users[u.ID] = u
	count := len(c.users)
	c.userMu.Unlock()
	observability.SetCacheEntities(string(KindUser), count)
}

func (c *Cache) guildGone(guildID string) bool {
	if guildID == "" {
		return false
	}
	c.guildMu.RLock()
	defer c.guildMu.RUnlock()
	return c.guildDeleted.has(guildID)
}

func (c *Cache) inconsistency(kind Kind, key, reason string) {
	observability.RecordCacheInconsistency(string(kind))
	log.Warn().
		Str("kind", string(kind)).
		Str("key", key).
		Msg(reason)
}

func guildChange(prior model.Guild, existed bool, next model.Guild) Change {
	op := OpCreate
	if existed {
		op = OpUpdate
	}
	return Change{Kind: KindGuild, Op: op, Key: next.ID, Prior: priorOrNil(prior, existed), Value: next}
}

func priorOrNil(prior any, existed bool) any {
	if !existed {
		return nil
	}
	return prior
}

func addIndex(index map[string]map[string]struct{}, guildID, key string) {
	if guildID == "" {
		return
	}
	set, ok := index[guildID]
	if !ok {
		set = make(map[string]struct{})
		index[guildID] = set
	}
	set[key] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, guildID, key string) {
	set, ok := index[guildID]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(index, guildID)
	}
}
