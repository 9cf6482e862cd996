package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/wisp/internal/model"
	"github.com/danmuck/wisp/internal/protocol/event"
	"github.com/danmuck/wisp/internal/protocol/wire"
	"github.com/danmuck/wisp/internal/testutil/testlog"
)

func inbound(eventType string, data any) event.InboundEvent {
	return event.InboundEvent{Shard: wire.ShardID{Index: 0, Total: 1}, Type: eventType, Data: data}
}

func TestGuildLifecycleLastWriteWins(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	changes := c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild: model.Guild{ID: "g1", Name: "a"},
	}))
	if len(changes) != 1 || changes[0].Op != OpCreate || changes[0].Prior != nil {
		t.Fatalf("unexpected create changes: %+v", changes)
	}
	if g, ok := c.Guild("g1"); !ok || g.Name != "a" {
		t.Fatalf("after create: %+v ok=%v", g, ok)
	}

	changes = c.Apply(inbound(event.TypeGuildUpdate, event.GuildUpdate{
		Guild: model.Guild{ID: "g1", Name: "b"},
	}))
	if len(changes) != 1 || changes[0].Op != OpUpdate {
		t.Fatalf("unexpected update changes: %+v", changes)
	}
	if prior, ok := changes[0].Prior.(model.Guild); !ok || prior.Name != "a" {
		t.Fatalf("update should carry prior value, got %+v", changes[0].Prior)
	}
	if g, _ := c.Guild("g1"); g.Name != "b" {
		t.Fatalf("after update: %+v", g)
	}

	changes = c.Apply(inbound(event.TypeGuildDelete, event.GuildDelete{ID: "g1"}))
	if len(changes) != 1 || changes[0].Op != OpDelete {
		t.Fatalf("unexpected delete changes: %+v", changes)
	}
	if prior, ok := changes[0].Prior.(model.Guild); !ok || prior.Name != "b" {
		t.Fatalf("delete should carry prior value, got %+v", changes[0].Prior)
	}
	if _, ok := c.Guild("g1"); ok {
		t.Fatalf("guild survived delete")
	}

	// A late duplicate of the update must not resurrect the guild.
	changes = c.Apply(inbound(event.TypeGuildUpdate, event.GuildUpdate{
		Guild: model.Guild{ID: "g1", Name: "b"},
	}))
	if changes != nil {
		t.Fatalf("stale update produced changes: %+v", changes)
	}
	if _, ok := c.Guild("g1"); ok {
		t.Fatalf("stale update resurrected deleted guild")
	}
}

func TestApplyIdempotentOnDuplicateDelivery(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	ev := inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild: model.Guild{ID: "g1", Name: "alpha", MemberCount: 3},
	})
	c.Apply(ev)
	first, _ := c.Guild("g1")
	c.Apply(ev)
	second, _ := c.Guild("g1")
	if first != second {
		t.Fatalf("duplicate apply changed state: %+v vs %+v", first, second)
	}
	if got := c.Stats().Guilds; got != 1 {
		t.Fatalf("guild count=%d", got)
	}
}

func TestCreateAfterDeleteRecreates(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{Guild: model.Guild{ID: "g1", Name: "a"}}))
	c.Apply(inbound(event.TypeGuildDelete, event.GuildDelete{ID: "g1"}))
	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{Guild: model.Guild{ID: "g1", Name: "again"}}))

	if g, ok := c.Guild("g1"); !ok || g.Name != "again" {
		t.Fatalf("recreate failed: %+v ok=%v", g, ok)
	}

	// Suppression lifted: updates flow again.
	c.Apply(inbound(event.TypeGuildUpdate, event.GuildUpdate{Guild: model.Guild{ID: "g1", Name: "fresh"}}))
	if g, _ := c.Guild("g1"); g.Name != "fresh" {
		t.Fatalf("update after recreate: %+v", g)
	}
}

func TestGuildCreateSeedsSyncArrays(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild: model.Guild{ID: "g1", Name: "alpha"},
		Channels: []model.Channel{
			{ID: "c1", Name: "general"},
			{ID: "c2", Name: "random", GuildID: "g1"},
		},
		Members: []model.Member{
			{User: model.User{ID: "u1", Username: "dan"}},
		},
		Presences: []model.Presence{
			{User: model.User{ID: "u1"}, Status: "online"},
		},
	}))

	channels := c.GuildChannels("g1")
	if len(channels) != 2 || channels[0].ID != "c1" || channels[0].GuildID != "g1" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
	if m, ok := c.Member("g1", "u1"); !ok || m.User.Username != "dan" {
		t.Fatalf("member not seeded: %+v ok=%v", m, ok)
	}
	if p, ok := c.Presence("g1", "u1"); !ok || p.Status != "online" {
		t.Fatalf("presence not seeded: %+v ok=%v", p, ok)
	}
	if u, ok := c.User("u1"); !ok || u.Username != "dan" {
		t.Fatalf("user not seeded: %+v ok=%v", u, ok)
	}
}

func TestGuildDeleteCascades(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild:     model.Guild{ID: "g1"},
		Channels:  []model.Channel{{ID: "c1"}, {ID: "c2"}},
		Members:   []model.Member{{User: model.User{ID: "u1"}}},
		Presences: []model.Presence{{User: model.User{ID: "u1"}, Status: "online"}},
	}))
	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild:    model.Guild{ID: "g2"},
		Channels: []model.Channel{{ID: "c9"}},
	}))

	c.Apply(inbound(event.TypeGuildDelete, event.GuildDelete{ID: "g1"}))

	if _, ok := c.Channel("c1"); ok {
		t.Fatalf("channel c1 survived guild delete")
	}
	if _, ok := c.Member("g1", "u1"); ok {
		t.Fatalf("member survived guild delete")
	}
	if _, ok := c.Presence("g1", "u1"); ok {
		t.Fatalf("presence survived guild delete")
	}
	if _, ok := c.Channel("c9"); !ok {
		t.Fatalf("unrelated guild channel dropped")
	}

	// Child events for the deleted guild are suppressed.
	if changes := c.Apply(inbound(event.TypeChannelUpdate, event.ChannelUpdate{
		Channel: model.Channel{ID: "c1", GuildID: "g1"},
	})); changes != nil {
		t.Fatalf("channel update for deleted guild applied: %+v", changes)
	}
	if changes := c.Apply(inbound(event.TypeMemberAdd, event.MemberAdd{
		Member: model.Member{GuildID: "g1", User: model.User{ID: "u2"}},
	})); changes != nil {
		t.Fatalf("member add for deleted guild applied: %+v", changes)
	}
}

func TestUnavailableGuildDeleteKeepsEntity(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{Guild: model.Guild{ID: "g1", Name: "alpha"}}))
	changes := c.Apply(inbound(event.TypeGuildDelete, event.GuildDelete{ID: "g1", Unavailable: true}))
	if len(changes) != 1 || changes[0].Op != OpUpdate {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	g, ok := c.Guild("g1")
	if !ok || !g.Unavailable || g.Name != "alpha" {
		t.Fatalf("outage should keep guild flagged: %+v ok=%v", g, ok)
	}

	// Recovery event clears the flag via a plain create.
	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{Guild: model.Guild{ID: "g1", Name: "alpha"}}))
	if g, _ := c.Guild("g1"); g.Unavailable {
		t.Fatalf("guild still flagged after recovery")
	}
}

func TestUpdateForUnknownEntityUpserts(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	changes := c.Apply(inbound(event.TypeGuildUpdate, event.GuildUpdate{
		Guild: model.Guild{ID: "g1", Name: "seen-late"},
	}))
	if len(changes) != 1 || changes[0].Op != OpUpdate || changes[0].Prior != nil {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if g, ok := c.Guild("g1"); !ok || g.Name != "seen-late" {
		t.Fatalf("upsert missing: %+v ok=%v", g, ok)
	}

	changes = c.Apply(inbound(event.TypeChannelUpdate, event.ChannelUpdate{
		Channel: model.Channel{ID: "c1", GuildID: "g1", Name: "late"},
	}))
	if len(changes) != 1 || changes[0].Op != OpCreate {
		t.Fatalf("unexpected channel changes: %+v", changes)
	}
}

func TestMemberRemoveDropsPresence(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{Guild: model.Guild{ID: "g1"}}))
	c.Apply(inbound(event.TypeMemberAdd, event.MemberAdd{
		Member: model.Member{GuildID: "g1", User: model.User{ID: "u1"}},
	}))
	c.Apply(inbound(event.TypePresenceUpdate, event.PresenceUpdate{
		Presence: model.Presence{GuildID: "g1", User: model.User{ID: "u1"}, Status: "online"},
	}))

	c.Apply(inbound(event.TypeMemberRemove, event.MemberRemove{GuildID: "g1", User: model.User{ID: "u1"}}))
	if _, ok := c.Presence("g1", "u1"); ok {
		t.Fatalf("presence survived member remove")
	}

	// Late presence for a departed member is dropped.
	if changes := c.Apply(inbound(event.TypePresenceUpdate, event.PresenceUpdate{
		Presence: model.Presence{GuildID: "g1", User: model.User{ID: "u1"}, Status: "idle"},
	})); changes != nil {
		t.Fatalf("stale presence applied: %+v", changes)
	}
}

func TestReadySeedsUnavailableGuilds(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	changes := c.Apply(inbound(event.TypeReady, event.Ready{
		SessionID: "sess.1",
		Guilds: []model.Guild{
			{ID: "g1", Unavailable: true},
			{ID: "g2", Unavailable: true},
		},
	}))
	if len(changes) != 2 {
		t.Fatalf("expected two guild changes, got %+v", changes)
	}
	if got := c.Stats().Guilds; got != 2 {
		t.Fatalf("guild count=%d", got)
	}
}

func TestMessageCreateCachesAndSeedsAuthor(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	msg := model.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Author:    model.User{ID: "u1", Username: "dan"},
		Content:   "hello",
	}
	changes := c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{Message: msg}))
	if len(changes) != 1 || changes[0].Kind != KindMessage || changes[0].Op != OpCreate {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if got, ok := c.Message("c1", "m1"); !ok || got.Content != "hello" {
		t.Fatalf("message not cached: %+v ok=%v", got, ok)
	}
	if u, ok := c.User("u1"); !ok || u.Username != "dan" {
		t.Fatalf("author not cached: %+v ok=%v", u, ok)
	}

	// Duplicate delivery keeps one entry.
	c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{Message: msg}))
	if got := c.Stats().Messages; got != 1 {
		t.Fatalf("message count=%d", got)
	}
	if history := c.ChannelMessages("c1"); len(history) != 1 {
		t.Fatalf("history length=%d", len(history))
	}
}

func TestMessageHistoryBounded(t *testing.T) {
	testlog.Start(t)
	c := New(Config{MessageLimit: 3})

	for i := 1; i <= 5; i++ {
		c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{
			Message: model.Message{
				ID:        fmt.Sprintf("m%d", i),
				ChannelID: "c1",
				Author:    model.User{ID: "u1"},
				Content:   fmt.Sprintf("msg %d", i),
			},
		}))
	}

	history := c.ChannelMessages("c1")
	if len(history) != 3 {
		t.Fatalf("history length=%d", len(history))
	}
	if history[0].ID != "m3" || history[2].ID != "m5" {
		t.Fatalf("unexpected eviction order: %+v", history)
	}
	if _, ok := c.Message("c1", "m1"); ok {
		t.Fatalf("oldest message survived eviction")
	}
	if got := c.Stats().Messages; got != 3 {
		t.Fatalf("message count=%d", got)
	}
}

func TestChannelDeleteDropsMessages(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild:    model.Guild{ID: "g1"},
		Channels: []model.Channel{{ID: "c1"}},
	}))
	c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{
		Message: model.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", Author: model.User{ID: "u1"}},
	}))

	c.Apply(inbound(event.TypeChannelDelete, event.ChannelDelete{
		Channel: model.Channel{ID: "c1", GuildID: "g1"},
	}))
	if _, ok := c.Message("c1", "m1"); ok {
		t.Fatalf("message survived channel delete")
	}

	// Stragglers for the dropped channel are suppressed.
	if changes := c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{
		Message: model.Message{ID: "m2", ChannelID: "c1", GuildID: "g1", Author: model.User{ID: "u1"}},
	})); changes != nil {
		t.Fatalf("message for deleted channel applied: %+v", changes)
	}
}

func TestGuildDeleteCascadesMessages(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	c.Apply(inbound(event.TypeGuildCreate, event.GuildCreate{
		Guild:    model.Guild{ID: "g1"},
		Channels: []model.Channel{{ID: "c1"}},
	}))
	c.Apply(inbound(event.TypeMessageCreate, event.MessageCreate{
		Message: model.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", Author: model.User{ID: "u1"}},
	}))

	c.Apply(inbound(event.TypeGuildDelete, event.GuildDelete{ID: "g1"}))
	if _, ok := c.Message("c1", "m1"); ok {
		t.Fatalf("message survived guild delete")
	}
	// The author's global identity survives.
	if _, ok := c.User("u1"); !ok {
		t.Fatalf("user dropped by guild delete")
	}
}

func TestConcurrentApplyKeepsPerEntityOrder(t *testing.T) {
	testlog.Start(t)
	c := New(DefaultConfig())

	const writers = 8
	const updates = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("g%d", w)
			for i := 1; i <= updates; i++ {
				c.Apply(inbound(event.TypeGuildUpdate, event.GuildUpdate{
					Guild: model.Guild{ID: id, Name: fmt.Sprintf("v%d", i), MemberCount: i},
				}))
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		id := fmt.Sprintf("g%d", w)
		g, ok := c.Guild(id)
		if !ok || g.MemberCount != updates {
			t.Fatalf("guild %s final state: %+v ok=%v", id, g, ok)
		}
	}
	if got := c.Stats().Guilds; got != writers {
		t.Fatalf("guild count=%d", got)
	}
}
