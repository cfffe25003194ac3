package tracking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"guildwatch/internal/guildcfg"
	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
)

func userMsg(id, content string) *transport.Message {
	return &transport.Message{
		ID:        id,
		ChannelID: "42",
		GuildID:   testGuild,
		Author:    &transport.User{ID: "7", Username: "ann"},
		Content:   content,
	}
}

func updated(before, after *transport.Message) transport.Event {
	return transport.Event{Kind: transport.EventMessageUpdated, ID: "9", GuildID: testGuild, ChannelID: "42", Before: before, Message: after}
}

func TestMessageUpdatedContentEquality(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   int
	}{
		{name: "identical content is suppressed", before: "hello", after: "hello", want: 0},
		{name: "changed content notifies once", before: "hello", after: "hello!", want: 1},
		{name: "whitespace change counts", before: "a b", after: "a  b", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.enable(t, guildcfg.FeatureMessageEdits)
			h.dispatch(t, updated(userMsg("9", tt.before), userMsg("9", tt.after)))
			if got := len(h.tr.sentCopy()); got != tt.want {
				t.Fatalf("sent %d notifications, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageUpdatedNotificationCarriesBothVersions(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)
	h.dispatch(t, updated(userMsg("9", "old text"), userMsg("9", "new text")))

	sent := h.tr.sentCopy()
	if len(sent) != 1 || sent[0].channel != testLogChan {
		t.Fatalf("sent = %+v", sent)
	}
	e := sent[0].embed
	if fieldValue(t, e, "Before") != "old text" || fieldValue(t, e, "After") != "new text" {
		t.Fatalf("fields = %+v", e.Fields)
	}
	if fieldValue(t, e, "Author") != "<@7>" {
		t.Fatalf("author = %q", fieldValue(t, e, "Author"))
	}
}

func TestNoGuildContextProducesNothing(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)

	dm := updated(userMsg("9", "a"), userMsg("9", "b"))
	dm.GuildID = ""
	h.dispatch(t, dm)
	h.dispatch(t, transport.Event{Kind: transport.EventMessageDeleted, ID: "9", ChannelID: "42", Before: userMsg("9", "a")})
	h.dispatch(t, transport.Event{Kind: transport.EventMessageBulkDeleted, ChannelID: "42", MessageIDs: []string{"1", "2"}})

	if got := len(h.tr.sentCopy()); got != 0 {
		t.Fatalf("sent %d notifications for DM events", got)
	}
	if h.tr.fetches != 0 {
		t.Fatalf("fetched %d times for DM events", h.tr.fetches)
	}
}

func TestDisabledFeatureDropsWithoutFetching(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, updated(nil, nil))
	h.dispatch(t, transport.Event{Kind: transport.EventMessageDeleted, ID: "9", GuildID: testGuild, ChannelID: "42"})
	h.dispatch(t, transport.Event{Kind: transport.EventMemberJoined, GuildID: testGuild, Member: &transport.Member{User: &transport.User{ID: "1"}}})

	if got := len(h.tr.sentCopy()); got != 0 {
		t.Fatalf("sent %d notifications with tracking disabled", got)
	}
	if h.tr.fetches != 0 {
		t.Fatalf("fetched %d times with tracking disabled", h.tr.fetches)
	}
}

func TestMessageUpdatedFetchFailureDropsWithOneWarning(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)
	h.tr.fetchErr = errors.New("connection reset")

	h.dispatch(t, updated(userMsg("9", "before"), nil))

	if got := len(h.tr.sentCopy()); got != 0 {
		t.Fatalf("sent %d notifications, want 0", got)
	}
	if got := h.warnings(); got != 1 {
		t.Fatalf("warnings = %d, want 1\n%s", got, h.logs)
	}
	if h.tr.fetches != 1 {
		t.Fatalf("fetches = %d, want exactly 1", h.tr.fetches)
	}
}

func TestMessageUpdatedMissingAfterUsesCacheThenFetch(t *testing.T) {
	t.Run("cache", func(t *testing.T) {
		h := newHarness(t)
		h.enable(t, guildcfg.FeatureMessageEdits)
		h.tr.cache["42/9"] = userMsg("9", "cached after")

		h.dispatch(t, updated(userMsg("9", "before"), nil))
		sent := h.tr.sentCopy()
		if len(sent) != 1 || fieldValue(t, sent[0].embed, "After") != "cached after" {
			t.Fatalf("sent = %+v", sent)
		}
		if h.tr.fetches != 0 {
			t.Fatalf("fetched despite cache hit")
		}
	})
	t.Run("fetch", func(t *testing.T) {
		h := newHarness(t)
		h.enable(t, guildcfg.FeatureMessageEdits)
		h.tr.remote["42/9"] = userMsg("9", "fetched after")

		h.dispatch(t, updated(nil, nil))
		sent := h.tr.sentCopy()
		if len(sent) != 1 {
			t.Fatalf("sent %d notifications, want 1", len(sent))
		}
		if got := fieldValue(t, sent[0].embed, "Before"); got != contentUnavailable {
			t.Fatalf("before = %q", got)
		}
		if got := fieldValue(t, sent[0].embed, "After"); got != "fetched after" {
			t.Fatalf("after = %q", got)
		}
	})
}

func TestBotAuthorsAreExcluded(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)
	bot := userMsg("9", "beep")
	bot.Author.Bot = true
	botAfter := userMsg("9", "boop")
	botAfter.Author.Bot = true

	h.dispatch(t, updated(bot, botAfter))
	h.dispatch(t, transport.Event{Kind: transport.EventMessageDeleted, ID: "9", GuildID: testGuild, ChannelID: "42", Before: bot})

	if got := len(h.tr.sentCopy()); got != 0 {
		t.Fatalf("sent %d notifications for bot messages", got)
	}
}

func TestMessageDeleted(t *testing.T) {
	t.Run("payload snapshot", func(t *testing.T) {
		h := newHarness(t)
		h.enable(t, guildcfg.FeatureMessageEdits)
		h.dispatch(t, transport.Event{Kind: transport.EventMessageDeleted, ID: "9", GuildID: testGuild, ChannelID: "42", Before: userMsg("9", "gone")})
		sent := h.tr.sentCopy()
		if len(sent) != 1 || fieldValue(t, sent[0].embed, "Content") != "gone" {
			t.Fatalf("sent = %+v", sent)
		}
	})
	t.Run("cache miss uses placeholder without fetching", func(t *testing.T) {
		h := newHarness(t)
		h.enable(t, guildcfg.FeatureMessageEdits)
		h.tr.remote["42/9"] = userMsg("9", "should not be fetched")
		h.dispatch(t, transport.Event{Kind: transport.EventMessageDeleted, ID: "9", GuildID: testGuild, ChannelID: "42"})
		sent := h.tr.sentCopy()
		if len(sent) != 1 {
			t.Fatalf("sent %d notifications, want 1", len(sent))
		}
		if got := fieldValue(t, sent[0].embed, "Content"); got != contentUnavailable {
			t.Fatalf("content = %q", got)
		}
		if got := fieldValue(t, sent[0].embed, "Message ID"); got != "9" {
			t.Fatalf("message id = %q", got)
		}
		if h.tr.fetches != 0 {
			t.Fatalf("deleted message was fetched")
		}
	})
}

func TestBulkDeleteEvaluatesEachMessage(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)
	h.tr.cache["42/1"] = userMsg("1", "first")
	bot := userMsg("2", "bot says")
	bot.Author.Bot = true
	h.tr.cache["42/2"] = bot

	h.dispatch(t, transport.Event{Kind: transport.EventMessageBulkDeleted, GuildID: testGuild, ChannelID: "42", MessageIDs: []string{"1", "2", "3"}})

	sent := h.tr.sentCopy()
	if len(sent) != 2 {
		t.Fatalf("sent %d notifications, want 2 (bot message excluded)", len(sent))
	}
	if got := fieldValue(t, sent[0].embed, "Content"); got != "first" {
		t.Fatalf("first content = %q", got)
	}
	if got := fieldValue(t, sent[1].embed, "Content"); got != contentUnavailable {
		t.Fatalf("uncached content = %q", got)
	}
}

func TestBulkDeleteUsesEventSnapshots(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureMessageEdits)
	bot := userMsg("2", "purged by bot")
	bot.Author.Bot = true

	// The cache has already evicted every id; only the event carries them.
	h.dispatch(t, transport.Event{
		Kind: transport.EventMessageBulkDeleted, GuildID: testGuild, ChannelID: "42",
		MessageIDs: []string{"1", "2", "3"},
		Befores:    []*transport.Message{userMsg("1", "first"), bot, nil},
	})

	sent := h.tr.sentCopy()
	if len(sent) != 2 {
		t.Fatalf("sent %d notifications, want 2 (bot message excluded)", len(sent))
	}
	if got := fieldValue(t, sent[0].embed, "Content"); got != "first" {
		t.Fatalf("first content = %q", got)
	}
	if got := fieldValue(t, sent[1].embed, "Content"); got != contentUnavailable {
		t.Fatalf("unsnapshotted content = %q", got)
	}
	if h.tr.fetches != 0 {
		t.Fatalf("fetches = %d, deletions never fetch", h.tr.fetches)
	}
}

func TestMemberJoinLeaveEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := testNow.Add(-time.Duration(3*yearSeconds+12*daySeconds+5*hourSeconds) * time.Second)
	member := &transport.Member{GuildID: testGuild, User: &transport.User{ID: "4242", Username: "uma", CreatedAt: created}}
	joined := transport.Event{Kind: transport.EventMemberJoined, GuildID: testGuild, Member: member}

	h.enable(t, guildcfg.FeatureJoinLeaves)
	h.dispatch(t, joined)

	sent := h.tr.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	if sent[0].channel != testLogChan {
		t.Fatalf("sent to %q, want %q", sent[0].channel, testLogChan)
	}
	e := sent[0].embed
	if got := fieldValue(t, e, "User"); got != "<@4242>" {
		t.Fatalf("mention = %q", got)
	}
	if got := fieldValue(t, e, "ID"); got != "4242" {
		t.Fatalf("id = %q", got)
	}
	if got, want := fieldValue(t, e, "Account age"), "3 years, 12 days, 5 hours, 0 minutes, 0 seconds"; got != want {
		t.Fatalf("account age = %q, want %q", got, want)
	}

	if _, err := h.resolver.Disable(ctx, testGuild, guildcfg.FeatureJoinLeaves); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	h.dispatch(t, joined)
	h.dispatch(t, transport.Event{Kind: transport.EventMemberRemoved, GuildID: testGuild, Member: member})
	if got := len(h.tr.sentCopy()); got != 1 {
		t.Fatalf("sent %d notifications after disable, want still 1", got)
	}
}

func TestEnableWithoutPermissionWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tr.channels["501"] = testGuild

	err := h.resolver.Enable(ctx, testGuild, guildcfg.FeatureJoinLeaves, "501")
	if !errors.Is(err, guildcfg.ErrNoSendPermission) {
		t.Fatalf("Enable err = %v, want ErrNoSendPermission", err)
	}
	if _, ok, err := h.store.Get(ctx, storage.ScopeGuild, testGuild, string(guildcfg.FeatureJoinLeaves)); err != nil || ok {
		t.Fatalf("Get = ok=%v err=%v; want no row", ok, err)
	}
}

func TestGuildJoinedBookkeeping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := transport.Event{Kind: transport.EventGuildJoined, GuildID: testGuild, Guild: &transport.Guild{ID: testGuild, Name: "Cheese Club"}}

	h.dispatch(t, ev)
	first, ok, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyFirstJoin)
	if !ok || first != testNow.Format(time.RFC3339) {
		t.Fatalf("first_join = %q ok=%v", first, ok)
	}
	if h.logs.count("joined new guild") != 1 {
		t.Fatalf("missing new join log:\n%s", h.logs)
	}

	later := testNow.Add(time.Hour)
	h.router.deps.Now = func() time.Time { return later }
	h.dispatch(t, ev)

	first2, _, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyFirstJoin)
	if first2 != first {
		t.Fatalf("first_join changed on reconnect: %q -> %q", first, first2)
	}
	last, _, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyLastJoin)
	if last != later.Format(time.RFC3339) {
		t.Fatalf("last_join = %q", last)
	}
	name, _, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyName)
	if name != "Cheese Club" {
		t.Fatalf("name = %q", name)
	}
	if h.logs.count("reconnected to guild") != 1 {
		t.Fatalf("missing reconnect log:\n%s", h.logs)
	}
	// The unchanged name must not be rewritten.
	if s := h.store.Stats(); s.Suppressed == 0 {
		t.Fatalf("stats = %+v; expected the repeated name write to be suppressed", s)
	}
}

func TestGuildRemoved(t *testing.T) {
	ctx := context.Background()
	t.Run("kicked falls back to cached name", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(t, transport.Event{Kind: transport.EventGuildUpdated, GuildID: testGuild, Guild: &transport.Guild{ID: testGuild, Name: "Renamed"}})
		h.dispatch(t, transport.Event{Kind: transport.EventGuildRemoved, GuildID: testGuild, Guild: &transport.Guild{ID: testGuild}})

		if !strings.Contains(h.logs.String(), `"name":"Renamed"`) {
			t.Fatalf("removal log lacks cached name:\n%s", h.logs)
		}
		if _, ok, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyKickedFrom); !ok {
			t.Fatal("kicked_from not recorded")
		}
	})
	t.Run("unknown name placeholder", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(t, transport.Event{Kind: transport.EventGuildRemoved, GuildID: testGuild, Guild: &transport.Guild{ID: testGuild}})
		if !strings.Contains(h.logs.String(), `"name":"<UNKNOWN>"`) {
			t.Fatalf("removal log lacks placeholder:\n%s", h.logs)
		}
	})
	t.Run("outage is not a kick", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(t, transport.Event{Kind: transport.EventGuildRemoved, GuildID: testGuild, Guild: &transport.Guild{ID: testGuild, Name: "Down", Unavailable: true}})
		if _, ok, _ := h.store.Get(ctx, storage.ScopeGuild, testGuild, guildcfg.KeyKickedFrom); ok {
			t.Fatal("kicked_from recorded for an outage")
		}
		if h.logs.count("guild unavailable") != 1 {
			t.Fatalf("missing outage log:\n%s", h.logs)
		}
	})
}

// brokenKV fails every call like a locked or corrupt database would.
type brokenKV struct{}

func (brokenKV) Set(_ context.Context, scope storage.Scope, id, key, _ string) error {
	return &storage.Error{Op: "set", Scope: scope, ID: id, Key: key, Err: errors.New("database is locked")}
}

func (brokenKV) Get(_ context.Context, scope storage.Scope, id, key string) (string, bool, error) {
	return "", false, &storage.Error{Op: "get", Scope: scope, ID: id, Key: key, Err: errors.New("database is locked")}
}

func (brokenKV) Delete(_ context.Context, scope storage.Scope, id, key string) (bool, error) {
	return false, &storage.Error{Op: "delete", Scope: scope, ID: id, Key: key, Err: errors.New("database is locked")}
}

func (brokenKV) GetAll(_ context.Context, scope storage.Scope, id string) ([]storage.Entry, error) {
	return nil, &storage.Error{Op: "get_all", Scope: scope, ID: id, Err: errors.New("database is locked")}
}

func TestStorageErrorAbortsOnlyThatEvent(t *testing.T) {
	h := newHarnessWithKV(t, brokenKV{}, nil)
	err := h.router.Dispatch(context.Background(), transport.Event{
		Kind: transport.EventMemberJoined, GuildID: testGuild,
		Member: &transport.Member{User: &transport.User{ID: "1"}},
	})
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("Dispatch err = %v, want *storage.Error", err)
	}
	if got := len(h.tr.sentCopy()); got != 0 {
		t.Fatalf("sent %d notifications", got)
	}
	if h.logs.count(`"level":"error"`) != 1 {
		t.Fatalf("expected one error log:\n%s", h.logs)
	}
	// Events that need no storage still work.
	h.dispatch(t, transport.Event{Kind: transport.EventMessageCreated, Message: userMsg("3", "cheese please")})
	if len(h.tr.replies) != 1 {
		t.Fatalf("replies = %v", h.tr.replies)
	}
}

func TestDeliveryFailureIsLoggedNotReturned(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureJoinLeaves)
	h.tr.sendErr = errors.New("403 Missing Permissions")

	h.dispatch(t, transport.Event{Kind: transport.EventMemberJoined, GuildID: testGuild, Member: &transport.Member{User: &transport.User{ID: "1"}}})
	if got := h.warnings(); got != 1 {
		t.Fatalf("warnings = %d, want 1\n%s", got, h.logs)
	}
	if !strings.Contains(h.logs.String(), "Missing Permissions") {
		t.Fatalf("delivery error not logged:\n%s", h.logs)
	}
}

func TestKeywordReaction(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, transport.Event{Kind: transport.EventReady, Self: &transport.User{ID: "999", Username: "guildwatch", Bot: true}})

	h.dispatch(t, transport.Event{Kind: transport.EventMessageCreated, Message: userMsg("1", "I love CHEESE")})
	self := userMsg("2", "cheese")
	self.Author = &transport.User{ID: "999", Bot: true}
	h.dispatch(t, transport.Event{Kind: transport.EventMessageCreated, Message: self})
	h.dispatch(t, transport.Event{Kind: transport.EventMessageCreated, Message: userMsg("3", "crackers")})

	if len(h.tr.replies) != 1 || h.tr.replies[0] != reactionReply {
		t.Fatalf("replies = %v", h.tr.replies)
	}

	h.router.Apply(Options{Reactions: false})
	h.dispatch(t, transport.Event{Kind: transport.EventMessageCreated, Message: userMsg("4", "cheese")})
	if len(h.tr.replies) != 1 {
		t.Fatalf("reaction fired while disabled: %v", h.tr.replies)
	}
}

func TestOutcomesArePublished(t *testing.T) {
	h := newHarness(t)
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	h.enable(t, guildcfg.FeatureMessageEdits)
	h.dispatch(t, updated(userMsg("9", "same"), userMsg("9", "same")))
	h.dispatch(t, updated(userMsg("9", "a"), userMsg("9", "b")))

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			o := ev.Data.(Outcome)
			got = append(got, ev.Type+":"+o.Reason)
		case <-time.After(time.Second):
			t.Fatalf("timed out; got %v", got)
		}
	}
	want := []string{EventDropped + ":" + ReasonUnchanged, EventNotified + ":"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}

func TestConcurrentDispatches(t *testing.T) {
	h := newHarness(t)
	h.enable(t, guildcfg.FeatureJoinLeaves)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.router.Dispatch(context.Background(), transport.Event{
				Kind: transport.EventMemberJoined, GuildID: testGuild,
				Member: &transport.Member{User: &transport.User{ID: "1"}},
			})
		}()
	}
	wg.Wait()
	if got := len(h.tr.sentCopy()); got != 20 {
		t.Fatalf("sent %d notifications, want 20", got)
	}
}
