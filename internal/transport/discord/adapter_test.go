package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

const (
	testGuild   = "1"
	testChannel = "10"
)

// newTestAdapter returns an adapter with a guild and channel in state and
// an attached consumer channel. No gateway connection is made.
func newTestAdapter(t *testing.T) (*Adapter, chan transport.Event) {
	t.Helper()
	a, err := New(Config{Token: "test-token", MessageCacheSize: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.s.State.GuildAdd(&discordgo.Guild{ID: testGuild, Name: "g"}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	if err := a.s.State.ChannelAdd(&discordgo.Channel{ID: testChannel, GuildID: testGuild}); err != nil {
		t.Fatalf("ChannelAdd: %v", err)
	}
	out := make(chan transport.Event, 16)
	a.runMu.Lock()
	a.running = true
	a.stopCh = make(chan struct{})
	a.runMu.Unlock()
	a.out.Store((chan<- transport.Event)(out))
	return a, out
}

// applyState runs discordgo's state update for ev, which the library does
// before invoking any handler.
func applyState(t *testing.T, a *Adapter, ev any) {
	t.Helper()
	if err := a.s.State.OnInterface(a.s, ev); err != nil {
		t.Logf("state update for %T: %v", ev, err)
	}
}

func next(t *testing.T, out chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	default:
		t.Fatal("no event emitted")
		return transport.Event{}
	}
}

func created(id, content string, bot bool) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: id, ChannelID: testChannel, GuildID: testGuild, Content: content,
		Author: &discordgo.User{ID: "5", Username: "ann", Bot: bot},
	}}
}

func TestBulkDeleteCarriesSnapshotsAfterStateEviction(t *testing.T) {
	a, out := newTestAdapter(t)

	for _, mc := range []*discordgo.MessageCreate{created("m1", "bot says", true), created("m2", "hello", false)} {
		applyState(t, a, mc)
		a.onMessageCreate(a.s, mc)
		next(t, out)
	}
	if _, err := a.s.State.Message(testChannel, "m1"); err != nil {
		t.Fatalf("m1 not in state before delete: %v", err)
	}

	bulk := &discordgo.MessageDeleteBulk{Messages: []string{"m1", "m2", "m3"}, ChannelID: testChannel, GuildID: testGuild}
	applyState(t, a, bulk)
	if _, err := a.s.State.Message(testChannel, "m1"); err == nil {
		t.Fatal("state still holds m1; the eviction this covers did not happen")
	}
	a.onMessageDeleteBulk(a.s, bulk)

	ev := next(t, out)
	if ev.Kind != transport.EventMessageBulkDeleted || len(ev.Befores) != 3 {
		t.Fatalf("event = %+v", ev)
	}
	if b := ev.Befores[0]; b == nil || b.Author == nil || !b.Author.Bot {
		t.Fatalf("befores[0] = %+v, want bot-authored snapshot", b)
	}
	if b := ev.Befores[1]; b == nil || b.Content != "hello" {
		t.Fatalf("befores[1] = %+v", b)
	}
	if ev.Befores[2] != nil {
		t.Fatalf("befores[2] = %+v, want nil for an unseen message", ev.Befores[2])
	}
	if _, ok := a.CachedMessage(testChannel, "m2"); ok {
		t.Fatal("deleted message still cached")
	}
}

func TestCachedMessageFallsBackToMirror(t *testing.T) {
	a, out := newTestAdapter(t)
	mc := created("m1", "hi", false)
	a.onMessageCreate(a.s, mc) // never applied to state
	next(t, out)

	got, ok := a.CachedMessage(testChannel, "m1")
	if !ok || got.Content != "hi" {
		t.Fatalf("CachedMessage = %+v, %v", got, ok)
	}
}

func TestMessageUpdateUsesMirrorForMissingBefore(t *testing.T) {
	a, out := newTestAdapter(t)
	a.onMessageCreate(a.s, created("m1", "old", false))
	next(t, out)

	up := &discordgo.MessageUpdate{Message: &discordgo.Message{
		ID: "m1", ChannelID: testChannel, GuildID: testGuild, Content: "new",
		Author: &discordgo.User{ID: "5"},
	}}
	a.onMessageUpdate(a.s, up)

	ev := next(t, out)
	if ev.Before == nil || ev.Before.Content != "old" || ev.Message == nil || ev.Message.Content != "new" {
		t.Fatalf("event = %+v", ev)
	}
	if got, _ := a.mirror.message(testChannel, "m1"); got == nil || got.Content != "new" {
		t.Fatalf("mirror after update = %+v", got)
	}
}

func TestMemberRemoveRecoversJoinTime(t *testing.T) {
	a, out := newTestAdapter(t)
	joined := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	add := &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild, User: &discordgo.User{ID: "8"}, JoinedAt: joined,
	}}
	applyState(t, a, add)
	a.onMemberAdd(a.s, add)
	next(t, out)

	rm := &discordgo.GuildMemberRemove{Member: &discordgo.Member{GuildID: testGuild, User: &discordgo.User{ID: "8"}}}
	applyState(t, a, rm)
	a.onMemberRemove(a.s, rm)

	ev := next(t, out)
	if ev.Member == nil || !ev.Member.JoinedAt.Equal(joined) {
		t.Fatalf("removed member = %+v, want JoinedAt %v", ev.Member, joined)
	}

	// A member the bot never saw join stays without a join time.
	rm2 := &discordgo.GuildMemberRemove{Member: &discordgo.Member{GuildID: testGuild, User: &discordgo.User{ID: "9"}}}
	a.onMemberRemove(a.s, rm2)
	if ev := next(t, out); !ev.Member.JoinedAt.IsZero() {
		t.Fatalf("unknown member JoinedAt = %v", ev.Member.JoinedAt)
	}
}

func TestStopClosesIntake(t *testing.T) {
	a, out := newTestAdapter(t)
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	a.onMessageCreate(a.s, created("m1", "late", false))
	select {
	case ev := <-out:
		t.Fatalf("event after Stop: %+v", ev)
	default:
	}
	if got := a.unhandled.Load(); got != 1 {
		t.Fatalf("unhandled = %d, want 1", got)
	}
}
