// Package tracking classifies gateway events and forwards the interesting
// ones (message edits and deletions, member joins and leaves) to the
// per-guild log channels configured through guildcfg.
package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"guildwatch/internal/eventbus"
	"guildwatch/internal/guildcfg"
	"guildwatch/internal/idgen"
	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

// Bus event types published by the router.
const (
	EventNotified = "tracking.notified"
	EventDropped  = "tracking.dropped"
)

// Drop reasons carried by EventDropped.
const (
	ReasonNoGuild     = "no_guild"
	ReasonDisabled    = "disabled"
	ReasonBotAuthor   = "bot_author"
	ReasonUnchanged   = "unchanged"
	ReasonFetchFailed = "fetch_failed"
	ReasonDelivery    = "delivery_failed"
)

const unknownGuildName = "<UNKNOWN>"

// Outcome is the payload of tracking bus events.
type Outcome struct {
	Kind      transport.EventKind `json:"kind"`
	GuildID   string              `json:"guild_id,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	ChannelID string              `json:"channel_id,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// Replier answers a message in place (keyword reactions).
type Replier interface {
	Reply(ctx context.Context, channelID, messageID, text string) error
}

type Deps struct {
	KV      storage.KV
	Config  *guildcfg.Resolver
	Cache   transport.MessageCache
	Fetcher transport.MessageFetcher
	Sender  *Sender
	Replier Replier
	Bus     eventbus.Bus
	Log     logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Options are the hot-reloadable router knobs.
type Options struct {
	FetchTimeout time.Duration
	Reactions    bool
}

// Router is stateless across events apart from the bot's own identity, so
// Dispatch may be called concurrently.
type Router struct {
	deps Deps
	log  logx.Logger

	mu   sync.RWMutex
	opts Options

	self atomic.Pointer[transport.User]
}

func New(deps Deps, opts Options) *Router {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Router{
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "tracking")),
		opts: opts,
	}
}

func (r *Router) Apply(opts Options) {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
}

func (r *Router) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// Self returns the bot user learned from the ready event, or nil.
func (r *Router) Self() *transport.User { return r.self.Load() }

// SetSelf records the bot's identity. Normally learned from the ready event.
func (r *Router) SetSelf(u *transport.User) {
	if u != nil {
		r.self.Store(u)
	}
}

// Dispatch fully processes one event. Only storage failures are returned;
// they abort this event and are logged at error level. Missing data and
// delivery failures degrade and are logged, never returned.
func (r *Router) Dispatch(ctx context.Context, ev transport.Event) error {
	d := &dispatch{
		Router: r,
		ev:     ev,
		log: r.log.With(
			logx.String("trace", idgen.MustNew(idgen.PrefixEvent)),
			logx.String("kind", string(ev.Kind)),
		),
		now: r.deps.Now(),
	}
	var err error
	switch ev.Kind {
	case transport.EventReady:
		d.ready()
	case transport.EventGuildJoined:
		err = d.guildJoined(ctx)
	case transport.EventGuildRemoved:
		err = d.guildRemoved(ctx)
	case transport.EventGuildUpdated:
		err = d.guildUpdated(ctx)
	case transport.EventMessageCreated:
		d.messageCreated(ctx)
	case transport.EventMessageDeleted:
		err = d.messageDeleted(ctx, []string{ev.ID}, []*transport.Message{ev.Before})
	case transport.EventMessageBulkDeleted:
		err = d.messageDeleted(ctx, ev.MessageIDs, ev.Befores)
	case transport.EventMessageUpdated:
		err = d.messageUpdated(ctx)
	case transport.EventMemberJoined:
		err = d.member(ctx, FormatMemberJoined)
	case transport.EventMemberRemoved:
		err = d.member(ctx, FormatMemberRemoved)
	default:
		d.log.Debug("ignoring event")
	}
	if err != nil {
		d.log.Error("event processing aborted", logx.String("guild", ev.GuildID), logx.Err(err))
	}
	return err
}

// dispatch carries per-event state. It is never shared between goroutines.
type dispatch struct {
	*Router
	ev  transport.Event
	log logx.Logger
	now time.Time
}

func (d *dispatch) ready() {
	u := d.ev.Self
	if u == nil {
		return
	}
	d.SetSelf(u)
	d.log.Info("authenticated", logx.String("user", u.Username), logx.String("id", u.ID))
}

func (d *dispatch) stamp() string { return d.now.UTC().Format(time.RFC3339) }

func (d *dispatch) guildJoined(ctx context.Context) error {
	g := d.ev.Guild
	if g == nil {
		return nil
	}
	kv := d.deps.KV
	_, seen, err := kv.Get(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyFirstJoin)
	if err != nil {
		return err
	}
	if !seen {
		if err := kv.Set(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyFirstJoin, d.stamp()); err != nil {
			return err
		}
		d.log.Info("joined new guild", logx.String("guild", g.ID), logx.String("name", g.Name))
	} else {
		d.log.Info("reconnected to guild", logx.String("guild", g.ID), logx.String("name", g.Name))
	}
	if err := kv.Set(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyLastJoin, d.stamp()); err != nil {
		return err
	}
	return d.rememberName(ctx, g)
}

func (d *dispatch) guildUpdated(ctx context.Context) error {
	if d.ev.Guild == nil {
		return nil
	}
	return d.rememberName(ctx, d.ev.Guild)
}

func (d *dispatch) rememberName(ctx context.Context, g *transport.Guild) error {
	if g.Name == "" {
		return nil
	}
	return d.deps.KV.Set(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyName, g.Name)
}

func (d *dispatch) guildRemoved(ctx context.Context) error {
	g := d.ev.Guild
	if g == nil {
		return nil
	}
	name := g.Name
	if name == "" {
		cached, ok, err := d.deps.KV.Get(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyName)
		if err != nil {
			return err
		}
		if ok {
			name = cached
		}
	}
	if name == "" {
		name = unknownGuildName
	}
	if g.Unavailable {
		d.log.Info("guild unavailable", logx.String("guild", g.ID), logx.String("name", name))
		return nil
	}
	d.log.Info("removed from guild", logx.String("guild", g.ID), logx.String("name", name))
	return d.deps.KV.Set(ctx, storage.ScopeGuild, g.ID, guildcfg.KeyKickedFrom, d.stamp())
}

// destination applies the common gate: guild context and feature enabled.
func (d *dispatch) destination(ctx context.Context, f guildcfg.Feature) (string, bool, error) {
	if d.ev.GuildID == "" {
		d.dropped("", ReasonNoGuild)
		return "", false, nil
	}
	ch, ok, err := d.deps.Config.Resolve(ctx, d.ev.GuildID, f)
	if err != nil {
		return "", false, err
	}
	if !ok {
		d.dropped("", ReasonDisabled)
		return "", false, nil
	}
	return ch, true, nil
}

// messageDeleted evaluates each id on its own. befores is index-aligned
// with ids and may be shorter or hold nil entries.
func (d *dispatch) messageDeleted(ctx context.Context, ids []string, befores []*transport.Message) error {
	dest, ok, err := d.destination(ctx, guildcfg.FeatureMessageEdits)
	if err != nil || !ok {
		return err
	}
	lookup := d.lookup()
	for i, id := range ids {
		var payload *transport.Message
		if i < len(befores) && befores[i] != nil && befores[i].ID == id {
			payload = befores[i]
		}
		msg, _ := lookup.Cached(payload, d.ev.ChannelID, id)
		if msg != nil && msg.Author != nil && msg.Author.Bot {
			d.dropped(id, ReasonBotAuthor)
			continue
		}
		info := DeletedMessage{ID: id, GuildID: d.ev.GuildID, ChannelID: d.ev.ChannelID}
		if msg != nil {
			info.Author, info.Content, info.Cached = msg.Author, msg.Content, true
		}
		d.send(ctx, dest, id, FormatMessageDeleted(info, d.now))
	}
	return nil
}

func (d *dispatch) messageUpdated(ctx context.Context) error {
	dest, ok, err := d.destination(ctx, guildcfg.FeatureMessageEdits)
	if err != nil || !ok {
		return err
	}
	id := d.ev.ID
	after, src, err := d.lookup().Resolve(ctx, d.ev.Message, d.ev.ChannelID, id)
	if err != nil {
		d.log.Warn("edited message unavailable; dropping event",
			logx.String("guild", d.ev.GuildID), logx.String("message", id), logx.Err(err))
		d.dropped(id, ReasonFetchFailed)
		return nil
	}
	before := d.ev.Before
	if (after.Author != nil && after.Author.Bot) || (before != nil && before.Author != nil && before.Author.Bot) {
		d.dropped(id, ReasonBotAuthor)
		return nil
	}
	if before != nil && before.Content == after.Content {
		d.log.Debug("edit without content change", logx.String("message", id), logx.String("source", src.String()))
		d.dropped(id, ReasonUnchanged)
		return nil
	}
	info := EditedMessage{
		ID:        id,
		GuildID:   d.ev.GuildID,
		ChannelID: d.ev.ChannelID,
		Author:    after.Author,
		After:     after.Content,
	}
	if before != nil {
		info.Before, info.BeforeCached = before.Content, true
		if info.Author == nil {
			info.Author = before.Author
		}
	}
	d.send(ctx, dest, id, FormatMessageEdited(info, d.now))
	return nil
}

func (d *dispatch) member(ctx context.Context, format func(*transport.Member, time.Time) transport.Embed) error {
	dest, ok, err := d.destination(ctx, guildcfg.FeatureJoinLeaves)
	if err != nil || !ok {
		return err
	}
	var id string
	if m := d.ev.Member; m != nil && m.User != nil {
		id = m.User.ID
	}
	d.send(ctx, dest, id, format(d.ev.Member, d.now))
	return nil
}

func (d *dispatch) lookup() Lookup {
	return Lookup{Cache: d.deps.Cache, Fetcher: d.deps.Fetcher, Timeout: d.options().FetchTimeout}
}

func (d *dispatch) send(ctx context.Context, channelID, subject string, e transport.Embed) {
	if err := d.deps.Sender.Send(ctx, channelID, e); err != nil {
		d.log.Warn("notification not delivered",
			logx.String("guild", d.ev.GuildID), logx.String("channel", channelID), logx.Err(err))
		d.dropped(subject, ReasonDelivery)
		return
	}
	d.log.Debug("notification sent", logx.String("guild", d.ev.GuildID), logx.String("channel", channelID))
	d.publish(EventNotified, Outcome{Kind: d.ev.Kind, GuildID: d.ev.GuildID, MessageID: subject, ChannelID: channelID})
}

func (d *dispatch) dropped(subject, reason string) {
	d.publish(EventDropped, Outcome{Kind: d.ev.Kind, GuildID: d.ev.GuildID, MessageID: subject, Reason: reason})
}

func (d *dispatch) publish(typ string, o Outcome) {
	if d.deps.Bus == nil {
		return
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Time: d.now, Data: o})
}
