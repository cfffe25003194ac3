// Package discord implements transport.Adapter on top of a discordgo
// gateway session and its state cache.
package discord

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "guildwatch/internal/runtime/supervisor"
	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

type Config struct {
	Token string
	// MessageCacheSize bounds the per-channel state cache and the adapter's
	// own message mirror used for before-snapshots of edits and deletions.
	// 0 means 5000.
	MessageCacheSize int
	// RequestTimeout bounds REST calls that have no deadline of their own.
	RequestTimeout time.Duration
}

const intents = discordgo.IntentsAllWithoutPrivileged |
	discordgo.IntentsMessageContent |
	discordgo.IntentsGuildMembers

type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	out     atomic.Value // stores (chan<- transport.Event)
	emitMu  sync.RWMutex
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}

	// sup owns the gateway goroutines. It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	removers []func()
	// unhandled counts events delivered after Stop; reported on shutdown.
	unhandled atomic.Uint64

	cmdMu   sync.Mutex
	cmdHash map[string]uint64

	mirror *mirror
	now    func() time.Time
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MessageCacheSize <= 0 {
		cfg.MessageCacheSize = 5000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s.Identify.Intents = intents
	s.State.MaxMessageCount = cfg.MessageCacheSize
	s.StateEnabled = true
	// Serial handlers keep the platform's event order on the output channel.
	s.SyncEvents = true
	s.ShouldReconnectOnError = true
	s.Client = &http.Client{Timeout: cfg.RequestTimeout}
	s.LogLevel = discordgo.LogWarning
	routeLibraryLogs(log)

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		s:       s,
		cmdHash: map[string]uint64{},
		mirror:  newMirror(cfg.MessageCacheSize),
		now:     time.Now,
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// routeLibraryLogs sends discordgo's internal logging through logx.
func routeLibraryLogs(log logx.Logger) {
	lib := log.With(logx.String("lib", "discordgo"))
	discordgo.Logger = func(msgL, _ int, format string, a ...any) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			lib.Error(msg)
		case discordgo.LogWarning:
			lib.Warn(msg)
		case discordgo.LogInformational:
			lib.Info(msg)
		default:
			lib.Debug(msg)
		}
	}
}

func (a *Adapter) registerHandlers() {
	add := func(h any) { a.removers = append(a.removers, a.s.AddHandler(h)) }
	add(a.onReady)
	add(a.onGuildCreate)
	add(a.onGuildUpdate)
	add(a.onGuildDelete)
	add(a.onMessageCreate)
	add(a.onMessageUpdate)
	add(a.onMessageDelete)
	add(a.onMessageDeleteBulk)
	add(a.onMemberAdd)
	add(a.onMemberUpdate)
	add(a.onMembersChunk)
	add(a.onMemberRemove)
	add(a.onInteraction)
}

// Handlers run after discordgo has applied the event to its state.

func (a *Adapter) onReady(_ *discordgo.Session, e *discordgo.Ready) {
	a.emit(transport.Event{Kind: transport.EventReady, At: a.now(), Self: convertUser(e.User)})
}

func (a *Adapter) onGuildCreate(_ *discordgo.Session, e *discordgo.GuildCreate) {
	if e.Guild == nil {
		return
	}
	for _, m := range e.Members {
		a.mirror.putMember(e.ID, m)
	}
	a.emit(transport.Event{Kind: transport.EventGuildJoined, GuildID: e.ID, At: a.now(), Guild: convertGuild(e.Guild)})
}

func (a *Adapter) onGuildUpdate(_ *discordgo.Session, e *discordgo.GuildUpdate) {
	if e.Guild == nil {
		return
	}
	a.emit(transport.Event{Kind: transport.EventGuildUpdated, GuildID: e.ID, At: a.now(), Guild: convertGuild(e.Guild)})
}

func (a *Adapter) onGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e.Guild == nil {
		return
	}
	g := convertGuild(e.Guild)
	if g.Name == "" && e.BeforeDelete != nil {
		g.Name = e.BeforeDelete.Name
	}
	a.emit(transport.Event{Kind: transport.EventGuildRemoved, GuildID: e.ID, At: a.now(), Guild: g})
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, e *discordgo.MessageCreate) {
	if e.Message == nil {
		return
	}
	msg := convertMessage(e.Message)
	a.mirror.putMessage(msg)
	a.emit(transport.Event{
		Kind: transport.EventMessageCreated, ID: e.ID, GuildID: e.GuildID, ChannelID: e.ChannelID,
		At: a.now(), Message: msg,
	})
}

func (a *Adapter) onMessageUpdate(_ *discordgo.Session, e *discordgo.MessageUpdate) {
	if e.Message == nil {
		return
	}
	before := convertMessage(e.BeforeUpdate)
	if before == nil {
		before, _ = a.mirror.message(e.ChannelID, e.ID)
	}
	after := convertUpdated(e.Message)
	// State merges partial updates into the cached message.
	if merged, err := a.s.State.Message(e.ChannelID, e.ID); err == nil && merged != nil {
		a.mirror.putMessage(convertMessage(merged))
	} else {
		a.mirror.putMessage(after)
	}
	a.emit(transport.Event{
		Kind: transport.EventMessageUpdated, ID: e.ID, GuildID: e.GuildID, ChannelID: e.ChannelID,
		At: a.now(), Before: before, Message: after,
	})
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, e *discordgo.MessageDelete) {
	if e.Message == nil {
		return
	}
	before := convertMessage(e.BeforeDelete)
	if kept := a.mirror.takeMessage(e.ChannelID, e.ID); before == nil {
		before = kept
	}
	a.emit(transport.Event{
		Kind: transport.EventMessageDeleted, ID: e.ID, GuildID: e.GuildID, ChannelID: e.ChannelID,
		At: a.now(), Before: before,
	})
}

// onMessageDeleteBulk attaches the mirrored snapshots: discordgo drops the
// ids from state without recording what they were.
func (a *Adapter) onMessageDeleteBulk(_ *discordgo.Session, e *discordgo.MessageDeleteBulk) {
	ids := append([]string(nil), e.Messages...)
	befores := make([]*transport.Message, len(ids))
	for i, id := range ids {
		befores[i] = a.mirror.takeMessage(e.ChannelID, id)
	}
	a.emit(transport.Event{
		Kind: transport.EventMessageBulkDeleted, GuildID: e.GuildID, ChannelID: e.ChannelID,
		At: a.now(), MessageIDs: ids, Befores: befores,
	})
}

func (a *Adapter) onMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	if e.Member == nil {
		return
	}
	a.mirror.putMember(e.GuildID, e.Member)
	a.emit(transport.Event{Kind: transport.EventMemberJoined, GuildID: e.GuildID, At: a.now(), Member: convertMember(e.Member, e.GuildID)})
}

func (a *Adapter) onMemberUpdate(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
	if e.Member != nil {
		a.mirror.putMember(e.GuildID, e.Member)
	}
}

func (a *Adapter) onMembersChunk(_ *discordgo.Session, e *discordgo.GuildMembersChunk) {
	for _, m := range e.Members {
		a.mirror.putMember(e.GuildID, m)
	}
}

// onMemberRemove fills the join time from the mirror; the gateway payload
// never carries it and state has already dropped the member.
func (a *Adapter) onMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e.Member == nil {
		return
	}
	m := convertMember(e.Member, e.GuildID)
	if m.User != nil {
		if at, ok := a.mirror.takeJoined(m.GuildID, m.User.ID); ok && m.JoinedAt.IsZero() {
			m.JoinedAt = at
		}
	}
	a.emit(transport.Event{Kind: transport.EventMemberRemoved, GuildID: e.GuildID, At: a.now(), Member: m})
}

func (a *Adapter) onInteraction(_ *discordgo.Session, e *discordgo.InteractionCreate) {
	in := convertInteraction(e.Interaction)
	if in == nil {
		a.log.Debug("ignoring non-command interaction")
		return
	}
	a.emit(transport.Event{Kind: transport.EventCommand, ID: in.ID, GuildID: in.GuildID, ChannelID: in.ChannelID, At: a.now(), Command: in})
}

// emit blocks until the consumer takes the event or the adapter stops.
func (a *Adapter) emit(ev transport.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	out, _ := a.out.Load().(chan<- transport.Event)
	a.runMu.Lock()
	stop := a.stopCh
	a.runMu.Unlock()
	if out == nil || stop == nil {
		a.unhandled.Add(1)
		return
	}
	select {
	case out <- ev:
	case <-stop:
		a.unhandled.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// discordgo reconnects by itself once the first Open succeeds; only the
	// initial handshake needs a retry loop.
	sup.GoRestart("gateway.open", func(c context.Context) error {
		if err := a.s.Open(); err != nil {
			a.log.Warn("gateway open failed", logx.Err(err))
			return err
		}
		a.log.Info("gateway connected", logx.Int("message_cache", a.cfg.MessageCacheSize))
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	// Wait out emits that loaded the old channel. Once this returns no
	// event can reach the consumer.
	a.emitMu.Lock()
	a.emitMu.Unlock()

	if !wasRunning {
		a.log.Debug("discord stop called but not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("events_unhandled", a.unhandled.Load()))

	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				a.log.Warn("discord stop timed out", logx.Err(err))
			} else {
				a.log.Debug("discord stopped with supervisor error", logx.Err(err))
			}
		}
	}
	if err := a.s.Close(); err != nil {
		a.log.Debug("gateway close", logx.Err(err))
	}
	a.log.Info("gateway closed")
	return nil
}

func (a *Adapter) SendEmbed(ctx context.Context, channelID string, e transport.Embed) error {
	_, err := a.s.ChannelMessageSendEmbed(channelID, toEmbed(e), discordgo.WithContext(ctx))
	return err
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range splitText(text, messageLimit) {
		if _, err := a.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, channelID, messageID, text string) error {
	ref := &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
	_, err := a.s.ChannelMessageSendReply(channelID, text, ref, discordgo.WithContext(ctx))
	return err
}

// CachedMessage reads discordgo state first, then the adapter's mirror.
func (a *Adapter) CachedMessage(channelID, messageID string) (*transport.Message, bool) {
	if m, err := a.s.State.Message(channelID, messageID); err == nil && m != nil && m.Author != nil {
		return convertMessage(m), true
	}
	return a.mirror.message(channelID, messageID)
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (*transport.Message, error) {
	m, err := a.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return convertMessage(m), nil
}

func (a *Adapter) ChannelInGuild(ctx context.Context, guildID, channelID string) (bool, error) {
	ch, err := a.s.State.Channel(channelID)
	if err != nil {
		ch, err = a.s.Channel(channelID, discordgo.WithContext(ctx))
	}
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return ch.GuildID == guildID, nil
}

const sendPerms = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages

func (a *Adapter) CanSend(_ context.Context, channelID string) (bool, error) {
	self := a.s.State.User
	if self == nil {
		return false, errors.New("not connected")
	}
	perms, err := a.s.State.UserChannelPermissions(self.ID, channelID)
	if err != nil {
		return false, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms&sendPerms == sendPerms, nil
}

func (a *Adapter) Respond(ctx context.Context, in *transport.Interaction, r transport.Reply) error {
	if in == nil {
		return errors.New("nil interaction")
	}
	data := &discordgo.InteractionResponseData{Content: r.Content}
	if r.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{toEmbed(*r.Embed)}
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return a.s.InteractionRespond(
		&discordgo.Interaction{ID: in.ID, AppID: in.AppID, Token: in.Token, Type: discordgo.InteractionApplicationCommand},
		&discordgo.InteractionResponse{Type: discordgo.InteractionResponseChannelMessageWithSource, Data: data},
		discordgo.WithContext(ctx),
	)
}

// RegisterCommands overwrites the guild's command set. It only performs a
// network call when the set differs from the last one registered.
func (a *Adapter) RegisterCommands(ctx context.Context, guildID string, defs []transport.CommandDef) error {
	self := a.s.State.User
	if self == nil {
		return errors.New("not connected")
	}
	sum := hashCommands(defs)

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	if prev, ok := a.cmdHash[guildID]; ok && prev == sum {
		return nil
	}
	cmds, err := a.s.ApplicationCommandBulkOverwrite(self.ID, guildID, toCommands(defs), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("register commands in %s: %w", guildID, err)
	}
	a.cmdHash[guildID] = sum
	a.log.Info("commands registered", logx.String("guild", guildID), logx.Int("count", len(cmds)))
	return nil
}

func (a *Adapter) Latency() time.Duration { return a.s.HeartbeatLatency() }

func (a *Adapter) Self() *transport.User {
	if a.s.State == nil {
		return nil
	}
	return convertUser(a.s.State.User)
}

func hashCommands(defs []transport.CommandDef) uint64 {
	h := fnv.New64a()
	var walk func(d transport.CommandDef)
	walk = func(d transport.CommandDef) {
		fmt.Fprintf(h, "%s\x00%s\x00%t\x00", d.Name, d.Description, d.AdminOnly)
		for _, o := range d.Options {
			fmt.Fprintf(h, "%s\x00%s\x00%d\x00%t\x00", o.Name, o.Description, o.Type, o.Required)
		}
		for _, s := range d.Subcommands {
			walk(s)
		}
		h.Write([]byte{1})
	}
	for _, d := range defs {
		walk(d)
	}
	return h.Sum64()
}

func isNotFound(err error) bool {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return false
	}
	return rerr.Response.StatusCode == http.StatusNotFound || rerr.Response.StatusCode == http.StatusForbidden
}
