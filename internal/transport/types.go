package transport

import (
	"context"
	"time"
)

// EventKind is the closed set of gateway events the bot reacts to.
// Adapters never emit other kinds.
type EventKind string

const (
	EventReady              EventKind = "ready"
	EventGuildJoined        EventKind = "guild_joined"
	EventGuildRemoved       EventKind = "guild_removed"
	EventGuildUpdated       EventKind = "guild_updated"
	EventMessageCreated     EventKind = "message_created"
	EventMessageDeleted     EventKind = "message_deleted"
	EventMessageBulkDeleted EventKind = "message_bulk_deleted"
	EventMessageUpdated     EventKind = "message_updated"
	EventMemberJoined       EventKind = "member_joined"
	EventMemberRemoved      EventKind = "member_removed"
	EventCommand            EventKind = "command"
)

// Event is the envelope for one dispatch. It is owned by the dispatch that
// receives it and must not be shared across goroutines.
//
// Field usage per kind:
//   - guild_*:            Guild (Guild.Unavailable on removal), GuildID
//   - message_created:    Message
//   - message_deleted:    ID, ChannelID, Before (cached snapshot, may be nil)
//   - message_bulk_deleted: MessageIDs, ChannelID, Befores (index-aligned with
//     MessageIDs; entries are nil when no snapshot was kept)
//   - message_updated:    ID, ChannelID, Before (may be nil), Message (after, may be nil)
//   - member_*:           Member (Member.User always set)
//   - command:            Command
//   - ready:              Self
type Event struct {
	Kind      EventKind
	ID        string
	GuildID   string // empty for DM/system context
	ChannelID string
	At        time.Time

	Guild      *Guild
	Message    *Message
	Before     *Message
	MessageIDs []string
	Befores    []*Message
	Member     *Member
	Self       *User
	Command    *Interaction
}

type User struct {
	ID            string
	Username      string
	Discriminator string // "" or "0" for accounts without one
	GlobalName    string
	Bot           bool
	AvatarURL     string
	CreatedAt     time.Time // derived from the snowflake
}

type Member struct {
	GuildID  string
	User     *User
	Nick     string
	JoinedAt time.Time // zero when the platform did not provide it
}

type Guild struct {
	ID          string
	Name        string // empty when unknown
	Unavailable bool   // outage rather than removal
}

type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	Author    *User
	Content   string
	CreatedAt time.Time
	EditedAt  time.Time
}

// ---- Outbound payloads ----

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a rich notification payload.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Thumbnail   string
	Timestamp   time.Time
}

// ---- Slash commands ----

// OptionType mirrors the subset of command option types the bot uses.
type OptionType int

const (
	OptionString OptionType = iota + 1
	OptionInteger
	OptionBoolean
	OptionChannel
)

type OptionDef struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
}

// CommandDef describes one top-level slash command. A command either has
// Options or Subcommands, never both.
type CommandDef struct {
	Name        string
	Description string
	AdminOnly   bool
	Options     []OptionDef
	Subcommands []CommandDef
}

// Interaction is an invoked slash command with subcommands flattened into
// Route ("trackjoinleaves enable").
type Interaction struct {
	ID        string
	AppID     string
	Token     string
	GuildID   string
	ChannelID string
	User      *User
	Route     string
	// Options holds string, int64, bool, or channel id (string) values.
	Options   map[string]any
	CreatedAt time.Time
}

type Reply struct {
	Content   string
	Embed     *Embed
	Ephemeral bool
}

// ---- Ports ----

// EmbedSender delivers notifications.
type EmbedSender interface {
	SendEmbed(ctx context.Context, channelID string, e Embed) error
}

// MessageCache reads the adapter's local message cache. It never blocks on I/O.
type MessageCache interface {
	CachedMessage(channelID, messageID string) (*Message, bool)
}

// MessageFetcher retrieves a single message from the platform.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
}

// ChannelChecker validates log destinations.
type ChannelChecker interface {
	ChannelInGuild(ctx context.Context, guildID, channelID string) (bool, error)
	CanSend(ctx context.Context, channelID string) (bool, error)
}

// Adapter is the full transport surface used by the app.
type Adapter interface {
	EmbedSender
	MessageCache
	MessageFetcher
	ChannelChecker

	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, channelID, text string) error
	Reply(ctx context.Context, channelID, messageID, text string) error
	Respond(ctx context.Context, in *Interaction, r Reply) error
	RegisterCommands(ctx context.Context, guildID string, defs []CommandDef) error

	Latency() time.Duration
	Self() *User
}
