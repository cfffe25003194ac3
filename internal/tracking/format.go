package tracking

import (
	"strings"
	"time"
	"unicode/utf8"

	"guildwatch/internal/transport"
)

// Placeholders for data the platform no longer has.
const (
	unknown            = "Unknown"
	contentUnavailable = "*Content unavailable (message was not cached)*"
	contentEmpty       = "*No text content*"
	noDiscriminator    = "N/A"
	noGlobalName       = "None"
)

// Platform embed limits, in runes.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
)

// DeletedMessage is the resolved data for a message-deleted notification.
type DeletedMessage struct {
	ID        string
	GuildID   string
	ChannelID string
	// Author and Content are only meaningful when Cached is true.
	Author  *transport.User
	Content string
	Cached  bool
}

// EditedMessage is the resolved data for a message-updated notification.
type EditedMessage struct {
	ID           string
	GuildID      string
	ChannelID    string
	Author       *transport.User
	Before       string
	BeforeCached bool
	After        string
}

func FormatMessageDeleted(d DeletedMessage, now time.Time) transport.Embed {
	author := unknown
	content := contentUnavailable
	if d.Cached {
		author = d.Author.Mention()
		content = contentOrEmpty(d.Content)
	}
	return finish(transport.Embed{
		Title: "🗑️ Message deleted",
		Color: transport.ColorRed,
		Fields: []transport.EmbedField{
			{Name: "Author", Value: author, Inline: true},
			{Name: "Channel", Value: transport.ChannelMention(d.ChannelID), Inline: true},
			{Name: "Message ID", Value: d.ID, Inline: true},
			{Name: "Link", Value: transport.MessageLink(d.GuildID, d.ChannelID, d.ID)},
			{Name: "Content", Value: content},
		},
		Timestamp: now,
	})
}

func FormatMessageEdited(e EditedMessage, now time.Time) transport.Embed {
	before := contentUnavailable
	if e.BeforeCached {
		before = contentOrEmpty(e.Before)
	}
	return finish(transport.Embed{
		Title: "✏️ Message edited",
		Color: transport.ColorGold,
		Fields: []transport.EmbedField{
			{Name: "Author", Value: e.Author.Mention(), Inline: true},
			{Name: "Channel", Value: transport.ChannelMention(e.ChannelID), Inline: true},
			{Name: "Message ID", Value: e.ID, Inline: true},
			{Name: "Link", Value: transport.MessageLink(e.GuildID, e.ChannelID, e.ID)},
			{Name: "Before", Value: before},
			{Name: "After", Value: contentOrEmpty(e.After)},
		},
		Timestamp: now,
	})
}

func FormatMemberJoined(m *transport.Member, now time.Time) transport.Embed {
	u := memberUser(m)
	return finish(transport.Embed{
		Title:     "📥 Member joined",
		Color:     transport.ColorGreen,
		Fields:    identityFields(u, now),
		Thumbnail: userAvatar(u),
		Timestamp: now,
	})
}

func FormatMemberRemoved(m *transport.Member, now time.Time) transport.Embed {
	u := memberUser(m)
	membership := unknown
	if m != nil && !m.JoinedAt.IsZero() {
		membership = FormatAge(m.JoinedAt, now)
	}
	fields := identityFields(u, now)
	fields = append(fields, transport.EmbedField{Name: "Time in server", Value: membership})
	return finish(transport.Embed{
		Title:     "📤 Member left",
		Color:     transport.ColorDarkRed,
		Fields:    fields,
		Thumbnail: userAvatar(u),
		Timestamp: now,
	})
}

func identityFields(u *transport.User, now time.Time) []transport.EmbedField {
	id, name, created := unknown, unknown, time.Time{}
	if u != nil {
		id, name, created = u.ID, u.Username, u.CreatedAt
	}
	return []transport.EmbedField{
		{Name: "User", Value: u.Mention(), Inline: true},
		{Name: "ID", Value: orPlaceholder(id, unknown), Inline: true},
		{Name: "Username", Value: orPlaceholder(name, unknown), Inline: true},
		{Name: "Discriminator", Value: discriminator(u), Inline: true},
		{Name: "Global name", Value: globalName(u), Inline: true},
		{Name: "Account age", Value: FormatAge(created, now)},
	}
}

func memberUser(m *transport.Member) *transport.User {
	if m == nil {
		return nil
	}
	return m.User
}

func userAvatar(u *transport.User) string {
	if u == nil {
		return ""
	}
	return u.AvatarURL
}

// discriminator maps the legacy "#1234" tag; migrated accounts report "0".
func discriminator(u *transport.User) string {
	if u == nil || u.Discriminator == "" || u.Discriminator == "0" {
		return noDiscriminator
	}
	return u.Discriminator
}

func globalName(u *transport.User) string {
	if u == nil || strings.TrimSpace(u.GlobalName) == "" {
		return noGlobalName
	}
	return u.GlobalName
}

func contentOrEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return contentEmpty
	}
	return s
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// finish enforces platform limits so a long message never makes the send fail.
func finish(e transport.Embed) transport.Embed {
	e.Title = truncate(e.Title, maxTitle)
	e.Description = truncate(e.Description, maxDescription)
	for i := range e.Fields {
		e.Fields[i].Value = truncate(e.Fields[i].Value, maxFieldValue)
	}
	return e
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
