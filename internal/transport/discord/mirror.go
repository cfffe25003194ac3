package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"

	"guildwatch/internal/transport"
)

// memberMirrorSize bounds the remembered join times across all guilds.
const memberMirrorSize = 50_000

// mirror keeps recent message snapshots and member join times outside the
// discordgo state. State evicts a bulk-deleted message or a removed member
// before user handlers run, so those events are completed from here.
// Snapshots are stored as immutable values and never mutated in place.
type mirror struct {
	messages *lru.Cache[string, *transport.Message]
	joined   *lru.Cache[string, time.Time]
}

func newMirror(messages int) *mirror {
	// lru.New only fails for a non-positive size.
	msgs, _ := lru.New[string, *transport.Message](max(messages, 1))
	joined, _ := lru.New[string, time.Time](memberMirrorSize)
	return &mirror{messages: msgs, joined: joined}
}

func mirrorKey(scope, id string) string { return scope + "/" + id }

// putMessage records a full snapshot. Partial messages without an author
// are ignored so they never replace a better snapshot.
func (m *mirror) putMessage(msg *transport.Message) {
	if msg == nil || msg.ID == "" || msg.Author == nil {
		return
	}
	m.messages.Add(mirrorKey(msg.ChannelID, msg.ID), msg)
}

func (m *mirror) message(channelID, messageID string) (*transport.Message, bool) {
	return m.messages.Get(mirrorKey(channelID, messageID))
}

// takeMessage returns and forgets the snapshot of a deleted message.
func (m *mirror) takeMessage(channelID, messageID string) *transport.Message {
	k := mirrorKey(channelID, messageID)
	msg, ok := m.messages.Peek(k)
	if !ok {
		return nil
	}
	m.messages.Remove(k)
	return msg
}

func (m *mirror) putMember(guildID string, mem *discordgo.Member) {
	if mem == nil || mem.User == nil || mem.JoinedAt.IsZero() {
		return
	}
	if mem.GuildID != "" {
		guildID = mem.GuildID
	}
	m.joined.Add(mirrorKey(guildID, mem.User.ID), mem.JoinedAt)
}

// takeJoined returns and forgets the join time of a departed member.
func (m *mirror) takeJoined(guildID, userID string) (time.Time, bool) {
	k := mirrorKey(guildID, userID)
	at, ok := m.joined.Peek(k)
	if ok {
		m.joined.Remove(k)
	}
	return at, ok
}
