package tracking

import (
	"context"
	"strings"

	logx "guildwatch/pkg/logx"
)

const (
	reactionKeyword = "cheese"
	reactionReply   = "😋🧀"
)

// messageCreated answers keyword mentions in any context, guild or DM.
func (d *dispatch) messageCreated(ctx context.Context) {
	m := d.ev.Message
	if m == nil || !d.options().Reactions || d.deps.Replier == nil {
		return
	}
	if self := d.Self(); m.Author != nil && self != nil && m.Author.ID == self.ID {
		return
	}
	if !strings.Contains(strings.ToLower(m.Content), reactionKeyword) {
		return
	}
	if err := d.deps.Replier.Reply(ctx, m.ChannelID, m.ID, reactionReply); err != nil {
		d.log.Warn("keyword reply failed", logx.String("channel", m.ChannelID), logx.Err(err))
	}
}
