package commands

import (
	"context"
	"errors"

	"guildwatch/internal/guildcfg"
	"guildwatch/internal/transport"
)

// User-facing rejection texts for guildcfg.Enable.
var rejectionText = map[error]string{
	guildcfg.ErrChannelNotFound:  "Channel not found.",
	guildcfg.ErrNoSendPermission: "I do not have permission to send messages to that channel.",
}

type trackedFeature struct {
	group   string
	label   string
	feature guildcfg.Feature
	summary string
	channel string
}

var trackedFeatures = []trackedFeature{
	{
		group:   "trackjoinleaves",
		label:   "Join/leave tracking",
		feature: guildcfg.FeatureJoinLeaves,
		summary: "Track users joining and leaving",
		channel: "Channel to log user join/leave events to",
	},
	{
		group:   "trackmessageedits",
		label:   "Message edit tracking",
		feature: guildcfg.FeatureMessageEdits,
		summary: "Track message edits and deletions",
		channel: "Channel to log message edits and deletions to",
	},
}

func (b *Builtins) trackCommands() ([]Group, []Command) {
	var groups []Group
	var cmds []Command
	for _, tf := range trackedFeatures {
		groups = append(groups, Group{Name: tf.group, Description: tf.summary, Access: AccessGuildAdmin})
		cmds = append(cmds,
			Command{
				Route:       tf.group + " enable",
				Description: "Enable " + lowerFirst(tf.label),
				Access:      AccessGuildAdmin,
				Options: []transport.OptionDef{
					{Name: "channel", Description: tf.channel, Type: transport.OptionChannel, Required: true},
				},
				Handle: b.enableHandler(tf),
			},
			Command{
				Route:       tf.group + " disable",
				Description: "Disable " + lowerFirst(tf.label),
				Access:      AccessGuildAdmin,
				Handle:      b.disableHandler(tf),
			},
		)
	}
	return groups, cmds
}

func (b *Builtins) enableHandler(tf trackedFeature) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		channel := req.String("channel", "")
		err := b.d.Config.Enable(ctx, req.GuildID, tf.feature, channel)
		if guildcfg.IsRejection(err) {
			return req.Ephemeral(ctx, rejection(err))
		}
		if err != nil {
			return err
		}
		id, _ := guildcfg.ParseSnowflake(channel)
		return req.Ephemeral(ctx, tf.label+" enabled. Logging to "+transport.ChannelMention(id)+".")
	}
}

func (b *Builtins) disableHandler(tf trackedFeature) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		existed, err := b.d.Config.Disable(ctx, req.GuildID, tf.feature)
		if err != nil {
			return err
		}
		if !existed {
			return req.Ephemeral(ctx, tf.label+" was not enabled.")
		}
		return req.Ephemeral(ctx, tf.label+" disabled.")
	}
}

func rejection(err error) string {
	for sentinel, text := range rejectionText {
		if errors.Is(err, sentinel) {
			return text
		}
	}
	return err.Error()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}
