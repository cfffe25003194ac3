package commands

import (
	"context"
	"fmt"
	"time"

	"guildwatch/internal/transport"
)

const infoFooter = "Note: The name and avatar are set by the bot owner, not the software author."

func (b *Builtins) statusCommands() []Command {
	return []Command{
		{
			Route:       "ping",
			Description: "Check if the bot is still alive",
			Handle:      b.ping,
		},
		{
			Route:       "info",
			Description: "Get detailed info about the bot",
			Handle:      b.info,
		},
	}
}

// latencyColor grades the user-to-bot latency.
func latencyColor(e2e time.Duration) int {
	switch {
	case e2e <= 150*time.Millisecond:
		return transport.ColorDarkGreen
	case e2e <= 800*time.Millisecond:
		return transport.ColorGold
	default:
		return transport.ColorDarkRed
	}
}

func ms(d time.Duration) string { return fmt.Sprintf("%dms", d.Milliseconds()) }

func (b *Builtins) ping(ctx context.Context, req *Request) error {
	now := b.d.Now()
	var e2e time.Duration
	if req.Interaction != nil && !req.Interaction.CreatedAt.IsZero() {
		e2e = max(now.Sub(req.Interaction.CreatedAt), 0)
	}
	// The heartbeat covers both directions.
	gateway := b.d.Latency() / 2

	return req.Reply(ctx, transport.Reply{Embed: &transport.Embed{
		Title: "⏱️ Latency statistics",
		Color: latencyColor(e2e),
		Fields: []transport.EmbedField{
			{Name: "Estimated ping to user", Value: ms(e2e * 2)},
			{Name: "User to bot latency", Value: ms(e2e)},
			{Name: "Bot to gateway latency", Value: ms(gateway)},
			{Name: "Bot date/time", Value: now.Format(time.RFC1123Z)},
		},
	}})
}

func (b *Builtins) info(ctx context.Context, req *Request) error {
	now := b.d.Now()
	e := &transport.Embed{
		Title:       "ℹ️ About Me",
		Description: b.d.Description,
		Color:       transport.ColorBlitzBlue,
		Footer:      infoFooter,
	}
	botID := "Unknown"
	if b.d.Self != nil {
		if self := b.d.Self(); self != nil {
			botID = self.ID
			e.Thumbnail = self.AvatarURL
		}
	}
	version := b.d.Version
	if version == "" {
		version = "dev"
	}
	e.Fields = []transport.EmbedField{
		{Name: "Software version", Value: version},
		{Name: "Discord user ID", Value: botID},
		{Name: "Bot to gateway latency", Value: ms(b.d.Latency() / 2)},
		{Name: "Boot time", Value: b.d.BootTime.Format(time.RFC1123Z)},
		{Name: "Local date/time", Value: now.Format(time.RFC1123Z)},
		{Name: "Uptime", Value: formatUptime(now.Sub(b.d.BootTime))},
	}
	if b.d.Stats != nil {
		s := b.d.Stats()
		e.Fields = append(e.Fields, transport.EmbedField{
			Name:  "Storage",
			Value: fmt.Sprintf("%d reads, %d writes, %d unchanged writes skipped", s.Reads, s.Writes, s.Suppressed),
		})
	}
	return req.Reply(ctx, transport.Reply{Embed: e})
}

func formatUptime(d time.Duration) string {
	s := int64(max(d, 0) / time.Second)
	return fmt.Sprintf("%d days, %d hours, %d minutes, %d seconds",
		s/86400, s%86400/3600, s%3600/60, s%60)
}
