package discord

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildwatch/internal/transport"
)

func convertUser(u *discordgo.User) *transport.User {
	if u == nil {
		return nil
	}
	out := &transport.User{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		GlobalName:    u.GlobalName,
		Bot:           u.Bot,
	}
	if u.Avatar != "" {
		out.AvatarURL = u.AvatarURL("256")
	}
	if ts, err := discordgo.SnowflakeTimestamp(u.ID); err == nil {
		out.CreatedAt = ts.UTC()
	}
	return out
}

func convertMessage(m *discordgo.Message) *transport.Message {
	if m == nil {
		return nil
	}
	out := &transport.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author:    convertUser(m.Author),
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.EditedTimestamp != nil {
		out.EditedAt = *m.EditedTimestamp
	}
	return out
}

// convertUpdated returns the "after" snapshot of an update. Partial updates
// (embed hydration, uncached messages) arrive without an author and are
// reported as missing so the tracker resolves them itself.
func convertUpdated(m *discordgo.Message) *transport.Message {
	if m == nil || m.Author == nil {
		return nil
	}
	return convertMessage(m)
}

func convertMember(m *discordgo.Member, guildID string) *transport.Member {
	if m == nil {
		return nil
	}
	out := &transport.Member{
		GuildID:  m.GuildID,
		User:     convertUser(m.User),
		Nick:     m.Nick,
		JoinedAt: m.JoinedAt,
	}
	if out.GuildID == "" {
		out.GuildID = guildID
	}
	return out
}

func convertGuild(g *discordgo.Guild) *transport.Guild {
	if g == nil {
		return nil
	}
	return &transport.Guild{ID: g.ID, Name: g.Name, Unavailable: g.Unavailable}
}

func toEmbed(e transport.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if e.Thumbnail != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.Thumbnail}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}

var manageGuild int64 = discordgo.PermissionManageGuild

func toCommands(defs []transport.CommandDef) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(defs))
	for _, d := range defs {
		cmd := &discordgo.ApplicationCommand{
			Name:        d.Name,
			Description: d.Description,
		}
		if d.AdminOnly {
			cmd.DefaultMemberPermissions = &manageGuild
		}
		for _, sub := range d.Subcommands {
			cmd.Options = append(cmd.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        sub.Name,
				Description: sub.Description,
				Options:     toOptions(sub.Options),
			})
		}
		cmd.Options = append(cmd.Options, toOptions(d.Options)...)
		out = append(out, cmd)
	}
	return out
}

func toOptions(defs []transport.OptionDef) []*discordgo.ApplicationCommandOption {
	// Required options must precede optional ones.
	sorted := append([]transport.OptionDef(nil), defs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Required && !sorted[j].Required })

	var out []*discordgo.ApplicationCommandOption
	for _, o := range sorted {
		out = append(out, &discordgo.ApplicationCommandOption{
			Type:        optionType(o.Type),
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
		})
	}
	return out
}

func optionType(t transport.OptionType) discordgo.ApplicationCommandOptionType {
	switch t {
	case transport.OptionInteger:
		return discordgo.ApplicationCommandOptionInteger
	case transport.OptionBoolean:
		return discordgo.ApplicationCommandOptionBoolean
	case transport.OptionChannel:
		return discordgo.ApplicationCommandOptionChannel
	default:
		return discordgo.ApplicationCommandOptionString
	}
}

// flattenOptions walks subcommand groups into a space separated route and
// collects leaf option values. Integers arrive as float64 and are narrowed.
func flattenOptions(data discordgo.ApplicationCommandInteractionData) (string, map[string]any) {
	route := []string{data.Name}
	values := map[string]any{}
	opts := data.Options
	for len(opts) > 0 {
		var next []*discordgo.ApplicationCommandInteractionDataOption
		for _, o := range opts {
			if o == nil {
				continue
			}
			switch o.Type {
			case discordgo.ApplicationCommandOptionSubCommand, discordgo.ApplicationCommandOptionSubCommandGroup:
				route = append(route, o.Name)
				next = o.Options
			case discordgo.ApplicationCommandOptionInteger:
				if f, ok := o.Value.(float64); ok {
					values[o.Name] = int64(f)
				}
			default:
				values[o.Name] = o.Value
			}
		}
		opts = next
	}
	return strings.Join(route, " "), values
}

func convertInteraction(i *discordgo.Interaction) *transport.Interaction {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return nil
	}
	route, values := flattenOptions(i.ApplicationCommandData())
	u := i.User
	if i.Member != nil && i.Member.User != nil {
		u = i.Member.User
	}
	created := time.Now()
	if ts, err := discordgo.SnowflakeTimestamp(i.ID); err == nil {
		created = ts
	}
	return &transport.Interaction{
		ID:        i.ID,
		AppID:     i.AppID,
		Token:     i.Token,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		User:      convertUser(u),
		Route:     route,
		Options:   values,
		CreatedAt: created,
	}
}
