package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildwatch/internal/transport"
)

func TestConvertUserDerivesCreationFromSnowflake(t *testing.T) {
	// 175928847299117063 is the example id from the platform documentation.
	u := convertUser(&discordgo.User{ID: "175928847299117063", Username: "mason", Discriminator: "0", GlobalName: "Mason"})
	want := time.Date(2016, 4, 30, 11, 18, 25, 796_000_000, time.UTC)
	if !u.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", u.CreatedAt, want)
	}
	if u.GlobalName != "Mason" || u.Discriminator != "0" {
		t.Fatalf("user = %+v", u)
	}
	if convertUser(nil) != nil {
		t.Fatal("convertUser(nil) != nil")
	}
	if bad := convertUser(&discordgo.User{ID: "not-a-number"}); !bad.CreatedAt.IsZero() {
		t.Fatalf("invalid id produced CreatedAt %v", bad.CreatedAt)
	}
}

func TestConvertUpdatedTreatsAuthorlessAsMissing(t *testing.T) {
	if got := convertUpdated(&discordgo.Message{ID: "1", Content: ""}); got != nil {
		t.Fatalf("partial update converted to %+v", got)
	}
	edited := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := convertUpdated(&discordgo.Message{ID: "1", Content: "x", Author: &discordgo.User{ID: "2"}, EditedTimestamp: &edited})
	if got == nil || got.Content != "x" || !got.EditedAt.Equal(edited) {
		t.Fatalf("full update converted to %+v", got)
	}
}

func TestConvertMemberFillsGuild(t *testing.T) {
	m := convertMember(&discordgo.Member{User: &discordgo.User{ID: "3"}}, "77")
	if m.GuildID != "77" || m.User.ID != "3" || !m.JoinedAt.IsZero() {
		t.Fatalf("member = %+v", m)
	}
}

func TestFlattenOptions(t *testing.T) {
	tests := []struct {
		name   string
		data   discordgo.ApplicationCommandInteractionData
		route  string
		values map[string]any
	}{
		{
			name:  "subcommand with channel",
			route: "trackjoinleaves enable",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "trackjoinleaves",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{{
					Name: "enable",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandInteractionDataOption{
						{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "555"},
					},
				}},
			},
			values: map[string]any{"channel": "555"},
		},
		{
			name:  "top level integers and bools",
			route: "roll",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "roll",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "sides", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(20)},
					{Name: "hide", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
				},
			},
			values: map[string]any{"sides": int64(20), "hide": true},
		},
		{name: "no options", route: "ping", data: discordgo.ApplicationCommandInteractionData{Name: "ping"}, values: map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, values := flattenOptions(tt.data)
			if route != tt.route {
				t.Fatalf("route = %q, want %q", route, tt.route)
			}
			if len(values) != len(tt.values) {
				t.Fatalf("values = %v, want %v", values, tt.values)
			}
			for k, v := range tt.values {
				if values[k] != v {
					t.Fatalf("values[%q] = %#v, want %#v", k, values[k], v)
				}
			}
		})
	}
}

func TestToCommands(t *testing.T) {
	defs := []transport.CommandDef{
		{
			Name: "trackmessageedits", Description: "edit log", AdminOnly: true,
			Subcommands: []transport.CommandDef{
				{Name: "enable", Description: "on", Options: []transport.OptionDef{{Name: "channel", Description: "where", Type: transport.OptionChannel, Required: true}}},
				{Name: "disable", Description: "off"},
			},
		},
		{
			Name: "roll", Description: "dice",
			Options: []transport.OptionDef{
				{Name: "rolls", Description: "n", Type: transport.OptionInteger},
				{Name: "purpose", Description: "why", Type: transport.OptionString, Required: true},
			},
		},
	}
	cmds := toCommands(defs)
	if len(cmds) != 2 {
		t.Fatalf("got %d commands", len(cmds))
	}
	admin := cmds[0]
	if admin.DefaultMemberPermissions == nil || *admin.DefaultMemberPermissions != discordgo.PermissionManageGuild {
		t.Fatalf("admin command permissions = %v", admin.DefaultMemberPermissions)
	}
	if len(admin.Options) != 2 || admin.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		t.Fatalf("subcommands = %+v", admin.Options)
	}
	if ch := admin.Options[0].Options[0]; ch.Type != discordgo.ApplicationCommandOptionChannel || !ch.Required {
		t.Fatalf("channel option = %+v", ch)
	}
	roll := cmds[1]
	if roll.DefaultMemberPermissions != nil {
		t.Fatal("public command restricted")
	}
	if roll.Options[0].Name != "purpose" {
		t.Fatalf("required option not first: %s", roll.Options[0].Name)
	}
	if hashCommands(defs) == hashCommands(defs[:1]) {
		t.Fatal("command hash ignores definitions")
	}
}

func TestToEmbed(t *testing.T) {
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	e := toEmbed(transport.Embed{
		Title: "t", Color: transport.ColorRed, Footer: "f", Timestamp: ts,
		Fields: []transport.EmbedField{{Name: "a", Value: "b", Inline: true}},
	})
	if e.Timestamp != "2024-02-03T04:05:06Z" {
		t.Fatalf("timestamp = %q", e.Timestamp)
	}
	if e.Footer == nil || e.Footer.Text != "f" || e.Thumbnail != nil {
		t.Fatalf("footer/thumbnail = %+v %+v", e.Footer, e.Thumbnail)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Fatalf("fields = %+v", e.Fields)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}
	long := strings.Repeat("line of text\n", 20)
	chunks := splitText(long, 50)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
}
