// Package commands routes slash-command interactions to handlers and
// provides the bot's built-in commands.
package commands

import (
	"context"
	"sync/atomic"
	"time"

	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessGuildAdmin commands are guild-only and hidden from members
	// without the Manage Server permission.
	AccessGuildAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space-separated command path, e.g. "ping" or
	// "trackjoinleaves enable".
	Route       string
	Description string
	Usage       string
	Access      Access
	Options     []transport.OptionDef
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Group describes the parent of subcommand routes ("trackjoinleaves").
type Group struct {
	Name        string
	Description string
	Access      Access
}

// Responder answers an interaction.
type Responder interface {
	Respond(ctx context.Context, in *transport.Interaction, r transport.Reply) error
}

type Request struct {
	Interaction *transport.Interaction
	GuildID     string
	ChannelID   string
	User        *transport.User
	Command     string
	ReqID       string
	Logger      logx.Logger

	out     Responder
	replied atomic.Bool
}

// Reply answers the interaction. Only the first reply reaches the user.
func (r *Request) Reply(ctx context.Context, rep transport.Reply) error {
	if !r.replied.CompareAndSwap(false, true) {
		r.Logger.Debug("duplicate reply ignored")
		return nil
	}
	return r.out.Respond(ctx, r.Interaction, rep)
}

func (r *Request) Replied() bool { return r.replied.Load() }

// Ephemeral replies with text only the invoking user can see.
func (r *Request) Ephemeral(ctx context.Context, text string) error {
	return r.Reply(ctx, transport.Reply{Content: text, Ephemeral: true})
}

func (r *Request) option(name string) (any, bool) {
	if r.Interaction == nil || r.Interaction.Options == nil {
		return nil, false
	}
	v, ok := r.Interaction.Options[name]
	return v, ok && v != nil
}

func (r *Request) String(name, def string) string {
	if v, ok := r.option(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (r *Request) Int(name string, def int64) int64 {
	v, ok := r.option(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return def
}

func (r *Request) Bool(name string, def bool) bool {
	if v, ok := r.option(name); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
