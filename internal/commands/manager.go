package commands

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"guildwatch/internal/idgen"
	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

const (
	msgUnknownCommand = "Unknown command. Try /help."
	msgGuildOnly      = "This command can only be used in a server."
	msgFailed         = "⚠️ Something went wrong while running that command."
)

// Manager owns the command registry. It is safe for concurrent use;
// SetRegistry and Apply may be called while commands are running.
type Manager struct {
	mu      sync.RWMutex
	cmds    map[string]Command
	groups  map[string]Group
	timeout time.Duration

	log logx.Logger
	out Responder
}

func NewManager(log logx.Logger, out Responder, timeout time.Duration) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:    map[string]Command{},
		groups:  map[string]Group{},
		timeout: timeout,
		log:     log.With(logx.String("comp", "commands")),
		out:     out,
	}
}

// Apply updates the default per-command timeout.
func (m *Manager) Apply(timeout time.Duration) {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
}

// SetRegistry replaces the command set. Help is always injected.
func (m *Manager) SetRegistry(groups []Group, cmds []Command) {
	helper := Command{
		Route:       "help",
		Description: "Show this help menu",
		Usage:       "/help [command]",
		Options: []transport.OptionDef{
			{Name: "command", Description: "Command to show help about", Type: transport.OptionString},
		},
		Handle: func(ctx context.Context, req *Request) error {
			return req.Ephemeral(ctx, m.helpText(req.String("command", "")))
		},
	}
	cmds = append(cmds, helper)

	reg := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		route := normalizeRoute(c.Route)
		if route == "" || c.Handle == nil {
			continue
		}
		c.Route = route
		reg[route] = c
	}
	gs := make(map[string]Group, len(groups))
	for _, g := range groups {
		if g.Name = strings.TrimSpace(g.Name); g.Name != "" {
			gs[g.Name] = g
		}
	}

	m.mu.Lock()
	m.cmds = reg
	m.groups = gs
	m.mu.Unlock()
}

// Definitions returns the registry in the shape the platform registers:
// two-token routes become subcommands of their group.
func (m *Manager) Definitions() []transport.CommandDef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byName := map[string]*transport.CommandDef{}
	var order []string
	get := func(name string) *transport.CommandDef {
		if d, ok := byName[name]; ok {
			return d
		}
		d := &transport.CommandDef{Name: name}
		if g, ok := m.groups[name]; ok {
			d.Description = g.Description
			d.AdminOnly = g.Access == AccessGuildAdmin
		}
		byName[name] = d
		order = append(order, name)
		return d
	}

	for _, route := range m.sortedRoutesLocked() {
		c := m.cmds[route]
		parts := strings.Fields(route)
		d := get(parts[0])
		if len(parts) == 1 {
			d.Description = c.Description
			d.AdminOnly = c.Access == AccessGuildAdmin
			d.Options = c.Options
			continue
		}
		d.Subcommands = append(d.Subcommands, transport.CommandDef{
			Name:        parts[1],
			Description: c.Description,
			Options:     c.Options,
		})
		if c.Access == AccessGuildAdmin {
			d.AdminOnly = true
		}
	}

	out := make([]transport.CommandDef, 0, len(order))
	for _, name := range order {
		d := byName[name]
		if d.Description == "" {
			d.Description = name
		}
		out = append(out, *d)
	}
	return out
}

func (m *Manager) sortedRoutesLocked() []string {
	routes := make([]string, 0, len(m.cmds))
	for r := range m.cmds {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	return routes
}

func (m *Manager) lookup(route string) (Command, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[normalizeRoute(route)]
	return c, m.timeout, ok
}

// Handle runs one interaction to completion. Handler errors are answered
// with a generic ephemeral notice when the handler did not reply itself.
func (m *Manager) Handle(ctx context.Context, in *transport.Interaction) error {
	if in == nil {
		return errors.New("nil interaction")
	}
	rid := idgen.MustNew(idgen.PrefixCommand)
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.String("cmd", in.Route),
		logx.String("interaction", in.ID),
	)
	req := &Request{
		Interaction: in,
		GuildID:     in.GuildID,
		ChannelID:   in.ChannelID,
		User:        in.User,
		Command:     in.Route,
		ReqID:       rid,
		Logger:      reqLog,
		out:         m.out,
	}

	cmd, timeout, ok := m.lookup(in.Route)
	if !ok {
		reqLog.Debug("unknown command")
		return req.Ephemeral(ctx, msgUnknownCommand)
	}
	if cmd.Access == AccessGuildAdmin && in.GuildID == "" {
		return req.Ephemeral(ctx, msgGuildOnly)
	}
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	err := final(ctx, req)
	if err != nil && !req.Replied() {
		// The interaction token may outlive a handler timeout; answer on a fresh context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := req.Ephemeral(rctx, msgFailed); rerr != nil {
			reqLog.Warn("error reply failed", logx.Err(rerr))
		}
	}
	return err
}

func normalizeRoute(route string) string {
	return strings.ToLower(strings.Join(strings.Fields(route), " "))
}
