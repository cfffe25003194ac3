package commands

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"guildwatch/internal/guildcfg"
	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
)

// Deps are the collaborators of the built-in commands.
type Deps struct {
	Config *guildcfg.Resolver
	KV     storage.KV
	// Stats reports store counters for /info; optional.
	Stats func() storage.Stats
	// Latency is the gateway heartbeat round trip.
	Latency func() time.Duration
	// Self is the bot account; optional.
	Self func() *transport.User

	Version     string
	Description string
	BootTime    time.Time

	// Now and IntN default to time.Now and math/rand/v2.IntN.
	Now  func() time.Time
	IntN func(n int) int
}

// Builtins holds the built-in command handlers.
type Builtins struct {
	d        Deps
	cooldown atomic.Int64 // fortune cooldown, nanoseconds
}

const defaultFortuneCooldown = 24 * time.Hour

func NewBuiltins(d Deps) *Builtins {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IntN == nil {
		d.IntN = rand.IntN
	}
	if d.Latency == nil {
		d.Latency = func() time.Duration { return 0 }
	}
	if d.BootTime.IsZero() {
		d.BootTime = d.Now()
	}
	b := &Builtins{d: d}
	b.SetFortuneCooldown(defaultFortuneCooldown)
	return b
}

// SetFortuneCooldown updates the per-user fortune cooldown; <= 0 restores the default.
func (b *Builtins) SetFortuneCooldown(d time.Duration) {
	if d <= 0 {
		d = defaultFortuneCooldown
	}
	b.cooldown.Store(int64(d))
}

// Registry returns every built-in group and command.
func (b *Builtins) Registry() ([]Group, []Command) {
	groups, cmds := b.trackCommands()
	cmds = append(cmds, b.statusCommands()...)
	cmds = append(cmds, b.funCommands()...)
	return groups, cmds
}
