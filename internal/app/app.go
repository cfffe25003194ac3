// Package app wires configuration, storage, the Discord adapter, the
// tracking router, and slash commands into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guildwatch/internal/commands"
	"guildwatch/internal/config"
	"guildwatch/internal/eventbus"
	"guildwatch/internal/guildcfg"
	rtsup "guildwatch/internal/runtime/supervisor"
	"guildwatch/internal/scheduler"
	"guildwatch/internal/storage"
	"guildwatch/internal/tracking"
	"guildwatch/internal/transport"
	"guildwatch/internal/transport/discord"
	logx "guildwatch/pkg/logx"
)

const (
	description     = "Logs member joins and leaves, message edits and deletions to a channel of your choice."
	optimizeTimeout = 2 * time.Minute
	eventBuffer     = 256
	registerTimeout = 30 * time.Second
)

// Options configure NewApp.
type Options struct {
	ConfigPath string
	// Override is applied after every config parse (command-line flags).
	Override func(*config.Config)
	Version  string
}

type App struct {
	cfgm    *config.Manager
	version string
	boot    time.Time

	// sup runs the app loops and is cancelled on Stop; inflight runs event
	// dispatches on a context detached from shutdown so they can finish.
	sup      *rtsup.Supervisor
	inflight *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	sink  *lazySink
	bus   eventbus.Bus
	store storage.Store

	adapter  *discord.Adapter
	resolver *guildcfg.Resolver
	sender   *tracking.Sender
	router   *tracking.Router
	cmds     *commands.Manager
	builtins *commands.Builtins
	sched    *scheduler.Service
	sd       *systemdNotifier

	// intake and registrar are the adapter's event source and command
	// registration.
	intake    eventSource
	registrar commandRegistrar

	events   chan transport.Event
	readDone chan struct{}
}

type eventSource interface {
	Stop(ctx context.Context) error
}

type commandRegistrar interface {
	RegisterCommands(ctx context.Context, guildID string, defs []transport.CommandDef) error
}

// NewApp loads the config and builds every component. Storage failures are
// fatal.
func NewApp(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfgm.AddOverride(opts.Override)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sink := &lazySink{}
	logSvc, root := logx.New(settings.Logging, sink)
	logSvc.SetDiscordTarget(settings.LogChannel)
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(storageConfig(settings), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ad, err := discord.New(adapterConfig(settings), root)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	sink.attach(ad)

	bus := eventbus.New()
	a := &App{
		cfgm:      cfgm,
		version:   opts.Version,
		boot:      time.Now(),
		inflight:  rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(root.With(logx.String("comp", "dispatch")))),
		log:       log,
		logs:      logSvc,
		sink:      sink,
		bus:       bus,
		store:     store,
		adapter:   ad,
		intake:    ad,
		registrar: ad,
		sd:        newSystemdNotifier(log),
		events:    make(chan transport.Event, eventBuffer),
	}

	a.resolver = guildcfg.NewResolver(store, ad, root.With(logx.String("comp", "guildcfg")))
	a.sender = tracking.NewSender(ad, float64(settings.SendRatePerSec), settings.SendTimeout)
	a.router = tracking.New(tracking.Deps{
		KV:      store,
		Config:  a.resolver,
		Cache:   ad,
		Fetcher: ad,
		Sender:  a.sender,
		Replier: ad,
		Bus:     bus,
		Log:     root,
	}, trackingOptions(settings))

	a.cmds = commands.NewManager(root, ad, settings.CommandTimeout)
	a.builtins = commands.NewBuiltins(builtinDeps(a))
	a.builtins.SetFortuneCooldown(settings.FortuneCooldown)
	a.cmds.SetRegistry(a.builtins.Registry())

	a.sched = scheduler.New(schedulerConfig(settings), root, bus)
	a.registerJobs(settings)

	log.Info("app initialized",
		logx.String("version", opts.Version),
		logx.String("config", opts.ConfigPath),
		logx.String("db", settings.StoragePath),
	)
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validator(a.sched))

	if err := a.adapter.Start(a.sup.Context(), a.events); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.startReader()
	a.sup.Go0("eventbus.log", a.logBusEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	a.sd.ready()
	a.log.Info("app started")
	return nil
}

func (a *App) startReader() {
	a.readDone = make(chan struct{})
	a.sup.Go0("events.read", func(ctx context.Context) {
		defer close(a.readDone)
		a.readLoop(ctx)
	})
}

// waitReader blocks until readLoop has drained and returned.
func (a *App) waitReader(ctx context.Context) error {
	if a.readDone == nil {
		return nil
	}
	select {
	case <-a.readDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop is the single reader of adapter events. Each event is handled
// on its own supervised goroutine.
func (a *App) readLoop(ctx context.Context) {
	spawn := func(ev transport.Event) {
		a.inflight.Go(string(ev.Kind), func(dctx context.Context) error {
			a.handle(dctx, ev)
			return nil
		})
	}
	for {
		select {
		case <-ctx.Done():
			// Events already accepted from the gateway are still handled.
			for {
				select {
				case ev := <-a.events:
					spawn(ev)
				default:
					return
				}
			}
		case ev := <-a.events:
			spawn(ev)
		}
	}
}

func (a *App) handle(ctx context.Context, ev transport.Event) {
	if ev.Kind == transport.EventCommand {
		// Handler failures are logged and answered by the manager.
		_ = a.cmds.Handle(ctx, ev.Command)
		return
	}
	// Dispatch logs its own failures. Bookkeeping errors must not keep a
	// guild from getting its commands.
	_ = a.router.Dispatch(ctx, ev)
	if ev.Kind == transport.EventGuildJoined && ev.GuildID != "" {
		rctx, cancel := context.WithTimeout(ctx, registerTimeout)
		defer cancel()
		if err := a.registrar.RegisterCommands(rctx, ev.GuildID, a.cmds.Definitions()); err != nil {
			a.log.Warn("command registration failed", logx.String("guild", ev.GuildID), logx.Err(err))
		}
	}
}

func (a *App) logBusEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes the hot-reloadable sections of next into the running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	s, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("reloaded config does not resolve; keeping previous", logx.Err(err))
		return
	}
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetDiscordTarget(s.LogChannel)
	a.logs.Apply(s.Logging)
	a.sender.Apply(float64(s.SendRatePerSec), s.SendTimeout)
	a.router.Apply(trackingOptions(s))
	a.cmds.Apply(s.CommandTimeout)
	a.builtins.SetFortuneCooldown(s.FortuneCooldown)
	a.registerJobs(s)
	a.sched.Apply(ctx, schedulerConfig(s))

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts down in order: close intake, let the reader drain what the
// adapter already accepted, wait for dispatches, stop the scheduler, close
// storage, flush logs. Each step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	a.step(ctx, "intake", 3*time.Second, a.intake.Stop)
	a.sup.Cancel()
	a.step(ctx, "events.read", 2*time.Second, a.waitReader)
	a.step(ctx, "dispatches", 10*time.Second, a.inflight.Wait)
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
