package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"guildwatch/internal/commands"
	"guildwatch/internal/config"
	"guildwatch/internal/scheduler"
	"guildwatch/internal/storage"
	"guildwatch/internal/tracking"
	"guildwatch/internal/transport/discord"
	logx "guildwatch/pkg/logx"
)

// lazySink lets the logging service start before the adapter exists.
// Lines logged before the adapter is attached are dropped by the sink.
type lazySink struct {
	target atomic.Pointer[discord.Adapter]
}

func (l *lazySink) attach(a *discord.Adapter) { l.target.Store(a) }

func (l *lazySink) SendText(ctx context.Context, channelID, text string) error {
	a := l.target.Load()
	if a == nil {
		return errors.New("discord adapter not ready")
	}
	return a.SendText(ctx, channelID, text)
}

func storageConfig(s config.Settings) storage.Config {
	return storage.Config{
		Driver:       s.StorageDriver,
		Path:         s.StoragePath,
		BusyTimeout:  s.StorageBusyTimeout,
		MaxOpenConns: s.StorageMaxOpenConns,
	}
}

func adapterConfig(s config.Settings) discord.Config {
	return discord.Config{
		Token:            s.Token,
		MessageCacheSize: s.MessageCacheSize,
		RequestTimeout:   s.RequestTimeout,
	}
}

func trackingOptions(s config.Settings) tracking.Options {
	return tracking.Options{FetchTimeout: s.FetchTimeout, Reactions: s.Reactions}
}

func schedulerConfig(s config.Settings) scheduler.Config {
	return scheduler.Config{Enabled: s.MaintenanceEnabled, Location: s.Timezone}
}

// validator rejects a reload that would not resolve or whose schedules the
// scheduler cannot parse.
func validator(sched *scheduler.Service) func(context.Context, *config.Config) error {
	return func(_ context.Context, cfg *config.Config) error {
		s, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		if err := sched.Validate(s.MaintenanceSchedule); err != nil {
			return fmt.Errorf("maintenance.schedule: %w", err)
		}
		if s.HeartbeatSchedule != "" {
			if err := sched.Validate(s.HeartbeatSchedule); err != nil {
				return fmt.Errorf("maintenance.heartbeat: %w", err)
			}
		}
		return nil
	}
}

// registerJobs (re)registers the maintenance jobs for s.
func (a *App) registerJobs(s config.Settings) {
	jobLog := a.log.With(logx.String("comp", "maintenance"))
	if err := a.sched.Add(scheduler.JobStorageOptimize, s.MaintenanceSchedule, optimizeTimeout,
		scheduler.OptimizeJob(a.store, jobLog)); err != nil {
		a.log.Warn("maintenance job not registered", logx.String("job", scheduler.JobStorageOptimize), logx.Err(err))
	}
	if s.HeartbeatSchedule == "" {
		a.sched.Remove(scheduler.JobHeartbeat)
		return
	}
	inFlight := func() int64 { return a.inflight.Counters().Active }
	if err := a.sched.Add(scheduler.JobHeartbeat, s.HeartbeatSchedule, 0,
		scheduler.HeartbeatJob(a.store.Stats, inFlight, jobLog)); err != nil {
		a.log.Warn("maintenance job not registered", logx.String("job", scheduler.JobHeartbeat), logx.Err(err))
	}
}

func builtinDeps(a *App) commands.Deps {
	return commands.Deps{
		Config:      a.resolver,
		KV:          a.store,
		Stats:       a.store.Stats,
		Latency:     a.adapter.Latency,
		Self:        a.adapter.Self,
		Version:     a.version,
		Description: description,
		BootTime:    a.boot,
	}
}
