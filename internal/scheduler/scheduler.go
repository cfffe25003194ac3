// Package scheduler runs periodic maintenance jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"guildwatch/internal/eventbus"
	logx "guildwatch/pkg/logx"
)

const (
	EventJobFailed  = "scheduler.job_failed"
	EventJobSkipped = "scheduler.job_skipped"
)

type Job func(ctx context.Context) error

type Config struct {
	Enabled  bool
	Location *time.Location // nil means time.Local
}

type def struct {
	name    string
	spec    ParsedSpec
	raw     string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running *atomic.Bool
	spread  time.Duration
}

// Service triggers named jobs. A job still running when its next tick
// arrives is skipped for that tick.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*def

	// base is the parent context of job runs; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Validate reports whether schedule would be accepted by Add.
func (s *Service) Validate(schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if err := s.Validate(schedule); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	ps, _ := ParseSchedule(schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, raw: schedule, timeout: timeout, job: job, running: &atomic.Bool{}}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	return nil
}

// Remove unregisters a job; it reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	s.removeLocked(name)
	return ok
}

func (s *Service) removeLocked(name string) {
	d, ok := s.defs[name]
	if !ok {
		return
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
}

func (s *Service) registerLocked(d *def) error {
	var (
		sched cron.Schedule
		err   error
	)
	switch d.spec.Kind {
	case SpecInterval:
		sched, d.spread = intervalWithSpread(d.spec.Every, time.Now())
	default:
		sched, err = s.parser.Parse(d.spec.Cron)
		if err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", d.name, d.spec.Cron, err)
		}
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(d) }))
	s.log.Debug("schedule registered",
		logx.String("name", d.name),
		logx.String("spec", d.raw),
		logx.Duration("spread", d.spread),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates the config. Enabling starts the cron, disabling stops it,
// and a timezone change re-registers every job.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldLoc := s.location()
	wasRunning := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !wasRunning:
		s.Start(ctx)
	case !cfg.Enabled && wasRunning:
		s.Stop(ctx)
	case wasRunning && oldLoc.String() != s.location().String():
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) location() *time.Location {
	if s.cfg.Location == nil {
		return time.Local
	}
	return s.cfg.Location
}

// Start begins triggering when enabled. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.location()))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.location().String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits (bounded by ctx) for running jobs.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.base = nil, nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running", logx.Err(ctx.Err()))
	}
}

// RunNow executes name immediately on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.exec(ctx, d)
}

func (s *Service) run(d *def) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_ = s.exec(base, d)
}

func (s *Service) exec(ctx context.Context, d *def) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("job still running; skipping tick", logx.String("name", d.name))
		s.publish(EventJobSkipped, d.name, nil)
		return nil
	}
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panic recovered", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
			s.publish(EventJobFailed, d.name, err)
			return
		}
		s.log.Debug("job finished", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	}()
	return d.job(ctx)
}

func (s *Service) publish(typ, name string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]string{"job": name}
	if err != nil {
		data["err"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Snapshot lists the registered jobs sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.raw}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
