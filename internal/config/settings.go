package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "guildwatch/pkg/logx"
)

const (
	DefaultMessageCacheSize = 5000
	DefaultRequestTimeout   = 10 * time.Second
	DefaultStoragePath      = "./data/guildwatch.db"
	DefaultFetchTimeout     = 5 * time.Second
	DefaultSendRatePerSec   = 5
	DefaultSendTimeout      = 10 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	DefaultFortuneCooldown  = 24 * time.Hour
	DefaultMaintenance      = "@every 6h"
	DefaultHeartbeat        = "@every 15m"
)

// Settings is the parsed, defaulted form of Config used by the app.
type Settings struct {
	Token            string
	LogChannel       string
	MessageCacheSize int
	RequestTimeout   time.Duration

	Logging logx.Config

	StorageDriver       string
	StoragePath         string
	StorageBusyTimeout  time.Duration
	StorageMaxOpenConns int

	FetchTimeout   time.Duration
	SendRatePerSec int
	SendTimeout    time.Duration
	Reactions      bool

	CommandTimeout  time.Duration
	FortuneCooldown time.Duration

	MaintenanceEnabled  bool
	MaintenanceSchedule string
	HeartbeatSchedule   string // empty when disabled
	Timezone            *time.Location
}

// durationSetting parses an optional duration key. Empty and zero values
// select def.
func durationSetting(path, raw string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration such as \"10s\", got %q", path, raw)
	}
	if d < 0 {
		return def, fmt.Errorf("%s must not be negative, got %q", path, raw)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Resolve validates cfg and fills defaults. Every problem is reported, not
// just the first.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationSetting(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	s := Settings{
		Token:            strings.TrimSpace(cfg.Discord.Token),
		LogChannel:       strings.TrimSpace(cfg.Discord.LogChannel),
		MessageCacheSize: cfg.Discord.MessageCacheSize,
		RequestTimeout:   dur("discord.request_timeout", cfg.Discord.RequestTimeout, DefaultRequestTimeout),

		Logging: logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			Discord: logx.DiscordConfig{
				Enabled:    cfg.Logging.Discord.Enabled,
				MinLevel:   cfg.Logging.Discord.MinLevel,
				RatePerSec: cfg.Logging.Discord.RatePerSec,
			},
		},

		StorageDriver:       strings.TrimSpace(cfg.Storage.Driver),
		StoragePath:         strings.TrimSpace(cfg.Storage.Path),
		StorageBusyTimeout:  dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0),
		StorageMaxOpenConns: cfg.Storage.MaxOpenConns,

		FetchTimeout:   dur("tracking.fetch_timeout", cfg.Tracking.FetchTimeout, DefaultFetchTimeout),
		SendRatePerSec: cfg.Tracking.SendRatePerSec,
		SendTimeout:    dur("tracking.send_timeout", cfg.Tracking.SendTimeout, DefaultSendTimeout),
		Reactions:      cfg.Tracking.ReactionsEnabled(),

		CommandTimeout:  dur("commands.timeout", cfg.Commands.Timeout, DefaultCommandTimeout),
		FortuneCooldown: dur("commands.fortune_cooldown", cfg.Commands.FortuneCooldown, DefaultFortuneCooldown),

		MaintenanceEnabled:  cfg.Maintenance.Enabled,
		MaintenanceSchedule: strings.TrimSpace(cfg.Maintenance.Schedule),
		HeartbeatSchedule:   strings.TrimSpace(cfg.Maintenance.Heartbeat),
		Timezone:            time.Local,
	}

	if s.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if s.MessageCacheSize < 0 {
		errs = append(errs, errors.New("discord.message_cache_size must be >= 0"))
	}
	if s.MessageCacheSize == 0 {
		s.MessageCacheSize = DefaultMessageCacheSize
	}
	if s.LogChannel != "" && !isSnowflake(s.LogChannel) {
		errs = append(errs, fmt.Errorf("discord.log_channel: %q is not a channel id", s.LogChannel))
	}
	if lvl := strings.TrimSpace(s.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(s.Logging.Discord.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.discord.min_level: unknown level %q", lvl))
	}
	if s.Logging.Discord.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.discord.rate_per_sec must be >= 0"))
	}

	switch strings.ToLower(s.StorageDriver) {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q", s.StorageDriver))
	}
	if s.StoragePath == "" {
		s.StoragePath = DefaultStoragePath
	}
	if s.StorageMaxOpenConns < 0 {
		errs = append(errs, errors.New("storage.max_open_conns must be >= 0"))
	}

	if s.SendRatePerSec < 0 {
		errs = append(errs, errors.New("tracking.send_rate_per_sec must be >= 0"))
	}
	if s.SendRatePerSec == 0 {
		s.SendRatePerSec = DefaultSendRatePerSec
	}

	if s.MaintenanceSchedule == "" {
		s.MaintenanceSchedule = DefaultMaintenance
	}
	switch strings.ToLower(s.HeartbeatSchedule) {
	case "":
		s.HeartbeatSchedule = DefaultHeartbeat
	case "off", "none", "disabled":
		s.HeartbeatSchedule = ""
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		} else {
			s.Timezone = loc
		}
	}

	return s, errors.Join(errs...)
}

func isSnowflake(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return strings.Trim(s, "0") != ""
}
