package config

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Discord     DiscordConfig     `json:"discord"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Tracking    TrackingConfig    `json:"tracking"`
	Commands    CommandsConfig    `json:"commands"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// LogChannel receives log records from the Discord sink.
	LogChannel       string `json:"log_channel,omitempty"`
	MessageCacheSize int    `json:"message_cache_size,omitempty"` // default 5000
	RequestTimeout   string `json:"request_timeout,omitempty"`    // default 10s
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the key-value store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/guildwatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// TrackingConfig tunes notification delivery.
//
// Reactions is a pointer so an omitted key keeps the default (enabled).
type TrackingConfig struct {
	FetchTimeout   string `json:"fetch_timeout,omitempty"`     // default 5s
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"` // default 5
	SendTimeout    string `json:"send_timeout,omitempty"`      // default 10s
	Reactions      *bool  `json:"reactions,omitempty"`
}

type CommandsConfig struct {
	Timeout         string `json:"timeout,omitempty"`          // default 10s
	FortuneCooldown string `json:"fortune_cooldown,omitempty"` // default 24h
}

// MaintenanceConfig schedules periodic housekeeping. Schedule accepts a cron
// expression, "@every <dur>", a bare Go duration, or "HH:MM".
type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`  // default "@every 6h"
	Heartbeat string `json:"heartbeat,omitempty"` // default "@every 15m"; "off" disables
	Timezone  string `json:"timezone,omitempty"`
}

// ReactionsEnabled reports the keyword reaction toggle (default true).
func (t TrackingConfig) ReactionsEnabled() bool {
	return t.Reactions == nil || *t.Reactions
}
