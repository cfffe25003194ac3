package config

import (
	"reflect"
	"strings"

	logx "guildwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured
// fields for logging (never the token), and the changed sections that only
// take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	od, nd := oldCfg.Discord, newCfg.Discord
	if strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token) ||
		od.MessageCacheSize != nd.MessageCacheSize ||
		strings.TrimSpace(od.RequestTimeout) != strings.TrimSpace(nd.RequestTimeout) {
		changed = append(changed, "discord")
		restart = append(restart, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token)),
			logx.Int("discord.message_cache_size", nd.MessageCacheSize),
		)
	}
	// The log channel is applied live.
	if strings.TrimSpace(od.LogChannel) != strings.TrimSpace(nd.LogChannel) {
		changed = append(changed, "discord.log_channel")
		attrs = append(attrs, logx.Bool("discord.log_channel_set", strings.TrimSpace(nd.LogChannel) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracking, newCfg.Tracking) {
		changed = append(changed, "tracking")
		attrs = append(attrs,
			logx.String("tracking.fetch_timeout", newCfg.Tracking.FetchTimeout),
			logx.Int("tracking.send_rate_per_sec", newCfg.Tracking.SendRatePerSec),
			logx.Bool("tracking.reactions", newCfg.Tracking.ReactionsEnabled()),
		)
	}

	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.String("commands.timeout", newCfg.Commands.Timeout),
			logx.String("commands.fortune_cooldown", newCfg.Commands.FortuneCooldown),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
		)
	}
	return changed, attrs, restart
}
