package config

import (
	"sort"
	"strings"

	logx "birthdaybot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe structured
// attrs for logging (never includes the token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	// Discord (never log token)
	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token ||
		strings.TrimSpace(od.APIBase) != strings.TrimSpace(nd.APIBase) ||
		strings.TrimSpace(od.RequestTimeout) != strings.TrimSpace(nd.RequestTimeout) ||
		od.RatePerSec != nd.RatePerSec ||
		od.Shards != nd.Shards {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.String("discord.request_timeout", strings.TrimSpace(nd.RequestTimeout)),
			logx.Any("discord.rate_per_sec", nd.RatePerSec),
			logx.Int("discord.shards", nd.Shards),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	// Storage
	ost, ns := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(ns.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(ns.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(ns.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.ttl", newCfg.Cache.TTL),
			logx.Any("cache.negative_ratio", newCfg.Cache.NegativeRatio),
		)
	}

	if oldCfg.Refresh != newCfg.Refresh {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Int("refresh.batch_size", newCfg.Refresh.BatchSize),
			logx.Int("refresh.max_concurrent_fetches", newCfg.Refresh.MaxConcurrentFetches),
			logx.Int("refresh.guild_concurrency", newCfg.Refresh.GuildConcurrency),
		)
	}

	// Debug (never log token)
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any changed section can only take effect after a restart.
// Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
