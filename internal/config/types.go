package config

import (
	"github.com/disgoorg/snowflake/v2"
)

// Config is the process configuration. JSON or YAML; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "6h").
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Cache     CacheConfig     `json:"cache"`
	Refresh   RefreshConfig   `json:"refresh"`
	Debug     DebugConfig     `json:"debug"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	APIBase string `json:"api_base,omitempty"`
	// RequestTimeout bounds a single REST call (default "15s").
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RatePerSec caps outgoing REST calls process-wide (default 40).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Shards is the number of independent background loops (default 1).
	Shards int `json:"shards,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel mirrors log lines at or above MinLevel into a chat channel.
// ChannelID must be quoted in the file (snowflakes exceed float precision).
type LoggingChannel struct {
	Enabled    bool         `json:"enabled"`
	ChannelID  snowflake.ID `json:"channel_id"`
	MinLevel   string       `json:"min_level"`
	RatePerSec int          `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/birthdaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the per-shard background loop.
type SchedulerConfig struct {
	// Interval accepts anything ParseSchedule does: "1m", "00:05", "@every 1m", "*/2 * * * *".
	Interval string `json:"interval"`
	// Timezone applies to cron expressions only.
	Timezone   string `json:"timezone,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`
}

// CacheConfig controls user cache lifetimes.
//
// Defaults: ttl "6h", ttl_jitter "2h", negative_ratio 0.3.
type CacheConfig struct {
	TTL           string  `json:"ttl,omitempty"`
	TTLJitter     string  `json:"ttl_jitter,omitempty"`
	NegativeRatio float64 `json:"negative_ratio,omitempty"`
}

// RefreshConfig controls member fetching.
//
// Defaults: batch_size 20, max_concurrent_fetches 25, guild_concurrency 4,
// jitter_min "250ms", jitter_max "2s", background_users_per_guild 50.
type RefreshConfig struct {
	BatchSize               int    `json:"batch_size,omitempty"`
	MaxConcurrentFetches    int    `json:"max_concurrent_fetches,omitempty"`
	GuildConcurrency        int    `json:"guild_concurrency,omitempty"`
	JitterMin               string `json:"jitter_min,omitempty"`
	JitterMax               string `json:"jitter_max,omitempty"`
	BackgroundUsersPerGuild int    `json:"background_users_per_guild,omitempty"`
}

// DebugConfig controls the optional HTTP server exposing /healthz, /debug/status and pprof.
//
// Binding to a non-loopback address requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
