package app

import (
	"strings"
	"time"

	"birthdaybot/internal/config"
	"birthdaybot/internal/observability/debugserver"
	"birthdaybot/internal/refresh"
	"birthdaybot/internal/storage"
	"birthdaybot/internal/task/scheduler"
	"birthdaybot/internal/transport/discord"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

const (
	defaultInterval         = "1m"
	defaultStoragePath      = "./data/birthdaybot.db"
	defaultGuildConcurrency = 4
	defaultUsersPerGuild    = 50
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    lc.Channel.Enabled,
			ChannelID:  uint64(lc.Channel.ChannelID),
			MinLevel:   lc.Channel.MinLevel,
			RatePerSec: lc.Channel.RatePerSec,
		},
	}
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	timeout, err := config.ParseDurationField("discord.request_timeout", cfg.Discord.RequestTimeout)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{
		Token:      strings.TrimSpace(cfg.Discord.Token),
		APIBase:    strings.TrimSpace(cfg.Discord.APIBase),
		Timeout:    timeout,
		RatePerSec: cfg.Discord.RatePerSec,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapTTLPolicy(cfg *config.Config) (usercache.TTLPolicy, error) {
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, usercache.DefaultTTL)
	if err != nil {
		return usercache.TTLPolicy{}, err
	}
	jitter := usercache.DefaultTTLJitter
	if strings.TrimSpace(cfg.Cache.TTLJitter) != "" {
		// An explicit "0s" disables jitter.
		if jitter, err = config.ParseDurationField("cache.ttl_jitter", cfg.Cache.TTLJitter); err != nil {
			return usercache.TTLPolicy{}, err
		}
	}
	return usercache.TTLPolicy{Base: ttl, Jitter: jitter, NegativeRatio: cfg.Cache.NegativeRatio}, nil
}

func mapRefreshOptions(cfg *config.Config, ttl usercache.TTLPolicy) (refresh.Options, error) {
	rc := cfg.Refresh
	jmin, err := config.ParseDurationField("refresh.jitter_min", rc.JitterMin)
	if err != nil {
		return refresh.Options{}, err
	}
	jmax, err := config.ParseDurationField("refresh.jitter_max", rc.JitterMax)
	if err != nil {
		return refresh.Options{}, err
	}
	return refresh.Options{BatchSize: rc.BatchSize, JitterMin: jmin, JitterMax: jmax, TTL: ttl}, nil
}

func mapLoopConfig(cfg *config.Config, name string) (scheduler.Config, error) {
	interval := strings.TrimSpace(cfg.Scheduler.Interval)
	if interval == "" {
		interval = defaultInterval
	}
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Name:           name,
		Schedule:       interval,
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultTimeout: timeout,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func mapDebugConfig(cfg *config.Config) debugserver.Config {
	return debugserver.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
