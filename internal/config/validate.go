package config

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"birthdaybot/internal/task/scheduler"
)

// Validate checks field shapes. It does not touch the network or the filesystem.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Discord.Token) == "" {
		add(goerr.New("discord.token is required"))
	}
	dur("discord.request_timeout", c.Discord.RequestTimeout)
	if c.Discord.RatePerSec < 0 {
		add(goerr.New("discord.rate_per_sec must be >= 0", goerr.V("value", c.Discord.RatePerSec)))
	}
	if c.Discord.Shards < 0 {
		add(goerr.New("discord.shards must be >= 0", goerr.V("value", c.Discord.Shards)))
	}

	if c.Logging.Channel.Enabled && c.Logging.Channel.ChannelID == 0 {
		add(goerr.New("logging.channel.channel_id is required when channel logging is enabled"))
	}
	if c.Logging.Channel.RatePerSec < 0 {
		add(goerr.New("logging.channel.rate_per_sec must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		add(goerr.New("storage.driver must be sqlite", goerr.V("driver", c.Storage.Driver)))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if s := strings.TrimSpace(c.Scheduler.Interval); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			add(goerr.Wrap(err, "scheduler.interval"))
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(goerr.Wrap(err, "scheduler.timezone", goerr.V("timezone", tz)))
		}
	}
	dur("scheduler.job_timeout", c.Scheduler.JobTimeout)

	dur("cache.ttl", c.Cache.TTL)
	dur("cache.ttl_jitter", c.Cache.TTLJitter)
	if r := c.Cache.NegativeRatio; r < 0 || r >= 1 {
		add(goerr.New("cache.negative_ratio must be in [0, 1)", goerr.V("value", r)))
	}

	r := c.Refresh
	for _, f := range []struct {
		name string
		v    int
	}{
		{"refresh.batch_size", r.BatchSize},
		{"refresh.max_concurrent_fetches", r.MaxConcurrentFetches},
		{"refresh.guild_concurrency", r.GuildConcurrency},
		{"refresh.background_users_per_guild", r.BackgroundUsersPerGuild},
	} {
		if f.v < 0 {
			add(goerr.New(f.name+" must be >= 0", goerr.V("value", f.v)))
		}
	}
	jmin, err := ParseDurationField("refresh.jitter_min", r.JitterMin)
	add(err)
	jmax, err := ParseDurationField("refresh.jitter_max", r.JitterMax)
	add(err)
	if jmax > 0 && jmax < jmin {
		add(goerr.New("refresh.jitter_max must be >= refresh.jitter_min"))
	}

	if addr := strings.TrimSpace(c.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(goerr.Wrap(err, "debug.addr", goerr.V("addr", addr)))
		}
	}

	return errors.Join(errs...)
}
