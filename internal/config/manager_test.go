package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "birthdaybot/pkg/logx"
)

const sampleYAML = `
discord:
  token: abc
  shards: 2
logging:
  level: debug
  console: true
  channel:
    enabled: true
    channel_id: "1100000000000000001"
    min_level: warn
storage:
  driver: sqlite
  path: ./data/bot.db
scheduler:
  interval: 1m
  job_timeout: 5m
cache:
  ttl: 6h
  negative_ratio: 0.3
debug:
  enabled: true
  addr: 127.0.0.1:6060
refresh:
  batch_size: 20
  jitter_min: 250ms
  jitter_max: 2s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Discord.Token)
	assert.Equal(t, 2, cfg.Discord.Shards)
	assert.Equal(t, snowflake.ID(1100000000000000001), cfg.Logging.Channel.ChannelID)
	assert.Equal(t, "1m", cfg.Scheduler.Interval)
	assert.Equal(t, 20, cfg.Refresh.BatchSize)
	assert.True(t, cfg.Debug.Enabled)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"discord":{"token":"x"},"storage":{"driver":"sqlite","path":"a.db"}}`))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Discord.Token)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{"unknown field", "c.json", `{"discord":{"token":"x"},"telegram":{}}`},
		{"trailing data", "c.json", `{"discord":{"token":"x"}}{}`},
		{"missing token", "c.yaml", "storage:\n  driver: sqlite\n"},
		{"bad duration", "c.yaml", "discord:\n  token: x\ncache:\n  ttl: soon\n"},
		{"negative duration", "c.yaml", "discord:\n  token: x\nscheduler:\n  job_timeout: -1s\n"},
		{"bad schedule", "c.yaml", "discord:\n  token: x\nscheduler:\n  interval: whenever\n"},
		{"bad ratio", "c.yaml", "discord:\n  token: x\ncache:\n  negative_ratio: 1.5\n"},
		{"inverted jitter", "c.yaml", "discord:\n  token: x\nrefresh:\n  jitter_min: 2s\n  jitter_max: 1s\n"},
		{"unknown driver", "c.yaml", "discord:\n  token: x\nstorage:\n  driver: postgres\n"},
		{"bad debug addr", "c.yaml", "discord:\n  token: x\ndebug:\n  addr: nope\n"},
		{"channel without id", "c.yaml", "discord:\n  token: x\nlogging:\n  channel:\n    enabled: true\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, tc.file, tc.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{Cache: CacheConfig{TTL: "x"}, Refresh: RefreshConfig{BatchSize: -1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord.token")
	assert.Contains(t, err.Error(), "cache.ttl")
	assert.Contains(t, err.Error(), "refresh.batch_size")
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", " 90s ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Minute)
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Discord: DiscordConfig{Token: "old"}, Logging: LoggingConfig{Level: "info"}}
	b := &Config{Discord: DiscordConfig{Token: "new"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"discord", "logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.True(t, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(a, &Config{Discord: a.Discord, Logging: b.Logging})
	assert.Equal(t, []string{"logging"}, changed)
	assert.False(t, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(first)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Discord.Shards > 8 {
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(sampleYAML+"  background_users_per_guild: 7\n"), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Refresh.BackgroundUsersPerGuild)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	require.NoError(t, <-done)
}
