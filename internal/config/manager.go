package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"

	logx "birthdaybot/pkg/logx"
)

// ConfigManager owns the current config and fans reloads out to subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of cfg; unchanged rewrites are not republished

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook that must accept a reloaded config before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads, decodes and validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, goerr.Wrap(err, "read config", goerr.V("path", m.path))
	}
	return ParseBytes(m.path, b)
}

// ParseBytes decodes JSON or YAML (chosen by the name's extension)
// into a Config, rejecting unknown fields and trailing data, and validates it.
func ParseBytes(name string, b []byte) (*Config, error) {
	jb, err := toJSON(name, b)
	if err != nil {
		return nil, goerr.Wrap(err, "decode config", goerr.V("path", name))
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, goerr.Wrap(err, "decode config", goerr.V("path", name))
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, goerr.New("invalid config: trailing data", goerr.V("path", name))
		}
		return nil, goerr.Wrap(err, "decode config", goerr.V("path", name))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = slices.Delete(m.subs, i, i+1)
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest queued
// config so it always ends up with the latest one.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for range 2 {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch reloads the file when it changes until ctx ends. Writes are debounced, and a
// reload is committed and published only when it parses, passes the validator and
// differs from the current config. Watch returns an error when the underlying watcher
// breaks; the caller is expected to restart it.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "create config watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return goerr.Wrap(err, "watch config dir", goerr.V("dir", dir))
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return goerr.New("config watcher events closed", goerr.V("dir", dir))
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return goerr.New("config watcher errors closed", goerr.V("dir", dir))
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

func (m *ConfigManager) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed; keeping current config", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", strconv.FormatUint(h, 16)))
}
