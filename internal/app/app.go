package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/semaphore"

	"birthdaybot/internal/config"
	"birthdaybot/internal/observability/debugserver"
	"birthdaybot/internal/refresh"
	"birthdaybot/internal/runtime/supervisor"
	"birthdaybot/internal/storage"
	"birthdaybot/internal/task/scheduler"
	"birthdaybot/internal/transport/discord"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	client  *discord.Client
	cache   *usercache.Store
	refresh *refresh.Coordinator
	dir     *guildDirectory

	// refreshCancel ends the coordinator's root context on Stop.
	refreshCancel context.CancelFunc

	loops []*scheduler.Loop
	debug *debugserver.Server
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The channel sink needs the REST client, which needs a logger; the sender is attached
	// once the client exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	dc, err := mapDiscordConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := discord.New(dc, log.With(logx.String("comp", "discord")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(client)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ttl, err := mapTTLPolicy(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ropts, err := mapRefreshOptions(cfg, ttl)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := usercache.New(nil)
	dir := newGuildDirectory(client, log.With(logx.String("comp", "directory")))
	ropts.Resolver = dir.Has

	rootCtx, rootCancel := context.WithCancel(context.Background())
	inner := semaphore.NewWeighted(int64(orDefault(cfg.Refresh.MaxConcurrentFetches, refresh.DefaultMaxConcurrent)))
	coord := refresh.New(rootCtx, client, cache, inner, ropts, log.With(logx.String("comp", "refresh")))

	a := &App{
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		store:         store,
		client:        client,
		cache:         cache,
		refresh:       coord,
		dir:           dir,
		refreshCancel: rootCancel,
	}

	shards := max(1, cfg.Discord.Shards)
	for i := range shards {
		sh := newShard(i, shardDeps{
			Store:            store,
			Platform:         client,
			Cache:            cache,
			Refresh:          coord,
			Dir:              dir,
			Shards:           shards,
			GuildConcurrency: orDefault(cfg.Refresh.GuildConcurrency, defaultGuildConcurrency),
			UsersPerGuild:    orDefault(cfg.Refresh.BackgroundUsersPerGuild, defaultUsersPerGuild),
		}, log.With(logx.String("comp", "shard"), logx.Int("shard", i)))

		lc, err := mapLoopConfig(cfg, sh.name())
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		loop, err := scheduler.New(lc, sh.jobs(), log.With(logx.String("comp", "scheduler")))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		a.loops = append(a.loops, loop)
	}

	a.debug = debugserver.New(mapDebugConfig(cfg), func() any { return a.Status() }, log.With(logx.String("comp", "debug")))
	return a, nil
}

func (a *App) closeEarly() {
	a.refreshCancel()
	_ = a.store.Close()
	_ = a.logs.Close()
}

// Cache exposes the user profile cache for readers.
func (a *App) Cache() *usercache.Store { return a.cache }

// Refresh exposes the coordinator for foreground refresh requests.
func (a *App) Refresh() *refresh.Coordinator { return a.refresh }

// RefreshGuild fetches every stored birthday user of guildID that has no live cache entry,
// waiting until they have all been attempted.
func (a *App) RefreshGuild(ctx context.Context, guildID snowflake.ID) error {
	return a.refresh.RefreshGuild(ctx, guildID, refresh.MissingFromStore(a.store, a.cache))
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTTLPolicy(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	for _, l := range a.loops {
		if err := l.Start(a.sup.Context()); err != nil {
			return goerr.Wrap(err, "start loop")
		}
	}

	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server disabled", logx.Err(err))
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithMaxRestarts(10))

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("app started", logx.Int("shards", len(a.loops)))
	return nil
}

// applyConfig applies the live-reloadable parts of cfg. Everything else waits for a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if config.RestartRequired(sections) {
		a.log.Warn("config changed outside logging; restart required for it to take effect",
			logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so loops and watchers start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, goerr.Wrap(err, name))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("loops", 5*time.Second, func(c context.Context) error {
		for _, l := range a.loops {
			l.Stop(c)
		}
		return nil
	})
	step("refresh", 5*time.Second, func(c context.Context) error {
		a.refreshCancel()
		done := make(chan struct{})
		go func() {
			a.refresh.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("debug", time.Second, a.debug.Stop)
	step("discord", time.Second, a.client.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
