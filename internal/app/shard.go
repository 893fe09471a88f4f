package app

import (
	"context"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/semaphore"

	"birthdaybot/internal/birthday"
	"birthdaybot/internal/refresh"
	"birthdaybot/internal/storage"
	"birthdaybot/internal/task/scheduler"
	"birthdaybot/internal/transport"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

// Job names, in the order each tick runs them.
const (
	jobGuildDirectory    = "guild-directory"
	jobCacheSweep        = "cache-sweep"
	jobBackgroundRefresh = "background-refresh"
	jobBirthdayRoles     = "birthday-roles"
)

// shardStore is the persistence a shard loop reads and writes.
type shardStore interface {
	birthday.Store
	ListBirthdayGuilds(ctx context.Context) ([]snowflake.ID, error)
}

type shardDeps struct {
	Store    shardStore
	Platform birthday.Platform
	Cache    *usercache.Store
	Refresh  *refresh.Coordinator
	Dir      *guildDirectory

	// Shards is the total shard count; guilds route by transport.ShardFor.
	Shards int
	// GuildConcurrency sizes the shard's outer gate.
	GuildConcurrency int
	// UsersPerGuild caps a guild's share of one background sweep.
	UsersPerGuild int
}

// shard owns the per-shard background jobs. Only the cache, the coordinator and the
// guild directory are shared between shards.
type shard struct {
	index    int
	deps     shardDeps
	outer    *semaphore.Weighted
	detector *birthday.Detector
	log      logx.Logger
}

func newShard(index int, deps shardDeps, log logx.Logger) *shard {
	s := &shard{
		index: index,
		deps:  deps,
		outer: semaphore.NewWeighted(int64(max(1, deps.GuildConcurrency))),
		log:   log,
	}
	s.detector = birthday.NewDetector(deps.Store, deps.Platform, deps.Cache, birthday.Options{
		Filter: s.owns,
	}, log.With(logx.String("comp", "birthday")))
	return s
}

func (s *shard) name() string { return fmt.Sprintf("shard-%d", s.index) }

func (s *shard) owns(guildID snowflake.ID) bool {
	return transport.ShardFor(guildID, s.deps.Shards) == s.index
}

// jobs returns the tick's ordered job list.
func (s *shard) jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: jobGuildDirectory, Run: s.refreshDirectory},
		{Name: jobCacheSweep, Run: s.sweepCache},
		{Name: jobBackgroundRefresh, Run: s.backgroundRefresh},
		{Name: jobBirthdayRoles, Run: s.detector.Run},
	}
}

func (s *shard) refreshDirectory(ctx context.Context) error {
	_, err := s.deps.Dir.Refresh(ctx)
	return err
}

func (s *shard) sweepCache(context.Context) error {
	removed := 0
	for _, gid := range s.deps.Cache.Guilds() {
		if s.owns(gid) {
			removed += s.deps.Cache.SweepGuild(gid)
		}
	}
	if removed > 0 {
		s.log.Debug("cache swept", logx.Int("removed", removed))
	}
	return nil
}

func (s *shard) backgroundRefresh(ctx context.Context) error {
	all, err := s.deps.Store.ListBirthdayGuilds(ctx)
	if err != nil {
		return goerr.Wrap(err, "list birthday guilds")
	}
	guilds := make([]snowflake.ID, 0, len(all))
	for _, gid := range all {
		if s.owns(gid) && s.deps.Dir.Has(gid) {
			guilds = append(guilds, gid)
		}
	}
	if len(guilds) == 0 {
		return nil
	}

	batches, err := refresh.PlanBackground(ctx, guilds, refresh.MissingFromStore(s.deps.Store, s.deps.Cache), s.deps.UsersPerGuild, nil)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}
	s.log.Debug("background refresh planned", logx.Int("guilds", len(batches)))
	return s.deps.Refresh.BackgroundRefreshShardTask(ctx, batches, s.outer)
}

var _ shardStore = (storage.Store)(nil)
