package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"birthdaybot/internal/transport"
	logx "birthdaybot/pkg/logx"
)

const (
	directoryMaxAge       = 5 * time.Minute
	directoryFetchTimeout = 30 * time.Second
)

// guildDirectory caches the set of guilds the bot belongs to. Concurrent refreshes from
// several shard loops share one remote call.
type guildDirectory struct {
	src    transport.GuildDirectory
	maxAge time.Duration
	now    func() time.Time
	log    logx.Logger

	group singleflight.Group

	mu       sync.RWMutex
	loaded   bool
	guilds   []snowflake.ID // sorted
	loadedAt time.Time
}

func newGuildDirectory(src transport.GuildDirectory, log logx.Logger) *guildDirectory {
	return &guildDirectory{src: src, maxAge: directoryMaxAge, now: time.Now, log: log}
}

// Refresh reloads the guild list unless the cached copy is younger than maxAge.
func (d *guildDirectory) Refresh(ctx context.Context) ([]snowflake.ID, error) {
	d.mu.RLock()
	if d.loaded && d.now().Sub(d.loadedAt) < d.maxAge {
		out := d.guilds
		d.mu.RUnlock()
		return out, nil
	}
	d.mu.RUnlock()

	ch := d.group.DoChan("guilds", func() (any, error) {
		// Detached so one shard's cancelled tick does not fail the others waiting on it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryFetchTimeout)
		defer cancel()
		ids, err := d.src.CurrentGuilds(fctx)
		if err != nil {
			return nil, goerr.Wrap(err, "list current guilds")
		}
		ids = slices.Clone(ids)
		slices.Sort(ids)

		d.mu.Lock()
		d.guilds = ids
		d.loaded = true
		d.loadedAt = d.now()
		d.mu.Unlock()
		d.log.Debug("guild directory refreshed", logx.Int("guilds", len(ids)))
		return ids, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]snowflake.ID), nil
	}
}

// Has reports whether the bot is in guildID. Before the first load every guild resolves.
func (d *guildDirectory) Has(guildID snowflake.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return true
	}
	_, ok := slices.BinarySearch(d.guilds, guildID)
	return ok
}
