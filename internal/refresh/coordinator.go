package refresh

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"birthdaybot/internal/transport"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

const (
	DefaultBatchSize     = 20
	DefaultMaxConcurrent = 25
	DefaultJitterMin     = 250 * time.Millisecond
	DefaultJitterMax     = 2 * time.Second
)

// MissingFunc returns the ids of a guild that need a fetch right now.
type MissingFunc func(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)

// GuildResolver reports whether the bot can still reach a guild.
type GuildResolver func(guildID snowflake.ID) bool

// GuildBatch is one guild's share of a background sweep.
type GuildBatch struct {
	GuildID snowflake.ID
	UserIDs []snowflake.ID
}

type Options struct {
	BatchSize int
	JitterMin time.Duration
	JitterMax time.Duration
	TTL       usercache.TTLPolicy

	// Resolver filters background batches. Nil resolves every guild.
	Resolver GuildResolver

	// Hooks for tests. Nil means real time and randomness.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Rand  *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.JitterMin < 0 {
		o.JitterMin = 0
	}
	if o.JitterMin == 0 && o.JitterMax == 0 {
		o.JitterMin, o.JitterMax = DefaultJitterMin, DefaultJitterMax
	}
	if o.JitterMax < o.JitterMin {
		o.JitterMax = o.JitterMin
	}
	if o.TTL == (usercache.TTLPolicy{}) {
		o.TTL = usercache.DefaultTTLPolicy()
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats are cumulative counters since the coordinator was created.
type Stats struct {
	InFlight int
	Jobs     int64
	Fetches  int64
	Found    int64
	NotFound int64
	Dropped  int64
}

// Coordinator deduplicates and paces member fetches into the cache.
type Coordinator struct {
	root   context.Context
	lookup transport.MemberLookup
	cache  *usercache.Store
	inner  *semaphore.Weighted
	opts   Options
	log    logx.Logger

	mu       sync.Mutex
	inflight map[snowflake.ID]*Job
	wg       sync.WaitGroup

	randMu sync.Mutex

	jobs, fetches, found, notFound, dropped atomic.Int64
}

// New creates a coordinator. Jobs run under root, not under any caller's context.
// inner is the process-wide fetch gate; nil creates one of DefaultMaxConcurrent slots.
func New(root context.Context, lookup transport.MemberLookup, cache *usercache.Store, inner *semaphore.Weighted, opts Options, log logx.Logger) *Coordinator {
	if root == nil {
		root = context.Background()
	}
	if inner == nil {
		inner = semaphore.NewWeighted(DefaultMaxConcurrent)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		root:     root,
		lookup:   lookup,
		cache:    cache,
		inner:    inner,
		opts:     opts.withDefaults(),
		log:      log,
		inflight: make(map[snowflake.ID]*Job),
	}
}

// RequestGuildRefresh starts or joins the guild's fetch job for the ids missing returns.
// When nothing is missing the returned job is already complete.
func (c *Coordinator) RequestGuildRefresh(ctx context.Context, guildID snowflake.ID, missing MissingFunc) (*Job, error) {
	ids, err := missing(ctx, guildID)
	if err != nil {
		return nil, goerr.Wrap(err, "list missing users", goerr.V("guild", guildID))
	}
	if len(ids) == 0 {
		return completedJob(guildID, nil), nil
	}
	j, _ := c.joinOrStart(guildID, ids)
	return j, nil
}

// RefreshGuild blocks until every id missing reports has had at least one fetch attempt.
//
// A joined job may have been started for a narrower set; ids it did not cover are
// re-checked once it finishes.
func (c *Coordinator) RefreshGuild(ctx context.Context, guildID snowflake.ID, missing MissingFunc) error {
	attempted := make(map[snowflake.ID]struct{})
	for {
		ids, err := missing(ctx, guildID)
		if err != nil {
			return goerr.Wrap(err, "list missing users", goerr.V("guild", guildID))
		}
		pending := ids[:0:0]
		for _, id := range ids {
			if _, ok := attempted[id]; !ok {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		j, created := c.joinOrStart(guildID, pending)
		if err := j.Wait(ctx); err != nil {
			return err
		}
		for _, id := range j.userIDs {
			attempted[id] = struct{}{}
		}
		if created {
			return nil
		}
		c.log.Debug("joined narrower refresh; re-checking",
			logx.Uint64("guild", uint64(guildID)), logx.String("job", j.ID))
	}
}

// BackgroundRefreshShardTask starts guild jobs in batch order, one per outer slot, so up to
// the gate's weight run at once. Guilds the resolver rejects and empty batches are skipped.
// Job failures are collected and returned once every started job has finished.
func (c *Coordinator) BackgroundRefreshShardTask(ctx context.Context, batches []GuildBatch, outer *semaphore.Weighted) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		if err := outer.Acquire(ctx, 1); err != nil {
			break
		}
		if len(b.UserIDs) == 0 || (c.opts.Resolver != nil && !c.opts.Resolver(b.GuildID)) {
			outer.Release(1)
			continue
		}

		j, _ := c.joinOrStart(b.GuildID, b.UserIDs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer outer.Release(1)
			if err := j.Wait(ctx); err != nil && ctx.Err() == nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
		runtime.Gosched()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// InFlight returns the number of guild jobs currently registered.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight: c.InFlight(),
		Jobs:     c.jobs.Load(),
		Fetches:  c.fetches.Load(),
		Found:    c.found.Load(),
		NotFound: c.notFound.Load(),
		Dropped:  c.dropped.Load(),
	}
}

// Wait blocks until every started job has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) joinOrStart(guildID snowflake.ID, ids []snowflake.ID) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.inflight[guildID]; ok {
		return j, false
	}
	// After Stop no new job may join the wait group.
	if err := c.root.Err(); err != nil {
		return completedJob(guildID, err), true
	}
	j := newJob(guildID, dedupe(ids), c.opts.Now())
	c.inflight[guildID] = j
	c.jobs.Add(1)
	c.wg.Add(1)
	go c.run(j)
	return j, true
}

func (c *Coordinator) run(j *Job) {
	log := c.log.With(logx.Uint64("guild", uint64(j.GuildID)), logx.String("job", j.ID))
	defer func() {
		if r := recover(); r != nil {
			j.err = goerr.New("refresh job panicked", goerr.V("panic", r))
			log.Error("refresh job panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
		}
		c.mu.Lock()
		if c.inflight[j.GuildID] == j {
			delete(c.inflight, j.GuildID)
		}
		c.mu.Unlock()
		close(j.done)
		c.wg.Done()
	}()

	log.Debug("refresh job started", logx.Int("users", len(j.userIDs)))
	j.err = c.fetchAll(j)

	switch {
	case j.err == nil:
		log.Debug("refresh job finished",
			logx.Int64("found", j.found.Load()),
			logx.Int64("not_found", j.notFound.Load()),
			logx.Int64("dropped", j.dropped.Load()),
			logx.Duration("took", c.opts.Now().Sub(j.StartedAt)))
	case errors.Is(j.err, context.Canceled):
		log.Debug("refresh job cancelled")
	default:
		log.Warn("refresh job failed", logx.Err(j.err))
	}
}

func (c *Coordinator) fetchAll(j *Job) error {
	size := c.opts.BatchSize
	for start := 0; start < len(j.userIDs); start += size {
		if err := c.root.Err(); err != nil {
			return err
		}
		end := min(start+size, len(j.userIDs))

		g, gctx := errgroup.WithContext(c.root)
		for _, uid := range j.userIDs[start:end] {
			g.Go(func() error { return c.fetchOne(gctx, j, uid) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return c.root.Err()
}

func (c *Coordinator) fetchOne(ctx context.Context, j *Job, userID snowflake.ID) error {
	if err := c.inner.Acquire(ctx, 1); err != nil {
		j.dropped.Add(1)
		c.dropped.Add(1)
		return nil
	}
	defer c.inner.Release(1)

	if err := c.opts.Sleep(ctx, c.jitter()); err != nil {
		j.dropped.Add(1)
		c.dropped.Add(1)
		return nil
	}

	c.fetches.Add(1)
	m, err := c.lookup.FetchMember(ctx, j.GuildID, userID)
	now := c.opts.Now()
	switch {
	case err == nil:
		prof := usercache.Profile{Username: m.Username, GlobalName: m.GlobalName, Nickname: m.Nickname}
		c.cache.Update(c.opts.TTL.NewFound(j.GuildID, userID, prof, now, c.rng()))
		j.found.Add(1)
		c.found.Add(1)
	case errors.Is(err, transport.ErrUnknownMember):
		c.cache.Update(c.opts.TTL.NewNotFound(j.GuildID, userID, now, c.rng()))
		j.notFound.Add(1)
		c.notFound.Add(1)
	case IsTransient(err):
		j.dropped.Add(1)
		c.dropped.Add(1)
		c.log.Debug("member fetch dropped",
			logx.Uint64("guild", uint64(j.GuildID)), logx.Uint64("user", uint64(userID)), logx.Err(err))
	default:
		return goerr.Wrap(err, "fetch member", goerr.V("guild", j.GuildID), goerr.V("user", userID))
	}
	return nil
}

// rng returns nil for the shared source; cache constructors treat nil as the global generator.
func (c *Coordinator) rng() *rand.Rand {
	if c.opts.Rand == nil {
		return nil
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return rand.New(rand.NewPCG(c.opts.Rand.Uint64(), c.opts.Rand.Uint64()))
}

func (c *Coordinator) jitter() time.Duration {
	lo, hi := c.opts.JitterMin, c.opts.JitterMax
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	if c.opts.Rand == nil {
		return lo + time.Duration(rand.Int64N(span+1))
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return lo + time.Duration(c.opts.Rand.Int64N(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
