package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// intervalWithSpread delays the first tick by a random share of the interval (capped)
// so shard loops started together do not fire in lockstep.
func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}

	seed := uint64(time.Now().UnixNano()) ^ spreadSeq.Add(1)
	rng := rand.New(rand.NewPCG(seed, fnv64a(tag)))
	jitter := time.Duration(rng.Int64N(int64(spreadMax)))
	first := now.Add(every + jitter)
	return &startupSpreadSchedule{base: base, first: first}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
