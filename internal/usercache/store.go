// Package usercache is the in-memory, expiring store of per-guild member profiles.
//
// It never performs I/O. All methods are safe for concurrent use.
package usercache

import (
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Clock abstracts time.Now() for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type bucket map[snowflake.ID]Entry

type Store struct {
	mu     sync.RWMutex
	guilds map[snowflake.ID]bucket
	clock  Clock
}

// New returns an empty store. A nil clock uses the wall clock.
func New(clock Clock) *Store {
	if clock == nil {
		clock = realClock{}
	}
	return &Store{guilds: map[snowflake.ID]bucket{}, clock: clock}
}

// Update upserts e by (GuildID, UserID). Last write wins.
func (s *Store) Update(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.guilds[e.GuildID]
	if b == nil {
		b = bucket{}
		s.guilds[e.GuildID] = b
	}
	b[e.UserID] = e
}

// GetForGuild returns the live entries of a guild as a lazy sequence.
//
// Each iteration takes a fresh copy of the bucket, so the sequence can be ranged over
// more than once and callers may write to the store while ranging. Expiry is checked
// at yield time.
func (s *Store) GetForGuild(guildID snowflake.ID, includeNegative bool) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		s.mu.RLock()
		entries := slices.Collect(maps.Values(s.guilds[guildID]))
		s.mu.RUnlock()

		for _, e := range entries {
			if e.Expired(s.clock.Now()) {
				continue
			}
			if e.NotFound() && !includeNegative {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// GetSnapshot copies the live positive entries of a guild.
// ok is false when the guild has no usable entry, including when every entry expired.
func (s *Store) GetSnapshot(guildID snowflake.ID) (map[snowflake.ID]Entry, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.guilds[guildID]
	if len(b) == 0 {
		return nil, false
	}
	out := make(map[snowflake.ID]Entry, len(b))
	for id, e := range b {
		if e.NotFound() || e.Expired(now) {
			continue
		}
		out[id] = e
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Has reports whether a live entry exists for the user.
func (s *Store) Has(guildID, userID snowflake.ID, includeNegative bool) bool {
	now := s.clock.Now()
	s.mu.RLock()
	e, ok := s.guilds[guildID][userID]
	s.mu.RUnlock()
	if !ok || e.Expired(now) {
		return false
	}
	return includeNegative || !e.NotFound()
}

// Sweep removes expired entries from every guild and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.guilds {
		n += s.sweepLocked(id, now)
	}
	return n
}

// SweepGuild removes expired entries of one guild.
func (s *Store) SweepGuild(guildID snowflake.ID) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(guildID, now)
}

func (s *Store) sweepLocked(guildID snowflake.ID, now time.Time) int {
	b, ok := s.guilds[guildID]
	if !ok {
		return 0
	}
	n := 0
	for uid, e := range b {
		if e.Expired(now) {
			delete(b, uid)
			n++
		}
	}
	if len(b) == 0 {
		delete(s.guilds, guildID)
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.guilds {
		n += len(b)
	}
	return n
}

// Guilds lists guild ids that currently own a bucket.
func (s *Store) Guilds() []snowflake.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Keys(s.guilds))
}
