package usercache

import (
	"math/rand/v2"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Status tags a cache entry as a found profile or a confirmed absence.
type Status uint8

const (
	StatusFound Status = iota + 1
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Profile holds the display fields of a guild member. Only Username is required.
type Profile struct {
	Username   string
	GlobalName string
	Nickname   string
}

// DisplayName prefers the guild nickname, then the global display name, then the username.
func (p Profile) DisplayName() string {
	switch {
	case p.Nickname != "":
		return p.Nickname
	case p.GlobalName != "":
		return p.GlobalName
	default:
		return p.Username
	}
}

// Entry is one cached lookup result for (GuildID, UserID).
//
// A StatusNotFound entry records "looked up, confirmed absent" and carries a zero Profile.
type Entry struct {
	GuildID   snowflake.ID
	UserID    snowflake.ID
	Profile   Profile
	Status    Status
	ExpiresAt time.Time
}

func (e Entry) NotFound() bool { return e.Status == StatusNotFound }

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// TTLPolicy computes entry lifetimes.
//
// A positive entry lives Base plus a uniform jitter in [0, Jitter). A negative entry created
// with the same jitter sample lives NegativeRatio of that.
type TTLPolicy struct {
	Base          time.Duration
	Jitter        time.Duration
	NegativeRatio float64
}

const (
	DefaultTTL           = 6 * time.Hour
	DefaultTTLJitter     = 2 * time.Hour
	DefaultNegativeRatio = 0.3
)

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Base: DefaultTTL, Jitter: DefaultTTLJitter, NegativeRatio: DefaultNegativeRatio}
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	if p.Base <= 0 {
		p.Base = DefaultTTL
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.NegativeRatio <= 0 || p.NegativeRatio >= 1 {
		p.NegativeRatio = DefaultNegativeRatio
	}
	return p
}

// Lifetime returns the lifetime for a sample u in [0, 1).
func (p TTLPolicy) Lifetime(u float64, notFound bool) time.Duration {
	p = p.withDefaults()
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = 0.999999
	}
	d := p.Base + time.Duration(u*float64(p.Jitter))
	if notFound {
		d = time.Duration(float64(d) * p.NegativeRatio)
	}
	return d
}

// NewFound builds a positive entry expiring per policy. rng may be nil.
func (p TTLPolicy) NewFound(guildID, userID snowflake.ID, prof Profile, now time.Time, rng *rand.Rand) Entry {
	return Entry{
		GuildID:   guildID,
		UserID:    userID,
		Profile:   prof,
		Status:    StatusFound,
		ExpiresAt: now.Add(p.Lifetime(sample(rng), false)),
	}
}

// NewNotFound builds a negative entry expiring per policy. rng may be nil.
func (p TTLPolicy) NewNotFound(guildID, userID snowflake.ID, now time.Time, rng *rand.Rand) Entry {
	return Entry{
		GuildID:   guildID,
		UserID:    userID,
		Status:    StatusNotFound,
		ExpiresAt: now.Add(p.Lifetime(sample(rng), true)),
	}
}

func sample(rng *rand.Rand) float64 {
	if rng == nil {
		return rand.Float64()
	}
	return rng.Float64()
}
