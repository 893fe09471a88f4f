package storage

import (
	"context"
	"errors"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
	ErrInvalid  = errors.New("invalid record")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// Path ":memory:" opens a private in-memory database.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// GuildSettings is the guild-wide configuration read by the birthday detector.
// Zero ids mean "not configured".
type GuildSettings struct {
	GuildID               snowflake.ID
	TimeZone              string
	BirthdayRoleID        snowflake.ID
	AnnounceChannelID     snowflake.ID
	AnnounceMessage       string
	AnnounceMessagePlural string
	AnnouncePing          bool
}

// BirthdayRecord is a user's registered birthday in a guild.
//
// LastProcessed is the watermark of the last applied transition; zero means never processed.
type BirthdayRecord struct {
	GuildID       snowflake.ID
	UserID        snowflake.ID
	Month         time.Month
	Day           int
	TimeZone      string
	LastProcessed time.Time
}

// Validate checks the calendar date. Feb 29 is valid.
func (r BirthdayRecord) Validate() error {
	if r.Month < time.January || r.Month > time.December {
		return ErrInvalid
	}
	if r.Day < 1 || r.Day > daysIn(r.Month) {
		return ErrInvalid
	}
	return nil
}

func daysIn(m time.Month) int {
	// 2000 is a leap year, so Feb yields 29.
	return time.Date(2000, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// GuildTx is the write surface available inside a guild-scoped transaction.
type GuildTx interface {
	// AdvanceWatermark moves a user's watermark forward to at.
	// It reports false when the record is missing or already at/after at.
	AdvanceWatermark(ctx context.Context, userID snowflake.ID, at time.Time) (bool, error)
}

// Store is the persistence API used by the app and background services.
type Store interface {
	ListGuildSettings(ctx context.Context) ([]GuildSettings, error)
	GetGuildSettings(ctx context.Context, guildID snowflake.ID) (GuildSettings, error)
	UpsertGuildSettings(ctx context.Context, gs GuildSettings) error
	ClearBirthdayRole(ctx context.Context, guildID snowflake.ID) error

	ListBirthdayGuilds(ctx context.Context) ([]snowflake.ID, error)
	ListBirthdays(ctx context.Context, guildID snowflake.ID) ([]BirthdayRecord, error)
	UpsertBirthday(ctx context.Context, r BirthdayRecord) error
	DeleteBirthday(ctx context.Context, guildID, userID snowflake.ID) error
	ResetWatermark(ctx context.Context, guildID, userID snowflake.ID) error

	// InGuildTx runs fn inside one transaction. A non-nil error from fn rolls back.
	InGuildTx(ctx context.Context, guildID snowflake.ID, fn func(tx GuildTx) error) error

	Close() error
}
