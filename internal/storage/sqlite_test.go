package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "birthdaybot/pkg/logx"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := OpenSQLite(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}

func TestGuildSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.GetGuildSettings(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	gs := GuildSettings{
		GuildID:           42,
		TimeZone:          "America/New_York",
		BirthdayRoleID:    7,
		AnnounceChannelID: 8,
		AnnounceMessage:   "Happy birthday %n!",
		AnnouncePing:      true,
	}
	require.NoError(t, st.UpsertGuildSettings(ctx, gs))

	got, err := st.GetGuildSettings(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, gs, got)

	require.NoError(t, st.ClearBirthdayRole(ctx, 42))
	got, err = st.GetGuildSettings(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, got.BirthdayRoleID)
	assert.Equal(t, snowflake.ID(8), got.AnnounceChannelID)

	all, err := st.ListGuildSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertBirthdayValidates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.UpsertBirthday(context.Background(), BirthdayRecord{GuildID: 1, UserID: 2, Month: time.February, Day: 30})
	require.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, st.UpsertBirthday(context.Background(), BirthdayRecord{GuildID: 1, UserID: 2, Month: time.February, Day: 29}))
}

func TestWatermarkOnlyMovesForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.UpsertBirthday(ctx, BirthdayRecord{GuildID: 1, UserID: 2, Month: time.June, Day: 15, TimeZone: "Etc/GMT+4"}))

	t1 := time.Date(2024, 6, 15, 4, 5, 0, 0, time.UTC)
	err := st.InGuildTx(ctx, 1, func(tx GuildTx) error {
		ok, err := tx.AdvanceWatermark(ctx, 2, t1)
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)

	err = st.InGuildTx(ctx, 1, func(tx GuildTx) error {
		ok, err := tx.AdvanceWatermark(ctx, 2, t1.Add(-time.Hour))
		assert.False(t, ok, "older watermark must not overwrite")
		return err
	})
	require.NoError(t, err)

	recs, err := st.ListBirthdays(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].LastProcessed.Equal(t1))
	assert.Equal(t, "Etc/GMT+4", recs[0].TimeZone)

	// Upsert keeps the watermark; reset clears it.
	require.NoError(t, st.UpsertBirthday(ctx, BirthdayRecord{GuildID: 1, UserID: 2, Month: time.June, Day: 16}))
	recs, err = st.ListBirthdays(ctx, 1)
	require.NoError(t, err)
	assert.True(t, recs[0].LastProcessed.Equal(t1))

	require.NoError(t, st.ResetWatermark(ctx, 1, 2))
	recs, err = st.ListBirthdays(ctx, 1)
	require.NoError(t, err)
	assert.True(t, recs[0].LastProcessed.IsZero())
}

func TestGuildTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	for _, uid := range []snowflake.ID{10, 11} {
		require.NoError(t, st.UpsertBirthday(ctx, BirthdayRecord{GuildID: 5, UserID: uid, Month: time.March, Day: 1}))
	}

	boom := errors.New("boom")
	err := st.InGuildTx(ctx, 5, func(tx GuildTx) error {
		if _, err := tx.AdvanceWatermark(ctx, 10, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := st.ListBirthdays(ctx, 5)
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.LastProcessed.IsZero(), "user %s watermark must be rolled back", r.UserID)
	}

	guilds, err := st.ListBirthdayGuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{5}, guilds)

	require.NoError(t, st.DeleteBirthday(ctx, 5, 10))
	recs, err = st.ListBirthdays(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
