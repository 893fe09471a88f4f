package birthday

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birthdaybot/internal/storage"
	"birthdaybot/internal/transport"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

const (
	roleID    snowflake.ID = 500
	channelID snowflake.ID = 600
	botRoleID snowflake.ID = 700
)

type sentMessage struct {
	channel snowflake.ID
	text    string
	mention bool
}

type fakePlatform struct {
	mu       sync.Mutex
	guilds   map[snowflake.ID]transport.GuildInfo
	canSend  bool
	sendErr  error
	addErr   map[snowflake.ID]error
	added    map[snowflake.ID][]snowflake.ID
	removed  map[snowflake.ID][]snowflake.ID
	messages []sentMessage
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		guilds:  map[snowflake.ID]transport.GuildInfo{},
		canSend: true,
		addErr:  map[snowflake.ID]error{},
		added:   map[snowflake.ID][]snowflake.ID{},
		removed: map[snowflake.ID][]snowflake.ID{},
	}
}

func (f *fakePlatform) addGuild(id snowflake.ID, birthdayRole transport.Role) {
	f.guilds[id] = transport.GuildInfo{
		ID: id,
		Roles: map[snowflake.ID]transport.Role{
			id:              {ID: id, Name: "@everyone"},
			botRoleID:       {ID: botRoleID, Name: "bot", Position: 10, Managed: true},
			birthdayRole.ID: birthdayRole,
		},
		BotPermissions:     transport.PermManageRoles | transport.PermSendMessages | transport.PermViewChannel,
		BotTopRolePosition: 10,
		BotRoles:           []snowflake.ID{botRoleID},
	}
}

func (f *fakePlatform) Guild(_ context.Context, id snowflake.ID) (transport.GuildInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guilds[id]
	if !ok {
		return transport.GuildInfo{}, errors.New("unknown guild")
	}
	return g, nil
}

func (f *fakePlatform) AddRole(_ context.Context, guildID, userID, _ snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.addErr[guildID]; err != nil {
		return err
	}
	f.added[guildID] = append(f.added[guildID], userID)
	return nil
}

func (f *fakePlatform) RemoveRole(_ context.Context, guildID, userID, _ snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[guildID] = append(f.removed[guildID], userID)
	return nil
}

func (f *fakePlatform) CanSend(context.Context, snowflake.ID, snowflake.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canSend, nil
}

func (f *fakePlatform) SendMessage(_ context.Context, ch snowflake.ID, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, sentMessage{channel: ch, text: text, mention: opt != nil && opt.MentionUsers})
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	ctx   context.Context
	st    *storage.SQLite
	plat  *fakePlatform
	cache *usercache.Store
	clk   *clock
	det   *Detector
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	st, err := storage.OpenSQLite(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, nopLog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := &clock{t: now}
	cache := usercache.New(clk)
	plat := newFakePlatform()
	return &fixture{
		ctx:   context.Background(),
		st:    st,
		plat:  plat,
		cache: cache,
		clk:   clk,
		det:   NewDetector(st, plat, cache, Options{Now: clk.Now}, nopLog()),
	}
}

func (fx *fixture) guild(t *testing.T, gs storage.GuildSettings) {
	t.Helper()
	if gs.BirthdayRoleID == 0 {
		gs.BirthdayRoleID = roleID
	}
	if gs.AnnounceChannelID == 0 {
		gs.AnnounceChannelID = channelID
	}
	require.NoError(t, fx.st.UpsertGuildSettings(fx.ctx, gs))
	fx.plat.addGuild(gs.GuildID, transport.Role{ID: gs.BirthdayRoleID, Name: "Birthday", Position: 2})
}

func (fx *fixture) member(t *testing.T, guildID, userID snowflake.ID, name string, month time.Month, day int, tz string) {
	t.Helper()
	require.NoError(t, fx.st.UpsertBirthday(fx.ctx, storage.BirthdayRecord{GuildID: guildID, UserID: userID, Month: month, Day: day, TimeZone: tz}))
	ttl := usercache.TTLPolicy{Base: 365 * 24 * time.Hour}
	fx.cache.Update(ttl.NewFound(guildID, userID, usercache.Profile{Username: name}, fx.clk.t, nil))
}

func (fx *fixture) watermark(t *testing.T, guildID, userID snowflake.ID) time.Time {
	t.Helper()
	recs, err := fx.st.ListBirthdays(fx.ctx, guildID)
	require.NoError(t, err)
	for _, r := range recs {
		if r.UserID == userID {
			return r.LastProcessed
		}
	}
	t.Fatalf("no record for %s", userID)
	return time.Time{}
}

func TestStartHappensOnceAcrossTicks(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Etc/GMT+4")
	fx := newFixture(t, time.Date(2024, 6, 14, 23, 0, 0, 0, loc))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.member(t, 1, 10, "ann", time.June, 15, "Etc/GMT+4")

	// Jun 14 23:00 local: before the window
	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Empty(t, fx.plat.added[1])
	assert.True(t, fx.watermark(t, 1, 10).IsZero())

	fx.clk.t = time.Date(2024, 6, 15, 0, 5, 0, 0, loc)
	require.NoError(t, fx.det.Run(fx.ctx))
	fx.clk.t = time.Date(2024, 6, 15, 9, 0, 0, 0, loc)
	require.NoError(t, fx.det.Run(fx.ctx))

	assert.Equal(t, []snowflake.ID{10}, fx.plat.added[1])
	require.Len(t, fx.plat.messages, 1)
	assert.Equal(t, "Please wish ann a happy birthday!", fx.plat.messages[0].text)
	assert.Equal(t, channelID, fx.plat.messages[0].channel)
	assert.True(t, fx.watermark(t, 1, 10).Equal(time.Date(2024, 6, 15, 0, 5, 0, 0, loc)))

	// next local day: role revoked once
	fx.clk.t = time.Date(2024, 6, 16, 0, 1, 0, 0, loc)
	require.NoError(t, fx.det.Run(fx.ctx))
	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Equal(t, []snowflake.ID{10}, fx.plat.removed[1])
	assert.Len(t, fx.plat.messages, 1)
}

func TestTwoStartsShareOneAnnouncement(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1, AnnounceMessagePlural: "Cheers to %n"})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")
	fx.member(t, 1, 11, "Adam", time.March, 10, "")
	fx.member(t, 1, 12, "carl", time.March, 11, "")

	require.NoError(t, fx.det.Run(fx.ctx))
	assert.ElementsMatch(t, []snowflake.ID{10, 11}, fx.plat.added[1])
	require.Len(t, fx.plat.messages, 1)
	assert.Equal(t, "Cheers to Adam, zoe", fx.plat.messages[0].text)
	assert.False(t, fx.plat.messages[0].mention)
}

func TestPingUsesMentions(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1, AnnounceMessage: "Hi %n", AnnouncePing: true})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")

	require.NoError(t, fx.det.Run(fx.ctx))
	require.Len(t, fx.plat.messages, 1)
	assert.Equal(t, "Hi <@10>", fx.plat.messages[0].text)
	assert.True(t, fx.plat.messages[0].mention)
}

func TestMissedAdvancesWatermarkWithoutRole(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now)
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")

	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Empty(t, fx.plat.added[1])
	assert.Empty(t, fx.plat.removed[1])
	assert.Empty(t, fx.plat.messages)
	assert.True(t, fx.watermark(t, 1, 10).Equal(now))
}

func TestUncachedUsersAreSkipped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	require.NoError(t, fx.st.UpsertBirthday(fx.ctx, storage.BirthdayRecord{GuildID: 1, UserID: 10, Month: time.March, Day: 10}))

	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Empty(t, fx.plat.added[1])
	assert.True(t, fx.watermark(t, 1, 10).IsZero())
}

func TestFailingGuildRollsBackAndOthersProceed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.guild(t, storage.GuildSettings{GuildID: 2})
	// guild 1: a MISSED user processed before the failing grant
	fx.member(t, 1, 9, "early", time.March, 1, "")
	fx.member(t, 1, 10, "zoe", time.March, 10, "")
	fx.member(t, 2, 20, "ann", time.March, 10, "")

	boom := errors.New("discord down")
	fx.plat.addErr[1] = boom

	err := fx.det.Run(fx.ctx)
	require.ErrorIs(t, err, boom)

	assert.True(t, fx.watermark(t, 1, 9).IsZero(), "guild 1 must roll back")
	assert.True(t, fx.watermark(t, 1, 10).IsZero())
	assert.False(t, fx.watermark(t, 2, 20).IsZero(), "guild 2 must still be processed")
	assert.Equal(t, []snowflake.ID{20}, fx.plat.added[2])

	// recovery on the next tick
	delete(fx.plat.addErr, 1)
	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Equal(t, []snowflake.ID{10}, fx.plat.added[1])
	assert.False(t, fx.watermark(t, 1, 9).IsZero())
}

func TestFailedAnnouncementIsNotResent(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now)
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")

	boom := errors.New("send failed")
	fx.plat.sendErr = boom
	require.ErrorIs(t, fx.det.Run(fx.ctx), boom)
	assert.Equal(t, []snowflake.ID{10}, fx.plat.added[1])
	assert.True(t, fx.watermark(t, 1, 10).Equal(now), "roles and watermark commit before the send")

	fx.plat.sendErr = nil
	fx.clk.t = now.Add(time.Hour)
	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Empty(t, fx.plat.messages)
	assert.Equal(t, []snowflake.ID{10}, fx.plat.added[1])
}

func TestUnassignableRoleIsCleared(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		role func(guildID snowflake.ID) transport.Role
	}{
		{"everyone", func(g snowflake.ID) transport.Role { return transport.Role{ID: g, Name: "@everyone"} }},
		{"managed", func(snowflake.ID) transport.Role { return transport.Role{ID: roleID, Managed: true, Position: 1} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
			r := tc.role(1)
			require.NoError(t, fx.st.UpsertGuildSettings(fx.ctx, storage.GuildSettings{GuildID: 1, BirthdayRoleID: r.ID, AnnounceChannelID: channelID}))
			fx.plat.addGuild(1, r)
			fx.member(t, 1, 10, "zoe", time.March, 10, "")

			require.NoError(t, fx.det.Run(fx.ctx))
			gs, err := fx.st.GetGuildSettings(fx.ctx, 1)
			require.NoError(t, err)
			assert.Zero(t, gs.BirthdayRoleID)
			assert.Empty(t, fx.plat.added[1])
		})
	}
}

func TestRoleAboveBotIsSkipped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, fx.st.UpsertGuildSettings(fx.ctx, storage.GuildSettings{GuildID: 1, BirthdayRoleID: roleID}))
	fx.plat.addGuild(1, transport.Role{ID: roleID, Position: 20})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")

	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Empty(t, fx.plat.added[1])
	assert.True(t, fx.watermark(t, 1, 10).IsZero())

	gs, err := fx.st.GetGuildSettings(fx.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, roleID, gs.BirthdayRoleID, "hierarchy problems do not clear the role")
}

func TestNoSendPermissionStillAppliesRoles(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")
	fx.plat.canSend = false

	require.NoError(t, fx.det.Run(fx.ctx))
	assert.Equal(t, []snowflake.ID{10}, fx.plat.added[1])
	assert.Empty(t, fx.plat.messages)
	assert.False(t, fx.watermark(t, 1, 10).IsZero())
}

func TestFilterLimitsGuilds(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	fx.guild(t, storage.GuildSettings{GuildID: 2})
	fx.member(t, 1, 10, "zoe", time.March, 10, "")
	fx.member(t, 2, 20, "ann", time.March, 10, "")

	det := NewDetector(fx.st, fx.plat, fx.cache, Options{Now: fx.clk.Now, Filter: func(id snowflake.ID) bool { return id == 2 }}, nopLog())
	require.NoError(t, det.Run(fx.ctx))
	assert.Empty(t, fx.plat.added[1])
	assert.Equal(t, []snowflake.ID{20}, fx.plat.added[2])
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	fx.guild(t, storage.GuildSettings{GuildID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fx.det.Run(ctx), context.Canceled)
}
