package birthday

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"

	"birthdaybot/internal/storage"
	"birthdaybot/internal/transport"
	"birthdaybot/internal/usercache"
	logx "birthdaybot/pkg/logx"
)

// Store is the persistence the detector needs.
type Store interface {
	ListGuildSettings(ctx context.Context) ([]storage.GuildSettings, error)
	ListBirthdays(ctx context.Context, guildID snowflake.ID) ([]storage.BirthdayRecord, error)
	ClearBirthdayRole(ctx context.Context, guildID snowflake.ID) error
	InGuildTx(ctx context.Context, guildID snowflake.ID, fn func(tx storage.GuildTx) error) error
}

// Platform is the chat-side surface the detector acts on.
type Platform interface {
	transport.GuildInspector
	transport.RoleManager
	transport.Messenger
}

type Options struct {
	// Filter limits the pass to guilds it accepts, e.g. one shard's guilds. Nil accepts all.
	Filter func(guildID snowflake.ID) bool
	Now    func() time.Time
}

// Detector grants and revokes the birthday role as members enter and leave their
// local birthday, announcing new birthdays once per occurrence.
type Detector struct {
	store    Store
	platform Platform
	cache    *usercache.Store
	opts     Options
	zones    *zoneCache
	log      logx.Logger
}

func NewDetector(st Store, p Platform, cache *usercache.Store, opts Options, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		store:    st,
		platform: p,
		cache:    cache,
		opts:     opts,
		zones:    newZoneCache(log),
		log:      log,
	}
}

type crossing struct {
	userID  snowflake.ID
	profile usercache.Profile
	action  Action
}

// Run makes one pass over every configured guild.
//
// Each guild runs in its own transaction. A failing guild is rolled back and the pass
// continues; failures are joined and returned at the end. Announcements are sent after
// the guild commits, so a failed send is reported but not retried.
func (d *Detector) Run(ctx context.Context) error {
	settings, err := d.store.ListGuildSettings(ctx)
	if err != nil {
		return goerr.Wrap(err, "list guild settings")
	}
	now := d.opts.Now()

	var errs []error
	for _, gs := range settings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.opts.Filter != nil && !d.opts.Filter(gs.GuildID) {
			continue
		}
		if err := d.runGuild(ctx, gs, now); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Warn("birthday pass failed for guild", logx.Uint64("guild", uint64(gs.GuildID)), logx.Err(err))
			errs = append(errs, goerr.Wrap(err, "birthday guild pass", goerr.V("guild", gs.GuildID)))
		}
	}
	return errors.Join(errs...)
}

func (d *Detector) runGuild(ctx context.Context, gs storage.GuildSettings, now time.Time) error {
	if gs.BirthdayRoleID == 0 {
		return nil
	}
	log := d.log.With(logx.Uint64("guild", uint64(gs.GuildID)))

	gi, err := d.platform.Guild(ctx, gs.GuildID)
	if err != nil {
		return err
	}
	role, ok := gi.Roles[gs.BirthdayRoleID]
	if !ok {
		log.Debug("birthday role no longer exists; skipping", logx.Uint64("role", uint64(gs.BirthdayRoleID)))
		return nil
	}
	if role.ID == gi.EveryoneRoleID() || role.Managed {
		log.Warn("birthday role is not assignable; clearing it", logx.Uint64("role", uint64(role.ID)), logx.Bool("managed", role.Managed))
		return d.store.ClearBirthdayRole(ctx, gs.GuildID)
	}
	if !gi.CanManageRole(role) {
		log.Debug("cannot manage birthday role; skipping", logx.Uint64("role", uint64(role.ID)))
		return nil
	}

	crossings, err := d.crossings(ctx, gs, now)
	if err != nil || len(crossings) == 0 {
		return err
	}

	// Role calls and watermarks commit together; the announcement goes out after the
	// commit so a failed send is never repeated by a later tick.
	var started []crossing
	err = d.store.InGuildTx(ctx, gs.GuildID, func(tx storage.GuildTx) error {
		started = started[:0]
		for _, c := range crossings {
			switch c.action {
			case ActionStart:
				if err := d.platform.AddRole(ctx, gs.GuildID, c.userID, role.ID); err != nil {
					return goerr.Wrap(err, "grant birthday role", goerr.V("user", c.userID))
				}
				started = append(started, c)
			case ActionEnd:
				if err := d.platform.RemoveRole(ctx, gs.GuildID, c.userID, role.ID); err != nil {
					return goerr.Wrap(err, "revoke birthday role", goerr.V("user", c.userID))
				}
			}
			if _, err := tx.AdvanceWatermark(ctx, c.userID, now); err != nil {
				return err
			}
			log.Debug("birthday transition", logx.Uint64("user", uint64(c.userID)), logx.Stringer("action", c.action))
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("birthday pass applied", logx.Int("transitions", len(crossings)), logx.Int("started", len(started)))

	if len(started) == 0 {
		return nil
	}
	return d.announce(ctx, gs, started)
}

// crossings joins stored birthdays with live cache entries. Users without a cached
// profile are left for a later tick.
func (d *Detector) crossings(ctx context.Context, gs storage.GuildSettings, now time.Time) ([]crossing, error) {
	recs, err := d.store.ListBirthdays(ctx, gs.GuildID)
	if err != nil {
		return nil, err
	}
	snap, ok := d.cache.GetSnapshot(gs.GuildID)
	if !ok {
		return nil, nil
	}

	var out []crossing
	for _, r := range recs {
		e, ok := snap[r.UserID]
		if !ok {
			continue
		}
		loc := d.zones.effective(r.TimeZone, gs.TimeZone)
		act := Evaluate(now, r.LastProcessed, Date{Month: r.Month, Day: r.Day}, loc)
		if act == ActionNone {
			continue
		}
		out = append(out, crossing{userID: r.UserID, profile: e.Profile, action: act})
	}
	return out, nil
}

func (d *Detector) announce(ctx context.Context, gs storage.GuildSettings, started []crossing) error {
	if gs.AnnounceChannelID == 0 {
		return nil
	}
	ok, err := d.platform.CanSend(ctx, gs.GuildID, gs.AnnounceChannelID)
	if err != nil {
		return goerr.Wrap(err, "check announcement channel", goerr.V("channel", gs.AnnounceChannelID))
	}
	if !ok {
		d.log.Debug("cannot post in announcement channel; skipping",
			logx.Uint64("guild", uint64(gs.GuildID)), logx.Uint64("channel", uint64(gs.AnnounceChannelID)))
		return nil
	}

	cel := make([]Celebrant, len(started))
	for i, c := range started {
		cel[i] = Celebrant{DisplayName: c.profile.DisplayName(), Mention: fmt.Sprintf("<@%s>", c.userID)}
	}
	text := ComposeAnnouncement(gs.AnnounceMessage, gs.AnnounceMessagePlural, cel, gs.AnnouncePing)
	opt := &transport.SendOptions{MentionUsers: gs.AnnouncePing}
	if err := d.platform.SendMessage(ctx, gs.AnnounceChannelID, text, opt); err != nil {
		return goerr.Wrap(err, "send announcement", goerr.V("channel", gs.AnnounceChannelID))
	}
	return nil
}
