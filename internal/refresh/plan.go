package refresh

import (
	"context"
	"math/rand/v2"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"

	"birthdaybot/internal/storage"
	"birthdaybot/internal/usercache"
)

// BirthdayLister is the slice of the persistent store the planners read.
type BirthdayLister interface {
	ListBirthdays(ctx context.Context, guildID snowflake.ID) ([]storage.BirthdayRecord, error)
}

// MissingFromStore returns a MissingFunc yielding users with a stored birthday and no live
// cache entry. Negative entries count as live, so confirmed absences are not re-fetched
// before they expire.
func MissingFromStore(st BirthdayLister, cache *usercache.Store) MissingFunc {
	return func(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
		recs, err := st.ListBirthdays(ctx, guildID)
		if err != nil {
			return nil, err
		}
		var out []snowflake.ID
		for _, r := range recs {
			if !cache.Has(guildID, r.UserID, true) {
				out = append(out, r.UserID)
			}
		}
		return out, nil
	}
}

// PlanBackground builds a shuffled background sweep over guilds.
//
// Each guild contributes at most perGuild missing users (sampled at random) so one large
// guild cannot starve the rest of the shard. perGuild <= 0 means no cap. rng may be nil.
func PlanBackground(ctx context.Context, guilds []snowflake.ID, missing MissingFunc, perGuild int, rng *rand.Rand) ([]GuildBatch, error) {
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}

	out := make([]GuildBatch, 0, len(guilds))
	for _, gid := range guilds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := missing(ctx, gid)
		if err != nil {
			return nil, goerr.Wrap(err, "plan background refresh", goerr.V("guild", gid))
		}
		if len(ids) == 0 {
			continue
		}
		if perGuild > 0 && len(ids) > perGuild {
			shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
			ids = ids[:perGuild]
		}
		out = append(out, GuildBatch{GuildID: gid, UserIDs: ids})
	}
	shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}
