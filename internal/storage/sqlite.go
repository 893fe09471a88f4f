package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	logx "birthdaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite is the SQLite-backed Store.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create storage dir", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLite{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return goerr.Wrap(err, "failed to read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return goerr.Wrap(err, "failed to apply migrations")
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- guild settings ----

const guildSettingsCols = `guild_id, time_zone, birthday_role_id, announce_channel_id, announce_message, announce_message_pl, announce_ping`

func scanGuildSettings(sc interface{ Scan(...any) error }) (GuildSettings, error) {
	var (
		gs                GuildSettings
		gid               int64
		tz, msg, msgPl    sql.NullString
		roleID, channelID sql.NullInt64
		ping              bool
	)
	if err := sc.Scan(&gid, &tz, &roleID, &channelID, &msg, &msgPl, &ping); err != nil {
		return GuildSettings{}, err
	}
	gs.GuildID = snowflake.ID(gid)
	gs.TimeZone = tz.String
	gs.BirthdayRoleID = snowflake.ID(roleID.Int64)
	gs.AnnounceChannelID = snowflake.ID(channelID.Int64)
	gs.AnnounceMessage = msg.String
	gs.AnnounceMessagePlural = msgPl.String
	gs.AnnouncePing = ping
	return gs, nil
}

func (s *SQLite) ListGuildSettings(ctx context.Context) ([]GuildSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+guildSettingsCols+` FROM guild_settings ORDER BY guild_id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query guild settings")
	}
	defer rows.Close()

	var out []GuildSettings
	for rows.Next() {
		gs, err := scanGuildSettings(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan guild settings")
		}
		out = append(out, gs)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate guild settings")
	}
	return out, nil
}

func (s *SQLite) GetGuildSettings(ctx context.Context, guildID snowflake.ID) (GuildSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+guildSettingsCols+` FROM guild_settings WHERE guild_id = ?`, int64(guildID))
	gs, err := scanGuildSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GuildSettings{}, goerr.Wrap(ErrNotFound, "guild settings not found", goerr.V("guild_id", guildID))
	}
	if err != nil {
		return GuildSettings{}, goerr.Wrap(err, "failed to get guild settings", goerr.V("guild_id", guildID))
	}
	return gs, nil
}

func (s *SQLite) UpsertGuildSettings(ctx context.Context, gs GuildSettings) error {
	if gs.GuildID == 0 {
		return goerr.Wrap(ErrInvalid, "guild id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_settings(`+guildSettingsCols+`, updated_at) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   time_zone=excluded.time_zone,
		   birthday_role_id=excluded.birthday_role_id,
		   announce_channel_id=excluded.announce_channel_id,
		   announce_message=excluded.announce_message,
		   announce_message_pl=excluded.announce_message_pl,
		   announce_ping=excluded.announce_ping,
		   updated_at=excluded.updated_at`,
		int64(gs.GuildID), nullStr(gs.TimeZone), nullID(gs.BirthdayRoleID), nullID(gs.AnnounceChannelID),
		nullStr(gs.AnnounceMessage), nullStr(gs.AnnounceMessagePlural), gs.AnnouncePing, s.now().UnixMilli(),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to upsert guild settings", goerr.V("guild_id", gs.GuildID))
	}
	return nil
}

func (s *SQLite) ClearBirthdayRole(ctx context.Context, guildID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guild_settings SET birthday_role_id = NULL, updated_at = ? WHERE guild_id = ?`,
		s.now().UnixMilli(), int64(guildID))
	if err != nil {
		return goerr.Wrap(err, "failed to clear birthday role", goerr.V("guild_id", guildID))
	}
	return nil
}

// ---- birthdays ----

func (s *SQLite) ListBirthdayGuilds(ctx context.Context) ([]snowflake.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT guild_id FROM user_birthdays ORDER BY guild_id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query birthday guilds")
	}
	defer rows.Close()
	var out []snowflake.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan guild id")
		}
		out = append(out, snowflake.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate birthday guilds")
	}
	return out, nil
}

func (s *SQLite) ListBirthdays(ctx context.Context, guildID snowflake.ID) ([]BirthdayRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, birth_month, birth_day, time_zone, last_processed
		 FROM user_birthdays WHERE guild_id = ? ORDER BY user_id`, int64(guildID))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query birthdays", goerr.V("guild_id", guildID))
	}
	defer rows.Close()

	var out []BirthdayRecord
	for rows.Next() {
		var (
			uid        int64
			month, day int
			tz         sql.NullString
			last       sql.NullInt64
		)
		if err := rows.Scan(&uid, &month, &day, &tz, &last); err != nil {
			return nil, goerr.Wrap(err, "failed to scan birthday", goerr.V("guild_id", guildID))
		}
		r := BirthdayRecord{
			GuildID:  guildID,
			UserID:   snowflake.ID(uid),
			Month:    time.Month(month),
			Day:      day,
			TimeZone: tz.String,
		}
		if last.Valid {
			r.LastProcessed = time.UnixMilli(last.Int64).UTC()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate birthdays", goerr.V("guild_id", guildID))
	}
	return out, nil
}

// UpsertBirthday stores the date and zone. An existing watermark is kept.
func (s *SQLite) UpsertBirthday(ctx context.Context, r BirthdayRecord) error {
	if err := r.Validate(); err != nil {
		return goerr.Wrap(err, "invalid birthday", goerr.V("month", int(r.Month)), goerr.V("day", r.Day))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_birthdays(guild_id, user_id, birth_month, birth_day, time_zone, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET
		   birth_month=excluded.birth_month,
		   birth_day=excluded.birth_day,
		   time_zone=excluded.time_zone,
		   updated_at=excluded.updated_at`,
		int64(r.GuildID), int64(r.UserID), int(r.Month), r.Day, nullStr(r.TimeZone), s.now().UnixMilli(),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to upsert birthday", goerr.V("guild_id", r.GuildID), goerr.V("user_id", r.UserID))
	}
	return nil
}

func (s *SQLite) DeleteBirthday(ctx context.Context, guildID, userID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_birthdays WHERE guild_id = ? AND user_id = ?`, int64(guildID), int64(userID))
	if err != nil {
		return goerr.Wrap(err, "failed to delete birthday", goerr.V("guild_id", guildID), goerr.V("user_id", userID))
	}
	return nil
}

// ResetWatermark marks the record as never processed.
func (s *SQLite) ResetWatermark(ctx context.Context, guildID, userID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_birthdays SET last_processed = NULL WHERE guild_id = ? AND user_id = ?`,
		int64(guildID), int64(userID))
	if err != nil {
		return goerr.Wrap(err, "failed to reset watermark", goerr.V("guild_id", guildID), goerr.V("user_id", userID))
	}
	return nil
}

// ---- transactions ----

type sqliteGuildTx struct {
	tx      *sql.Tx
	guildID snowflake.ID
}

func (t *sqliteGuildTx) AdvanceWatermark(ctx context.Context, userID snowflake.ID, at time.Time) (bool, error) {
	ms := at.UnixMilli()
	res, err := t.tx.ExecContext(ctx,
		`UPDATE user_birthdays SET last_processed = ?
		 WHERE guild_id = ? AND user_id = ? AND (last_processed IS NULL OR last_processed < ?)`,
		ms, int64(t.guildID), int64(userID), ms)
	if err != nil {
		return false, goerr.Wrap(err, "failed to advance watermark", goerr.V("guild_id", t.guildID), goerr.V("user_id", userID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, goerr.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

func (s *SQLite) InGuildTx(ctx context.Context, guildID snowflake.ID, fn func(tx GuildTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction", goerr.V("guild_id", guildID))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warn("rollback failed", logx.Stringer("guild_id", guildID), logx.Err(rbErr))
			}
		}
	}()

	if err = fn(&sqliteGuildTx{tx: tx, guildID: guildID}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit transaction", goerr.V("guild_id", guildID))
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(id snowflake.ID) any {
	if id == 0 {
		return nil
	}
	return int64(id)
}
