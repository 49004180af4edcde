package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// --- Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS giveaways (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			prize TEXT NOT NULL,
			winners INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			ended INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS giveaway_entries (
			giveaway_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (giveaway_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS giveaway_winners (
			giveaway_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (giveaway_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_giveaways_due ON giveaways (ended, end_time)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// PingDatabase probes store connectivity. The giveaway sweeper uses it to
// tell a dead connection apart from a transient lock.
func PingDatabase(ctx context.Context) error {
	if DB == nil {
		return errors.New("database not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return DB.PingContext(pingCtx)
}

// IsTransientDBError reports whether an operation is worth retrying.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// --- Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Giveaway Store ---

var (
	ErrGiveawayNotFound = errors.New("giveaway not found")
	ErrGiveawayEnded    = errors.New("giveaway already ended")
	ErrAlreadyEntered   = errors.New("user already entered")
)

type Giveaway struct {
	ID        int64
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	HostID    snowflake.ID
	Prize     string
	Winners   int
	EndTime   int64 // unix seconds
	Ended     bool
	CreatedAt time.Time
}

func CreateGiveaway(ctx context.Context, g *Giveaway) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		INSERT INTO giveaways (guild_id, channel_id, host_id, prize, winners, end_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.GuildID.String(), g.ChannelID.String(), g.HostID.String(), g.Prize, g.Winners, g.EndTime)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

func scanGiveaway(row interface{ Scan(...any) error }) (*Giveaway, error) {
	g := &Giveaway{}
	var gid, cid, hid string
	var ended int
	err := row.Scan(&g.ID, &gid, &cid, &hid, &g.Prize, &g.Winners, &g.EndTime, &ended, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.Ended = ended == 1
	g.GuildID, err = snowflake.Parse(gid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse guild ID '%s' for giveaway %d: %w", gid, g.ID, err)
	}
	g.ChannelID, err = snowflake.Parse(cid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel ID '%s' for giveaway %d: %w", cid, g.ID, err)
	}
	g.HostID, err = snowflake.Parse(hid)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host ID '%s' for giveaway %d: %w", hid, g.ID, err)
	}
	return g, nil
}

const giveawayColumns = "id, guild_id, channel_id, host_id, prize, winners, end_time, ended, created_at"

func GetGiveaway(ctx context.Context, id int64) (*Giveaway, error) {
	row := DB.QueryRowContext(ctx, "SELECT "+giveawayColumns+" FROM giveaways WHERE id = ?", id)
	g, err := scanGiveaway(row)
	if err == sql.ErrNoRows {
		return nil, ErrGiveawayNotFound
	}
	return g, err
}

// FindDueGiveaways returns giveaways whose deadline has passed and which no
// sweep has ended yet, oldest deadline first.
func FindDueGiveaways(ctx context.Context, now int64, limit int) ([]*Giveaway, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT `+giveawayColumns+` FROM giveaways
		WHERE ended = 0 AND end_time <= ?
		ORDER BY end_time ASC LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Giveaway
	for rows.Next() {
		g, err := scanGiveaway(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, g)
	}
	return due, rows.Err()
}

func FindActiveGiveawayInChannel(ctx context.Context, guildID, channelID snowflake.ID) (*Giveaway, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT `+giveawayColumns+` FROM giveaways
		WHERE guild_id = ? AND channel_id = ? AND ended = 0
		ORDER BY end_time ASC LIMIT 1
	`, guildID.String(), channelID.String())
	g, err := scanGiveaway(row)
	if err == sql.ErrNoRows {
		return nil, ErrGiveawayNotFound
	}
	return g, err
}

func FindLatestEndedGiveaway(ctx context.Context, guildID snowflake.ID) (*Giveaway, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT `+giveawayColumns+` FROM giveaways
		WHERE guild_id = ? AND ended = 1
		ORDER BY end_time DESC, id DESC LIMIT 1
	`, guildID.String())
	g, err := scanGiveaway(row)
	if err == sql.ErrNoRows {
		return nil, ErrGiveawayNotFound
	}
	return g, err
}

// AddGiveawayEntry appends a participant. The conditional insert keeps the
// "still running" check and the append in a single statement, so a giveaway
// ending concurrently cannot gain late entries.
func AddGiveawayEntry(ctx context.Context, giveawayID int64, userID snowflake.ID) error {
	res, err := DB.ExecContext(ctx, `
		INSERT INTO giveaway_entries (giveaway_id, user_id)
		SELECT id, ? FROM giveaways WHERE id = ? AND ended = 0
	`, userID.String(), giveawayID)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ErrAlreadyEntered
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		g, err := GetGiveaway(ctx, giveawayID)
		if err != nil {
			return err
		}
		if g.Ended {
			return ErrGiveawayEnded
		}
		return ErrGiveawayNotFound
	}
	return nil
}

func GetGiveawayEntries(ctx context.Context, giveawayID int64) ([]snowflake.ID, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT user_id FROM giveaway_entries WHERE giveaway_id = ? ORDER BY created_at ASC
	`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []snowflake.ID
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		id, err := snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s' for giveaway %d: %w", uid, giveawayID, err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func CountGiveawayEntries(ctx context.Context, giveawayID int64) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM giveaway_entries WHERE giveaway_id = ?", giveawayID).Scan(&count)
	return count, err
}

// MarkGiveawayEnded flips the ended flag. The WHERE clause guarantees only
// one caller observes the transition; everyone else gets false and must not
// announce results.
func MarkGiveawayEnded(ctx context.Context, giveawayID int64) (bool, error) {
	res, err := DB.ExecContext(ctx, "UPDATE giveaways SET ended = 1 WHERE id = ? AND ended = 0", giveawayID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func SaveGiveawayWinners(ctx context.Context, giveawayID int64, winners []snowflake.ID) error {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM giveaway_winners WHERE giveaway_id = ?", giveawayID); err != nil {
		return err
	}
	for _, w := range winners {
		if _, err := tx.ExecContext(ctx, "INSERT INTO giveaway_winners (giveaway_id, user_id) VALUES (?, ?)", giveawayID, w.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func GetGiveawayWinners(ctx context.Context, giveawayID int64) ([]snowflake.ID, error) {
	rows, err := DB.QueryContext(ctx, "SELECT user_id FROM giveaway_winners WHERE giveaway_id = ?", giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []snowflake.ID
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		id, err := snowflake.Parse(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse winner ID '%s' for giveaway %d: %w", uid, giveawayID, err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
