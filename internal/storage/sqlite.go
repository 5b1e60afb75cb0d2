// Package storage persists members, chat preferences, token usage and chat
// histories in SQLite.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
  chat_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS chat_prefs (
  chat_id TEXT NOT NULL PRIMARY KEY,
  public_mode INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_usage (
  chat_id TEXT NOT NULL,
  hour INTEGER NOT NULL,
  requests INTEGER NOT NULL DEFAULT 0,
  prompt_tokens INTEGER NOT NULL DEFAULT 0,
  completion_tokens INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (chat_id, hour)
);

CREATE TABLE IF NOT EXISTS history (
  chat_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  token_count INTEGER,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (chat_id, seq)
);
`

// SQLiteStore implements the member, usage and history stores.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. An empty path keeps the
// database in memory for the lifetime of the process.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadMembers returns the members of a chat in insertion order.
func (s *SQLiteStore) LoadMembers(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM members WHERE chat_id = ? ORDER BY created_at, user_id`, chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "load members of %s", chatID)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		members = append(members, user)
	}
	return members, errors.Wrap(rows.Err(), "iterate members")
}

// SaveMembers replaces the member set of a chat.
func (s *SQLiteStore) SaveMembers(ctx context.Context, chatID string, members []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE chat_id = ?`, chatID); err != nil {
			return errors.Wrap(err, "clear members")
		}
		now := time.Now().Unix()
		for _, user := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO members (chat_id, user_id, created_at) VALUES (?, ?, ?)`,
				chatID, user, now); err != nil {
				return errors.Wrapf(err, "insert member %s", user)
			}
		}
		return nil
	})
}

// LoadPublicMode returns the stored public mode. found is false when the chat
// has no stored preference.
func (s *SQLiteStore) LoadPublicMode(ctx context.Context, chatID string) (bool, bool, error) {
	var public bool
	row := s.db.QueryRowContext(ctx, `SELECT public_mode FROM chat_prefs WHERE chat_id = ?`, chatID)
	switch err := row.Scan(&public); err {
	case nil:
		return public, true, nil
	case sql.ErrNoRows:
		return false, false, nil
	default:
		return false, false, errors.Wrapf(err, "load public mode of %s", chatID)
	}
}

// SavePublicMode stores the public mode of a chat.
func (s *SQLiteStore) SavePublicMode(ctx context.Context, chatID string, public bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_prefs (chat_id, public_mode) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET public_mode = excluded.public_mode`,
		chatID, public)
	return errors.Wrapf(err, "save public mode of %s", chatID)
}

// RecordUsage adds a record to the hourly bucket of its chat.
func (s *SQLiteStore) RecordUsage(ctx context.Context, rec chat.UsageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	hour := ts.UTC().Truncate(time.Hour).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (chat_id, hour, requests, prompt_tokens, completion_tokens) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(chat_id, hour) DO UPDATE SET
		   requests = requests + 1,
		   prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		   completion_tokens = completion_tokens + excluded.completion_tokens`,
		rec.ChatID, hour, rec.PromptTokens, rec.CompletionTokens)
	return errors.Wrapf(err, "record usage of %s", rec.ChatID)
}

// ChatUsage sums the usage of one chat.
func (s *SQLiteStore) ChatUsage(ctx context.Context, chatID string) (chat.UsageTotals, error) {
	totals := chat.UsageTotals{ChatID: chatID}
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM token_usage WHERE chat_id = ?`, chatID)
	if err := row.Scan(&totals.Requests, &totals.PromptTokens, &totals.CompletionTokens); err != nil {
		return chat.UsageTotals{}, errors.Wrapf(err, "query usage of %s", chatID)
	}
	return totals, nil
}

// TotalUsage sums the usage of all chats.
func (s *SQLiteStore) TotalUsage(ctx context.Context) (chat.UsageTotals, error) {
	var totals chat.UsageTotals
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(requests), 0), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM token_usage`)
	if err := row.Scan(&totals.Requests, &totals.PromptTokens, &totals.CompletionTokens); err != nil {
		return chat.UsageTotals{}, errors.Wrap(err, "query total usage")
	}
	return totals, nil
}

// UsageByChat returns per-chat totals, largest consumers first.
func (s *SQLiteStore) UsageByChat(ctx context.Context) ([]chat.UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, SUM(requests), SUM(prompt_tokens), SUM(completion_tokens) FROM token_usage
		 GROUP BY chat_id ORDER BY SUM(prompt_tokens) + SUM(completion_tokens) DESC, chat_id`)
	if err != nil {
		return nil, errors.Wrap(err, "query usage by chat")
	}
	defer rows.Close()

	var out []chat.UsageTotals
	for rows.Next() {
		var t chat.UsageTotals
		if err := rows.Scan(&t.ChatID, &t.Requests, &t.PromptTokens, &t.CompletionTokens); err != nil {
			return nil, errors.Wrap(err, "scan usage")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate usage")
}

// LoadHistory returns the stored turns of a chat, oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, chatID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, token_count, created_at FROM history WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "load history of %s", chatID)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var (
			turn    chat.Turn
			role    string
			tokens  sql.NullInt64
			created int64
		)
		if err := rows.Scan(&role, &turn.Content, &tokens, &created); err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		turn.Role = chat.Role(role)
		turn.CreatedAt = time.Unix(created, 0).UTC()
		if tokens.Valid {
			n := int(tokens.Int64)
			turn.TokenCount = &n
		}
		turns = append(turns, turn)
	}
	return turns, errors.Wrap(rows.Err(), "iterate history")
}

// SaveHistory replaces the stored turns of a chat.
func (s *SQLiteStore) SaveHistory(ctx context.Context, chatID string, turns []chat.Turn) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE chat_id = ?`, chatID); err != nil {
			return errors.Wrap(err, "clear history")
		}
		for i, turn := range turns {
			var tokens sql.NullInt64
			if turn.TokenCount != nil {
				tokens = sql.NullInt64{Int64: int64(*turn.TokenCount), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO history (chat_id, seq, role, content, token_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				chatID, i, string(turn.Role), turn.Content, tokens, turn.CreatedAt.Unix()); err != nil {
				return errors.Wrapf(err, "insert turn %d", i)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}
