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

	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type ledgerTable struct {
	name     string
	idCol    string
	extraCol string
}

var ledgerTables = map[event.Category]ledgerTable{
	event.CategoryMention: {name: "processed_mentions", idCol: "note_id", extraCol: "username"},
	event.CategoryMessage: {name: "processed_messages", idCol: "message_id", extraCol: "chat_type"},
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the pool serializes callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 30 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite ledger opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) table(cat event.Category) (ledgerTable, error) {
	t, ok := ledgerTables[cat]
	if !ok {
		return ledgerTable{}, errUnknownCategory(cat)
	}
	return t, nil
}

func (s *sqliteStore) IsProcessed(ctx context.Context, cat event.Category, id string) (bool, error) {
	t, err := s.table(cat)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? LIMIT 1`, t.name, t.idCol), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, r Record) error {
	t, err := s.table(r.Category)
	if err != nil {
		return err
	}
	if r.ID == "" {
		return errors.New("record id is required")
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s(%s, processed_at, user_id, %s) VALUES(?,?,?,?)`, t.name, t.idCol, t.extraCol),
		r.ID, r.ProcessedAt.UnixMilli(), nullStr(r.UserID), nullStr(r.Extra),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, cat event.Category, limit int) ([]Record, error) {
	t, err := s.table(cat)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, processed_at, COALESCE(user_id, ''), COALESCE(%s, '') FROM %s ORDER BY processed_at DESC, id DESC LIMIT ?`, t.idCol, t.extraCol, t.name),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.UserID, &r.Extra); err != nil {
			return nil, err
		}
		r.Category = cat
		r.ProcessedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	var total int64
	for _, cat := range Categories {
		t := ledgerTables[cat]
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE processed_at < ?`, t.name), cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: map[event.Category]int64{}}
	for _, cat := range Categories {
		t := ledgerTables[cat]
		var (
			n              int64
			oldest, newest sql.NullInt64
		)
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*), MIN(processed_at), MAX(processed_at) FROM %s`, t.name)).Scan(&n, &oldest, &newest)
		if err != nil {
			return st, err
		}
		st.Counts[cat] = n
		if oldest.Valid {
			st.Oldest = earlier(st.Oldest, time.UnixMilli(oldest.Int64))
		}
		if newest.Valid {
			st.Newest = later(st.Newest, time.UnixMilli(newest.Int64))
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugin_data`).Scan(&st.PluginKeys); err != nil {
		return st, err
	}
	return st, nil
}

func (s *sqliteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM plugin_data WHERE plugin_name = ? AND key = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_data(plugin_name, key, value, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(plugin_name, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		namespace, key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_name = ? AND key = ?`, namespace, key)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
