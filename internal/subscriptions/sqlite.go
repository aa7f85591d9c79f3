package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	owning_application TEXT NOT NULL,
	event_types TEXT NOT NULL,
	consumer_group TEXT NOT NULL,
	read_from TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	UNIQUE (owning_application, event_types, consumer_group)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_app ON subscriptions(owning_application, created_at_ms);
`

// SQLite keeps subscriptions in a single table. event_types holds the JSON
// array, which also makes it part of the uniqueness key.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Directory = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at dsn, a modernc sqlite
// DSN such as "file:/var/lib/nakadi/subscriptions.db" or ":memory:".
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if path, onDisk := sqliteFilePath(dsn); onDisk {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create subscriptions dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscriptions db: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init subscriptions schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func sqliteFilePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return "", false
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path, path != ""
}

const selectColumns = `SELECT id, owning_application, event_types, consumer_group, read_from, created_at_ms FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		s         Subscription
		types     string
		createdMs int64
	)
	if err := row.Scan(&s.ID, &s.OwningApplication, &types, &s.ConsumerGroup, &s.ReadFrom, &createdMs); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal([]byte(types), &s.EventTypes); err != nil {
		return Subscription{}, fmt.Errorf("decode event_types of %s: %w", s.ID, err)
	}
	s.CreatedAt = time.UnixMilli(createdMs).UTC()
	return s, nil
}

func (d *SQLite) Get(ctx context.Context, id string) (Subscription, error) {
	s, err := scanSubscription(d.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, notFound(id)
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return s, nil
}

func (d *SQLite) Create(ctx context.Context, sub Subscription) (Subscription, bool, error) {
	sub, err := prepare(sub, d.now())
	if err != nil {
		return Subscription{}, false, err
	}
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("encode event_types: %w", err)
	}
	res, err := d.db.ExecContext(ctx, `
INSERT INTO subscriptions (id, owning_application, event_types, consumer_group, read_from, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (owning_application, event_types, consumer_group) DO NOTHING`,
		sub.ID, sub.OwningApplication, string(types), sub.ConsumerGroup, sub.ReadFrom, sub.CreatedAt.UnixMilli())
	if err != nil {
		return Subscription{}, false, fmt.Errorf("insert subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return sub, true, nil
	}
	existing, err := scanSubscription(d.db.QueryRowContext(ctx,
		selectColumns+` WHERE owning_application = ? AND event_types = ? AND consumer_group = ?`,
		sub.OwningApplication, string(types), sub.ConsumerGroup))
	if err != nil {
		return Subscription{}, false, fmt.Errorf("load existing subscription: %w", err)
	}
	return existing, false, nil
}

func (d *SQLite) List(ctx context.Context, opts ListOptions) ([]Subscription, error) {
	var (
		where []string
		args  []any
	)
	if opts.OwningApplication != "" {
		where = append(where, "owning_application = ?")
		args = append(args, opts.OwningApplication)
	}
	if opts.EventType != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(subscriptions.event_types) WHERE json_each.value = ?)")
		args = append(args, opts.EventType)
	}
	q := selectColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ms, id LIMIT ? OFFSET ?"
	args = append(args, opts.limit(), max(opts.Offset, 0))

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	out := []Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *SQLite) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func (d *SQLite) Close() error { return d.db.Close() }
