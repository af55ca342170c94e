package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/HamletDuFromage/vintelegram/internal/model"
	"github.com/HamletDuFromage/vintelegram/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertChat registers a chat if it is not known yet and refreshes its title.
func (s *SQLite) UpsertChat(ctx context.Context, chatID int64, title string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, title, notify, paused, max_items_per_check, created_at)
		 VALUES (?, ?, 1, 0, 0, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET title = excluded.title`,
		chatID, title, now,
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat returns a single chat by its Telegram chat ID.
func (s *SQLite) GetChat(ctx context.Context, chatID int64) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, title, notify, paused, min_price, max_price, max_items_per_check, created_at
		 FROM chats WHERE chat_id = ?`, chatID,
	)
	return scanChat(row)
}

// UpdateChat persists a chat's settings. The whole settings record is
// written at once, so concurrent updates resolve last-writer-wins.
func (s *SQLite) UpdateChat(ctx context.Context, chat *model.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, notify = ?, paused = ?, min_price = ?, max_price = ?, max_items_per_check = ?
		 WHERE chat_id = ?`,
		chat.Title, boolToInt(chat.Notify), boolToInt(chat.Paused),
		chat.MinPrice, chat.MaxPrice, chat.MaxItemsPerCheck, chat.ID,
	)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	return nil
}

// ListChats returns all registered chats.
func (s *SQLite) ListChats(ctx context.Context) ([]model.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, notify, paused, min_price, max_price, max_items_per_check, created_at
		 FROM chats ORDER BY chat_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// CreateWatch inserts a new watch and populates its ID and CreatedAt.
// Returns ErrWatchExists when the chat already monitors the URL.
func (s *SQLite) CreateWatch(ctx context.Context, w *model.Watch) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO watches (chat_id, url, provider, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		w.ChatID, w.URL, w.Provider, boolToInt(w.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert watch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrWatchExists
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	w.ID = id
	w.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetWatch returns a single watch by its ID.
func (s *SQLite) GetWatch(ctx context.Context, id int64) (*model.Watch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, url, provider, is_active, seeded, last_check_at, created_at
		 FROM watches WHERE id = ?`, id,
	)
	return scanWatch(row)
}

// ListWatches returns all watches belonging to the given chat in the order
// they were added.
func (s *SQLite) ListWatches(ctx context.Context, chatID int64) ([]model.Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, url, provider, is_active, seeded, last_check_at, created_at
		 FROM watches WHERE chat_id = ? ORDER BY id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWatches(rows)
}

// ListDueWatches returns active watches of unpaused, notifying chats whose
// last check is unset or older than cutoff.
func (s *SQLite) ListDueWatches(ctx context.Context, cutoff time.Time) ([]model.Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id, w.chat_id, w.url, w.provider, w.is_active, w.seeded, w.last_check_at, w.created_at
		 FROM watches w
		 JOIN chats c ON c.chat_id = w.chat_id
		 WHERE w.is_active = 1
		   AND c.paused = 0
		   AND c.notify = 1
		   AND (w.last_check_at IS NULL OR w.last_check_at <= ?)
		 ORDER BY w.id`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due watches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWatches(rows)
}

// UpdateWatchChecked records the time of the last successful check.
func (s *SQLite) UpdateWatchChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET last_check_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("update watch checked: %w", err)
	}
	return nil
}

// MarkWatchSeeded records that the watch's first successful poll has
// absorbed its baseline snapshot. Never unset except by DeleteWatch
// removing the row, so a re-added URL re-seeds from scratch.
func (s *SQLite) MarkWatchSeeded(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET seeded = 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("mark watch seeded: %w", err)
	}
	return nil
}

// SetWatchActive pauses or resumes a single watch.
func (s *SQLite) SetWatchActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET is_active = ? WHERE id = ?`, boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("set watch active: %w", err)
	}
	return nil
}

// DeleteWatch removes a watch together with its seen items, so re-adding
// the same URL starts from a fresh ledger.
func (s *SQLite) DeleteWatch(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_items WHERE watch_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	return tx.Commit()
}

// SeenIDs returns the set of item IDs already recorded for a watch.
func (s *SQLite) SeenIDs(ctx context.Context, watchID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM seen_items WHERE watch_id = ?`, watchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query seen items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen item: %w", err)
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// MarkSeen records item IDs for a watch in one transaction. IDs already
// present keep their original discovery timestamp.
func (s *SQLite) MarkSeen(ctx context.Context, watchID int64, itemIDs []string, at time.Time) error {
	if len(itemIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_items (watch_id, item_id, seen_at) VALUES (?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare mark seen: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ts := at.UTC().Format(timeLayout)
	for _, id := range itemIDs {
		if _, err := stmt.ExecContext(ctx, watchID, id, ts); err != nil {
			return fmt.Errorf("mark seen %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// TrimSeen bounds a watch's ledger to the keep most recently discovered
// items, evicting oldest-by-discovery first.
func (s *SQLite) TrimSeen(ctx context.Context, watchID int64, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items
		 WHERE watch_id = ?
		   AND item_id NOT IN (
		     SELECT item_id FROM seen_items
		     WHERE watch_id = ?
		     ORDER BY seen_at DESC, item_id DESC
		     LIMIT ?)`,
		watchID, watchID, keep,
	)
	if err != nil {
		return fmt.Errorf("trim seen: %w", err)
	}
	return nil
}

// PruneSeen deletes ledger entries discovered before olderThan across all
// watches and returns the number of rows removed.
func (s *SQLite) PruneSeen(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items WHERE seen_at < ?`,
		olderThan.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Stats returns aggregate row counts.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM chats),
		        (SELECT COUNT(*) FROM watches),
		        (SELECT COUNT(*) FROM seen_items)`,
	)
	if err := row.Scan(&st.Chats, &st.Watches, &st.SeenItems); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanChat(row scannable) (*model.Chat, error) {
	var c model.Chat
	var notify, paused int
	var minPrice, maxPrice sql.NullFloat64
	var created sql.NullString
	err := row.Scan(&c.ID, &c.Title, &notify, &paused, &minPrice, &maxPrice, &c.MaxItemsPerCheck, &created)
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	c.Notify = notify == 1
	c.Paused = paused == 1
	if minPrice.Valid {
		v := minPrice.Float64
		c.MinPrice = &v
	}
	if maxPrice.Valid {
		v := maxPrice.Float64
		c.MaxPrice = &v
	}
	if created.Valid {
		c.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &c, nil
}

func scanWatch(row scannable) (*model.Watch, error) {
	var w model.Watch
	var isActive, seeded int
	var lastCheck, created sql.NullString
	err := row.Scan(&w.ID, &w.ChatID, &w.URL, &w.Provider, &isActive, &seeded, &lastCheck, &created)
	if err != nil {
		return nil, fmt.Errorf("scan watch: %w", err)
	}
	w.IsActive = isActive == 1
	w.Seeded = seeded == 1
	if lastCheck.Valid {
		t, _ := time.Parse(timeLayout, lastCheck.String)
		w.LastCheckAt = &t
	}
	if created.Valid {
		w.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &w, nil
}

func scanWatches(rows *sql.Rows) ([]model.Watch, error) {
	var watches []model.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}
