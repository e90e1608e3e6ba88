// Package cache implements the durable queue of pending listen events.
//
// Each listen is one row in a SQLite database; adds, flag changes, and
// removals touch only the affected rows, so a crash can never corrupt the
// rest of the queue. The sent flag is runtime-only: after a restart no
// submission is in flight, so every loaded item starts out unsent.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scrobbled/scrobbled/internal/scrobble"
	_ "modernc.org/sqlite"
)

// Item is a single pending listen event.
type Item struct {
	ID         int64
	Track      scrobble.Track
	ListenedAt int64 // epoch seconds when playback started

	// Sent is true while the item is owned by an in-flight submission.
	Sent bool
	// Error is true when the remote service rejected the item but it is
	// still eligible for retry.
	Error bool
}

// Cache is an ordered, durable collection of pending listen events.
type Cache struct {
	mu    sync.Mutex
	db    *sql.DB
	items []*Item
}

// Open opens (creating if necessary) the cache at the given path and loads
// any events left over from a previous run, in insertion order.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	c := &Cache{db: db}
	if err := c.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS listens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		listened_at INTEGER NOT NULL,
		error INTEGER NOT NULL DEFAULT 0,
		track_json TEXT NOT NULL
	);`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}
	return nil
}

func (c *Cache) load() error {
	rows, err := c.db.Query(`SELECT id, listened_at, error, track_json FROM listens ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item      Item
			errorFlag int
			trackJSON string
		)
		if err := rows.Scan(&item.ID, &item.ListenedAt, &errorFlag, &trackJSON); err != nil {
			return fmt.Errorf("scan cache row: %w", err)
		}
		if err := json.Unmarshal([]byte(trackJSON), &item.Track); err != nil {
			// One corrupt record must not take the rest of the
			// queue with it.
			continue
		}
		item.Error = errorFlag != 0
		c.items = append(c.items, &item)
	}
	return rows.Err()
}

// Add appends a listen event. Repeated plays of the same track are distinct
// events; nothing is deduplicated and nothing is ever dropped.
func (c *Cache) Add(track scrobble.Track, listenedAt int64) (*Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trackJSON, err := json.Marshal(track)
	if err != nil {
		return nil, fmt.Errorf("encode track: %w", err)
	}
	res, err := c.db.Exec(`INSERT INTO listens (listened_at, error, track_json) VALUES (?, 0, ?)`,
		listenedAt, string(trackJSON))
	if err != nil {
		return nil, fmt.Errorf("add listen: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add listen: %w", err)
	}

	item := &Item{ID: id, Track: track, ListenedAt: listenedAt}
	c.items = append(c.items, item)
	return item, nil
}

// List returns the pending events in insertion order.
func (c *Cache) List() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]*Item, len(c.items))
	copy(items, c.items)
	return items
}

// Count returns the number of pending events.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SetError marks the given items as rejected-but-retryable and persists the
// flag so a restart does not forget which items were isolated.
func (c *Cache) SetError(items []*Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		item.Error = true
		if _, err := c.db.Exec(`UPDATE listens SET error = 1 WHERE id = ?`, item.ID); err != nil {
			return fmt.Errorf("set error flag: %w", err)
		}
	}
	return nil
}

// ClearSent resets the sent flag on the given items, making them eligible for
// the next submission attempt.
func (c *Cache) ClearSent(items []*Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		item.Sent = false
	}
}

// Flush removes the given items. Items already absent are ignored; flushing
// is the only operation that shrinks the cache.
func (c *Cache) Flush(items []*Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remove := make(map[int64]bool, len(items))
	for _, item := range items {
		remove[item.ID] = true
		if _, err := c.db.Exec(`DELETE FROM listens WHERE id = ?`, item.ID); err != nil {
			return fmt.Errorf("flush listen: %w", err)
		}
	}

	kept := c.items[:0]
	for _, item := range c.items {
		if !remove[item.ID] {
			kept = append(kept, item)
		}
	}
	c.items = kept
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
