package cache

import (
	"path/filepath"
	"testing"

	"github.com/scrobbled/scrobbled/internal/scrobble"
)

func openTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func track(title string) scrobble.Track {
	return scrobble.Track{Artist: "Artist", Title: title, URL: "file:///" + title}
}

func TestAddAndOrder(t *testing.T) {
	c, _ := openTestCache(t)

	for _, title := range []string{"one", "two", "three"} {
		if _, err := c.Add(track(title), 1000); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if c.Count() != 3 {
		t.Fatalf("expected 3 items, got %d", c.Count())
	}

	items := c.List()
	want := []string{"one", "two", "three"}
	for i, item := range items {
		if item.Track.Title != want[i] {
			t.Errorf("item %d = %q, want %q", i, item.Track.Title, want[i])
		}
	}
}

func TestNoDeduplication(t *testing.T) {
	c, _ := openTestCache(t)

	// Repeated plays of the same track are distinct events.
	if _, err := c.Add(track("same"), 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(track("same"), 1000); err != nil {
		t.Fatal(err)
	}
	if c.Count() != 2 {
		t.Errorf("expected 2 items, got %d", c.Count())
	}
}

func TestFlushIdempotent(t *testing.T) {
	c, _ := openTestCache(t)

	a, _ := c.Add(track("a"), 1000)
	b, _ := c.Add(track("b"), 1001)

	if err := c.Flush([]*Item{a}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.Count() != 1 {
		t.Fatalf("expected 1 item after flush, got %d", c.Count())
	}

	// Flushing an already-absent item is a no-op.
	if err := c.Flush([]*Item{a}); err != nil {
		t.Fatalf("repeat flush: %v", err)
	}
	if c.Count() != 1 {
		t.Errorf("expected count unchanged, got %d", c.Count())
	}
	if c.List()[0].ID != b.ID {
		t.Error("expected b to remain")
	}
}

func TestSentAndErrorFlags(t *testing.T) {
	c, _ := openTestCache(t)

	a, _ := c.Add(track("a"), 1000)
	b, _ := c.Add(track("b"), 1001)
	a.Sent = true
	b.Sent = true

	if err := c.SetError([]*Item{a, b}); err != nil {
		t.Fatalf("set error: %v", err)
	}
	c.ClearSent([]*Item{a, b})

	for _, item := range c.List() {
		if item.Sent {
			t.Errorf("item %d still marked sent", item.ID)
		}
		if !item.Error {
			t.Errorf("item %d missing error flag", item.ID)
		}
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	a, _ := c.Add(track("kept"), 1000)
	a.Sent = true
	if err := c.SetError([]*Item{a}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(track("fresh"), 1001); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	items := c.List()
	if len(items) != 2 {
		t.Fatalf("expected 2 items after reopen, got %d", len(items))
	}
	// The error flag survives a restart; the sent flag never does, because
	// no submission can be in flight across one.
	if !items[0].Error || items[0].Sent {
		t.Errorf("first item flags = sent=%v error=%v, want sent=false error=true",
			items[0].Sent, items[0].Error)
	}
	if items[1].Error {
		t.Error("second item should not carry an error flag")
	}
	if items[0].Track.Title != "kept" || items[1].Track.Title != "fresh" {
		t.Error("insertion order lost across reopen")
	}
}

func TestCorruptRecordDoesNotPoisonQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := c.Add(track("before"), 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.db.Exec(`INSERT INTO listens (listened_at, error, track_json) VALUES (1001, 0, 'not json')`); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(track("after"), 1002); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	if c.Count() != 2 {
		t.Fatalf("expected 2 loadable items, got %d", c.Count())
	}
	items := c.List()
	if items[0].Track.Title != "before" || items[1].Track.Title != "after" {
		t.Error("surviving records lost or reordered")
	}
}
