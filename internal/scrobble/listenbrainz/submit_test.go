package listenbrainz

import (
	"strings"
	"testing"
	"time"

	"github.com/scrobbled/scrobbled/internal/scrobble"
	"github.com/scrobbled/scrobbled/internal/scrobble/cache"
)

func TestSubmitDelay(t *testing.T) {
	tests := []struct {
		configured int
		errored    bool
		want       time.Duration
	}{
		{0, false, 5 * time.Second},
		{3, false, 5 * time.Second},
		{10, false, 10 * time.Second},
		{0, true, 30 * time.Second},
		{20, true, 30 * time.Second},
		{60, true, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := submitDelay(tt.configured, tt.errored); got != tt.want {
			t.Errorf("submitDelay(%d, %v) = %v, want %v", tt.configured, tt.errored, got, tt.want)
		}
	}
}

func TestSelectBatch(t *testing.T) {
	item := func(title string, sent, errored bool) *cache.Item {
		return &cache.Item{Track: scrobble.Track{Title: title}, Sent: sent, Error: errored}
	}
	titles := func(items []*cache.Item) string {
		var names []string
		for _, it := range items {
			names = append(names, it.Track.Title)
		}
		return strings.Join(names, ",")
	}

	tests := []struct {
		name  string
		items []*cache.Item
		max   int
		want  string
	}{
		{
			name:  "all fresh",
			items: []*cache.Item{item("a", false, false), item("b", false, false)},
			max:   10,
			want:  "a,b",
		},
		{
			name: "respects max",
			items: []*cache.Item{
				item("a", false, false), item("b", false, false), item("c", false, false),
			},
			max:  2,
			want: "a,b",
		},
		{
			name:  "leading errored item goes alone",
			items: []*cache.Item{item("a", false, true), item("b", false, false), item("c", false, false)},
			max:   10,
			want:  "a",
		},
		{
			name:  "errored item ends batch of fresh items",
			items: []*cache.Item{item("a", false, false), item("b", false, true), item("c", false, false)},
			max:   10,
			want:  "a",
		},
		{
			name:  "in-flight items are skipped",
			items: []*cache.Item{item("a", true, false), item("b", false, false)},
			max:   10,
			want:  "b",
		},
		{
			name:  "in-flight errored item is skipped",
			items: []*cache.Item{item("a", true, true), item("b", false, false)},
			max:   10,
			want:  "b",
		},
		{
			name:  "empty",
			items: nil,
			max:   10,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := titles(selectBatch(tt.items, tt.max)); got != tt.want {
				t.Errorf("batch = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubmitFlushesPendingListens(t *testing.T) {
	api := newFakeAPI(t, 200, `{"status": "ok"}`)
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("one", "two")
	e.sc.StartSubmit(true)

	waitFor(t, "cache to drain", func() bool { return e.sc.PendingCount() == 0 })

	if api.count() != 1 {
		t.Fatalf("requests = %d, want 1", api.count())
	}
	req := api.request(0)
	if req.ListenType != "import" {
		t.Errorf("listen_type = %q", req.ListenType)
	}
	if len(req.Payload) != 2 {
		t.Fatalf("payload size = %d, want 2", len(req.Payload))
	}
	if req.Payload[0].ListenedAt == 0 || req.Payload[0].TrackMetadata.TrackName != "one" {
		t.Errorf("first listen = %+v", req.Payload[0])
	}
	if got := api.header(0); got != "Token user-token" {
		t.Errorf("authorization = %q", got)
	}

	// Nothing left to submit.
	e.sc.StartSubmit(true)
	time.Sleep(50 * time.Millisecond)
	if api.count() != 1 {
		t.Errorf("requests after drain = %d, want 1", api.count())
	}
}

func TestSubmitCapsBatchSize(t *testing.T) {
	api := newFakeAPI(t, 200, `{"status": "ok"}`)
	e := newAuthedEnv(t, api.srv.URL)

	var titles []string
	for i := 0; i < 15; i++ {
		titles = append(titles, "track-"+string(rune('a'+i)))
	}
	e.addPending(titles...)
	e.sc.Submit()

	waitFor(t, "first batch to flush", func() bool { return e.sc.PendingCount() == 5 })
	if api.count() != 1 {
		t.Fatalf("requests = %d, want 1", api.count())
	}
	if got := len(api.request(0).Payload); got != scrobblesPerRequest {
		t.Errorf("payload size = %d, want %d", got, scrobblesPerRequest)
	}
}

func TestSubmitDropsSingleRejectedListen(t *testing.T) {
	api := newFakeAPI(t, 400, `{"code": 400, "error": "Invalid listen"}`)
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("broken")
	e.sc.Submit()

	waitFor(t, "rejected listen to be dropped", func() bool { return e.sc.PendingCount() == 0 })

	msg := e.nextError(t)
	if !strings.Contains(msg, "Unable to scrobble") || !strings.Contains(msg, "broken") {
		t.Errorf("error message = %q", msg)
	}
	if !strings.Contains(msg, "Invalid listen (400)") {
		t.Errorf("error message missing server diagnosis: %q", msg)
	}

	e.sc.mu.Lock()
	errored := e.sc.submitError
	e.sc.mu.Unlock()
	if !errored {
		t.Error("a rejection must widen the retry interval")
	}
}

func TestSubmitIsolatesRejectedBatch(t *testing.T) {
	api := newFakeAPI(t, 400, `{"code": 400, "error": "Invalid submission"}`)
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("a", "b", "c")
	e.sc.Submit()

	waitFor(t, "batch to settle as errored", func() bool {
		for _, item := range e.sc.cache.List() {
			if item.Sent || !item.Error {
				return false
			}
		}
		return true
	})

	if e.sc.PendingCount() != 3 {
		t.Errorf("pending = %d, want 3", e.sc.PendingCount())
	}
	if msg := e.nextError(t); !strings.Contains(msg, "Invalid submission") {
		t.Errorf("error message = %q", msg)
	}

	// The remainder must be rescheduled, not retried immediately.
	e.sc.mu.Lock()
	armed := e.sc.submitTimer != nil
	e.sc.mu.Unlock()
	if !armed {
		t.Error("retry timer not armed after rejection")
	}
	if api.count() != 1 {
		t.Errorf("requests = %d, want 1", api.count())
	}
}

func TestSubmitRetriesAfterServerError(t *testing.T) {
	api := newFakeAPI(t, 500, "")
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("a", "b")
	e.sc.Submit()

	waitFor(t, "batch to be returned to the queue", func() bool {
		for _, item := range e.sc.cache.List() {
			if item.Sent {
				return false
			}
		}
		return true
	})

	for _, item := range e.sc.cache.List() {
		if item.Error {
			t.Error("transient failures must not mark items errored")
		}
	}
	if e.sc.PendingCount() != 2 {
		t.Errorf("pending = %d, want 2", e.sc.PendingCount())
	}
	if msg := e.nextError(t); !strings.Contains(msg, "Received HTTP code 500") {
		t.Errorf("error message = %q", msg)
	}
}

func TestSubmitSingleRequestInFlight(t *testing.T) {
	api := newFakeAPI(t, 200, `{"status": "ok"}`)
	gate := make(chan struct{})
	api.setGate(gate)
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("a", "b")
	e.sc.Submit()
	waitFor(t, "first request to start", func() bool { return api.count() == 1 })

	e.sc.Submit()
	time.Sleep(50 * time.Millisecond)
	if api.count() != 1 {
		t.Fatalf("second submission started while one was in flight")
	}

	close(gate)
	waitFor(t, "cache to drain", func() bool { return e.sc.PendingCount() == 0 })
}

func TestSubmitSendsErroredItemAlone(t *testing.T) {
	api := newFakeAPI(t, 200, `{"status": "ok"}`)
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("poison", "fresh")
	items := e.sc.cache.List()
	if err := e.sc.cache.SetError(items[:1]); err != nil {
		t.Fatalf("set error: %v", err)
	}

	e.sc.Submit()
	waitFor(t, "errored item to flush", func() bool { return e.sc.PendingCount() == 1 })

	if api.count() != 1 {
		t.Fatalf("requests = %d, want 1", api.count())
	}
	req := api.request(0)
	if len(req.Payload) != 1 || req.Payload[0].TrackMetadata.TrackName != "poison" {
		t.Errorf("first batch = %+v, want the errored item alone", req.Payload)
	}
	if e.sc.cache.List()[0].Track.Title != "fresh" {
		t.Errorf("remaining item = %q", e.sc.cache.List()[0].Track.Title)
	}
}

func TestSubmitAuthRejectionLogsOut(t *testing.T) {
	api := newFakeAPI(t, 401, "")
	e := newAuthedEnv(t, api.srv.URL)

	e.addPending("a")
	e.sc.Submit()

	waitFor(t, "session to be cleared", func() bool { return !e.sc.Authenticated() })

	if e.sc.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", e.sc.PendingCount())
	}
	if sess := e.sc.Session(); sess != (Session{}) {
		t.Errorf("session = %+v, want zero", sess)
	}
}

func TestSubmitSkippedWhenOfflineOrDisabled(t *testing.T) {
	api := newFakeAPI(t, 200, `{"status": "ok"}`)
	e := newAuthedEnv(t, api.srv.URL)
	e.addPending("a")

	off := e.st
	off.Offline = true
	e.sc.ReloadSettings(off)
	e.sc.Submit()

	disabled := e.st
	disabled.Enabled = false
	e.sc.ReloadSettings(disabled)
	e.sc.Submit()

	time.Sleep(50 * time.Millisecond)
	if api.count() != 0 {
		t.Errorf("requests = %d, want 0", api.count())
	}
	if e.sc.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", e.sc.PendingCount())
	}
}
