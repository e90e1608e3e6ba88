package listenbrainz

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/scrobbled/scrobbled/internal/scrobble/cache"
)

const scrobblesPerRequest = 10

// submitDelay returns the delay before the next submission attempt. Failures
// widen the retry interval to at least 30 seconds; successes keep it at the
// configured delay with a 5 second floor.
func submitDelay(configured int, errored bool) time.Duration {
	floor := 5
	if errored {
		floor = 30
	}
	if configured > floor {
		floor = configured
	}
	return time.Duration(floor) * time.Second
}

// selectBatch walks items in insertion order building one submission batch:
// items already in flight are skipped; an errored item is only ever included
// as the sole tail item, isolating its fate from fresh items.
func selectBatch(items []*cache.Item, max int) []*cache.Item {
	var batch []*cache.Item
	for _, item := range items {
		if item.Sent {
			continue
		}
		if item.Error && len(batch) > 0 {
			break
		}
		batch = append(batch, item)
		if len(batch) >= max || item.Error {
			break
		}
	}
	return batch
}

// StartSubmit schedules a cache flush. With initial set and no configured
// delay it submits immediately unless the previous attempt errored; otherwise
// it arms the single-shot delay timer if one is not already running.
func (s *Scrobbler) StartSubmit(initial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSubmitLocked(initial)
}

func (s *Scrobbler) startSubmitLocked(initial bool) {
	if s.submitting || s.cache.Count() == 0 {
		return
	}

	if initial && s.settings.SubmitDelay <= 0 && !s.submitError {
		if s.submitTimer != nil {
			s.submitTimer.Stop()
			s.submitTimer = nil
		}
		s.submitLocked()
		return
	}

	if s.submitTimer == nil {
		s.submitTimer = time.AfterFunc(submitDelay(s.settings.SubmitDelay, s.submitError), s.submitTimerFired)
	}
}

func (s *Scrobbler) submitTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.submitTimer = nil
	s.submitLocked()
}

// Submit sends one batch of pending listens. No-op unless enabled,
// authenticated, and online, and never issues a second concurrent request.
func (s *Scrobbler) Submit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitLocked()
}

func (s *Scrobbler) submitLocked() {
	if s.submitting {
		return
	}
	if !s.settings.Enabled || !s.session.Authenticated() || s.settings.Offline {
		return
	}

	s.log.Debug("submitting scrobbles")

	batch := selectBatch(s.cache.List(), scrobblesPerRequest)
	if len(batch) == 0 {
		return
	}

	payload := make([]listen, 0, len(batch))
	for _, item := range batch {
		item.Sent = true
		payload = append(payload, listen{
			ListenedAt:    item.ListenedAt,
			TrackMetadata: newTrackMetadata(item.Track, s.settings.PreferAlbumArtist),
		})
	}

	s.submitting = true

	body := listenRequest{ListenType: "import", Payload: payload}
	s.startRequestLocked(s.apiURL+submitListensPath, body, func(resp *http.Response, err error) {
		s.scrobbleRequestFinished(resp, err, batch)
	})
}

// scrobbleRequestFinished settles one batch: flush on success, isolate or
// retry on failure, then re-arm the scheduler for any remainder.
func (s *Scrobbler) scrobbleRequestFinished(resp *http.Response, err error, batch []*cache.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitting = false

	c := s.handleReplyLocked(resp, err)
	switch {
	case c.Result == ReplySuccess:
		if status, ok := c.Object["status"].(string); ok {
			s.log.Debug("received scrobble status", slog.String("status", status))
		} else {
			s.log.Debug("received scrobble reply without status")
		}
		if err := s.cache.Flush(batch); err != nil {
			s.log.Error("flush cache", slog.String("error", err.Error()))
		}
		s.submitError = false

	case c.Result == ReplyAPIError && len(batch) == 1:
		// A single rejected item would otherwise be retried forever.
		s.submitError = true
		item := batch[0]
		s.errorLocked(fmt.Sprintf("Unable to scrobble %s - %s because of error: %s",
			item.Track.EffectiveAlbumArtist(), item.Track.Title, c.Message))
		if err := s.cache.Flush(batch); err != nil {
			s.log.Error("flush cache", slog.String("error", err.Error()))
		}

	case c.Result == ReplyAPIError:
		s.submitError = true
		s.errorLocked(c.Message)
		if err := s.cache.SetError(batch); err != nil {
			s.log.Error("set error flags", slog.String("error", err.Error()))
		}
		s.cache.ClearSent(batch)

	default: // transport or server error: transient, retry without isolation
		s.submitError = true
		s.errorLocked(c.Message)
		s.cache.ClearSent(batch)
	}

	s.startSubmitLocked(false)
}
