// Package listenbrainz implements the ListenBrainz scrobble submission and
// authentication engine: a durable queue of pending listens, an OAuth2 token
// lifecycle with silent background refresh, and batched at-least-once
// submission with backoff.
package listenbrainz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scrobbled/scrobbled/internal/redirect"
	"github.com/scrobbled/scrobbled/internal/scrobble"
	"github.com/scrobbled/scrobbled/internal/scrobble/cache"
	"github.com/scrobbled/scrobbled/internal/settings"
)

const Name = "ListenBrainz"

const (
	defaultAuthorizeURL = "https://musicbrainz.org/oauth2/authorize"
	defaultTokenURL     = "https://musicbrainz.org/oauth2/token"
	defaultAPIURL       = "https://api.listenbrainz.org"

	defaultClientID     = "oeAUNwqSQer0er09Fiqi0Q"
	defaultClientSecret = "ROFghkeQ3F3oPyEhqiyWPA"

	oauthScope = "profile;email;tag;rating;collection;submit_isrc;submit_barcode"

	submitListensPath = "/1/submit-listens"
	feedbackPath      = "/1/feedback/recording-feedback"
)

// Settings is an immutable snapshot of the user preferences the scrobbler
// reads. Replace it wholesale with ReloadSettings; the engine never consults
// ambient state.
type Settings struct {
	Enabled bool
	// UserToken is the ListenBrainz user token sent with every API request.
	UserToken string
	// SubmitDelay is the number of seconds to wait before flushing pending
	// listens. Zero or less submits immediately.
	SubmitDelay       int
	PreferAlbumArtist bool
	Offline           bool
	ShowErrorDialog   bool
}

// Callbacks are the signals the scrobbler emits. They are invoked on internal
// goroutines while the engine is busy; handlers must not call back into the
// Scrobbler synchronously.
type Callbacks struct {
	// AuthenticationComplete reports the outcome of an authentication or
	// token refresh attempt.
	AuthenticationComplete func(ok bool, message string)
	// ErrorMessage carries a user-visible error, already prefixed with the
	// service name. Gated by Settings.ShowErrorDialog.
	ErrorMessage func(message string)
}

// Config configures a Scrobbler.
type Config struct {
	Settings Settings

	// StateDir is where the pending-listen cache and session store live.
	StateDir string

	// OAuth client overrides; empty values use the MusicBrainz defaults.
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	APIURL       string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Callbacks  Callbacks
}

// Scrobbler is the ListenBrainz scrobbling facade. All state mutation happens
// under one mutex; network requests run asynchronously and re-enter through
// it, so many requests may be outstanding while state stays consistent.
type Scrobbler struct {
	mu  sync.Mutex
	log *slog.Logger
	cb  Callbacks

	settings Settings

	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	apiURL       string

	client *http.Client

	store    *settings.Store
	sessions sessionStore
	session  Session

	cache *cache.Cache

	// now playing state
	songPlaying scrobble.Track
	havePlaying bool
	scrobbled   bool
	timestamp   int64

	// submission scheduler state
	submitting  bool
	submitError bool
	submitTimer *time.Timer

	refreshTimer *time.Timer

	listener *redirect.Listener

	baseCtx    context.Context
	baseCancel context.CancelFunc
	ops        map[uint64]context.CancelFunc
	opSeq      uint64
	closed     bool

	now func() time.Time
}

// New creates a Scrobbler, opening its durable state under cfg.StateDir and
// rearming the token refresh countdown from any persisted session.
func New(cfg Config) (*Scrobbler, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("state dir is required")
	}

	s := &Scrobbler{
		log:          cfg.Logger,
		cb:           cfg.Callbacks,
		settings:     cfg.Settings,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authorizeURL: cfg.AuthorizeURL,
		tokenURL:     cfg.TokenURL,
		apiURL:       cfg.APIURL,
		client:       cfg.HTTPClient,
		ops:          make(map[uint64]context.CancelFunc),
		now:          time.Now,
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.clientID == "" {
		s.clientID = defaultClientID
	}
	if s.clientSecret == "" {
		s.clientSecret = defaultClientSecret
	}
	if s.authorizeURL == "" {
		s.authorizeURL = defaultAuthorizeURL
	}
	if s.tokenURL == "" {
		s.tokenURL = defaultTokenURL
	}
	if s.apiURL == "" {
		s.apiURL = defaultAPIURL
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	store, err := settings.Open(filepath.Join(cfg.StateDir, "listenbrainz_session.db"))
	if err != nil {
		return nil, err
	}
	s.store = store
	s.sessions = sessionStore{store: store}

	c, err := cache.Open(filepath.Join(cfg.StateDir, "listenbrainz_cache.db"))
	if err != nil {
		store.Close()
		return nil, err
	}
	s.cache = c

	if err := s.loadSession(); err != nil {
		c.Close()
		store.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scrobbler) loadSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessions.Load()
	if err != nil {
		return err
	}
	s.session = sess
	if sess.RefreshToken != "" {
		s.armRefreshLocked(refreshDelay(sess.Remaining(s.now())))
	}
	return nil
}

// ReloadSettings replaces the preference snapshot.
func (s *Scrobbler) ReloadSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// Authenticated reports whether an access token is held.
func (s *Scrobbler) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Authenticated()
}

// Session returns a copy of the current session.
func (s *Scrobbler) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// PendingCount returns the number of listens waiting for submission.
func (s *Scrobbler) PendingCount() int {
	return s.cache.Count()
}

// UpdateNowPlaying finalizes the previous track, adopts song as the current
// one, and fires a best-effort playing_now announcement. The announcement is
// neither cached nor retried.
func (s *Scrobbler) UpdateNowPlaying(song scrobble.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkScrobblePrevSongLocked()

	s.songPlaying = song
	s.havePlaying = true
	s.scrobbled = false
	s.timestamp = s.now().Unix()

	if !song.MetadataGood() || !s.session.Authenticated() || s.settings.Offline {
		return
	}

	body := listenRequest{
		ListenType: "playing_now",
		Payload:    []listen{{TrackMetadata: newTrackMetadata(song, s.settings.PreferAlbumArtist)}},
	}
	s.startRequestLocked(s.apiURL+submitListensPath, body, s.nowPlayingRequestFinished)
}

func (s *Scrobbler) nowPlayingRequestFinished(resp *http.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.handleReplyLocked(resp, err)
	if c.Result != ReplySuccess {
		s.errorLocked(c.Message)
		return
	}
	status, ok := c.Object["status"].(string)
	if !ok {
		s.errorLocked("Now playing request is missing status from server.")
		return
	}
	if !strings.EqualFold(status, "ok") {
		s.errorLocked(fmt.Sprintf("Received %s status for now playing.", status))
	}
}

// ClearPlaying finalizes the previous track and resets the now-playing state.
func (s *Scrobbler) ClearPlaying() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkScrobblePrevSongLocked()
	s.songPlaying = scrobble.Track{}
	s.havePlaying = false
	s.scrobbled = false
	s.timestamp = 0
}

// Scrobble appends a durable listen event for the currently playing track and
// triggers submission. Tracks that do not match the current track, or whose
// metadata is unusable, are rejected.
func (s *Scrobbler) Scrobble(song scrobble.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrobbleLocked(song)
}

func (s *Scrobbler) scrobbleLocked(song scrobble.Track) error {
	if !s.havePlaying || song.URL != s.songPlaying.URL {
		return scrobble.ErrNotPlaying
	}
	if !song.MetadataGood() {
		return fmt.Errorf("scrobble %q: metadata is incomplete", song.Title)
	}

	s.scrobbled = true

	if _, err := s.cache.Add(song, s.timestamp); err != nil {
		return fmt.Errorf("cache listen: %w", err)
	}

	if s.settings.Offline || !s.session.Authenticated() {
		return nil
	}
	s.startSubmitLocked(true)
	return nil
}

// checkScrobblePrevSongLocked synthesizes a scrobble for a radio-style stream
// that is being switched away from: streams have no natural track end, so the
// elapsed play time becomes the listen's length.
func (s *Scrobbler) checkScrobblePrevSongLocked() {
	elapsed := s.now().Unix() - s.timestamp
	if elapsed < 0 {
		elapsed = 0
	}

	if !s.scrobbled && s.havePlaying && s.songPlaying.MetadataGood() && s.songPlaying.Stream && elapsed > 30 {
		song := s.songPlaying
		song.Length = time.Duration(elapsed) * time.Second
		if err := s.scrobbleLocked(song); err != nil {
			s.log.Debug("stream finalize scrobble failed", slog.String("error", err.Error()))
		}
	}
}

// Love submits positive feedback for the track. It requires a MusicBrainz
// recording ID; without one it fails locally and no request is issued.
func (s *Scrobbler) Love(song scrobble.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if song.RecordingMBID == "" {
		err := fmt.Errorf("missing MusicBrainz recording ID for %s %s %s", song.Artist, song.Album, song.Title)
		s.errorLocked(err.Error())
		return err
	}

	s.log.Debug("sending love",
		slog.String("artist", song.Artist),
		slog.String("album", song.Album),
		slog.String("title", song.Title))

	body := map[string]any{
		"recording_mbid": song.RecordingMBID,
		"score":          1,
	}
	s.startRequestLocked(s.apiURL+feedbackPath, body, s.loveRequestFinished)
	return nil
}

func (s *Scrobbler) loveRequestFinished(resp *http.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.handleReplyLocked(resp, err)
	if c.Result != ReplySuccess {
		s.errorLocked(c.Message)
		return
	}
	if status, ok := c.Object["status"].(string); ok {
		s.log.Debug("received recording-feedback status", slog.String("status", status))
	}
}

// handleReplyLocked classifies a response and applies the cross-cutting
// session-expiry side effect: access-denied transport signals force a logout
// regardless of the classification returned.
func (s *Scrobbler) handleReplyLocked(resp *http.Response, err error) classification {
	c := classify(resp, err)
	if c.AuthExpired {
		// Session is probably expired.
		s.logoutLocked()
	}
	return c
}

// startRequestLocked issues one asynchronous JSON POST carrying the user
// token. The completion handler never fires for requests aborted by Close.
func (s *Scrobbler) startRequestLocked(url string, payload any, done func(*http.Response, error)) {
	if s.closed {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.errorLocked(fmt.Sprintf("encode request: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	id := s.opSeq
	s.opSeq++
	s.ops[id] = cancel
	token := s.settings.UserToken

	go func() {
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		var resp *http.Response
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Token "+token)
			resp, err = s.client.Do(req)
		}

		if !s.finishOp(id) {
			if resp != nil {
				resp.Body.Close()
			}
			return
		}
		done(resp, err)
	}()
}

// finishOp removes an in-flight operation. It returns false when the
// operation was already detached, meaning its completion must be dropped.
func (s *Scrobbler) finishOp(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return false
	}
	delete(s.ops, id)
	return true
}

func (s *Scrobbler) errorLocked(message string) {
	s.log.Error("listenbrainz error", slog.String("error", message))
	if s.settings.ShowErrorDialog && s.cb.ErrorMessage != nil {
		s.cb.ErrorMessage(fmt.Sprintf("%s error: %s", Name, message))
	}
}

func (s *Scrobbler) authErrorLocked(message string) {
	s.log.Error("listenbrainz auth error", slog.String("error", message))
	if s.cb.AuthenticationComplete != nil {
		s.cb.AuthenticationComplete(false, message)
	}
}

// Close aborts every in-flight request, detaches their completion handlers,
// stops all timers, and closes the durable state.
func (s *Scrobbler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, cancel := range s.ops {
		cancel()
		delete(s.ops, id)
	}
	if s.submitTimer != nil {
		s.submitTimer.Stop()
		s.submitTimer = nil
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.baseCancel()
	if listener != nil {
		listener.Close()
	}

	cacheErr := s.cache.Close()
	storeErr := s.store.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return storeErr
}
