package listenbrainz

import (
	"fmt"
	"time"

	"github.com/scrobbled/scrobbled/internal/settings"
)

// Session is the OAuth2 token set enabling authenticated requests.
type Session struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    int64 // seconds
	LoginTime    int64 // epoch seconds
}

// Authenticated reports whether the session carries an access token.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// Remaining returns the seconds left until the access token expires. The
// result is negative for an already-expired session.
func (s Session) Remaining(now time.Time) int64 {
	return s.ExpiresIn - (now.Unix() - s.LoginTime)
}

// refreshFloorSeconds prevents a zero or near-immediate refresh loop on
// skewed clocks or already-expired sessions.
const refreshFloorSeconds = 6

func refreshDelay(remaining int64) time.Duration {
	if remaining < refreshFloorSeconds {
		remaining = refreshFloorSeconds
	}
	return time.Duration(remaining) * time.Second
}

const (
	keyAccessToken  = "access_token"
	keyExpiresIn    = "expires_in"
	keyTokenType    = "token_type"
	keyRefreshToken = "refresh_token"
	keyLoginTime    = "login_time"
)

// sessionStore persists the session in the settings key/value store.
type sessionStore struct {
	store *settings.Store
}

// Load reads the persisted session. A store with no session yields the zero
// Session; storage failures are fatal to the call.
func (ss sessionStore) Load() (Session, error) {
	var sess Session
	var err error

	if sess.AccessToken, _, err = ss.store.Get(keyAccessToken); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.TokenType, _, err = ss.store.Get(keyTokenType); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.RefreshToken, _, err = ss.store.Get(keyRefreshToken); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.ExpiresIn, err = ss.store.GetInt64(keyExpiresIn, -1); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.LoginTime, err = ss.store.GetInt64(keyLoginTime, 0); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Save persists the session.
func (ss sessionStore) Save(sess Session) error {
	if err := ss.store.Set(keyAccessToken, sess.AccessToken); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := ss.store.Set(keyTokenType, sess.TokenType); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := ss.store.Set(keyRefreshToken, sess.RefreshToken); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := ss.store.SetInt64(keyExpiresIn, sess.ExpiresIn); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := ss.store.SetInt64(keyLoginTime, sess.LoginTime); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the persisted session.
func (ss sessionStore) Clear() error {
	if err := ss.store.Delete(keyAccessToken, keyExpiresIn, keyTokenType, keyRefreshToken, keyLoginTime); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
