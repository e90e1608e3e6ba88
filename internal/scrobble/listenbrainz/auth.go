package listenbrainz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scrobbled/scrobbled/internal/redirect"
	"golang.org/x/oauth2"
)

func (s *Scrobbler) oauthConfigLocked(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{oauthScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.authorizeURL,
			TokenURL:  s.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Authenticate starts the authorization-code flow: it binds a loopback
// redirect listener and returns the authorization URL the user must open in
// a browser. While a redirect is already being awaited the existing listener
// is reused and the same URL is returned.
func (s *Scrobbler) Authenticate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.New("scrobbler is closed")
	}

	if s.listener == nil {
		l, err := redirect.Listen()
		if err != nil {
			return "", err
		}
		s.listener = l
		go s.awaitRedirect(l)
	}

	return s.oauthConfigLocked(s.listener.URL()).AuthCodeURL(""), nil
}

func (s *Scrobbler) awaitRedirect(l *redirect.Listener) {
	select {
	case res := <-l.Result():
		s.redirectArrived(l, res)
	case <-s.baseCtx.Done():
		l.Close()
	}
}

// redirectArrived handles the OAuth callback. The listener is torn down
// exactly once, regardless of outcome.
func (s *Scrobbler) redirectArrived(l *redirect.Listener, res redirect.Result) {
	redirectURL := l.URL()
	l.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == l {
		s.listener = nil
	}
	if s.closed {
		return
	}

	switch {
	case res.AuthError != "":
		s.authErrorLocked(res.AuthError)
	case res.Code != "":
		s.requestAccessTokenLocked(res.Code, redirectURL)
	default:
		s.authErrorLocked("redirect missing authorization code")
	}
}

// RequestAccessToken performs a refresh-token exchange when a refresh token
// is held and scrobbling is enabled; otherwise it is a no-op. The
// authorization-code variant runs internally when the redirect arrives.
func (s *Scrobbler) RequestAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestAccessTokenLocked("", "")
}

// requestAccessTokenLocked performs either an authorization-code exchange or
// a refresh-token exchange, never both. Any armed refresh countdown is
// stopped first so refreshes cannot overlap.
func (s *Scrobbler) requestAccessTokenLocked(code, redirectURL string) {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}

	var exchange func(ctx context.Context) (*oauth2.Token, error)
	switch {
	case code != "" && redirectURL != "":
		cfg := s.oauthConfigLocked(redirectURL)
		exchange = func(ctx context.Context) (*oauth2.Token, error) {
			return cfg.Exchange(ctx, code)
		}
	case s.session.RefreshToken != "" && s.settings.Enabled:
		cfg := s.oauthConfigLocked("")
		refreshToken := s.session.RefreshToken
		exchange = func(ctx context.Context) (*oauth2.Token, error) {
			return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		}
	default:
		return
	}

	if s.closed {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	id := s.opSeq
	s.opSeq++
	s.ops[id] = cancel

	go func() {
		defer cancel()
		tok, err := exchange(ctx)
		if !s.finishOp(id) {
			return
		}
		s.authFinished(tok, err)
	}()
}

// authFinished applies the result of a token exchange. A failed exchange
// emits a failure signal but never clears an existing session: only an
// auth-rejection from a data request does that.
func (s *Scrobbler) authFinished(tok *oauth2.Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.authErrorLocked(classifyTokenError(err).Message)
		return
	}
	if tok.AccessToken == "" {
		s.authErrorLocked("access token missing from token response")
		return
	}

	now := s.now()
	s.session.AccessToken = tok.AccessToken
	s.session.TokenType = tok.TokenType
	if tok.RefreshToken != "" {
		// A refresh response may omit the refresh token; keep the old one.
		s.session.RefreshToken = tok.RefreshToken
	}
	s.session.LoginTime = now.Unix()
	s.session.ExpiresIn = 0
	if !tok.Expiry.IsZero() {
		s.session.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second).Seconds())
	}

	if err := s.sessions.Save(s.session); err != nil {
		s.log.Error("persist session", slog.String("error", err.Error()))
	}

	if s.session.ExpiresIn > 0 {
		s.armRefreshLocked(time.Duration(s.session.ExpiresIn) * time.Second)
	}

	if s.cb.AuthenticationComplete != nil {
		s.cb.AuthenticationComplete(true, "")
	}

	s.log.Debug("authentication successful", slog.Int64("expires_in", s.session.ExpiresIn))

	// A fresh session should drain any backlog without waiting for the
	// normal delay.
	s.startSubmitLocked(true)
}

func (s *Scrobbler) armRefreshLocked(d time.Duration) {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(d, s.refreshTimerFired)
}

func (s *Scrobbler) refreshTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.refreshTimer = nil
	s.requestAccessTokenLocked("", "")
}

// Logout clears the session, in memory and on disk.
func (s *Scrobbler) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutLocked()
}

func (s *Scrobbler) logoutLocked() {
	s.session = Session{}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	if err := s.sessions.Clear(); err != nil {
		s.log.Error("clear session", slog.String("error", err.Error()))
	}
}
