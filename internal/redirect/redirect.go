// Package redirect implements the loopback HTTP listener that catches the
// OAuth2 authorization callback from the user's browser.
package redirect

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
)

// Result carries the query parameters of the first callback request.
type Result struct {
	// Code is the authorization code, if the provider granted one.
	Code string
	// AuthError is the provider's error parameter, if authorization failed.
	AuthError string
	// Query is the full callback query string.
	Query url.Values
}

// Listener serves exactly one OAuth callback on a loopback port.
type Listener struct {
	ln     net.Listener
	srv    *http.Server
	result chan Result

	deliverOnce sync.Once
	closeOnce   sync.Once
}

// Listen binds an ephemeral loopback port and starts serving.
func Listen() (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind redirect listener: %w", err)
	}

	l := &Listener{
		ln:     ln,
		result: make(chan Result, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>Authorization received, you can close this window.</body></html>")

	// Only the first request counts; retries and favicon fetches are ignored.
	l.deliverOnce.Do(func() {
		l.result <- Result{
			Code:      query.Get("code"),
			AuthError: query.Get("error"),
			Query:     query,
		}
	})
}

// URL returns the redirect URI to register with the authorization request.
func (l *Listener) URL() string {
	return fmt.Sprintf("http://localhost:%d", l.Port())
}

// Port returns the bound loopback port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Result returns the channel on which the first callback is delivered.
func (l *Listener) Result() <-chan Result {
	return l.result
}

// Close tears the listener down. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.srv.Close()
	})
	return err
}
