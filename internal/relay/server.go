package relay

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Masterminds/sprig/v3"

	"popupauth/internal/storage"
	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

// DefaultRelayKey is the storage key the landing page writes to.
const DefaultRelayKey = "authcode"

// defaultCloseDelay is how long the success page stays visible before it
// closes itself.
const defaultCloseDelay = 500 * time.Millisecond

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(
	template.New("").Funcs(sprig.HtmlFuncMap()).ParseFS(templateFS, "templates/*.html"),
)

// Server is the landing page the provider redirects the popup to. It stores
// the authorization response in the storage channel and closes the popup.
type Server struct {
	redirect   *url.URL
	store      storage.Channel
	relayKey   string
	appName    string
	closeDelay time.Duration

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	errCh    chan error
}

// Option configures a Server.
type Option func(*Server)

// WithRelayKey overrides DefaultRelayKey.
func WithRelayKey(key string) Option {
	return func(s *Server) {
		if key != "" {
			s.relayKey = key
		}
	}
}

// WithAppName sets the name shown in the page title. Empty keeps the default.
func WithAppName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.appName = name
		}
	}
}

// WithCloseDelay sets how long the success page waits before closing. Zero
// keeps the window open.
func WithCloseDelay(d time.Duration) Option {
	return func(s *Server) {
		s.closeDelay = d
	}
}

// New creates a landing server for redirectURI. The listen address and the
// served path are taken from it.
func New(redirectURI string, store storage.Channel, opts ...Option) (*Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("invalid redirect URI %q: the relay serves plain http on a local address", redirectURI)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	s := &Server{
		redirect:   u,
		store:      store,
		relayKey:   DefaultRelayKey,
		appName:    "popupauth",
		closeDelay: defaultCloseDelay,
		errCh:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the HTTP handler serving the redirect path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.redirect.Path, s.handleCallback)
	return mux
}

// Start listens on the redirect URI's host and serves in the background.
// The server stops when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("relay server already started")
	}

	listener, err := net.Listen("tcp", s.redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to start relay server on %s: %w", s.redirect.Host, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logging.Info("Relay", "Landing server listening on %s", s.URL())
	return nil
}

// Run starts the server and blocks until ctx is cancelled or serving fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-s.errCh:
		s.Stop()
		return fmt.Errorf("relay server failed: %w", err)
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// URL returns the redirect URI served, with the port actually bound.
func (s *Server) URL() string {
	u := *s.redirect
	s.mu.Lock()
	if s.listener != nil {
		u.Host = s.listener.Addr().String()
	}
	s.mu.Unlock()
	return u.String()
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := oauth.ParseAuthorizationResponse(r.URL.Query())
	if resp.Code == "" && resp.Error == "" {
		logging.Warn("Relay", "Callback without code or error")
		s.renderError(w, http.StatusBadRequest, "invalid_request", "The redirect carried neither an authorization code nor an error.")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logging.Error("Relay", err, "Failed to encode authorization response")
		s.renderError(w, http.StatusInternalServerError, "server_error", "The authorization response could not be relayed.")
		return
	}
	if err := s.store.Set(s.relayKey, string(payload)); err != nil {
		logging.Error("Relay", err, "Failed to relay authorization response")
		s.renderError(w, http.StatusInternalServerError, "server_error", "The authorization response could not be relayed.")
		return
	}

	if resp.Error != "" {
		logging.Warn("Relay", "Authorization denied: %s", resp.Error)
		s.renderError(w, http.StatusOK, resp.Error, resp.ErrorDescription)
		return
	}

	logging.Debug("Relay", "Authorization code relayed under key %s", s.relayKey)
	s.render(w, http.StatusOK, "success.html", map[string]any{
		"AppName":      s.appName,
		"AutoClose":    s.closeDelay > 0,
		"CloseDelayMS": s.closeDelay.Milliseconds(),
	})
}

func (s *Server) renderError(w http.ResponseWriter, status int, code, description string) {
	s.render(w, status, "error.html", map[string]any{
		"AppName":     s.appName,
		"Error":       code,
		"Description": description,
	})
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.Error("Relay", err, "Failed to render %s", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// setSecurityHeaders sets the headers for the landing pages. The success
// page needs an inline script to close itself.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; script-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}
