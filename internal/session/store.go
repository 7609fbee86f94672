package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"popupauth/internal/storage"
	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

// DefaultKey is the storage key the session is persisted under.
const DefaultKey = "session"

// ErrNoSession is returned when no session has been saved.
var ErrNoSession = errors.New("no stored session")

// Source reports session updates, e.g. an *authenticator.Authenticator.
type Source interface {
	OnSessionDataUpdated(fn func(oauth.TokenRecord)) func()
}

// Store persists the current session as JSON in a storage channel, so that a
// later process can restore it.
type Store struct {
	channel storage.Channel
	key     string
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// New creates a Store on channel.
func New(channel storage.Channel, opts ...Option) *Store {
	s := &Store{channel: channel, key: DefaultKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the storage key in use.
func (s *Store) Key() string {
	return s.key
}

// Save persists rec, replacing any earlier session.
func (s *Store) Save(rec *oauth.TokenRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.channel.Set(s.key, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	logging.Debug("Session", "Saved session (expires_at=%d)", rec.ExpiresAt)
	return nil
}

// Load returns the persisted session, or ErrNoSession.
func (s *Store) Load() (*oauth.TokenRecord, error) {
	raw, err := s.channel.Get(s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var rec *oauth.TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: session: %v", storage.ErrCorrupted, err)
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return rec, nil
}

// Clear removes the persisted session.
func (s *Store) Clear() error {
	if err := s.channel.Remove(s.key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	logging.Debug("Session", "Cleared session")
	return nil
}

// Watch saves every session src reports until the returned func is called.
func (s *Store) Watch(src Source) func() {
	return src.OnSessionDataUpdated(func(rec oauth.TokenRecord) {
		if err := s.Save(&rec); err != nil {
			logging.Error("Session", err, "Failed to persist updated session")
		}
	})
}

// OnChange calls fn whenever the session key is written or removed, by this
// or another process. fn receives nil when the session is gone.
func (s *Store) OnChange(fn func(*oauth.TokenRecord)) func() {
	return s.channel.Subscribe(func(e storage.Event) {
		if e.Key != "" && e.Key != s.key {
			return
		}
		rec, err := s.Load()
		if err != nil && !errors.Is(err, ErrNoSession) {
			logging.Warn("Session", "Ignoring unreadable session update: %v", err)
			return
		}
		fn(rec)
	})
}

// TokenSource returns an oauth2.TokenSource that reads the persisted session
// on every call. It does not refresh.
func (s *Store) TokenSource() oauth2.TokenSource {
	return storeTokenSource{s: s}
}

type storeTokenSource struct {
	s *Store
}

func (ts storeTokenSource) Token() (*oauth2.Token, error) {
	rec, err := ts.s.Load()
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec.OAuth2Token(), nil
}
