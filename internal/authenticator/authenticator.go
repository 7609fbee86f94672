package authenticator

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"popupauth/internal/popup"
	"popupauth/internal/storage"
	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

const (
	// DefaultRelayKey is the storage key the landing page writes the
	// authorization response to.
	DefaultRelayKey = "authcode"

	// DefaultPollInterval is how often the popup is checked for having closed.
	DefaultPollInterval = 35 * time.Millisecond

	minRefreshOffset = 5 * time.Second
	maxRefreshOffset = 10 * time.Second
)

// State is the position of the authenticator in the login state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingPopup
	StateAwaitingCode
	StateExchangingCode
	StateAuthenticated
	StateFailed
	StateRefreshScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingPopup:
		return "AwaitingPopup"
	case StateAwaitingCode:
		return "AwaitingCode"
	case StateExchangingCode:
		return "ExchangingCode"
	case StateAuthenticated:
		return "Authenticated"
	case StateFailed:
		return "Failed"
	case StateRefreshScheduled:
		return "RefreshScheduled"
	default:
		return "Unknown"
	}
}

// Config holds the authorization request parameters.
type Config struct {
	ClientID    string
	AuthURI     string
	RedirectURI string
	Scope       string

	// RefreshAccessTokens enables silent refresh ahead of expiry.
	RefreshAccessTokens bool

	// RelayKey defaults to DefaultRelayKey.
	RelayKey string

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Window sizes the login popup.
	Window popup.WindowOptions
}

// TokenExchanger redeems authorization codes and refresh tokens.
type TokenExchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, code string) (*oauth.TokenRecord, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth.TokenRecord, error)
}

// PopupController opens and watches the login popup.
type PopupController interface {
	Open(ctx context.Context, url string, opts popup.WindowOptions) (popup.Window, error)
	Poll()
	Tracking() bool
	Close() error
	OnClosed(fn func()) func()
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces the real clock.
func WithClock(clock Clock) Option {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// WithRefreshOffset replaces the random lead time subtracted from the expiry
// when scheduling a refresh.
func WithRefreshOffset(offset func() time.Duration) Option {
	return func(a *Authenticator) {
		a.refreshOffset = offset
	}
}

// randomRefreshOffset returns a uniformly random offset in [5s, 10s).
func randomRefreshOffset() time.Duration {
	return minRefreshOffset + rand.N(maxRefreshOffset-minRefreshOffset)
}

type result struct {
	token *oauth.TokenRecord
	err   error
}

// flow is the state of one Authenticate call.
type flow struct {
	ctx    context.Context
	state  string
	code   string
	result chan result
	poll   Timer
}

// Authenticator runs the popup login flow and keeps the resulting session
// fresh. All state changes happen on a single goroutine fed by a mailbox;
// the public methods only post to it and wait for the answer.
type Authenticator struct {
	cfg       Config
	popups    PopupController
	store     storage.Channel
	exchanger TokenExchanger

	clock         Clock
	refreshOffset func() time.Duration

	mb   *mailbox
	done chan struct{}

	// Owned by the mailbox goroutine.
	flow         *flow
	refreshTimer Timer
	refreshGen   uint64
	closed       bool

	// baseCtx bounds background refreshes and is cancelled by Close.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	unsubscribeStorage func()
	unsubscribePopup   func()

	// mu guards the fields read from other goroutines.
	mu      sync.RWMutex
	state   State
	current *oauth.TokenRecord

	obsMu          sync.Mutex
	nextObsID      int
	sessionObs     map[int]func(oauth.TokenRecord)
	refreshFailObs map[int]func(error)

	closeOnce sync.Once
}

// New wires an authenticator to already constructed collaborators and starts
// its event loop. Call Close to stop it.
func New(cfg Config, popups PopupController, store storage.Channel, exchanger TokenExchanger, opts ...Option) *Authenticator {
	if cfg.RelayKey == "" {
		cfg.RelayKey = DefaultRelayKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	a := &Authenticator{
		cfg:            cfg,
		popups:         popups,
		store:          store,
		exchanger:      exchanger,
		clock:          RealClock{},
		refreshOffset:  randomRefreshOffset,
		mb:             newMailbox(),
		done:           make(chan struct{}),
		sessionObs:     make(map[int]func(oauth.TokenRecord)),
		refreshFailObs: make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())

	a.unsubscribeStorage = store.Subscribe(func(e storage.Event) {
		if e.Key != "" && e.Key != a.cfg.RelayKey {
			return
		}
		a.mb.post(a.onStorageChanged)
	})
	a.unsubscribePopup = popups.OnClosed(func() {
		a.mb.post(a.onPopupClosed)
	})

	go a.run()
	return a
}

func (a *Authenticator) run() {
	defer close(a.done)
	for {
		fn, ok := a.mb.next()
		if !ok {
			return
		}
		fn()
	}
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Authenticator) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()

	if prev != s {
		logging.Debug("Authenticator", "State %s -> %s", prev, s)
	}
}

// Current returns a copy of the latest session, or nil.
func (a *Authenticator) Current() *oauth.TokenRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.Clone()
}

func (a *Authenticator) setCurrent(token *oauth.TokenRecord) {
	a.mu.Lock()
	a.current = token.Clone()
	a.mu.Unlock()
}

// OnSessionDataUpdated registers fn for every successful code exchange or
// refresh. Callbacks run on the event loop and must not block or call back
// into the authenticator synchronously.
func (a *Authenticator) OnSessionDataUpdated(fn func(oauth.TokenRecord)) func() {
	a.obsMu.Lock()
	id := a.nextObsID
	a.nextObsID++
	a.sessionObs[id] = fn
	a.obsMu.Unlock()

	return func() {
		a.obsMu.Lock()
		delete(a.sessionObs, id)
		a.obsMu.Unlock()
	}
}

// OnRefreshFailed registers fn for failed background refreshes. The same
// restrictions as for OnSessionDataUpdated apply.
func (a *Authenticator) OnRefreshFailed(fn func(error)) func() {
	a.obsMu.Lock()
	id := a.nextObsID
	a.nextObsID++
	a.refreshFailObs[id] = fn
	a.obsMu.Unlock()

	return func() {
		a.obsMu.Lock()
		delete(a.refreshFailObs, id)
		a.obsMu.Unlock()
	}
}

func (a *Authenticator) emitSessionDataUpdated(token *oauth.TokenRecord) {
	a.obsMu.Lock()
	fns := make([]func(oauth.TokenRecord), 0, len(a.sessionObs))
	for _, fn := range a.sessionObs {
		fns = append(fns, fn)
	}
	a.obsMu.Unlock()

	for _, fn := range fns {
		fn(*token)
	}
}

func (a *Authenticator) emitRefreshFailed(err error) {
	a.obsMu.Lock()
	fns := make([]func(error), 0, len(a.refreshFailObs))
	for _, fn := range a.refreshFailObs {
		fns = append(fns, fn)
	}
	a.obsMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// Close fails a running flow with ErrClosed, cancels the scheduled refresh and
// stops the event loop. It must not be called from an observer callback.
func (a *Authenticator) Close() error {
	a.closeOnce.Do(func() {
		a.mb.post(a.shutdown)
	})
	<-a.done
	return nil
}

func (a *Authenticator) shutdown() {
	a.closed = true
	if a.flow != nil {
		a.finish(a.flow, nil, ErrClosed)
	}
	a.cancelRefresh()
	a.cancelBase()
	a.unsubscribeStorage()
	a.unsubscribePopup()
	a.mb.shutdown()
	logging.Debug("Authenticator", "Stopped")
}
