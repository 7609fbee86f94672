package authenticator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"popupauth/internal/popup"
	"popupauth/internal/storage"
	"popupauth/pkg/oauth"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

// fakeClock is a manually advanced Clock. Due timers run on Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pendingAfter returns the deadlines of live timers due after the given time.
func (c *fakeClock) pendingAfter(after time.Time) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at.After(after) {
			out = append(out, t.at)
		}
	}
	return out
}

type fakeWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWindow) Focus() error { return nil }

type fakeOpener struct {
	mu      sync.Mutex
	err     error
	urls    []string
	windows []*fakeWindow
}

func (o *fakeOpener) Open(_ context.Context, u string, _ popup.WindowOptions) (popup.Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, u)
	if o.err != nil {
		return nil, o.err
	}
	w := &fakeWindow{}
	o.windows = append(o.windows, w)
	return w, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.urls)
}

func (o *fakeOpener) lastWindow() *fakeWindow {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.windows[len(o.windows)-1]
}

// lastState returns the state parameter of the most recent authorization URL.
func (o *fakeOpener) lastState(t *testing.T) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	u, err := url.Parse(o.urls[len(o.urls)-1])
	require.NoError(t, err)
	return u.Query().Get("state")
}

// countingController counts Poll calls on a real controller.
type countingController struct {
	*popup.Controller
	polls atomic.Int32
}

func (c *countingController) Poll() {
	c.polls.Add(1)
	c.Controller.Poll()
}

// tokenServer is an httptest token endpoint.
type tokenServer struct {
	*httptest.Server

	mu            sync.Mutex
	codes         []string
	refreshTokens []string
	codeStatus    int
	codeBody      string
	refreshStatus int
	refreshBody   string
	gate          chan struct{}
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{
		codeStatus:    http.StatusOK,
		codeBody:      `{"access_token":"A1","refresh_token":"R1","expires_in":3600,"scope":"openid"}`,
		refreshStatus: http.StatusOK,
		refreshBody:   `{"access_token":"A2","expires_in":3600}`,
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ts.mu.Lock()
	gate := ts.gate
	var status int
	var body string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		ts.codes = append(ts.codes, r.PostForm.Get("code"))
		status, body = ts.codeStatus, ts.codeBody
	case "refresh_token":
		ts.refreshTokens = append(ts.refreshTokens, r.PostForm.Get("refresh_token"))
		status, body = ts.refreshStatus, ts.refreshBody
	default:
		status, body = http.StatusBadRequest, `{"error":"unsupported_grant_type"}`
	}
	ts.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (ts *tokenServer) codeCalls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.codes)
}

func (ts *tokenServer) codesSeen() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.codes...)
}

func (ts *tokenServer) refreshTokensSeen() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.refreshTokens...)
}

func (ts *tokenServer) refreshCalls() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.refreshTokens)
}

type harness struct {
	clock      *fakeClock
	hub        *storage.MemoryHub
	channel    storage.Channel
	landing    *storage.MemoryChannel
	opener     *fakeOpener
	controller *countingController
	server     *tokenServer
	auth       *Authenticator
	cfg        Config
}

type harnessOption func(*harness, *[]Option)

func withRefresh() harnessOption {
	return func(h *harness, _ *[]Option) { h.cfg.RefreshAccessTokens = true }
}

func withFixedOffset(d time.Duration) harnessOption {
	return func(_ *harness, opts *[]Option) {
		*opts = append(*opts, WithRefreshOffset(func() time.Duration { return d }))
	}
}

// withChannel replaces the authenticator's storage channel.
func withChannel(wrap func(storage.Channel) storage.Channel) harnessOption {
	return func(h *harness, _ *[]Option) { h.channel = wrap(h.channel) }
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:  newFakeClock(testEpoch),
		hub:    storage.NewMemoryHub(),
		opener: &fakeOpener{},
		server: newTokenServer(t),
	}
	h.channel = h.hub.NewChannel()
	h.landing = h.hub.NewChannel()
	h.controller = &countingController{Controller: popup.NewController(h.opener)}
	h.cfg = Config{
		ClientID:    "test-client",
		AuthURI:     "https://idp.example.com/authorize",
		RedirectURI: "http://localhost:3000/callback",
		Scope:       "openid",
	}

	opts := []Option{WithClock(h.clock)}
	for _, o := range hopts {
		o(h, &opts)
	}

	client := oauth.NewClient(oauth.ClientConfig{
		TokenEndpoint: h.server.URL,
		ClientID:      h.cfg.ClientID,
		ClientSecret:  "test-secret",
		RedirectURI:   h.cfg.RedirectURI,
	})
	h.auth = New(h.cfg, h.controller, h.channel, client, opts...)
	t.Cleanup(func() { _ = h.auth.Close() })
	return h
}

type outcome struct {
	token *oauth.TokenRecord
	err   error
}

// start runs Authenticate in the background and waits for the popup.
func (h *harness) start(t *testing.T, ctx context.Context) <-chan outcome {
	t.Helper()
	before := h.opener.opened()
	ch := make(chan outcome, 1)
	go func() {
		token, err := h.auth.Authenticate(ctx)
		ch <- outcome{token: token, err: err}
	}()
	require.Eventually(t, func() bool {
		return h.opener.opened() > before && h.auth.State() != StateAwaitingPopup
	}, 2*time.Second, time.Millisecond)
	return ch
}

// relay writes an authorization response the way the landing page does.
func (h *harness) relay(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, h.landing.Set(DefaultRelayKey, payload))
}

// pumpUntil advances the clock by one poll interval at a time until cond holds.
func (h *harness) pumpUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clock.Advance(DefaultPollInterval)
		return cond()
	}, 2*time.Second, 2*time.Millisecond)
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("Authenticate did not return")
		return outcome{}
	}
}

// quietChannel drops change notifications, leaving reads as the only way to
// see the relayed response.
type quietChannel struct {
	storage.Channel
}

func (quietChannel) Subscribe(func(storage.Event)) func() {
	return func() {}
}

func isPopupClosed(err error) bool {
	var closed *popup.PopupClosedError
	return errors.As(err, &closed)
}
