package popup

import (
	"context"
	"sync"

	"popupauth/pkg/logging"
)

const (
	// DefaultWidth and DefaultHeight size the login popup.
	DefaultWidth  = 500
	DefaultHeight = 500
)

// WindowOptions are the window features requested from the opener.
type WindowOptions struct {
	Name   string
	Width  int
	Height int
}

func (o WindowOptions) withDefaults() WindowOptions {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	return o
}

// Window is a handle on an opened popup.
type Window interface {
	// Closed reports whether the window has been closed, by the user or by Close.
	Closed() bool
	Close() error
	Focus() error
}

// Opener creates popup windows.
type Opener interface {
	Open(ctx context.Context, url string, opts WindowOptions) (Window, error)
}

// Controller opens the login popup, watches it and reports when it closes.
// It tracks one window at a time.
type Controller struct {
	opener Opener

	mu     sync.Mutex
	window Window
	// reported is set once closed was emitted for the tracked window.
	reported bool

	obsMu     sync.Mutex
	nextObsID int
	observers map[int]func()
}

// NewController creates a controller that opens windows through opener.
func NewController(opener Opener) *Controller {
	return &Controller{
		opener:    opener,
		observers: make(map[int]func()),
	}
}

// Open opens url in a new popup and focuses it. The new window replaces the
// tracked one; a previously tracked window is not closed.
func (c *Controller) Open(ctx context.Context, url string, opts WindowOptions) (Window, error) {
	window, err := c.opener.Open(ctx, url, opts.withDefaults())
	if err != nil {
		return nil, &PopupBlockedError{URL: url, Err: err}
	}
	if window == nil {
		return nil, &PopupBlockedError{URL: url}
	}

	c.mu.Lock()
	c.window = window
	c.reported = false
	c.mu.Unlock()

	if err := window.Focus(); err != nil {
		logging.Debug("Popup", "Failed to focus popup: %v", err)
	}
	return window, nil
}

// Tracking reports whether a window is tracked.
func (c *Controller) Tracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window != nil
}

// Poll checks the tracked window and emits closed if it was closed since the
// last check. It is a no-op when no window is tracked.
func (c *Controller) Poll() {
	c.mu.Lock()
	if c.window == nil || c.reported || !c.window.Closed() {
		c.mu.Unlock()
		return
	}
	c.reported = true
	c.mu.Unlock()

	logging.Debug("Popup", "Popup was closed")
	c.emitClosed()
}

// Close closes the tracked window and emits closed immediately.
func (c *Controller) Close() error {
	c.mu.Lock()
	window := c.window
	if window == nil {
		c.mu.Unlock()
		return nil
	}
	alreadyReported := c.reported
	c.reported = true
	c.mu.Unlock()

	err := window.Close()
	if !alreadyReported {
		c.emitClosed()
	}
	return err
}

// OnClosed registers fn for closed notifications and returns a func that
// removes the registration.
func (c *Controller) OnClosed(fn func()) func() {
	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Controller) emitClosed() {
	c.obsMu.Lock()
	fns := make([]func(), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
