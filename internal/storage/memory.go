package storage

import (
	"sync"
)

// MemoryHub is an in-process shared store. Each channel created from the hub
// acts as a separate execution context: its own mutations are reported with
// local actions, everyone else's with ActionStorage.
type MemoryHub struct {
	mu       sync.Mutex
	items    map[string]string
	channels map[*MemoryChannel]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		items:    make(map[string]string),
		channels: make(map[*MemoryChannel]struct{}),
	}
}

// NewChannel attaches a new execution context to the hub.
func (h *MemoryHub) NewChannel() *MemoryChannel {
	ch := &MemoryChannel{hub: h, prefix: DefaultPrefix}

	h.mu.Lock()
	h.channels[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

// NewMemoryChannel returns a channel on a private hub.
func NewMemoryChannel() *MemoryChannel {
	return NewMemoryHub().NewChannel()
}

// broadcast delivers a mutation to every attached channel.
func (h *MemoryHub) broadcast(origin *MemoryChannel, action Action, fullKey, value string) {
	h.mu.Lock()
	channels := make([]*MemoryChannel, 0, len(h.channels))
	for ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		if ch == origin {
			ch.deliver(action, fullKey, value)
		} else {
			ch.deliver(ActionStorage, fullKey, value)
		}
	}
}

// MemoryChannel is one execution context on a MemoryHub.
type MemoryChannel struct {
	hub *MemoryHub

	mu     sync.RWMutex
	prefix string
	closed bool

	observers observers
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) Prefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefix
}

func (c *MemoryChannel) SetPrefix(prefix string) {
	c.mu.Lock()
	c.prefix = prefix
	c.mu.Unlock()
}

// fullKey returns the namespaced key, or ErrClosed.
func (c *MemoryChannel) fullKey(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.prefix + key, nil
}

func (c *MemoryChannel) Set(key, value string) error {
	full, err := c.fullKey(key)
	if err != nil {
		return err
	}

	c.hub.mu.Lock()
	c.hub.items[full] = value
	c.hub.mu.Unlock()

	c.hub.broadcast(c, ActionSetItem, full, value)
	return nil
}

func (c *MemoryChannel) Get(key string) (string, error) {
	full, err := c.fullKey(key)
	if err != nil {
		return "", err
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	value, ok := c.hub.items[full]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (c *MemoryChannel) Remove(key string) error {
	full, err := c.fullKey(key)
	if err != nil {
		return err
	}

	c.hub.mu.Lock()
	delete(c.hub.items, full)
	c.hub.mu.Unlock()

	c.hub.broadcast(c, ActionRemoveItem, full, "")
	return nil
}

// Clear removes every key under the channel's prefix.
func (c *MemoryChannel) Clear() error {
	prefix, err := c.fullKey("")
	if err != nil {
		return err
	}

	c.hub.mu.Lock()
	for k := range c.hub.items {
		if _, ok := unprefix(prefix, k); ok {
			delete(c.hub.items, k)
		}
	}
	c.hub.mu.Unlock()

	c.hub.broadcast(c, ActionClear, "", "")
	return nil
}

func (c *MemoryChannel) Subscribe(fn func(Event)) func() {
	return c.observers.add(fn)
}

// Close detaches the channel from its hub.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.channels, c)
	c.hub.mu.Unlock()
	return nil
}

func (c *MemoryChannel) deliver(action Action, fullKey, value string) {
	c.mu.RLock()
	prefix, closed := c.prefix, c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	key := ""
	if fullKey != "" {
		var ok bool
		if key, ok = unprefix(prefix, fullKey); !ok {
			return
		}
	}

	c.observers.notify(Event{Action: action, Key: key, Value: value})
}
