package storage

import (
	"errors"
	"strings"
	"sync"
)

// DefaultPrefix namespaces every key written through a channel.
const DefaultPrefix = "popupauth_"

// Sentinel errors for storage operations.
var (
	ErrNotFound  = errors.New("storage item not found")
	ErrCorrupted = errors.New("storage data corrupted")
	ErrClosed    = errors.New("storage channel closed")
)

// Action names the kind of mutation an Event reports.
type Action string

const (
	// ActionSetItem is a Set performed through this channel.
	ActionSetItem Action = "setItem"

	// ActionRemoveItem is a Remove performed through this channel.
	ActionRemoveItem Action = "removeItem"

	// ActionClear is a Clear performed through this channel.
	ActionClear Action = "clear"

	// ActionStorage is a mutation made by another execution context.
	ActionStorage Action = "storage"
)

// Event describes a mutation of the shared store.
type Event struct {
	Action Action

	// Key is the un-prefixed key. It is empty for clears.
	Key string

	// Value is the new value. It is empty for removals and clears.
	Value string
}

// Channel is a prefixed key-value store shared by several execution contexts.
// Every mutation, local or remote, is reported to all subscribers. A context
// observes its own writes.
type Channel interface {
	Prefix() string
	SetPrefix(prefix string)

	Set(key, value string) error
	Get(key string) (string, error)
	Remove(key string) error
	Clear() error

	// Subscribe registers fn for every subsequent event and returns a func
	// that removes the registration.
	Subscribe(fn func(Event)) (unsubscribe func())

	Close() error
}

// observers is the subscriber list shared by the channel implementations.
// Callbacks run outside the lock so they may call back into the channel.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (o *observers) add(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify(event Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// unprefix returns the key below prefix and whether fullKey belongs to it.
func unprefix(prefix, fullKey string) (string, bool) {
	if !strings.HasPrefix(fullKey, prefix) {
		return "", false
	}
	return strings.TrimPrefix(fullKey, prefix), true
}
