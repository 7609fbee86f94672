package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"popupauth/pkg/logging"
)

const (
	// DirPermissions is used for the channel directory.
	DirPermissions = 0700

	// FilePermissions is used for every key file.
	FilePermissions = 0600

	// DefaultPollInterval is the rescan interval when fsnotify is not available.
	DefaultPollInterval = 250 * time.Millisecond

	tempFilePrefix = ".tmp-"
)

// envelope is the on-disk form of a single key.
type envelope struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	WrittenAt time.Time `json:"written_at"`
}

// FileOption configures a FileChannel.
type FileOption func(*FileChannel)

// WithPrefix sets the initial key prefix.
func WithPrefix(prefix string) FileOption {
	return func(c *FileChannel) {
		c.prefix = prefix
	}
}

// WithPollInterval sets the rescan interval used when fsnotify is unavailable.
func WithPollInterval(d time.Duration) FileOption {
	return func(c *FileChannel) {
		c.pollInterval = d
	}
}

// WithoutWatcher disables the fsnotify watcher and always rescans the directory.
func WithoutWatcher() FileOption {
	return func(c *FileChannel) {
		c.forcePolling = true
	}
}

// FileChannel is a Channel backed by a directory with one file per key.
// Processes sharing the directory see each other's mutations through an
// fsnotify watcher, with a polling fallback.
type FileChannel struct {
	dir          string
	pollInterval time.Duration
	forcePolling bool

	mu     sync.Mutex
	prefix string
	closed bool

	// lastSeen maps file names to the envelope id last observed or written,
	// so each write is reported once.
	lastSeen map[string]string

	observers observers

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
}

var _ Channel = (*FileChannel)(nil)

// NewFileChannel opens the channel directory, creating it if needed, and
// starts watching it for changes made by other processes.
func NewFileChannel(dir string, opts ...FileOption) (*FileChannel, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory must not be empty")
	}
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	c := &FileChannel{
		dir:          dir,
		pollInterval: DefaultPollInterval,
		prefix:       DefaultPrefix,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	seen, err := c.scan()
	if err != nil {
		return nil, err
	}
	c.lastSeen = seen

	c.start()
	return c, nil
}

// Dir returns the channel directory.
func (c *FileChannel) Dir() string {
	return c.dir
}

func (c *FileChannel) start() {
	if !c.forcePolling {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			if err = watcher.Add(c.dir); err == nil {
				c.fsWatcher = watcher
				go c.processEvents(watcher.Events, watcher.Errors)
				logging.Debug("Storage", "Watching %s for changes", c.dir)
				return
			}
			watcher.Close()
		}
		logging.Warn("Storage", "fsnotify not available for %s, falling back to polling: %v", c.dir, err)
	}

	go c.pollForChanges()
}

// processEvents handles fsnotify events until the channel is closed.
func (c *FileChannel) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			c.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("Storage", err, "fsnotify error")
		}
	}
}

func (c *FileChannel) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if isTempFile(name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		env, err := readEnvelope(filepath.Join(c.dir, name))
		if err != nil {
			// Removed again before we got to it, or not ours.
			logging.Debug("Storage", "Ignoring unreadable file %s: %v", name, err)
			return
		}
		c.observeWrite(name, env)

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.observeRemove(name)
	}
}

// pollForChanges rescans the directory periodically and reports differences.
func (c *FileChannel) pollForChanges() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.rescan()
		}
	}
}

func (c *FileChannel) rescan() {
	current, err := c.scan()
	if err != nil {
		logging.Warn("Storage", "Failed to scan %s: %v", c.dir, err)
		return
	}

	c.mu.Lock()
	var removed []string
	for name := range c.lastSeen {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	c.mu.Unlock()

	for _, name := range removed {
		c.observeRemove(name)
	}
	for name := range current {
		env, err := readEnvelope(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		c.observeWrite(name, env)
	}
}

// observeWrite reports a write made by another process, once per envelope id.
func (c *FileChannel) observeWrite(name string, env *envelope) {
	c.mu.Lock()
	if c.closed || c.lastSeen[name] == env.ID {
		c.mu.Unlock()
		return
	}
	c.lastSeen[name] = env.ID
	key, ok := c.keyForName(name)
	c.mu.Unlock()

	if ok {
		c.observers.notify(Event{Action: ActionStorage, Key: key, Value: env.Value})
	}
}

// observeRemove reports a removal made by another process.
func (c *FileChannel) observeRemove(name string) {
	c.mu.Lock()
	if _, known := c.lastSeen[name]; c.closed || !known {
		c.mu.Unlock()
		return
	}
	delete(c.lastSeen, name)
	key, ok := c.keyForName(name)
	c.mu.Unlock()

	if ok {
		c.observers.notify(Event{Action: ActionStorage, Key: key})
	}
}

// scan reads the envelope ids of all key files in the directory.
func (c *FileChannel) scan() (map[string]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", c.dir, err)
	}

	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isTempFile(entry.Name()) {
			continue
		}
		env, err := readEnvelope(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		seen[entry.Name()] = env.ID
	}
	return seen, nil
}

// keyForName maps a file name back to an un-prefixed key. Callers hold c.mu.
func (c *FileChannel) keyForName(name string) (string, bool) {
	escaped, ok := unprefix(c.prefix, name)
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

// nameForKey maps a key to its file name. Callers hold c.mu.
func (c *FileChannel) nameForKey(key string) string {
	return c.prefix + url.PathEscape(key)
}

func (c *FileChannel) Prefix() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefix
}

func (c *FileChannel) SetPrefix(prefix string) {
	c.mu.Lock()
	c.prefix = prefix
	c.mu.Unlock()
}

func (c *FileChannel) Set(key, value string) error {
	env := &envelope{
		ID:        uuid.NewString(),
		Value:     value,
		WrittenAt: time.Now().UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	name := c.nameForKey(key)
	previous, hadPrevious := c.lastSeen[name]
	c.lastSeen[name] = env.ID
	c.mu.Unlock()

	if err := writeEnvelope(c.dir, name, env); err != nil {
		c.mu.Lock()
		if c.lastSeen[name] == env.ID {
			if hadPrevious {
				c.lastSeen[name] = previous
			} else {
				delete(c.lastSeen, name)
			}
		}
		c.mu.Unlock()
		return err
	}

	c.observers.notify(Event{Action: ActionSetItem, Key: key, Value: value})
	return nil
}

func (c *FileChannel) Get(key string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	name := c.nameForKey(key)
	c.mu.Unlock()

	env, err := readEnvelope(filepath.Join(c.dir, name))
	if err != nil {
		return "", err
	}
	return env.Value, nil
}

func (c *FileChannel) Remove(key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	name := c.nameForKey(key)
	delete(c.lastSeen, name)
	c.mu.Unlock()

	if err := removeFile(filepath.Join(c.dir, name)); err != nil {
		return err
	}

	c.observers.notify(Event{Action: ActionRemoveItem, Key: key})
	return nil
}

// Clear removes every key under the channel's prefix. Keys of other
// prefixes sharing the directory are left alone.
func (c *FileChannel) Clear() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prefix := c.prefix
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", c.dir, err)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || isTempFile(name) || !strings.HasPrefix(name, prefix) {
			continue
		}

		c.mu.Lock()
		delete(c.lastSeen, name)
		c.mu.Unlock()

		if err := removeFile(filepath.Join(c.dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.observers.notify(Event{Action: ActionClear})
	return nil
}

func (c *FileChannel) Subscribe(fn func(Event)) func() {
	return c.observers.add(fn)
}

// Close stops watching the directory. The files are left in place.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)

	var err error
	if c.fsWatcher != nil {
		err = c.fsWatcher.Close()
	}
	<-c.doneCh
	return err
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix)
}

// readEnvelope loads a key file.
func readEnvelope(path string) (*envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return nil, fmt.Errorf("failed to parse %s: %w", path, ErrCorrupted)
	}
	return &env, nil
}

// writeEnvelope replaces a key file atomically.
func writeEnvelope(dir, name string, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(FilePermissions); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
