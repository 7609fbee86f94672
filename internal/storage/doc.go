// Package storage implements the storage channel: a prefixed key-value store
// shared by several execution contexts that notifies every subscriber about
// every mutation.
//
// The login popup and the process waiting for it never talk to each other
// directly. The landing page served on the redirect URI writes the
// authorization code under a well-known key, and the waiting side learns
// about it through the change notification.
//
// Two backends are provided:
//
//   - MemoryHub / MemoryChannel: in-process, one channel per context
//   - FileChannel: one file per key in a shared directory, watched with fsnotify
//
// Local mutations are reported as setItem, removeItem or clear; mutations made
// by another context are reported as storage.
package storage
