// Package statuswatch implements the "latest wins" status channel called
// for in spec.md §9's open question about the status sender: the original
// source uses a bounded channel of depth 1 and lets a full send silently
// drop the stale value in favor of the next one. A plain buffered channel
// of size 1 doesn't give that semantic (a full channel blocks a sender, it
// doesn't evict); this package gives the node and storage manager a small
// primitive that always holds only the most recent status string.
package statuswatch

import "sync"

// Watch holds the latest value written to it. Multiple readers may Load
// concurrently with writers calling Store; there is no queue and no
// back-pressure.
type Watch struct {
	mu  sync.Mutex
	val string
	set bool
}

// Store replaces the held value, discarding whatever was there before.
func (w *Watch) Store(v string) {
	w.mu.Lock()
	w.val = v
	w.set = true
	w.mu.Unlock()
}

// Load returns the latest stored value and whether anything has been
// stored yet.
func (w *Watch) Load() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.val, w.set
}
