// Package registry maps users to their single live connection.
package registry

import (
	"sync"
	"time"

	"github.com/Avicted/courier/internal/user"
)

// Handle is a live transport endpoint. Implementations must be comparable;
// the registry uses == to tell a fresh connection from a stale one.
type Handle interface {
	ID() string
	Push(data []byte) error
}

type Entry struct {
	UserID      user.ID
	Handle      Handle
	ConnectedAt time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[user.ID]Entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[user.ID]Entry),
		now:     time.Now,
	}
}

// Register stores h as the live handle for userID and returns the handle it
// replaced, if any. The replaced handle is not closed here.
func (r *Registry) Register(userID user.ID, h Handle) Handle {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[userID]
	r.entries[userID] = Entry{UserID: userID, Handle: h, ConnectedAt: r.now()}
	if !ok || prev.Handle == h {
		return nil
	}
	return prev.Handle
}

// Unregister removes the entry only while it still points at h, so a late
// unregister from a superseded connection cannot drop the newer one.
func (r *Registry) Unregister(userID user.ID, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || entry.Handle != h {
		return false
	}
	delete(r.entries, userID)
	return true
}

func (r *Registry) Lookup(userID user.ID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry.Handle, ok
}

func (r *Registry) Entry(userID user.ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry, ok
}

func (r *Registry) Online(userID user.ID) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
