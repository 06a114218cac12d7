package presence

import (
	"slices"
	"sync"
)

// Tracker holds the set of peers currently considered online.
// Snapshots replace the set; join/leave events adjust it. No sequencing is
// enforced between the two, the latest write for a peer wins.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// IsOnline reports whether peerID is in the online set.
func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[peerID]
	return ok
}

// Snapshot replaces the whole online set. Returns true if membership changed.
func (t *Tracker) Snapshot(ids []string) bool {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := len(next) != len(t.online)
	if !changed {
		for id := range next {
			if _, ok := t.online[id]; !ok {
				changed = true
				break
			}
		}
	}
	t.online = next
	return changed
}

// PeerOnline adds peerID. Returns false if it was already online.
func (t *Tracker) PeerOnline(peerID string) bool {
	if peerID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[peerID]; ok {
		return false
	}
	t.online[peerID] = struct{}{}
	return true
}

// PeerOffline removes peerID. Returns false if it was not online.
func (t *Tracker) PeerOffline(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[peerID]; !ok {
		return false
	}
	delete(t.online, peerID)
	return true
}

// IDs returns the online set sorted.
func (t *Tracker) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Reset empties the set. It reports whether anyone was online.
func (t *Tracker) Reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.online) == 0 {
		return false
	}
	t.online = make(map[string]struct{})
	return true
}
