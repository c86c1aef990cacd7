// Package registry holds, per venue, the authoritative set of subscription
// keys the engine wants live and the reverse key -> Connection map.
package registry

import (
	"sync"

	"github.com/sawpanic/marketfeed/internal/model"
)

// Registry is one venue's subscription bookkeeping. The desired set is
// mutated by the facade's subscribe/unsubscribe; the carrying map is
// mutated by the Connection Pool as it seats and re-seats keys. Both are
// guarded by the same mutex so a reconnect snapshot can never race a
// concurrent subscribe.
type Registry struct {
	mu       sync.Mutex
	desired  map[model.Key]struct{}
	carrying map[model.Key]string // key -> ConnectionId
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		desired:  make(map[model.Key]struct{}),
		carrying: make(map[model.Key]string),
	}
}

// Add marks key as desired. Returns false if it was already desired
// (subscribe is at-most-once).
func (r *Registry) Add(key model.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.desired[key]; exists {
		return false
	}
	r.desired[key] = struct{}{}
	return true
}

// Remove un-marks key as desired and drops any carrying-Connection entry.
// Returns false if the key was not desired (unsubscribe is at-most-once).
func (r *Registry) Remove(key model.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.desired[key]; !exists {
		return false
	}
	delete(r.desired, key)
	delete(r.carrying, key)
	return true
}

// SetCarrier records which Connection currently carries key.
func (r *Registry) SetCarrier(key model.Key, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carrying[key] = connID
}

// Carrier returns the Connection currently carrying key, if any.
func (r *Registry) Carrier(key model.Key) (connID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok = r.carrying[key]
	return
}

// DropCarrier clears the carrying-Connection entry for key without
// affecting whether it is still desired. The Pool calls it when removing a
// subscription; a closing Connection's entries are cleared with
// ClearCarrierFor instead.
func (r *Registry) DropCarrier(key model.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carrying, key)
}

// KeysFor returns every desired key currently carried by connID.
func (r *Registry) KeysFor(connID string) []model.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Key
	for k, c := range r.carrying {
		if c == connID {
			out = append(out, k)
		}
	}
	return out
}

// Size returns the number of desired keys.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.desired)
}

// Snapshot returns a copy of the desired set, safe to range over without
// holding the registry's lock, even while the set is being mutated. The
// Pool's reconnect path does not use it: it replays the closed Connection's
// own copy of its carried keys.
func (r *Registry) Snapshot() []model.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Key, 0, len(r.desired))
	for k := range r.desired {
		out = append(out, k)
	}
	return out
}

// ClearCarrierFor drops every carrying-Connection entry for the given keys,
// used when a Connection closes and its whole carried-set must be
// re-seated.
func (r *Registry) ClearCarrierFor(keys []model.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.carrying, k)
	}
}
