// Package tracking implements the tracking relation: the explicit policy
// of which (urn, peer) pairs this node chooses to replicate, and the
// rfc699-style filter config attached to each tracked edge (spec §3
// "Tracking entry").
package tracking

import (
	"fmt"
	"sync"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Config is the rfc699 data-filtering blob attached to a tracking edge,
// controlling which optional ref categories are pulled alongside the
// identity and code history.
type Config struct {
	// Cobs enables replication of `refs/cobs/*` (collaborative objects).
	Cobs bool
	// Tags enables replication of `refs/tags/*`.
	Tags bool
}

// defaultKey is the map key used for the "default" (no specific peer)
// entry of a URN: the policy applied to any peer replicating it.
const defaultKey = ""

// Tracker holds every tracking entry known to this node, keyed by URN and
// then by peer (the empty peer key denotes the default entry).
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]map[string]Config
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]map[string]Config)}
}

func peerKey(p *peerid.PeerID) string {
	if p == nil {
		return defaultKey
	}
	return p.String()
}

// Track records (or updates) a tracking entry for u, optionally scoped to a
// specific peer (nil for the default entry).
func (t *Tracker) Track(u urn.URN, peer *peerid.PeerID, cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := u.Root().String()
	if t.entries[key] == nil {
		t.entries[key] = make(map[string]Config)
	}
	t.entries[key][peerKey(peer)] = cfg
}

// Untrack removes a tracking entry. Per spec, untracking a delegate is a
// no-op for replication purposes: delegates remain implicitly tracked
// regardless of what this call does to the explicit entry, so IsTracked
// must be consulted with the delegate set rather than relying on this
// call alone.
func (t *Tracker) Untrack(u urn.URN, peer *peerid.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := u.Root().String()
	delete(t.entries[key], peerKey(peer))
}

// Get returns the tracking entry for (u, peer), falling back to the
// default entry, and whether any entry was found.
func (t *Tracker) Get(u urn.URN, peer *peerid.PeerID) (Config, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.entries[u.Root().String()]
	if m == nil {
		return Config{}, false
	}
	if cfg, ok := m[peerKey(peer)]; ok {
		return cfg, true
	}
	cfg, ok := m[defaultKey]
	return cfg, ok
}

// IsTracked reports whether replication of urn from peer is authorised.
// delegates is the current delegate set of urn's identity document: a
// delegate is always considered tracked, irrespective of the explicit
// tracking table (spec §3 invariant "untracking a delegate is a no-op for
// replication").
func (t *Tracker) IsTracked(u urn.URN, peer peerid.PeerID, delegates map[string]peerid.PeerID) bool {
	if _, isDelegate := delegates[peer.String()]; isDelegate {
		return true
	}
	_, ok := t.Get(u, &peer)
	return ok
}

// TrackedURNs returns every urn with at least one tracking entry (default
// or peer-scoped), used to answer the GetUrns interrogation query (spec
// §4.5).
func (t *Tracker) TrackedURNs() []urn.URN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]urn.URN, 0, len(t.entries))
	for key := range t.entries {
		u, err := urn.FromString(key)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Entries returns every peer-scoped tracking entry recorded for u
// (excluding the default entry), used to compute the replication want set
// (spec §4.6 "Want computation").
func (t *Tracker) Entries(u urn.URN) map[peerid.PeerID]Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[peerid.PeerID]Config)
	for key, cfg := range t.entries[u.Root().String()] {
		if key == defaultKey {
			continue
		}
		p, err := peerid.Parse(key)
		if err != nil {
			// Entries are only ever inserted via Track with a valid
			// PeerID, so a parse failure here indicates a corrupted
			// in-memory map rather than untrusted input.
			panic(fmt.Sprintf("tracking: corrupt peer key %q: %v", key, err))
		}
		out[p] = cfg
	}
	return out
}
