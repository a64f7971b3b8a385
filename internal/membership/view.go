// Package membership implements the HyParView partial-view membership
// protocol: a bounded active view of connected peers and a larger passive
// view of reserve peers, kept converged by join/forward-join/neighbour/
// shuffle/disconnect messages (spec §4.2 "Membership").
package membership

import (
	"math/rand"
	"sync"
	"time"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

// Tuning default values (spec §4.2 "Tuning defaults").
const (
	DefaultMaxActive       = 5
	DefaultMaxPassive      = 30
	DefaultARWL            = 6 // active random walk length
	DefaultPRWL            = 3 // passive random walk length
	DefaultShuffleSample   = 7
	DefaultShuffleInterval = 30 * time.Second
	DefaultPromoteInterval = 30 * time.Second
)

// PeerHandle is a known peer's identity plus the address(es) it advertised.
type PeerHandle struct {
	Peer  peerid.PeerID
	Addrs []string
}

// Config bundles the tuning knobs of a PartialView.
type Config struct {
	MaxActive       int
	MaxPassive      int
	ARWL            uint8
	PRWL            uint8
	ShuffleSample   int
	ShuffleInterval time.Duration
	PromoteInterval time.Duration
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		MaxActive:       DefaultMaxActive,
		MaxPassive:      DefaultMaxPassive,
		ARWL:            DefaultARWL,
		PRWL:            DefaultPRWL,
		ShuffleSample:   DefaultShuffleSample,
		ShuffleInterval: DefaultShuffleInterval,
		PromoteInterval: DefaultPromoteInterval,
	}
}

// PartialView is the node-local HyParView state: the local identity, and
// the active/passive peer sets, protected by a single-writer lock (spec
// §5: "membership views live behind a single-writer lock per component").
type PartialView struct {
	mu sync.Mutex

	local   peerid.PeerID
	cfg     Config
	active  map[string]PeerHandle
	passive map[string]PeerHandle
	rand    *rand.Rand
}

// NewPartialView constructs an empty view for local under cfg.
func NewPartialView(local peerid.PeerID, cfg Config) *PartialView {
	return &PartialView{
		local:   local,
		cfg:     cfg,
		active:  make(map[string]PeerHandle),
		passive: make(map[string]PeerHandle),
		rand:    rand.New(rand.NewSource(seedFromPeer(local))),
	}
}

func seedFromPeer(p peerid.PeerID) int64 {
	b := p.Bytes()
	var s int64
	for i, v := range b {
		s += int64(v) << uint((i%8)*8)
	}
	if s == 0 {
		return 1
	}
	return s
}

// Active returns a snapshot of the current active view.
func (v *PartialView) Active() []PeerHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return snapshot(v.active)
}

// Passive returns a snapshot of the current passive view.
func (v *PartialView) Passive() []PeerHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return snapshot(v.passive)
}

func snapshot(m map[string]PeerHandle) []PeerHandle {
	out := make([]PeerHandle, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

// InActive reports whether p is currently in the active view.
func (v *PartialView) InActive(p peerid.PeerID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.active[p.String()]
	return ok
}

// InPassive reports whether p is currently in the passive view.
func (v *PartialView) InPassive(p peerid.PeerID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.passive[p.String()]
	return ok
}

// Sizes returns the current (active, passive) cardinalities.
func (v *PartialView) Sizes() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.active), len(v.passive)
}

// Evicted is a peer moved out of the active view to make room for another,
// returned so the caller can gracefully disconnect it.
type Evicted struct {
	Peer PeerHandle
}

// addActiveLocked inserts h into the active view, evicting a random existing
// member into the passive view first if the view is full (spec §4.2
// "on active-set eviction (overflow): move the displaced peer to passive,
// gracefully disconnect"). The caller must hold v.mu.
func (v *PartialView) addActiveLocked(h PeerHandle) *Evicted {
	if h.Peer.Equal(v.local) {
		return nil
	}
	if _, ok := v.active[h.Peer.String()]; ok {
		v.active[h.Peer.String()] = h
		return nil
	}

	var evicted *Evicted
	if len(v.active) >= v.cfg.MaxActive {
		keys := make([]string, 0, len(v.active))
		for k := range v.active {
			keys = append(keys, k)
		}
		victimKey := keys[v.rand.Intn(len(keys))]
		victim := v.active[victimKey]
		delete(v.active, victimKey)
		v.addPassiveLocked(victim)
		evicted = &Evicted{Peer: victim}
	}

	delete(v.passive, h.Peer.String())
	v.active[h.Peer.String()] = h
	return evicted
}

// addPassiveLocked inserts h into the passive view, evicting a random
// member if full. The caller must hold v.mu.
func (v *PartialView) addPassiveLocked(h PeerHandle) {
	if h.Peer.Equal(v.local) {
		return
	}
	if _, ok := v.active[h.Peer.String()]; ok {
		return
	}
	if _, ok := v.passive[h.Peer.String()]; ok {
		v.passive[h.Peer.String()] = h
		return
	}
	if len(v.passive) >= v.cfg.MaxPassive {
		keys := make([]string, 0, len(v.passive))
		for k := range v.passive {
			keys = append(keys, k)
		}
		victimKey := keys[v.rand.Intn(len(keys))]
		delete(v.passive, victimKey)
	}
	v.passive[h.Peer.String()] = h
}

// RemoveActive removes p from the active view (graceful Disconnect or
// connection drop), returning whether it was present.
func (v *PartialView) RemoveActive(p peerid.PeerID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.active[p.String()]
	delete(v.active, p.String())
	return ok
}

// RandomPassive picks a uniformly random passive peer, used when the
// active view underflows (spec §4.2: "on active-set underflow: pick a
// random passive peer, send Neighbour{need_friends: Some(())}").
func (v *PartialView) RandomPassive() (PeerHandle, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.passive) == 0 {
		return PeerHandle{}, false
	}
	keys := make([]string, 0, len(v.passive))
	for k := range v.passive {
		keys = append(keys, k)
	}
	return v.passive[keys[v.rand.Intn(len(keys))]], true
}

// NeedsPromotion reports whether the active view has underflowed and a
// promotion attempt should be scheduled.
func (v *PartialView) NeedsPromotion() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.active) < v.cfg.MaxActive && len(v.passive) > 0
}

// ShuffleSample returns up to cfg.ShuffleSample peers drawn from the
// active and passive views, for a periodic Shuffle message.
func (v *PartialView) ShuffleSample() []PeerHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	all := make([]PeerHandle, 0, len(v.active)+len(v.passive))
	for _, h := range v.active {
		all = append(all, h)
	}
	for _, h := range v.passive {
		all = append(all, h)
	}
	v.rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > v.cfg.ShuffleSample {
		all = all[:v.cfg.ShuffleSample]
	}
	return all
}
