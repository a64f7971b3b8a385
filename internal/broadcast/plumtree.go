// Package broadcast implements plumtree epidemic broadcast: a lazy-push
// set remembered per gossiped payload and an eager-push set receiving
// payloads directly, pruning redundant eager links to lazy on duplicate
// delivery (spec §4.3 "Broadcast (plumtree)").
package broadcast

import (
	"sync"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/wire"
)

// Hash identifies a gossiped payload, typically sha256 of its encoded
// form.
type Hash [32]byte

// Lookup resolves whether the local node needs the payload identified by
// h for the given urn, delegating to the replication layer.
type Lookup func(urn string, h Hash) (needed bool)

// Sender delivers a gossip message to a specific peer.
type Sender interface {
	SendGossip(to peerid.PeerID, msg wire.GossipMessage) error
}

// Metrics counts observed gossip traffic, surfaced on the debug HTTP
// surface.
type Metrics struct {
	mu        sync.Mutex
	Seen      uint64
	Forwarded uint64
	Dropped   uint64
}

func (m *Metrics) incSeen()      { m.mu.Lock(); m.Seen++; m.mu.Unlock() }
func (m *Metrics) incForwarded() { m.mu.Lock(); m.Forwarded++; m.mu.Unlock() }
func (m *Metrics) incDropped()   { m.mu.Lock(); m.Dropped++; m.mu.Unlock() }

type entry struct {
	eager map[string]bool
	lazy  map[string]bool
	// decided is set the first time this hash is seen, once the
	// needed/not-needed call has been made: every later Have for the same
	// hash only prunes the sender to lazy, it never re-evaluates need and
	// never emits a second Want (spec §8 dedup invariant).
	decided bool
	// payload caches the gossiped content once seen, so a later Want from
	// a pruned peer can still be served (spec §4.3 item 3).
	payload []byte
}

// Broadcast drives one node's plumtree state across every active peer.
type Broadcast struct {
	mu      sync.Mutex
	seen    map[Hash]*entry
	lookup  Lookup
	send    Sender
	Metrics Metrics
}

// New constructs a Broadcast instance. lookup is consulted to decide
// whether a newly-seen Have requires pulling the payload.
func New(lookup Lookup, send Sender) *Broadcast {
	return &Broadcast{seen: make(map[Hash]*entry), lookup: lookup, send: send}
}

func (b *Broadcast) entryFor(h Hash) *entry {
	e, ok := b.seen[h]
	if !ok {
		e = &entry{eager: make(map[string]bool), lazy: make(map[string]bool)}
		b.seen[h] = e
	}
	return e
}

// HandleHave processes an inbound Have(payload, hop) from sender: dedup by
// hash; if new, ask lookup whether the payload is needed — if so emit a
// Want upstream, else prune the sender from eager to lazy (spec §4.3 item 1).
// It reports whether this call was the first (needed) delivery for h, so
// the caller can gate a one-time reaction — such as triggering a fetch —
// on it rather than repeating that reaction on every duplicate delivery
// (spec §8 "a single Have ... results in exactly one Want/Pack pair").
func (b *Broadcast) HandleHave(sender peerid.PeerID, urn string, h Hash, hop uint8, active []peerid.PeerID) (firstNeeded bool, err error) {
	b.mu.Lock()
	e := b.entryFor(h)
	alreadyDecided := e.decided
	b.mu.Unlock()

	b.Metrics.incSeen()

	if alreadyDecided {
		// Duplicate delivery: prune the sender into the lazy set instead
		// of re-evaluating need, and never emit a second Want (spec §4.3
		// item 1, §8 dedup invariant).
		b.mu.Lock()
		delete(e.eager, sender.String())
		e.lazy[sender.String()] = true
		b.mu.Unlock()
		b.Metrics.incDropped()
		return false, nil
	}

	needed := b.lookup(urn, h)
	b.mu.Lock()
	e.decided = true
	if needed {
		e.eager[sender.String()] = true
	} else {
		e.lazy[sender.String()] = true
	}
	b.mu.Unlock()

	if needed {
		if err := b.send.SendGossip(sender, wire.GossipMessage{
			Tag:  wire.TagWant,
			Want: &wire.WantMsg{URN: urn, Hash: h[:]},
		}); err != nil {
			return true, err
		}
	}
	return needed, nil
}

// AfterApply eager-forwards Have to every other active peer with hop+1,
// once local application of the payload has succeeded (spec §4.3 item 2).
// origin is the peer that first published the payload, carried along
// unchanged on every forward so a recipient several hops downstream can
// still fetch it from the original publisher (spec §3 "Gossip Payload"
// `origin`); it is empty when this call is itself the first publish.
func (b *Broadcast) AfterApply(urn string, h Hash, hop uint8, payload []byte, active []peerid.PeerID, except peerid.PeerID, origin string) {
	b.mu.Lock()
	e := b.entryFor(h)
	e.payload = payload
	b.mu.Unlock()

	for _, p := range active {
		if p.Equal(except) {
			continue
		}
		err := b.send.SendGossip(p, wire.GossipMessage{
			Tag:  wire.TagHave,
			Have: &wire.HaveMsg{URN: urn, Hash: h[:], Hop: hop + 1, Origin: origin},
		})
		if err == nil {
			b.Metrics.incForwarded()
		}
	}
}

// HandleWant responds with the cached payload if still held (spec §4.3
// item 3).
func (b *Broadcast) HandleWant(requester peerid.PeerID, h Hash) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.seen[h]
	if !ok || e.payload == nil {
		return nil, false
	}
	return e.payload, true
}
