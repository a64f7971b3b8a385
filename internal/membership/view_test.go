package membership

import (
	"crypto/ed25519"
	"testing"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

func newPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestLocalNeverEntersEitherView(t *testing.T) {
	local := newPeer(t)
	cfg := Config{MaxActive: 2, MaxPassive: 2}
	v := NewPartialView(local, cfg)

	v.mu.Lock()
	v.addActiveLocked(PeerHandle{Peer: local})
	v.addPassiveLocked(PeerHandle{Peer: local})
	v.mu.Unlock()

	if v.InActive(local) || v.InPassive(local) {
		t.Fatal("local peer must never appear in either view")
	}
}

func TestViewSizeBound(t *testing.T) {
	local := newPeer(t)
	cfg := Config{MaxActive: 2, MaxPassive: 3}
	v := NewPartialView(local, cfg)

	for i := 0; i < 10; i++ {
		p := newPeer(t)
		v.mu.Lock()
		v.addActiveLocked(PeerHandle{Peer: p})
		v.mu.Unlock()
	}
	active, passive := v.Sizes()
	if active > cfg.MaxActive {
		t.Fatalf("active view exceeded bound: %d > %d", active, cfg.MaxActive)
	}
	if passive > cfg.MaxPassive {
		t.Fatalf("passive view exceeded bound: %d > %d", passive, cfg.MaxPassive)
	}
	if active+passive > cfg.MaxActive+cfg.MaxPassive {
		t.Fatalf("combined view exceeded bound: %d > %d", active+passive, cfg.MaxActive+cfg.MaxPassive)
	}
}

func TestEvictionMovesToPassive(t *testing.T) {
	local := newPeer(t)
	cfg := Config{MaxActive: 1, MaxPassive: 5}
	v := NewPartialView(local, cfg)

	first := newPeer(t)
	second := newPeer(t)

	v.mu.Lock()
	v.addActiveLocked(PeerHandle{Peer: first})
	evicted := v.addActiveLocked(PeerHandle{Peer: second})
	v.mu.Unlock()

	if evicted == nil {
		t.Fatal("expected an eviction when active view overflows")
	}
	if !evicted.Peer.Peer.Equal(first) {
		t.Fatal("expected the displaced peer to be the one already present")
	}
	if !v.InPassive(first) {
		t.Fatal("evicted peer must move to the passive view")
	}
	if !v.InActive(second) {
		t.Fatal("newly added peer must be active")
	}
}

func TestNeedsPromotionOnUnderflow(t *testing.T) {
	local := newPeer(t)
	cfg := Config{MaxActive: 3, MaxPassive: 5}
	v := NewPartialView(local, cfg)

	if v.NeedsPromotion() {
		t.Fatal("empty passive view should not trigger promotion")
	}

	p := newPeer(t)
	v.mu.Lock()
	v.addPassiveLocked(PeerHandle{Peer: p})
	v.mu.Unlock()

	if !v.NeedsPromotion() {
		t.Fatal("active view below max with a non-empty passive view should need promotion")
	}
}
