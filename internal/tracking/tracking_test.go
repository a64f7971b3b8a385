package tracking

import (
	"crypto/ed25519"
	"testing"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
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

func newURN(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New([]byte("abcdefghijklmnopqrstuvwxyzabcdef"), true)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestTrackAndGet(t *testing.T) {
	tr := New()
	u := newURN(t)
	p := newPeer(t)

	if _, ok := tr.Get(u, &p); ok {
		t.Fatal("expected no entry before Track")
	}
	tr.Track(u, &p, Config{Cobs: true})
	cfg, ok := tr.Get(u, &p)
	if !ok || !cfg.Cobs {
		t.Fatal("expected tracked entry with Cobs=true")
	}
}

func TestDefaultEntryFallback(t *testing.T) {
	tr := New()
	u := newURN(t)
	p := newPeer(t)

	tr.Track(u, nil, Config{Tags: true})
	cfg, ok := tr.Get(u, &p)
	if !ok || !cfg.Tags {
		t.Fatal("expected peer with no specific entry to fall back to the default")
	}
}

func TestUntrackingDelegateIsNoOpForReplication(t *testing.T) {
	tr := New()
	u := newURN(t)
	delegate := newPeer(t)
	delegates := map[string]peerid.PeerID{delegate.String(): delegate}

	tr.Track(u, &delegate, Config{})
	tr.Untrack(u, &delegate)

	if !tr.IsTracked(u, delegate, delegates) {
		t.Fatal("a delegate must remain implicitly tracked even after Untrack")
	}
}

func TestIsTrackedRequiresEntryForNonDelegate(t *testing.T) {
	tr := New()
	u := newURN(t)
	p := newPeer(t)

	if tr.IsTracked(u, p, nil) {
		t.Fatal("non-delegate peer with no tracking entry must not be tracked")
	}
	tr.Track(u, &p, Config{})
	if !tr.IsTracked(u, p, nil) {
		t.Fatal("explicitly tracked peer must be tracked")
	}
}

func TestEntriesExcludesDefault(t *testing.T) {
	tr := New()
	u := newURN(t)
	p := newPeer(t)

	tr.Track(u, nil, Config{Tags: true})
	tr.Track(u, &p, Config{Cobs: true})

	entries := tr.Entries(u)
	if len(entries) != 1 {
		t.Fatalf("expected 1 peer-scoped entry, got %d", len(entries))
	}
	cfg, ok := entries[p]
	if !ok || !cfg.Cobs {
		t.Fatal("expected peer-scoped entry for p with Cobs=true")
	}
}
