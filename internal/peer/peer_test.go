package peer

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/radicle-dev/radicle-link-sub006/internal/interrogation"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

func newTestPeerID(t *testing.T) peerid.PeerID {
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

func newTestURN(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New(make([]byte, 32), true)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDialerRemembersAndReturnsAddresses(t *testing.T) {
	d := newDialer(nil)
	id := newTestPeerID(t)

	if got := d.bookFor(id); got != nil {
		t.Fatalf("expected no addresses before remember, got %v", got)
	}

	d.remember(id, []string{"127.0.0.1:9000"})
	got := d.bookFor(id)
	if len(got) != 1 || got[0] != "127.0.0.1:9000" {
		t.Fatalf("unexpected addresses %v", got)
	}
}

func TestConnectFailsWithoutKnownAddress(t *testing.T) {
	d := newDialer(nil)
	id := newTestPeerID(t)

	if _, err := d.connect(context.Background(), id, nil); err == nil {
		t.Fatal("expected an error dialing a peer with no known address")
	}
}

func TestLocalInfoProviderReportsAdvertisementAndTrackedURNs(t *testing.T) {
	self := interrogation.Advertisement{Peer: "self", Addrs: []string{"127.0.0.1:9000"}}
	tracker := tracking.New()
	u := newTestURN(t)
	tracker.Track(u, nil, tracking.Config{})

	li := newLocalInfoProvider(self, tracker, tracker.TrackedURNs)
	if li.Advertisement() != self {
		t.Fatalf("unexpected advertisement %+v", li.Advertisement())
	}
	if li.EchoedAddr("1.2.3.4:5") != "1.2.3.4:5" {
		t.Fatal("expected EchoedAddr to pass through its argument")
	}
	urns := li.KnownURNs()
	if len(urns) != 1 || !urns[0].Equal(u.Root()) {
		t.Fatalf("expected the tracked urn to be reported, got %v", urns)
	}
	if li.Predecessors() != nil {
		t.Fatal("expected no predecessors")
	}
}
