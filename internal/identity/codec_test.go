package identity

import (
	"testing"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

func TestMarshalUnmarshalRevisionRoundTrip(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)

	parent := ObjectID{0xaa, 0xbb}
	r := Revision{
		Variant:     VariantProject,
		Payload:     Payload{Name: "proj", Description: "d", DefaultBranch: "main"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}},
		Parent:      &parent,
	}
	r.Signatures = []Signature{signRevision(t, r, a), signRevision(t, r, b)}

	blob, err := r.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalRevision(blob)
	if err != nil {
		t.Fatal(err)
	}

	if got.Variant != r.Variant || got.Payload != r.Payload {
		t.Fatalf("got %+v want %+v", got, r)
	}
	if got.Parent == nil || *got.Parent != *r.Parent {
		t.Fatal("parent did not round-trip")
	}
	if len(got.Signatures) != len(r.Signatures) {
		t.Fatalf("expected %d signatures, got %d", len(r.Signatures), len(got.Signatures))
	}
	for i, sig := range r.Signatures {
		if !sig.Peer.Equal(got.Signatures[i].Peer) {
			t.Fatal("signature peer did not round-trip")
		}
	}
}
