package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

type keypair struct {
	id   peerid.PeerID
	priv ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return keypair{id: id, priv: priv}
}

func signRevision(t *testing.T, r Revision, kp keypair) Signature {
	t.Helper()
	sig, err := Sign(r, kp.id, func(b []byte) ([]byte, error) {
		return ed25519.Sign(kp.priv, b), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestRootSelfCertifiesWithQuorum(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	c := newKeypair(t)

	root := Revision{
		Variant: VariantPerson,
		Payload: Payload{Name: "alice"},
		Delegations: Delegations{
			Keys: []peerid.PeerID{a.id, b.id, c.id},
		},
	}
	root.Signatures = []Signature{signRevision(t, root, a), signRevision(t, root, b)}

	if err := Verify(root, nil, nil, 0); err != nil {
		t.Fatalf("expected quorum-satisfying root to verify: %v", err)
	}
}

func TestRootFailsBelowQuorum(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	c := newKeypair(t)

	root := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "alice"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id, c.id}},
	}
	root.Signatures = []Signature{signRevision(t, root, a)}

	if err := Verify(root, nil, nil, 0); err == nil {
		t.Fatal("expected single signature to fail a 3-delegate quorum")
	}
}

func TestRevisionSignedByPriorDelegates(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	root := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "alice"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}},
	}
	root.Signatures = []Signature{signRevision(t, root, a), signRevision(t, root, b)}

	next := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "alice", Description: "updated"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}},
	}
	next.Signatures = []Signature{signRevision(t, next, a), signRevision(t, next, b)}

	if err := Verify(next, &root, nil, 0); err != nil {
		t.Fatalf("expected revision signed by prior quorum to verify: %v", err)
	}
}

func TestDelegateRotationRejectsUnknownSigner(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	c := newKeypair(t) // not yet a delegate

	root := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "p"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}},
	}
	root.Signatures = []Signature{signRevision(t, root, a), signRevision(t, root, b)}

	rotated := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "p"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, c.id}},
	}
	// Only signed by the new delegate c, who was not part of root's
	// delegate set — must be rejected (spec scenario: delegate rotation).
	rotated.Signatures = []Signature{signRevision(t, rotated, c)}

	if err := Verify(rotated, &root, nil, 0); err == nil {
		t.Fatal("expected rotation signed only by a non-prior delegate to fail")
	}

	// Signed by a quorum of the prior set (a and b) it succeeds.
	rotated.Signatures = []Signature{signRevision(t, rotated, a), signRevision(t, rotated, b)}
	if err := Verify(rotated, &root, nil, 0); err != nil {
		t.Fatalf("expected rotation signed by prior quorum to verify: %v", err)
	}
}

func TestQuorumRegressionRejected(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	c := newKeypair(t)

	root := Revision{
		Variant:     VariantProject,
		Payload:     Payload{Name: "proj"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id, c.id}},
	}
	root.Signatures = []Signature{signRevision(t, root, a), signRevision(t, root, b)}

	downgraded := Revision{
		Variant:     VariantProject,
		Payload:     Payload{Name: "proj"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id}},
	}
	downgraded.Signatures = []Signature{signRevision(t, downgraded, a), signRevision(t, downgraded, b)}

	if err := Verify(downgraded, &root, nil, 3); err == nil {
		t.Fatal("expected down-graded delegate count to be rejected")
	}
}

func TestDuplicateSignerDoesNotCountTwice(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	root := Revision{
		Variant:     VariantPerson,
		Payload:     Payload{Name: "p"},
		Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}},
	}
	sig := signRevision(t, root, a)
	root.Signatures = []Signature{sig, sig} // same signature twice

	if err := Verify(root, nil, nil, 0); err == nil {
		t.Fatal("expected duplicate signer to not satisfy a 2-delegate quorum")
	}
}

func TestHashStableAcrossDelegateOrder(t *testing.T) {
	a := newKeypair(t)
	b := newKeypair(t)
	r1 := Revision{Payload: Payload{Name: "p"}, Delegations: Delegations{Keys: []peerid.PeerID{a.id, b.id}}}
	r2 := Revision{Payload: Payload{Name: "p"}, Delegations: Delegations{Keys: []peerid.PeerID{b.id, a.id}}}
	h1, err := r1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("hash should not depend on delegate slice order")
	}
}
