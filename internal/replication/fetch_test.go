package replication

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-dev/radicle-link-sub006/internal/identity"
	"github.com/radicle-dev/radicle-link-sub006/internal/odb"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/refdb"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

type testKeypair struct {
	id  peerid.PeerID
	pub ed25519.PublicKey
	pk  ed25519.PrivateKey
}

func newTestKeypair(t *testing.T) testKeypair {
	t.Helper()
	pub, pk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return testKeypair{id: id, pub: pub, pk: pk}
}

func (k testKeypair) sign(b []byte) ([]byte, error) { return ed25519.Sign(k.pk, b), nil }

// fakeSource answers every RPC directly out of a local ODB, simulating a
// remote that already holds every object it advertises.
type fakeSource struct {
	refs  map[string]plumbing.Hash
	store *odb.ODB
}

func (s fakeSource) AdvertisedRefs(ctx context.Context, u urn.URN) (map[string]plumbing.Hash, error) {
	return s.refs, nil
}

func (s fakeSource) FetchObject(ctx context.Context, h plumbing.Hash) ([]byte, error) {
	obj, err := s.store.Get(h)
	if err != nil {
		return nil, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s fakeSource) FetchPack(ctx context.Context, wants, haves []plumbing.Hash, maxBytes int64) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := s.store.ProducePack(&buf, nil); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func testURN(t *testing.T, seed byte) urn.URN {
	t.Helper()
	digest := sha256.Sum256([]byte{seed})
	u, err := urn.New(digest[:], true)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func newTestFetcher(t *testing.T) (*Fetcher, *refdb.RefDB, *odb.ODB) {
	t.Helper()
	db, err := refdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := odb.New(db.Repository().Storer)
	cfg := DefaultConfig()
	cfg.SlotWaitTimeout = time.Second
	return New(db, store, tracking.New(), cfg), db, store
}

// setupNamespace builds a self-certifying root identity delegating to peer,
// plus one code ref and a matching signed_refs blob, all stored in store,
// and returns the advertised ref map a remote with this state would offer.
func setupNamespace(t *testing.T, store *odb.ODB, u urn.URN, peer testKeypair, codeContent string, mangleSignedRefs bool) map[string]plumbing.Hash {
	t.Helper()

	rev := identity.Revision{
		Variant:     identity.VariantPerson,
		Payload:     identity.Payload{Name: "alice"},
		Delegations: identity.Delegations{Keys: []peerid.PeerID{peer.id}},
	}
	sig, err := identity.Sign(rev, peer.id, peer.sign)
	if err != nil {
		t.Fatal(err)
	}
	rev.Signatures = []identity.Signature{sig}

	revBytes, err := rev.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	idHash, err := store.Put(plumbing.BlobObject, revBytes)
	if err != nil {
		t.Fatal(err)
	}

	codeHash, err := store.Put(plumbing.BlobObject, []byte(codeContent))
	if err != nil {
		t.Fatal(err)
	}

	refName := "refs/remotes/" + peer.id.String() + "/heads/main"
	signedRefsMap := map[string]plumbing.Hash{"heads/main": codeHash}
	if mangleSignedRefs {
		signedRefsMap["heads/main"] = plumbing.NewHash("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	}
	sr, err := SignRefs(peer.id, signedRefsMap, peer.sign)
	if err != nil {
		t.Fatal(err)
	}
	srBytes, err := sr.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	srHash, err := store.Put(plumbing.BlobObject, srBytes)
	if err != nil {
		t.Fatal(err)
	}

	return map[string]plumbing.Hash{
		"refs/rad/id":          idHash,
		"refs/rad/signed_refs": srHash,
		refName:                codeHash,
	}
}

func TestFetchAppliesIdentityAndCodeRefs(t *testing.T) {
	f, db, store := newTestFetcher(t)
	peer := newTestKeypair(t)
	u := testURN(t, 1)

	refs := setupNamespace(t, store, u, peer, "hello world", false)
	source := fakeSource{refs: refs, store: store}

	res, err := f.Fetch(context.Background(), source, u, peer.id)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(res.Updated) != 3 {
		t.Fatalf("expected 3 updated refs, got %d", len(res.Updated))
	}

	got, err := db.Get(u, "refs/rad/id")
	if err != nil {
		t.Fatal(err)
	}
	if got != refs["refs/rad/id"] {
		t.Fatal("refs/rad/id not applied")
	}
	got, err = db.Get(u, "refs/remotes/"+peer.id.String()+"/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != refs["refs/remotes/"+peer.id.String()+"/heads/main"] {
		t.Fatal("code ref not applied")
	}
}

func TestFetchRollsBackOnSignedRefsMismatch(t *testing.T) {
	f, db, store := newTestFetcher(t)
	peer := newTestKeypair(t)
	u := testURN(t, 2)

	refs := setupNamespace(t, store, u, peer, "hello world", true)
	source := fakeSource{refs: refs, store: store}

	before, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.Fetch(context.Background(), source, u, peer.id)
	if err == nil {
		t.Fatal("expected a verification failure")
	}
	var fe *FetchError
	if !asFetchError(err, &fe) || fe.Class != FailureVerification {
		t.Fatalf("expected FailureVerification, got %v", err)
	}

	after, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("refdb mutated despite verification failure: before=%v after=%v", before, after)
	}

	if !f.IsPoisoned(peer.id, u) {
		t.Fatal("expected remote to be poisoned for u after verification failure")
	}
}

func TestFetchRateLimited(t *testing.T) {
	f, _, store := newTestFetcher(t)
	f.limiter = NewRateLimiter(0, 0)
	peer := newTestKeypair(t)
	u := testURN(t, 3)

	refs := setupNamespace(t, store, u, peer, "hello world", false)
	source := fakeSource{refs: refs, store: store}

	_, err := f.Fetch(context.Background(), source, u, peer.id)
	if err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestFetchSlotWaitTimesOut(t *testing.T) {
	f, _, store := newTestFetcher(t)
	f.cfg.SlotWaitTimeout = 10 * time.Millisecond
	if !f.slots.TryAcquire(int64(f.cfg.Slots)) {
		t.Fatal("expected to be able to drain all slots")
	}
	peer := newTestKeypair(t)
	u := testURN(t, 4)
	refs := setupNamespace(t, store, u, peer, "hello world", false)
	source := fakeSource{refs: refs, store: store}

	_, err := f.Fetch(context.Background(), source, u, peer.id)
	var fe *FetchError
	if !asFetchError(err, &fe) || fe.Class != FailureReplication {
		t.Fatalf("expected a replication-class timeout error, got %v", err)
	}
}

func asFetchError(err error, target **FetchError) bool {
	fe, ok := err.(*FetchError)
	if !ok {
		return false
	}
	*target = fe
	return true
}
