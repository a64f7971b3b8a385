package requestpull

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
	"github.com/radicle-dev/radicle-link-sub006/internal/replication"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

type keypair struct {
	id peerid.PeerID
	pk ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, pk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return keypair{id: id, pk: pk}
}

func (k keypair) sign(b []byte) ([]byte, error) { return ed25519.Sign(k.pk, b), nil }

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

func setup(t *testing.T) (*Handler, keypair, urn.URN, fakeSource) {
	t.Helper()
	db, err := refdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := odb.New(db.Repository().Storer)
	cfg := replication.DefaultConfig()
	cfg.SlotWaitTimeout = time.Second
	fetcher := replication.New(db, store, tracking.New(), cfg)

	peer := newKeypair(t)
	d := sha256.Sum256([]byte{7})
	u, err := urn.New(d[:], true)
	if err != nil {
		t.Fatal(err)
	}

	rev := identity.Revision{
		Variant:     identity.VariantPerson,
		Payload:     identity.Payload{Name: "bob"},
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

	refs := map[string]plumbing.Hash{"refs/rad/id": idHash}
	source := fakeSource{refs: refs, store: store}

	handler := NewHandler(AllowAll{}, fetcher)
	return handler, peer, u, source
}

func TestServeStreamsSuccessOnAuthorisedFetch(t *testing.T) {
	handler, peer, u, source := setup(t)
	updates := make(chan StatusUpdate, 8)

	if err := handler.Serve(context.Background(), peer.id, u, source, updates); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	close(updates)

	sawSuccess := false
	for u := range updates {
		if u.Token == TokenSuccess {
			sawSuccess = true
		}
		if u.Token == TokenFailure {
			t.Fatalf("unexpected failure token: %s", u.Message)
		}
	}
	if !sawSuccess {
		t.Fatal("expected a success token")
	}
}

type denyAll struct{}

func (denyAll) Allow(peerid.PeerID, urn.URN) bool { return false }

func TestServeRejectsUnauthorisedRequester(t *testing.T) {
	handler, peer, u, source := setup(t)
	handler.guard = denyAll{}
	updates := make(chan StatusUpdate, 8)

	err := handler.Serve(context.Background(), peer.id, u, source, updates)
	if err == nil {
		t.Fatal("expected an authorisation error")
	}
	close(updates)

	update, ok := <-updates
	if !ok || update.Token != TokenFailure {
		t.Fatal("expected a failure token to be streamed")
	}
}
