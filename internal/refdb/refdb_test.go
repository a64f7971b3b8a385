package refdb

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

func testURN(t *testing.T) urn.URN {
	t.Helper()
	u, err := urn.New([]byte("0123456789abcdef0123456789abcdef"), true)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func someHash(b byte) plumbing.Hash {
	var h plumbing.Hash
	h[0] = b
	return h
}

func TestValidateNameRejectsBadRefs(t *testing.T) {
	cases := []string{"id", "refs/../escape", "refs/rad/id\x01"}
	for _, c := range cases {
		if err := ValidateName(c); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
	if err := ValidateName("refs/rad/id"); err != nil {
		t.Fatalf("expected refs/rad/id to be accepted: %v", err)
	}
}

func TestApplyUpdatesCreateAndCAS(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "store.git"))
	if err != nil {
		t.Fatal(err)
	}
	u := testURN(t)

	h1 := someHash(1)
	if err := db.ApplyUpdates(u, []Update{{Ref: "refs/rad/id", Old: plumbing.ZeroHash, New: h1}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	got, err := db.Get(u, "refs/rad/id")
	if err != nil {
		t.Fatal(err)
	}
	if got != h1 {
		t.Fatalf("got %s want %s", got, h1)
	}

	// Stale CAS (wrong Old) must be rejected and must not mutate the ref.
	h2 := someHash(2)
	if err := db.ApplyUpdates(u, []Update{{Ref: "refs/rad/id", Old: plumbing.ZeroHash, New: h2}}); err == nil {
		t.Fatal("expected stale CAS to fail")
	}
	got, _ = db.Get(u, "refs/rad/id")
	if got != h1 {
		t.Fatal("ref must be unchanged after a rejected CAS")
	}

	// Correct Old succeeds.
	if err := db.ApplyUpdates(u, []Update{{Ref: "refs/rad/id", Old: h1, New: h2}}); err != nil {
		t.Fatalf("valid CAS failed: %v", err)
	}
	got, _ = db.Get(u, "refs/rad/id")
	if got != h2 {
		t.Fatalf("got %s want %s", got, h2)
	}
}

func TestApplyUpdatesBatchRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "store.git"))
	if err != nil {
		t.Fatal(err)
	}
	u := testURN(t)

	h1 := someHash(1)
	if err := db.ApplyUpdates(u, []Update{{Ref: "refs/rad/id", Old: plumbing.ZeroHash, New: h1}}); err != nil {
		t.Fatal(err)
	}

	before, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	// Second update in the batch has a stale Old, so the whole batch must
	// fail and the first update must be rolled back.
	batch := []Update{
		{Ref: "refs/rad/signed_refs", Old: plumbing.ZeroHash, New: someHash(3)},
		{Ref: "refs/rad/id", Old: someHash(9), New: someHash(4)},
	}
	if err := db.ApplyUpdates(u, batch); err == nil {
		t.Fatal("expected batch with a stale member to fail")
	}

	after, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("snapshot changed after rolled-back batch: before=%v after=%v", before, after)
	}
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("ref %s changed after rollback: before=%s after=%s", k, v, after[k])
		}
	}
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "store.git"))
	if err != nil {
		t.Fatal(err)
	}
	u := testURN(t)

	if err := db.ApplyUpdates(u, []Update{
		{Ref: "refs/rad/id", Old: plumbing.ZeroHash, New: someHash(1)},
		{Ref: "refs/remotes/somepeer/heads/main", Old: plumbing.ZeroHash, New: someHash(2)},
	}); err != nil {
		t.Fatal(err)
	}

	all, err := db.List(u, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 refs, got %d: %v", len(all), all)
	}

	remotes, err := db.List(u, "refs/remotes/")
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 {
		t.Fatalf("expected 1 remote ref, got %d", len(remotes))
	}

	if err := db.ApplyUpdates(u, []Update{{Ref: "refs/rad/id", Old: someHash(1), New: plumbing.ZeroHash}}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got, _ := db.Get(u, "refs/rad/id"); got != plumbing.ZeroHash {
		t.Fatal("expected ref to be gone after delete")
	}
}
