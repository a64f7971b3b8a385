package odb

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

func newTestODB(t *testing.T) *ODB {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(filepath.Join(dir, "store.git"), true)
	if err != nil {
		t.Fatal(err)
	}
	return New(repo.Storer)
}

func TestPutGetRoundTrip(t *testing.T) {
	o := newTestODB(t)
	h, err := o.Put(plumbing.BlobObject, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if !o.Has(h) {
		t.Fatal("expected Has to report the stored object")
	}
	obj, err := o.Get(h)
	if err != nil {
		t.Fatal(err)
	}
	r, err := obj.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestTryTakeBoundary(t *testing.T) {
	const limit = 8

	// Exactly the limit succeeds.
	exact := strings.Repeat("a", limit)
	got, err := TryTake(strings.NewReader(exact), limit)
	if err != nil {
		t.Fatalf("exact-size read should succeed: %v", err)
	}
	if string(got) != exact {
		t.Fatalf("got %q want %q", got, exact)
	}

	// One byte over the limit fails.
	over := strings.Repeat("a", limit+1)
	if _, err := TryTake(strings.NewReader(over), limit); err != ErrMaxSizeExceeded {
		t.Fatalf("expected ErrMaxSizeExceeded, got %v", err)
	}

	// A short stream succeeds.
	short := strings.Repeat("a", limit-1)
	got, err = TryTake(strings.NewReader(short), limit)
	if err != nil {
		t.Fatalf("short read should succeed: %v", err)
	}
	if string(got) != short {
		t.Fatalf("got %q want %q", got, short)
	}
}

func TestHasReportsAbsence(t *testing.T) {
	o := newTestODB(t)
	if o.Has(plumbing.ZeroHash) {
		t.Fatal("zero hash should never be present")
	}
}
