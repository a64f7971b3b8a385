package storage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
)

func newSigner(t *testing.T) keystore.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := keystore.NewMemSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAcquireBlocksWhenPoolExhausted(t *testing.T) {
	s, err := Open(t.TempDir(), newSigner(t), 1)
	if err != nil {
		t.Fatal(err)
	}

	h1, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx); err == nil {
		t.Fatal("expected pool exhaustion to block until context deadline")
	}

	h1.Release()
	h2, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected handle to be available after release: %v", err)
	}
	h2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir(), newSigner(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	h, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	h.Release() // must not panic or double-release the semaphore
}
