package keystore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestGenerateAndUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "librad.key"))

	if fs.Exists() {
		t.Fatal("fresh store should not exist yet")
	}
	signer, err := fs.Generate([]byte("correct horse"))
	if err != nil {
		t.Fatal(err)
	}
	if !fs.Exists() {
		t.Fatal("expected key file after Generate")
	}

	unlocked, err := fs.Unlock([]byte("correct horse"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(signer.PublicKey(), unlocked.PublicKey()) {
		t.Fatal("unlocked key does not match generated key")
	}

	msg := []byte("hello")
	sig, err := unlocked.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := signer.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sig, sig2) {
		t.Fatal("signatures from the same key over the same message should match (ed25519 is deterministic)")
	}
}

func TestUnlockWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "librad.key"))
	if _, err := fs.Generate([]byte("right")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Unlock([]byte("wrong")); err == nil {
		t.Fatal("expected wrong passphrase to fail decryption")
	}
}
