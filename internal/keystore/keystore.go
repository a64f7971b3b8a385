// Package keystore yields the per-peer Ed25519 keypair used to sign TLS
// certificates, identity documents and signed-refs blobs. The on-disk
// format is a passphrase-encrypted seed at `keys/<profile>/librad.key`
// (spec §6 "Persisted state layout"). SSH-agent or other external signers
// are out of scope (spec §1): any type satisfying Signer is sufficient.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

// Signer is the minimal contract a keypair (in-memory, or backed by an
// external agent) must satisfy to participate in the protocol.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
	PeerID() peerid.PeerID
}

// memSigner is an in-process Ed25519 signer, the default Signer
// implementation returned by FileStore.
type memSigner struct {
	priv ed25519.PrivateKey
	id   peerid.PeerID
}

// NewMemSigner wraps a raw Ed25519 private key as a Signer.
func NewMemSigner(priv ed25519.PrivateKey) (Signer, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keystore: private key has no Ed25519 public key")
	}
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &memSigner{priv: priv, id: id}, nil
}

func (s *memSigner) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(s.priv, msg), nil }
func (s *memSigner) PublicKey() ed25519.PublicKey    { return s.priv.Public().(ed25519.PublicKey) }
func (s *memSigner) PeerID() peerid.PeerID           { return s.id }

// fileFormat is the JSON envelope persisted to librad.key. Ciphertext
// holds the scrypt-derived-key-encrypted Ed25519 seed.
type fileFormat struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const (
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	keyLen    = 32
	saltBytes = 16
)

// FileStore manages a single encrypted keypair file on disk.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore rooted at path (typically
// `<root>/keys/<profile>/librad.key`).
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

// Generate creates a fresh Ed25519 keypair, encrypts it under passphrase
// and persists it to disk, returning the resulting Signer.
func (f *FileStore) Generate(passphrase []byte) (Signer, error) {
	_, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	if err := f.save(priv.Seed(), passphrase); err != nil {
		return nil, err
	}
	return NewMemSigner(priv)
}

// Unlock reads and decrypts the on-disk keypair using passphrase.
func (f *FileStore) Unlock(passphrase []byte) (Signer, error) {
	seed, err := f.load(passphrase)
	if err != nil {
		return nil, err
	}
	return NewMemSigner(ed25519.NewKeyFromSeed(seed))
}

// Exists reports whether a keypair file is already present.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

func (f *FileStore) save(seed []byte, passphrase []byte) error {
	salt := make([]byte, saltBytes)
	if _, err := crand.Read(salt); err != nil {
		return fmt.Errorf("keystore: salt: %w", err)
	}
	gcm, err := newAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, seed, nil)

	env := fileFormat{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("keystore: mkdir: %w", err)
	}
	if err := os.WriteFile(f.path, b, 0o600); err != nil {
		return fmt.Errorf("keystore: write: %w", err)
	}
	return nil
}

func (f *FileStore) load(passphrase []byte) ([]byte, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read: %w", err)
	}
	var env fileFormat
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("keystore: unmarshal: %w", err)
	}
	gcm, err := newAEAD(passphrase, env.Salt)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt: wrong passphrase or corrupt file")
	}
	return seed, nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcm: %w", err)
	}
	return gcm, nil
}
