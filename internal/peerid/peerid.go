// Package peerid implements the network-wide identity of a peer: its
// Ed25519 public key, multibase-encoded for the wire and for use as the
// subject common name of its self-signed TLS certificate.
package peerid

import (
	"crypto/ed25519"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// PeerID is a peer's Ed25519 public key. It is the value bound into the
// peer's TLS certificate subject and into every signed artefact it
// produces.
type PeerID struct {
	key ed25519.PublicKey
}

// FromPublicKey wraps a raw Ed25519 public key as a PeerID.
func FromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerID{}, fmt.Errorf("peerid: bad public key size %d", len(pub))
	}
	return PeerID{key: append(ed25519.PublicKey(nil), pub...)}, nil
}

// Bytes returns the raw 32-byte Ed25519 public key.
func (p PeerID) Bytes() []byte { return append([]byte(nil), p.key...) }

// PublicKey returns the underlying Ed25519 public key.
func (p PeerID) PublicKey() ed25519.PublicKey { return p.key }

// IsZero reports whether p has never been assigned a key.
func (p PeerID) IsZero() bool { return len(p.key) == 0 }

// Equal reports whether p and o identify the same peer.
func (p PeerID) Equal(o PeerID) bool {
	if len(p.key) != len(o.key) {
		return false
	}
	for i := range p.key {
		if p.key[i] != o.key[i] {
			return false
		}
	}
	return true
}

// String renders the PeerID as a multibase (base32, lower-case, RFC4648
// no-pad) encoded string, suitable both for the wire and as a TLS
// certificate Common Name (CNs must avoid mixed-case ambiguity under
// case-insensitive comparison by some TLS stacks).
func (p PeerID) String() string {
	s, err := multibase.Encode(multibase.Base32, p.key)
	if err != nil {
		// multibase.Encode only fails for unknown encodings; Base32 is
		// always registered, so this is unreachable.
		panic(fmt.Sprintf("peerid: encode: %v", err))
	}
	return s
}

// Parse decodes a PeerID from its multibase string form.
func Parse(s string) (PeerID, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("peerid: decode %q: %w", s, err)
	}
	return FromPublicKey(ed25519.PublicKey(data))
}
