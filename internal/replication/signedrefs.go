package replication

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

// SignedRefs is the per-peer signed mapping of refname to object-id
// published under `refs/rad/signed_refs` (spec §6 "Identity document",
// GLOSSARY "Signed refs"). The blob content stored at that ref is the
// output of Marshal; the commit-trailer form described by the spec
// (`X-Rad-Signature: <peer-id> <base64-sig>`) is the reference encoding
// this mirrors in spirit while staying within this repository's
// blob-addressed identity storage (see DESIGN.md).
type SignedRefs struct {
	Peer peerid.PeerID
	Refs map[string]plumbing.Hash
	Sig  []byte
}

type wireSignedRefs struct {
	Peer string            `json:"peer"`
	Refs map[string]string `json:"refs"`
	Sig  []byte            `json:"sig"`
}

// canonicalSignedRefsBytes is what gets signed: sorted-key JSON over the refname ->
// hex object-id map, excluding the signature itself.
func canonicalSignedRefsBytes(refs map[string]plumbing.Hash) ([]byte, error) {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	m := make(map[string]string, len(refs))
	for _, name := range names {
		m[name] = refs[name].String()
	}
	return json.Marshal(m)
}

// SignRefs produces a SignedRefs for peer over refs.
func SignRefs(peer peerid.PeerID, refs map[string]plumbing.Hash, signFn func([]byte) ([]byte, error)) (SignedRefs, error) {
	b, err := canonicalSignedRefsBytes(refs)
	if err != nil {
		return SignedRefs{}, fmt.Errorf("replication: canonicalize signed refs: %w", err)
	}
	sig, err := signFn(b)
	if err != nil {
		return SignedRefs{}, fmt.Errorf("replication: sign refs: %w", err)
	}
	return SignedRefs{Peer: peer, Refs: refs, Sig: sig}, nil
}

// Verify checks that sr's signature binds to sr.Peer's key.
func (sr SignedRefs) Verify() error {
	b, err := canonicalSignedRefsBytes(sr.Refs)
	if err != nil {
		return err
	}
	if !ed25519.Verify(sr.Peer.PublicKey(), b, sr.Sig) {
		return verificationErr("signed_refs signature does not verify for peer %s", sr.Peer)
	}
	return nil
}

// Marshal serialises sr for storage at `refs/rad/signed_refs`.
func (sr SignedRefs) Marshal() ([]byte, error) {
	w := wireSignedRefs{Peer: sr.Peer.String(), Refs: make(map[string]string, len(sr.Refs)), Sig: sr.Sig}
	for name, h := range sr.Refs {
		w.Refs[name] = h.String()
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("replication: marshal signed refs: %w", err)
	}
	return b, nil
}

// UnmarshalSignedRefs parses a SignedRefs previously produced by Marshal.
func UnmarshalSignedRefs(b []byte) (SignedRefs, error) {
	var w wireSignedRefs
	if err := json.Unmarshal(b, &w); err != nil {
		return SignedRefs{}, fmt.Errorf("replication: unmarshal signed refs: %w", err)
	}
	peer, err := peerid.Parse(w.Peer)
	if err != nil {
		return SignedRefs{}, fmt.Errorf("replication: parse signed refs peer %q: %w", w.Peer, err)
	}
	refs := make(map[string]plumbing.Hash, len(w.Refs))
	for name, hex := range w.Refs {
		refs[name] = plumbing.NewHash(hex)
	}
	return SignedRefs{Peer: peer, Refs: refs, Sig: w.Sig}, nil
}
