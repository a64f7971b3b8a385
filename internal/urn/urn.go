// Package urn implements the content-addressed identity root commit
// address: `rad:git:<multibase-multihash>[/<path>]`.
package urn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-base32"
	"github.com/multiformats/go-multihash"
)

// gitRawCodec is the multicodec table entry for "git-raw" (0x78), used to
// tag the multihash of an identity root commit as a git object address
// rather than an opaque byte string.
const gitRawCodec = 0x78

const scheme = "rad:git:"

// URN is the immutable content address of an identity document's root
// commit. Equivalence is byte equality of the underlying multihash; the
// optional Path is informational (e.g. "refs/heads/main") and does not
// participate in equality.
type URN struct {
	id   cid.Cid
	Path string
}

// New builds a URN from the root commit's git object id (a SHA-1 or
// SHA-256 digest, as produced by the ODB).
func New(digest []byte, sha256 bool) (URN, error) {
	code := multihash.SHA1
	if sha256 {
		code = multihash.SHA2_256
	}
	mh, err := multihash.Encode(digest, code)
	if err != nil {
		return URN{}, fmt.Errorf("urn: encode multihash: %w", err)
	}
	return URN{id: cid.NewCidV1(gitRawCodec, mh)}, nil
}

// FromString parses a URN in `rad:git:<multibase-multihash>[/path]` form.
func FromString(s string) (URN, error) {
	if s == "" {
		return URN{}, errors.New("urn: empty string")
	}
	if !strings.HasPrefix(s, scheme) {
		return URN{}, fmt.Errorf("urn: missing %q prefix", scheme)
	}
	rest := s[len(scheme):]
	idPart, path, _ := strings.Cut(rest, "/")
	if idPart == "" {
		return URN{}, errors.New("urn: empty identifier")
	}
	id, err := cid.Decode(idPart)
	if err != nil {
		return URN{}, fmt.Errorf("urn: decode identifier %q: %w", idPart, err)
	}
	u := URN{id: id}
	if path != "" {
		u.Path = path
	}
	return u, nil
}

// String renders the URN in canonical `rad:git:<id>[/path]` form.
func (u URN) String() string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(u.id.String())
	if u.Path != "" {
		b.WriteByte('/')
		b.WriteString(u.Path)
	}
	return b.String()
}

// WithPath returns a copy of u scoped to the given ref path.
func (u URN) WithPath(path string) URN {
	u.Path = path
	return u
}

// Root returns a copy of u with its path component cleared.
func (u URN) Root() URN {
	u.Path = ""
	return u
}

// Equal reports whether u and o address the same identity root commit.
// The Path is deliberately excluded from the comparison.
func (u URN) Equal(o URN) bool { return u.id.Equals(o.id) }

// IsZero reports whether u was never assigned an identifier.
func (u URN) IsZero() bool { return !u.id.Defined() }

// Multihash returns the raw multihash bytes backing u.
func (u URN) Multihash() []byte { return []byte(u.id.Hash()) }

// NamespaceID returns the fixed-width, filesystem-safe re-encoding of u's
// identifier used as the path element of `refs/namespaces/<id>/…` (spec §6:
// "further base-32 re-encoded to produce a filesystem-safe namespace name
// of fixed width").
func (u URN) NamespaceID() string {
	enc := base32.StdEncoding.EncodeToString(u.Multihash())
	return strings.ToLower(strings.TrimRight(enc, "="))
}
