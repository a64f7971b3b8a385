// Package identity implements content-addressed, multi-signature identity
// documents (Person and Project variants) and their delegation/quorum
// verification rules.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Variant tags the two document kinds a revision can carry.
type Variant uint8

const (
	// VariantPerson identifies an individual contributor.
	VariantPerson Variant = iota
	// VariantProject identifies a collaborative project.
	VariantProject
)

func (v Variant) String() string {
	if v == VariantProject {
		return "project"
	}
	return "person"
}

// Payload is the canonical, content-hashed body of a revision.
type Payload struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Delegations names who may sign the *next* revision of a document.
//
// For a Person, Keys is the full delegate set. For a Project, Keys holds
// direct delegate keys and IndirectURNs names Person identities whose
// current key sets are expanded transitively at resolution time (spec
// §4.4 "Delegation resolution").
type Delegations struct {
	Keys         []peerid.PeerID `json:"keys,omitempty"`
	IndirectURNs []urn.URN       `json:"indirect,omitempty"`
}

// Signature is one delegate's signature over a revision's canonical hash.
type Signature struct {
	Peer peerid.PeerID
	Sig  []byte
}

// ObjectID is an opaque git object id (the commit hash of a revision).
type ObjectID [32]byte

// Revision is one commit in an identity document's history.
type Revision struct {
	Variant     Variant
	Payload     Payload
	Delegations Delegations
	Parent      *ObjectID // nil for the root revision
	Signatures  []Signature
}

// canonicalPayload is the subset of a revision's fields that is hashed and
// signed: the Cjson-canonical encoding of {variant, payload, delegations,
// parent}. Signatures are, by construction, never themselves signed over.
type canonicalPayload struct {
	Variant     string      `json:"variant"`
	Payload     Payload     `json:"payload"`
	Delegations canonicalDg `json:"delegations"`
	Parent      string      `json:"parent,omitempty"`
}

type canonicalDg struct {
	Keys     []string `json:"keys,omitempty"`
	Indirect []string `json:"indirect,omitempty"`
}

// Hash computes the Cjson-canonical content hash of r: sorted keys, no
// whitespace. canonicalPayload fixes which fields are hashed; its encoding
// is then re-marshalled through a generic value, because encoding/json
// emits map keys in sorted order but struct fields in declaration order.
//
// Inputs are assumed already Unicode-NFC normalized; this implementation
// does not itself perform NFC normalization.
func (r Revision) Hash() ([32]byte, error) {
	cp := canonicalPayload{
		Variant: r.Variant.String(),
		Payload: r.Payload,
	}
	keys := make([]string, 0, len(r.Delegations.Keys))
	for _, k := range r.Delegations.Keys {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	cp.Delegations.Keys = keys

	ind := make([]string, 0, len(r.Delegations.IndirectURNs))
	for _, u := range r.Delegations.IndirectURNs {
		ind = append(ind, u.String())
	}
	sort.Strings(ind)
	cp.Delegations.Indirect = ind

	if r.Parent != nil {
		cp.Parent = fmt.Sprintf("%x", r.Parent[:])
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return [32]byte{}, fmt.Errorf("identity: canonicalize: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return [32]byte{}, fmt.Errorf("identity: canonicalize: %w", err)
	}
	if b, err = json.Marshal(generic); err != nil {
		return [32]byte{}, fmt.Errorf("identity: canonicalize: %w", err)
	}
	return sha256.Sum256(b), nil
}

// resolvedDelegates is the flattened, cycle-safe set of public keys a
// revision's Delegations ultimately vouches for.
type resolvedDelegates map[string]peerid.PeerID

// ResolveFunc loads the current revision of the Person identity named by
// u, for transitive delegate expansion. The Replication component supplies
// an implementation backed by a sub-fetch (spec §4.4).
type ResolveFunc func(u urn.URN) (*Revision, error)

// ExpandDelegates flattens r's delegation set into the concrete public
// keys authorised to sign the next revision, resolving indirect Person
// URNs transitively. Cycles (a Project delegating to a Person whose own
// history references the Project) are detected via a visited set and
// simply terminate expansion rather than erroring (spec §9 "Cyclic
// references").
func ExpandDelegates(r Revision, resolve ResolveFunc) (resolvedDelegates, error) {
	out := make(resolvedDelegates)
	visited := make(map[string]bool)
	var expand func(d Delegations) error
	expand = func(d Delegations) error {
		for _, k := range d.Keys {
			out[k.String()] = k
		}
		for _, u := range d.IndirectURNs {
			key := u.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			rev, err := resolve(u)
			if err != nil {
				return fmt.Errorf("identity: resolve delegate %s: %w", u, err)
			}
			if err := expand(rev.Delegations); err != nil {
				return err
			}
		}
		return nil
	}
	if err := expand(r.Delegations); err != nil {
		return nil, err
	}
	return out, nil
}

// Quorum is strict majority: more than half of n.
func Quorum(n int) int { return n/2 + 1 }

// Verify checks that r is signed by a quorum of the *previous* revision's
// delegates (spec §3 invariant). For the root revision (parent == nil),
// the document self-certifies: signatures must form a quorum of r's own
// embedded delegate set.
//
// quorumRegressionFloor, when non-zero, rejects r if its own resolved
// delegate count is fewer than the floor (spec §4.4 "Quorum regression":
// no down-grading of a previously stored, more broadly delegated tip).
func Verify(r Revision, prior *Revision, resolve ResolveFunc, quorumRegressionFloor int) error {
	h, err := r.Hash()
	if err != nil {
		return err
	}

	var authority resolvedDelegates
	if prior == nil {
		authority, err = ExpandDelegates(r, resolve)
	} else {
		authority, err = ExpandDelegates(*prior, resolve)
	}
	if err != nil {
		return err
	}
	if len(authority) == 0 {
		return fmt.Errorf("identity: revision has no delegates to verify against")
	}

	valid := 0
	seen := make(map[string]bool)
	for _, sig := range r.Signatures {
		key := sig.Peer.String()
		if seen[key] {
			continue // duplicate signer does not count twice toward quorum
		}
		if _, ok := authority[key]; !ok {
			continue
		}
		if !ed25519.Verify(sig.Peer.PublicKey(), h[:], sig.Sig) {
			continue
		}
		seen[key] = true
		valid++
	}

	need := Quorum(len(authority))
	if valid < need {
		return fmt.Errorf("identity: quorum not met: %d of %d required (%d delegates)", valid, need, len(authority))
	}

	if quorumRegressionFloor > 0 {
		own, err := ExpandDelegates(r, resolve)
		if err != nil {
			return err
		}
		if len(own) < quorumRegressionFloor {
			return fmt.Errorf("identity: quorum regression: new revision has %d delegates, fewer than stored %d", len(own), quorumRegressionFloor)
		}
	}
	return nil
}

// Sign produces a Signature over r's canonical hash using signer.
func Sign(r Revision, peer peerid.PeerID, signFn func([]byte) ([]byte, error)) (Signature, error) {
	h, err := r.Hash()
	if err != nil {
		return Signature{}, err
	}
	sig, err := signFn(h[:])
	if err != nil {
		return Signature{}, fmt.Errorf("identity: sign: %w", err)
	}
	return Signature{Peer: peer, Sig: sig}, nil
}

