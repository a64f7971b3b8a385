package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// wireRevision is the on-disk/on-wire encoding of a Revision: the blob
// content stored at `refs/rad/id` (and `refs/rad/ids/<urn>` for indirect
// delegates), and the payload of the identity pre-fetch RPC. It carries
// the signatures alongside the canonical payload, unlike canonicalPayload
// which is hashed and therefore excludes them.
type wireRevision struct {
	Variant    string          `json:"variant"`
	Payload    Payload         `json:"payload"`
	Keys       []string        `json:"keys,omitempty"`
	Indirect   []string        `json:"indirect,omitempty"`
	Parent     string          `json:"parent,omitempty"`
	Signatures []wireSignature `json:"signatures,omitempty"`
}

type wireSignature struct {
	Peer string `json:"peer"`
	Sig  []byte `json:"sig"`
}

// Marshal serialises r to its canonical storage form.
func (r Revision) Marshal() ([]byte, error) {
	w := wireRevision{
		Variant: r.Variant.String(),
		Payload: r.Payload,
	}
	for _, k := range r.Delegations.Keys {
		w.Keys = append(w.Keys, k.String())
	}
	for _, u := range r.Delegations.IndirectURNs {
		w.Indirect = append(w.Indirect, u.String())
	}
	if r.Parent != nil {
		w.Parent = hex.EncodeToString(r.Parent[:])
	}
	for _, s := range r.Signatures {
		w.Signatures = append(w.Signatures, wireSignature{Peer: s.Peer.String(), Sig: s.Sig})
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal revision: %w", err)
	}
	return b, nil
}

// UnmarshalRevision parses a Revision previously produced by Marshal.
func UnmarshalRevision(b []byte) (Revision, error) {
	var w wireRevision
	if err := json.Unmarshal(b, &w); err != nil {
		return Revision{}, fmt.Errorf("identity: unmarshal revision: %w", err)
	}

	r := Revision{Payload: w.Payload}
	switch w.Variant {
	case "project":
		r.Variant = VariantProject
	default:
		r.Variant = VariantPerson
	}

	for _, k := range w.Keys {
		id, err := peerid.Parse(k)
		if err != nil {
			return Revision{}, fmt.Errorf("identity: parse delegate key %q: %w", k, err)
		}
		r.Delegations.Keys = append(r.Delegations.Keys, id)
	}
	for _, u := range w.Indirect {
		parsed, err := urn.FromString(u)
		if err != nil {
			return Revision{}, fmt.Errorf("identity: parse indirect urn %q: %w", u, err)
		}
		r.Delegations.IndirectURNs = append(r.Delegations.IndirectURNs, parsed)
	}
	if w.Parent != "" {
		raw, err := hex.DecodeString(w.Parent)
		if err != nil || len(raw) != 32 {
			return Revision{}, fmt.Errorf("identity: malformed parent object id %q", w.Parent)
		}
		var oid ObjectID
		copy(oid[:], raw)
		r.Parent = &oid
	}
	for _, s := range w.Signatures {
		id, err := peerid.Parse(s.Peer)
		if err != nil {
			return Revision{}, fmt.Errorf("identity: parse signature peer %q: %w", s.Peer, err)
		}
		r.Signatures = append(r.Signatures, Signature{Peer: id, Sig: s.Sig})
	}
	return r, nil
}
