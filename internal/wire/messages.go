package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MembershipTag discriminates the CBOR array-tagged membership messages
// (spec §6 "integer array-tag discriminators (0..5 for membership
// variants)").
type MembershipTag int

const (
	TagJoin MembershipTag = iota
	TagForwardJoin
	TagNeighbour
	TagShuffle
	TagShuffleReply
	TagDisconnect
)

// PeerInfo is the gossiped (peer id string, advertised addresses) pair
// carried by Join, ForwardJoin, Neighbour and Shuffle.
type PeerInfo struct {
	Peer  string   `cbor:"0,keyasint"`
	Addrs []string `cbor:"1,keyasint"`
}

// MembershipMessage is the envelope for every HyParView protocol message.
// Exactly one of the typed fields is populated, selected by Tag.
type MembershipMessage struct {
	Tag MembershipTag

	Join         *PeerInfo
	ForwardJoin  *ForwardJoinMsg
	Neighbour    *NeighbourMsg
	Shuffle      *ShuffleMsg
	ShuffleReply *ShuffleMsg
}

type ForwardJoinMsg struct {
	Joined PeerInfo `cbor:"0,keyasint"`
	TTL    uint8    `cbor:"1,keyasint"`
}

type NeighbourMsg struct {
	Info        PeerInfo `cbor:"0,keyasint"`
	NeedFriends bool     `cbor:"1,keyasint"`
}

type ShuffleMsg struct {
	Origin string     `cbor:"0,keyasint"`
	Peers  []PeerInfo `cbor:"1,keyasint"`
	TTL    uint8      `cbor:"2,keyasint"`
}

// wireEnvelope is the two-element CBOR array [tag, payload] actually put
// on the wire; using an array rather than a map keeps the encoding compact
// and matches the "integer array-tag discriminator" scheme the spec calls
// for.
type wireEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Tag     int
	Payload cbor.RawMessage
}

// EncodeMembership serialises m to CBOR.
func EncodeMembership(m MembershipMessage) ([]byte, error) {
	var payload interface{}
	switch m.Tag {
	case TagJoin:
		payload = m.Join
	case TagForwardJoin:
		payload = m.ForwardJoin
	case TagNeighbour:
		payload = m.Neighbour
	case TagShuffle:
		payload = m.Shuffle
	case TagShuffleReply:
		payload = m.ShuffleReply
	case TagDisconnect:
		payload = struct{}{}
	default:
		return nil, fmt.Errorf("wire: unknown membership tag %d", m.Tag)
	}
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal membership payload: %w", err)
	}
	b, err := cbor.Marshal(wireEnvelope{Tag: int(m.Tag), Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal membership envelope: %w", err)
	}
	return b, nil
}

// DecodeMembership parses a CBOR-encoded membership message.
func DecodeMembership(b []byte) (MembershipMessage, error) {
	var env wireEnvelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return MembershipMessage{}, fmt.Errorf("wire: unmarshal membership envelope: %w", err)
	}
	m := MembershipMessage{Tag: MembershipTag(env.Tag)}
	switch m.Tag {
	case TagJoin:
		m.Join = new(PeerInfo)
		if err := cbor.Unmarshal(env.Payload, m.Join); err != nil {
			return MembershipMessage{}, fmt.Errorf("wire: unmarshal Join: %w", err)
		}
	case TagForwardJoin:
		m.ForwardJoin = new(ForwardJoinMsg)
		if err := cbor.Unmarshal(env.Payload, m.ForwardJoin); err != nil {
			return MembershipMessage{}, fmt.Errorf("wire: unmarshal ForwardJoin: %w", err)
		}
	case TagNeighbour:
		m.Neighbour = new(NeighbourMsg)
		if err := cbor.Unmarshal(env.Payload, m.Neighbour); err != nil {
			return MembershipMessage{}, fmt.Errorf("wire: unmarshal Neighbour: %w", err)
		}
	case TagShuffle:
		m.Shuffle = new(ShuffleMsg)
		if err := cbor.Unmarshal(env.Payload, m.Shuffle); err != nil {
			return MembershipMessage{}, fmt.Errorf("wire: unmarshal Shuffle: %w", err)
		}
	case TagShuffleReply:
		m.ShuffleReply = new(ShuffleMsg)
		if err := cbor.Unmarshal(env.Payload, m.ShuffleReply); err != nil {
			return MembershipMessage{}, fmt.Errorf("wire: unmarshal ShuffleReply: %w", err)
		}
	case TagDisconnect:
		// no payload
	default:
		return MembershipMessage{}, fmt.Errorf("wire: unknown membership tag %d", m.Tag)
	}
	return m, nil
}

// GossipTag discriminates the Have/Want gossip messages (spec §6: "0,1 for
// gossip Have/Want").
type GossipTag int

const (
	TagHave GossipTag = iota
	TagWant
)

// GossipMessage is the envelope for the epidemic-broadcast Have/Want
// protocol (spec §4.3).
type GossipMessage struct {
	Tag  GossipTag
	Have *HaveMsg
	Want *WantMsg
}

// HaveMsg announces that the sender holds the object identified by Hash
// for URN, optionally forwarded Hop times. Origin is the peer that first
// published the payload (spec §3 "Gossip Payload" `origin: Option<PeerId>`);
// it is empty when the sender is the original publisher. Carrying it lets
// a recipient several hops downstream fetch from the original publisher
// rather than being limited to whichever neighbour happened to relay the
// message (spec §2 "origin (or through membership neighbour)").
type HaveMsg struct {
	URN    string `cbor:"0,keyasint"`
	Hash   []byte `cbor:"1,keyasint"`
	Hop    uint8  `cbor:"2,keyasint"`
	Origin string `cbor:"3,keyasint,omitempty"`
}

// WantMsg requests the payload previously announced by a Have with the
// same Hash.
type WantMsg struct {
	URN  string `cbor:"0,keyasint"`
	Hash []byte `cbor:"1,keyasint"`
}

// EncodeGossip serialises m to CBOR.
func EncodeGossip(m GossipMessage) ([]byte, error) {
	var payload interface{}
	switch m.Tag {
	case TagHave:
		payload = m.Have
	case TagWant:
		payload = m.Want
	default:
		return nil, fmt.Errorf("wire: unknown gossip tag %d", m.Tag)
	}
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal gossip payload: %w", err)
	}
	b, err := cbor.Marshal(wireEnvelope{Tag: int(m.Tag), Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal gossip envelope: %w", err)
	}
	return b, nil
}

// DecodeGossip parses a CBOR-encoded gossip message.
func DecodeGossip(b []byte) (GossipMessage, error) {
	var env wireEnvelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return GossipMessage{}, fmt.Errorf("wire: unmarshal gossip envelope: %w", err)
	}
	m := GossipMessage{Tag: GossipTag(env.Tag)}
	switch m.Tag {
	case TagHave:
		m.Have = new(HaveMsg)
		if err := cbor.Unmarshal(env.Payload, m.Have); err != nil {
			return GossipMessage{}, fmt.Errorf("wire: unmarshal Have: %w", err)
		}
	case TagWant:
		m.Want = new(WantMsg)
		if err := cbor.Unmarshal(env.Payload, m.Want); err != nil {
			return GossipMessage{}, fmt.Errorf("wire: unmarshal Want: %w", err)
		}
	default:
		return GossipMessage{}, fmt.Errorf("wire: unknown gossip tag %d", m.Tag)
	}
	return m, nil
}
