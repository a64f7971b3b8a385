package wire

import (
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func cborEnvelopeForTest(tag int) ([]byte, error) {
	return cbor.Marshal(wireEnvelope{Tag: tag, Payload: cbor.RawMessage{0xa0}})
}

func TestMembershipCodecRoundTrip(t *testing.T) {
	cases := []MembershipMessage{
		{Tag: TagJoin, Join: &PeerInfo{Peer: "a", Addrs: []string{"1.2.3.4:1"}}},
		{Tag: TagForwardJoin, ForwardJoin: &ForwardJoinMsg{Joined: PeerInfo{Peer: "b"}, TTL: 6}},
		{Tag: TagNeighbour, Neighbour: &NeighbourMsg{Info: PeerInfo{Peer: "c"}, NeedFriends: true}},
		{Tag: TagShuffle, Shuffle: &ShuffleMsg{Origin: "d", Peers: []PeerInfo{{Peer: "e"}}, TTL: 3}},
		{Tag: TagShuffleReply, ShuffleReply: &ShuffleMsg{Origin: "f"}},
		{Tag: TagDisconnect},
	}
	for _, m := range cases {
		b, err := EncodeMembership(m)
		if err != nil {
			t.Fatalf("encode tag %d: %v", m.Tag, err)
		}
		got, err := DecodeMembership(b)
		if err != nil {
			t.Fatalf("decode tag %d: %v", m.Tag, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("tag %d: got %+v want %+v", m.Tag, got, m)
		}
	}
}

func TestGossipCodecRoundTrip(t *testing.T) {
	cases := []GossipMessage{
		{Tag: TagHave, Have: &HaveMsg{URN: "rad:git:abc", Hash: []byte{1, 2, 3}, Hop: 2}},
		{Tag: TagWant, Want: &WantMsg{URN: "rad:git:abc", Hash: []byte{1, 2, 3}}},
	}
	for _, m := range cases {
		b, err := EncodeGossip(m)
		if err != nil {
			t.Fatalf("encode tag %d: %v", m.Tag, err)
		}
		got, err := DecodeGossip(b)
		if err != nil {
			t.Fatalf("decode tag %d: %v", m.Tag, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("tag %d: got %+v want %+v", m.Tag, got, m)
		}
	}
}

func TestDecodeMembershipRejectsUnknownTag(t *testing.T) {
	b, err := cborEnvelopeForTest(99)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMembership(b); err == nil {
		t.Fatal("expected unknown tag to be rejected")
	}
}
