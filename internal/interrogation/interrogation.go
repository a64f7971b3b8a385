// Package interrogation implements the cached, single-response query RPC a
// peer can issue against another already-connected peer (spec §4.5).
package interrogation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Errors returned by Query, matching the RPC's failure surface (spec §4.5).
var (
	ErrNoConnection  = errors.New("interrogation: no connection to remote")
	ErrNoResponse    = errors.New("interrogation: remote did not respond")
	ErrInvalidResponse = errors.New("interrogation: response could not be decoded")
	ErrUnavailable   = errors.New("interrogation: query unavailable")
)

// QueryTag selects one of the four interrogation queries.
type QueryTag uint8

const (
	TagGetAdvertisement QueryTag = iota
	TagEchoedAddrs
	TagGetUrns
	TagGetPeerPredecessors
)

// Advertisement is what GetAdvertisement answers: the responder's own
// identity and the addresses it advertises itself under. Peer is the
// multibase string form of a peerid.PeerID: PeerID carries an unexported
// key field, so the wire-level struct holds its string encoding directly
// rather than relying on cbor's struct reflection (mirrors wire.PeerInfo).
type Advertisement struct {
	Peer  string   `cbor:"peer"`
	Addrs []string `cbor:"addrs"`
}

// Response is the single CBOR-encoded reply to one interrogation query.
// Exactly one of the payload fields is populated, matching Tag.
type Response struct {
	Tag           QueryTag       `cbor:"tag"`
	Advertisement *Advertisement `cbor:"advertisement,omitempty"`
	EchoedAddr    string         `cbor:"echoed_addr,omitempty"`
	Urns          *UrnFilter     `cbor:"urns,omitempty"`
	Predecessors  []string       `cbor:"predecessors,omitempty"`
}

// Transport is everything the requester side needs: send one query and
// read back its raw CBOR-encoded response over an already-authenticated
// connection. Concrete implementations frame this over a
// transport.Connection stream opened with wire.Header{Service: "interrogation"}.
type Transport interface {
	Query(ctx context.Context, peer peerid.PeerID, tag QueryTag) ([]byte, error)
}

// Cache is a TTL-bounded cache of interrogation responses, keyed by
// (remote peer, query tag) (spec §4.5 "cache keyed by remote PeerId + query
// tag").
type Cache struct {
	entries *lru.LRU[string, Response]
}

// NewCache builds a Cache holding at most size entries, each valid for ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{entries: lru.NewLRU[string, Response](size, nil, ttl)}
}

func cacheKey(peer peerid.PeerID, tag QueryTag) string {
	return peer.String() + ":" + strconv.Itoa(int(tag))
}

// Query answers tag against peer, serving from cache when possible and
// populating the cache on a fresh round-trip.
func (c *Cache) Query(ctx context.Context, t Transport, peer peerid.PeerID, tag QueryTag) (Response, error) {
	key := cacheKey(peer, tag)
	if resp, ok := c.entries.Get(key); ok {
		return resp, nil
	}

	raw, err := t.Query(ctx, peer, tag)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	var resp Response
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Tag != tag {
		return Response{}, fmt.Errorf("%w: tag mismatch, asked %d got %d", ErrInvalidResponse, tag, resp.Tag)
	}
	c.entries.Add(key, resp)
	return resp, nil
}

// LocalInfo is what the responder side consults to answer a query.
type LocalInfo interface {
	Advertisement() Advertisement
	EchoedAddr(remote string) string
	KnownURNs() []urn.URN
	Predecessors() []string
}

// Handle builds the Response to tag, to be CBOR-encoded by the caller and
// written back over the stream.
func Handle(tag QueryTag, remoteAddr string, info LocalInfo) (Response, error) {
	switch tag {
	case TagGetAdvertisement:
		adv := info.Advertisement()
		return Response{Tag: tag, Advertisement: &adv}, nil
	case TagEchoedAddrs:
		return Response{Tag: tag, EchoedAddr: info.EchoedAddr(remoteAddr)}, nil
	case TagGetUrns:
		f := NewUrnFilter(info.KnownURNs(), 4096, 4)
		return Response{Tag: tag, Urns: &f}, nil
	case TagGetPeerPredecessors:
		return Response{Tag: tag, Predecessors: info.Predecessors()}, nil
	default:
		return Response{}, fmt.Errorf("%w: unknown query tag %d", ErrUnavailable, tag)
	}
}

// UrnFilter is a fixed-size Bloom filter approximation of advertised URNs
// (spec §4.5 names an Xor filter; no such library exists in this
// dependency pack, so a k-hash Bloom filter over bits-and-blooms/bitset
// stands in for it — see DESIGN.md).
type UrnFilter struct {
	M     uint     `cbor:"m"`
	K     uint     `cbor:"k"`
	Words []uint64 `cbor:"words"`
}

// NewUrnFilter builds a filter of m bits using k hash probes per entry.
func NewUrnFilter(urns []urn.URN, m, k uint) UrnFilter {
	bs := bitset.New(m)
	for _, u := range urns {
		for _, idx := range filterIndices(u, m, k) {
			bs.Set(idx)
		}
	}
	return UrnFilter{M: m, K: k, Words: bs.Bytes()}
}

// Test reports whether u is possibly a member (false positives possible,
// false negatives never).
func (f UrnFilter) Test(u urn.URN) bool {
	bs := bitset.From(f.Words)
	for _, idx := range filterIndices(u, f.M, f.K) {
		if !bs.Test(idx) {
			return false
		}
	}
	return true
}

func filterIndices(u urn.URN, m, k uint) []uint {
	sum := sha256.Sum256([]byte(u.String()))
	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1
	}
	out := make([]uint, k)
	for i := uint(0); i < k; i++ {
		out[i] = uint((h1 + uint64(i)*h2) % uint64(m))
	}
	return out
}
