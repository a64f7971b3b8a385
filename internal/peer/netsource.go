package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-dev/radicle-link-sub006/internal/interrogation"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
	"github.com/radicle-dev/radicle-link-sub006/internal/wire"
)

const (
	kindObject uint8 = iota + 1
	kindPack
)

// packRequest is the single client->server message opening a
// ServiceUploadPack stream: either "give me this one object" (identity
// pre-fetch, spec §4.4 step 3) or "give me a pack for these wants" (spec
// §4.4 step 6).
type packRequest struct {
	Kind     uint8    `cbor:"kind"`
	Hash     string   `cbor:"hash,omitempty"`
	Wants    []string `cbor:"wants,omitempty"`
	Haves    []string `cbor:"haves,omitempty"`
	MaxBytes int64    `cbor:"max_bytes,omitempty"`
}

func openAndClose(ctx context.Context, d *dialer, to peerid.PeerID, addrs []string, h wire.Header, write func(io.Writer) error) error {
	conn, err := d.connect(ctx, to, addrs)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		d.drop(to)
		return fmt.Errorf("peer: open stream to %s: %w", to, err)
	}
	if err := wire.WriteHeader(stream, h); err != nil {
		stream.Close()
		return err
	}
	if write != nil {
		if err := write(stream); err != nil {
			stream.Close()
			return err
		}
	}
	return stream.Close()
}

// membershipSender implements membership.Sender over the shared dialer, one
// message per stream.
type membershipSender struct{ d *dialer }

func (s *membershipSender) SendMembership(to peerid.PeerID, addrs []string, msg wire.MembershipMessage) error {
	body, err := wire.EncodeMembership(msg)
	if err != nil {
		return err
	}
	s.d.remember(to, addrs)
	return openAndClose(context.Background(), s.d, to, addrs, wire.Header{Service: wire.ServiceMembership}, func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	})
}

// gossipSender implements broadcast.Sender over the shared dialer, using
// remembered addresses since the broadcast layer addresses peers by id
// alone.
type gossipSender struct{ d *dialer }

func (s *gossipSender) SendGossip(to peerid.PeerID, msg wire.GossipMessage) error {
	body, err := wire.EncodeGossip(msg)
	if err != nil {
		return err
	}
	return openAndClose(context.Background(), s.d, to, nil, wire.Header{Service: wire.ServiceGossip}, func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	})
}

// interrogationTransport implements interrogation.Transport over the shared
// dialer.
type interrogationTransport struct{ d *dialer }

func (t *interrogationTransport) Query(ctx context.Context, peer peerid.PeerID, tag interrogation.QueryTag) ([]byte, error) {
	conn, err := t.d.connect(ctx, peer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interrogation.ErrNoConnection, err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.d.drop(peer)
		return nil, fmt.Errorf("%w: %v", interrogation.ErrNoConnection, err)
	}
	if err := wire.WriteHeader(stream, wire.Header{Service: wire.ServiceInterrogation}.WithNonce(uint64(tag))); err != nil {
		stream.Close()
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("peer: half-close interrogation request: %w", err)
	}
	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interrogation.ErrNoResponse, err)
	}
	return raw, nil
}

// netSource is the replication.RemoteSource for a single remote peer and
// urn, scoped to the lifetime of one Fetch call.
type netSource struct {
	d      *dialer
	remote peerid.PeerID
	addrs  []string
}

func newNetSource(d *dialer, remote peerid.PeerID, addrs []string) *netSource {
	return &netSource{d: d, remote: remote, addrs: addrs}
}

// AdvertisedRefs implements replication.RemoteSource.
func (n *netSource) AdvertisedRefs(ctx context.Context, u urn.URN) (map[string]plumbing.Hash, error) {
	conn, err := n.d.connect(ctx, n.remote, n.addrs)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		n.d.drop(n.remote)
		return nil, fmt.Errorf("peer: open refs stream: %w", err)
	}
	if err := wire.WriteHeader(stream, wire.Header{Service: wire.ServiceUploadPackLS, URN: u.String()}); err != nil {
		stream.Close()
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("peer: half-close refs request: %w", err)
	}
	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("peer: read advertised refs: %w", err)
	}
	var hexRefs map[string]string
	if err := cbor.Unmarshal(raw, &hexRefs); err != nil {
		return nil, fmt.Errorf("peer: decode advertised refs: %w", err)
	}
	refs := make(map[string]plumbing.Hash, len(hexRefs))
	for name, h := range hexRefs {
		refs[name] = plumbing.NewHash(h)
	}
	return refs, nil
}

// FetchObject implements replication.RemoteSource.
func (n *netSource) FetchObject(ctx context.Context, h plumbing.Hash) ([]byte, error) {
	return n.request(ctx, packRequest{Kind: kindObject, Hash: h.String()})
}

// FetchPack implements replication.RemoteSource.
func (n *netSource) FetchPack(ctx context.Context, wants, haves []plumbing.Hash, maxBytes int64) (io.ReadCloser, error) {
	body, err := n.request(ctx, packRequest{
		Kind:     kindPack,
		Wants:    hashesToHex(wants),
		Haves:    hashesToHex(haves),
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (n *netSource) request(ctx context.Context, req packRequest) ([]byte, error) {
	conn, err := n.d.connect(ctx, n.remote, n.addrs)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		n.d.drop(n.remote)
		return nil, fmt.Errorf("peer: open pack stream: %w", err)
	}
	if err := wire.WriteHeader(stream, wire.Header{Service: wire.ServiceUploadPack}); err != nil {
		stream.Close()
		return nil, err
	}
	if err := writeFrame(stream, req); err != nil {
		stream.Close()
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("peer: half-close pack request: %w", err)
	}
	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("peer: read pack response: %w", err)
	}
	return raw, nil
}

func hashesToHex(hs []plumbing.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func hexToHashes(hs []string) []plumbing.Hash {
	out := make([]plumbing.Hash, 0, len(hs))
	for _, h := range hs {
		out = append(out, plumbing.NewHash(h))
	}
	return out
}

// writeHeaderAndRequest opens a request-pull invocation: the wire header
// followed by the one-shot request frame naming the urn to pull.
func writeHeaderAndRequest(stream io.Writer, u urn.URN) error {
	if err := wire.WriteHeader(stream, wire.Header{Service: wire.ServiceRequestPull}); err != nil {
		return err
	}
	return writeFrame(stream, requestPullRequest{URN: u.String()})
}
