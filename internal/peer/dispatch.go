package peer

import (
	"context"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"

	"github.com/radicle-dev/radicle-link-sub006/internal/broadcast"
	"github.com/radicle-dev/radicle-link-sub006/internal/interrogation"
	"github.com/radicle-dev/radicle-link-sub006/internal/membership"
	"github.com/radicle-dev/radicle-link-sub006/internal/requestpull"
	"github.com/radicle-dev/radicle-link-sub006/internal/transport"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
	"github.com/radicle-dev/radicle-link-sub006/internal/wire"
)

// requestPullRequest is the single client->server message opening a
// ServiceRequestPull stream (spec §4.6).
type requestPullRequest struct {
	URN string `cbor:"urn"`
}

// handleStream dispatches one accepted bidi-stream by its wire.Header
// service field (spec §6 "Wire: stream header" — services are demultiplexed
// by stream header, never owned by a single transport listener).
func (p *Peer) handleStream(conn *transport.Connection, stream *quic.Stream) {
	h, err := wire.ReadHeader(stream)
	if err != nil {
		p.log.WithError(err).Debug("dropping stream with unreadable header")
		stream.CancelRead(0)
		stream.Close()
		return
	}

	switch h.Service {
	case wire.ServiceMembership:
		p.handleMembershipStream(conn, stream)
	case wire.ServiceGossip:
		p.handleGossipStream(conn, stream)
	case wire.ServiceInterrogation:
		p.handleInterrogationStream(conn, h, stream)
	case wire.ServiceRequestPull:
		p.handleRequestPullStream(conn, stream)
	case wire.ServiceUploadPackLS:
		p.gitServer.serveAdvertisedRefs(h, stream)
	case wire.ServiceUploadPack:
		p.gitServer.serveUploadPack(stream)
	default:
		p.log.WithField("service", h.Service).Warn("unknown stream service")
		stream.CancelRead(0)
		stream.Close()
	}
}

func (p *Peer) handleMembershipStream(conn *transport.Connection, stream *quic.Stream) {
	defer stream.Close()
	body, err := io.ReadAll(stream)
	if err != nil {
		p.log.WithError(err).Debug("read membership message")
		return
	}
	msg, err := wire.DecodeMembership(body)
	if err != nil {
		p.log.WithError(err).Warn("decode membership message")
		return
	}
	fromAddrs := p.dialer.bookFor(conn.Remote)
	if err := p.protocol.Handle(conn.Remote, fromAddrs, msg); err != nil {
		p.log.WithError(err).Warn("handle membership message")
	}
}

func (p *Peer) handleGossipStream(conn *transport.Connection, stream *quic.Stream) {
	defer stream.Close()
	body, err := io.ReadAll(stream)
	if err != nil {
		p.log.WithError(err).Debug("read gossip message")
		return
	}
	msg, err := wire.DecodeGossip(body)
	if err != nil {
		p.log.WithError(err).Warn("decode gossip message")
		return
	}

	active := p.activePeers()
	switch msg.Tag {
	case wire.TagHave:
		var h broadcast.Hash
		copy(h[:], msg.Have.Hash)
		needed, err := p.broadcast.HandleHave(conn.Remote, msg.Have.URN, h, msg.Have.Hop, active)
		if err != nil {
			p.log.WithError(err).Warn("handle gossip have")
			return
		}
		// The payload itself is never threaded through the gossip wire: a
		// Have that turns out to be needed is satisfied by pulling the
		// owning urn through the ordinary replication path, the same way
		// any other new content is fetched (spec §4.3 item 3 is served by
		// §4.4, not duplicated here). HandleHave only reports true on the
		// first (needed) delivery of a given hash, so a duplicate arriving
		// from another active neighbour in a cycle never re-triggers the
		// fetch (spec §8 "exactly one Want/Pack pair").
		if needed {
			p.triggerFetch(conn.Remote, msg.Have.Origin, msg.Have.URN)
		}
	case wire.TagWant:
		var h broadcast.Hash
		copy(h[:], msg.Want.Hash)
		p.broadcast.HandleWant(conn.Remote, h)
	}
}

func (p *Peer) handleInterrogationStream(conn *transport.Connection, h wire.Header, stream *quic.Stream) {
	defer stream.Close()
	stream.CancelRead(0)
	resp, err := interrogation.Handle(interrogation.QueryTag(h.Nonce), conn.RemoteAddr().String(), p.localInfo)
	if err != nil {
		p.log.WithError(err).Warn("handle interrogation query")
		return
	}
	body, err := cbor.Marshal(resp)
	if err != nil {
		p.log.WithError(err).Warn("encode interrogation response")
		return
	}
	if _, err := stream.Write(body); err != nil {
		p.log.WithError(err).Debug("write interrogation response")
	}
}

func (p *Peer) handleRequestPullStream(conn *transport.Connection, stream *quic.Stream) {
	defer stream.Close()
	var req requestPullRequest
	if err := readFrame(stream, &req); err != nil {
		p.log.WithError(err).Warn("read request-pull request")
		return
	}
	u, err := urn.FromString(req.URN)
	if err != nil {
		p.log.WithError(err).Warn("request-pull: bad urn")
		return
	}

	updates := make(chan requestpull.StatusUpdate, 8)
	done := make(chan error, 1)
	go func() {
		source := newNetSource(p.dialer, conn.Remote, p.dialer.bookFor(conn.Remote))
		// Serve never closes its updates channel (its lifecycle is caller
		// owned, so it can be shared across invocations); this stream
		// handles exactly one invocation per channel, so it closes it once
		// Serve returns.
		err := p.requestPull.Serve(context.Background(), conn.Remote, u, source, updates)
		close(updates)
		done <- err
	}()

	for upd := range updates {
		if err := writeFrame(stream, upd); err != nil {
			p.log.WithError(err).Debug("write request-pull update")
			return
		}
	}
	if err := <-done; err != nil {
		p.log.WithError(err).Debug("request-pull serve finished with error")
	}
}

var (
	_ membership.Sender = (*membershipSender)(nil)
	_ broadcast.Sender  = (*gossipSender)(nil)
)
