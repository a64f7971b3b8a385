package membership

import (
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/wire"
)

// Sender delivers an outbound membership message to a specific peer. The
// Protocol never opens connections itself; it defers that to whatever
// transport wiring the caller provides (spec §4.1: services are dispatched
// by stream header, not owned by the membership component).
type Sender interface {
	SendMembership(to peerid.PeerID, addrs []string, msg wire.MembershipMessage) error
}

// Protocol drives one PartialView's reaction to incoming HyParView
// messages and to local lifecycle events (bootstrap join, periodic
// shuffle/promote ticks).
type Protocol struct {
	view            *PartialView
	send            Sender
	advertisedAddrs []string
}

// NewProtocol binds a Protocol to view, using send for all outbound
// traffic and advertisedAddrs as this node's own advertised addresses.
func NewProtocol(view *PartialView, send Sender, advertisedAddrs []string) *Protocol {
	return &Protocol{view: view, send: send, advertisedAddrs: advertisedAddrs}
}

func (p *Protocol) self() wire.PeerInfo {
	return wire.PeerInfo{Peer: p.view.local.String(), Addrs: p.advertisedAddrs}
}

// Bootstrap sends a Join message to a contact node (spec §4.2: "Join(info)
// — on bootstrap; recipient integrates sender into active view, then
// forwards").
func (p *Protocol) Bootstrap(contact peerid.PeerID, contactAddrs []string) error {
	info := p.self()
	return p.send.SendMembership(contact, contactAddrs, wire.MembershipMessage{
		Tag:  wire.TagJoin,
		Join: &info,
	})
}

// Handle processes one inbound membership message from `from`.
func (p *Protocol) Handle(from peerid.PeerID, fromAddrs []string, msg wire.MembershipMessage) error {
	switch msg.Tag {
	case wire.TagJoin:
		return p.handleJoin(from, fromAddrs, *msg.Join)
	case wire.TagForwardJoin:
		return p.handleForwardJoin(from, *msg.ForwardJoin)
	case wire.TagNeighbour:
		return p.handleNeighbour(from, fromAddrs, *msg.Neighbour)
	case wire.TagShuffle:
		return p.handleShuffle(from, fromAddrs, *msg.Shuffle)
	case wire.TagShuffleReply:
		return p.handleShuffleReply(*msg.ShuffleReply)
	case wire.TagDisconnect:
		p.view.RemoveActive(from)
		return nil
	default:
		return nil // malformed/unknown messages close the stream upstream, not the view
	}
}

func (p *Protocol) handleJoin(from peerid.PeerID, fromAddrs []string, info wire.PeerInfo) error {
	p.view.mu.Lock()
	evicted := p.view.addActiveLocked(PeerHandle{Peer: from, Addrs: fromAddrs})
	peers := snapshot(p.view.active)
	p.view.mu.Unlock()

	if evicted != nil {
		_ = p.send.SendMembership(evicted.Peer.Peer, evicted.Peer.Addrs, wire.MembershipMessage{Tag: wire.TagDisconnect})
	}

	// Forward the join to every other active peer with a fresh ARWL, so
	// they learn of the new node (spec §4.2: "recipient integrates sender
	// into active view, then forwards").
	for _, peerHandle := range peers {
		if peerHandle.Peer.Equal(from) {
			continue
		}
		_ = p.send.SendMembership(peerHandle.Peer, peerHandle.Addrs, wire.MembershipMessage{
			Tag: wire.TagForwardJoin,
			ForwardJoin: &wire.ForwardJoinMsg{
				Joined: info,
				TTL:    p.view.cfg.ARWL,
			},
		})
	}
	return nil
}

func (p *Protocol) handleForwardJoin(from peerid.PeerID, msg wire.ForwardJoinMsg) error {
	joinedID, err := peerid.Parse(msg.Joined.Peer)
	if err != nil {
		return err
	}

	if msg.TTL == 0 || int(msg.TTL) >= int(p.view.cfg.PRWL) {
		p.view.mu.Lock()
		p.view.addPassiveLocked(PeerHandle{Peer: joinedID, Addrs: msg.Joined.Addrs})
		p.view.mu.Unlock()
		if msg.TTL == 0 {
			return nil
		}
	}

	p.view.mu.Lock()
	if len(p.view.active) == 0 {
		evicted := p.view.addActiveLocked(PeerHandle{Peer: joinedID, Addrs: msg.Joined.Addrs})
		p.view.mu.Unlock()
		if evicted != nil {
			_ = p.send.SendMembership(evicted.Peer.Peer, evicted.Peer.Addrs, wire.MembershipMessage{Tag: wire.TagDisconnect})
		}
		return nil
	}
	candidates := make([]PeerHandle, 0, len(p.view.active))
	for _, h := range p.view.active {
		if !h.Peer.Equal(from) {
			candidates = append(candidates, h)
		}
	}
	p.view.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}
	next := candidates[p.view.rand.Intn(len(candidates))]
	return p.send.SendMembership(next.Peer, next.Addrs, wire.MembershipMessage{
		Tag: wire.TagForwardJoin,
		ForwardJoin: &wire.ForwardJoinMsg{
			Joined: msg.Joined,
			TTL:    msg.TTL - 1,
		},
	})
}

func (p *Protocol) handleNeighbour(from peerid.PeerID, fromAddrs []string, msg wire.NeighbourMsg) error {
	p.view.mu.Lock()
	full := len(p.view.active) >= p.view.cfg.MaxActive
	if msg.NeedFriends || !full {
		evicted := p.view.addActiveLocked(PeerHandle{Peer: from, Addrs: fromAddrs})
		p.view.mu.Unlock()
		if evicted != nil {
			_ = p.send.SendMembership(evicted.Peer.Peer, evicted.Peer.Addrs, wire.MembershipMessage{Tag: wire.TagDisconnect})
		}
		return nil
	}
	p.view.mu.Unlock()
	return nil
}

func (p *Protocol) handleShuffle(from peerid.PeerID, fromAddrs []string, msg wire.ShuffleMsg) error {
	for _, peer := range msg.Peers {
		id, err := peerid.Parse(peer.Peer)
		if err != nil {
			continue
		}
		p.view.mu.Lock()
		p.view.addPassiveLocked(PeerHandle{Peer: id, Addrs: peer.Addrs})
		p.view.mu.Unlock()
	}

	reply := p.view.ShuffleSample()
	replyPeers := make([]wire.PeerInfo, 0, len(reply))
	for _, h := range reply {
		replyPeers = append(replyPeers, wire.PeerInfo{Peer: h.Peer.String(), Addrs: h.Addrs})
	}
	return p.send.SendMembership(from, fromAddrs, wire.MembershipMessage{
		Tag:          wire.TagShuffleReply,
		ShuffleReply: &wire.ShuffleMsg{Origin: msg.Origin, Peers: replyPeers},
	})
}

func (p *Protocol) handleShuffleReply(msg wire.ShuffleMsg) error {
	for _, peer := range msg.Peers {
		id, err := peerid.Parse(peer.Peer)
		if err != nil {
			continue
		}
		p.view.mu.Lock()
		p.view.addPassiveLocked(PeerHandle{Peer: id, Addrs: peer.Addrs})
		p.view.mu.Unlock()
	}
	return nil
}

// PromoteIfNeeded sends a Neighbour request to a random passive peer when
// the active view has underflowed (spec §4.2).
func (p *Protocol) PromoteIfNeeded() error {
	if !p.view.NeedsPromotion() {
		return nil
	}
	candidate, ok := p.view.RandomPassive()
	if !ok {
		return nil
	}
	return p.send.SendMembership(candidate.Peer, candidate.Addrs, wire.MembershipMessage{
		Tag:       wire.TagNeighbour,
		Neighbour: &wire.NeighbourMsg{Info: p.self(), NeedFriends: true},
	})
}

// Shuffle sends a periodic Shuffle message to a random active peer (spec
// §4.2: "periodic sample exchange; answered by ShuffleReply").
func (p *Protocol) Shuffle() error {
	active := p.view.Active()
	if len(active) == 0 {
		return nil
	}
	target := active[p.view.rand.Intn(len(active))]
	sample := p.view.ShuffleSample()
	peers := make([]wire.PeerInfo, 0, len(sample))
	for _, h := range sample {
		peers = append(peers, wire.PeerInfo{Peer: h.Peer.String(), Addrs: h.Addrs})
	}
	return p.send.SendMembership(target.Peer, target.Addrs, wire.MembershipMessage{
		Tag: wire.TagShuffle,
		Shuffle: &wire.ShuffleMsg{
			Origin: p.view.local.String(),
			Peers:  peers,
			TTL:    p.view.cfg.PRWL,
		},
	})
}

// OnConnectionDropped demotes a peer from active to passive and signals
// that a promotion attempt should be scheduled (spec §4.2 "Failure
// semantics: connection drop = passive demotion + scheduled promotion
// attempt").
func (p *Protocol) OnConnectionDropped(peer peerid.PeerID, addrs []string) {
	p.view.mu.Lock()
	if _, ok := p.view.active[peer.String()]; ok {
		delete(p.view.active, peer.String())
		p.view.addPassiveLocked(PeerHandle{Peer: peer, Addrs: addrs})
	}
	p.view.mu.Unlock()
}
