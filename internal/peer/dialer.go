package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/transport"
)

// dialer keeps one outbound transport.Connection per remote peer alive and
// reuses it across membership, gossip, interrogation and replication
// traffic, dialing lazily on first use (spec §4.1: the endpoint is shared
// infrastructure, services never own their own connections). It also
// remembers the last advertised addresses for a peer, since several
// services (broadcast, interrogation) address messages by peer id alone.
type dialer struct {
	endpoint *transport.Endpoint

	mu    sync.Mutex
	conns map[string]*transport.Connection
	book  map[string][]string
}

func newDialer(endpoint *transport.Endpoint) *dialer {
	return &dialer{
		endpoint: endpoint,
		conns:    make(map[string]*transport.Connection),
		book:     make(map[string][]string),
	}
}

// remember records addrs as the last-known addresses for peer, learned
// from membership traffic.
func (d *dialer) remember(peer peerid.PeerID, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	d.mu.Lock()
	d.book[peer.String()] = addrs
	d.mu.Unlock()
}

// connect returns a live connection to remote, dialing addrs (or, if empty,
// the last-remembered addresses) in order until one succeeds, unless a
// cached connection already exists.
func (d *dialer) connect(ctx context.Context, remote peerid.PeerID, addrs []string) (*transport.Connection, error) {
	d.mu.Lock()
	if c, ok := d.conns[remote.String()]; ok {
		d.mu.Unlock()
		return c, nil
	}
	if len(addrs) == 0 {
		addrs = d.book[remote.String()]
	}
	d.mu.Unlock()

	if len(addrs) == 0 {
		return nil, fmt.Errorf("peer: no known address for %s", remote)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := d.endpoint.Dial(ctx, addr, remote)
		if err != nil {
			lastErr = err
			continue
		}
		d.mu.Lock()
		d.conns[remote.String()] = conn
		d.book[remote.String()] = addrs
		d.mu.Unlock()
		return conn, nil
	}
	return nil, fmt.Errorf("peer: dial %s: %w", remote, lastErr)
}

// drop removes a connection from the cache, e.g. after a stream error
// suggests it is no longer usable.
func (d *dialer) drop(remote peerid.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, remote.String())
}

// bookFor returns the last-remembered addresses for remote, or nil.
func (d *dialer) bookFor(remote peerid.PeerID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.book[remote.String()]
}
