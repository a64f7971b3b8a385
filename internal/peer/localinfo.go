package peer

import (
	"github.com/radicle-dev/radicle-link-sub006/internal/interrogation"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// localInfoProvider answers interrogation queries about this node itself
// (spec §4.5 "LocalInfo").
type localInfoProvider struct {
	self    interrogation.Advertisement
	tracker *tracking.Tracker
	known   func() []urn.URN
}

func newLocalInfoProvider(self interrogation.Advertisement, tracker *tracking.Tracker, known func() []urn.URN) *localInfoProvider {
	return &localInfoProvider{self: self, tracker: tracker, known: known}
}

func (l *localInfoProvider) Advertisement() interrogation.Advertisement { return l.self }

// EchoedAddr implements the EchoedAddrs query: tell the remote what address
// we actually observed them connecting from, so they can learn their own
// externally-visible address (spec §4.5).
func (l *localInfoProvider) EchoedAddr(remote string) string { return remote }

func (l *localInfoProvider) KnownURNs() []urn.URN { return l.known() }

// Predecessors is left empty: this node does not track a peer-predecessor
// chain (spec's Non-goals exclude building the DHT-style overlay that
// predecessor queries originally supported; the query itself still answers
// rather than failing).
func (l *localInfoProvider) Predecessors() []string { return nil }
