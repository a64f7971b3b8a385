// Package peer assembles one running node: the constructed Peer value
// wiring transport, storage, membership, broadcast, replication,
// interrogation and request-pull together in place of the teacher's
// process-wide package-level singletons (spec §9 "Process-wide singletons
// ... replace with a constructed Peer value").
package peer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/radicle-dev/radicle-link-sub006/internal/broadcast"
	"github.com/radicle-dev/radicle-link-sub006/internal/config"
	"github.com/radicle-dev/radicle-link-sub006/internal/interrogation"
	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/membership"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/replication"
	"github.com/radicle-dev/radicle-link-sub006/internal/requestpull"
	"github.com/radicle-dev/radicle-link-sub006/internal/scheduler"
	"github.com/radicle-dev/radicle-link-sub006/internal/storage"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/transport"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Peer is one running node: every long-lived component plus the
// cooperative scheduler driving them, built from a loaded Config and an
// unlocked Signer.
type Peer struct {
	cfg   *config.Config
	log   *logrus.Entry
	sched *scheduler.Scheduler

	storage    *storage.Storage
	endpoint   *transport.Endpoint
	dialer     *dialer
	tracking   *tracking.Tracker
	membership *membership.PartialView
	protocol   *membership.Protocol
	broadcast  *broadcast.Broadcast
	fetcher    *replication.Fetcher
	interrog   *interrogation.Cache
	localInfo  *localInfoProvider
	requestPull *requestpull.Handler
	gitServer  *gitServer

	debugHandler http.Handler
}

// New wires every component together from cfg and signer but does not yet
// start any background loop; call Start to bring the node up.
func New(ctx context.Context, cfg *config.Config, signer keystore.Signer) (*Peer, error) {
	local, err := peerid.FromPublicKey(signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("peer: local peer id: %w", err)
	}
	log := logrus.WithField("component", "peer").WithField("peer", local.String())

	store, err := storage.Open(cfg.Profile.Root, signer, cfg.Replication.Slots)
	if err != nil {
		return nil, fmt.Errorf("peer: open storage: %w", err)
	}

	endpoint, err := transport.NewEndpoint(ctx, cfg.Network.ListenAddr, signer)
	if err != nil {
		return nil, fmt.Errorf("peer: new endpoint: %w", err)
	}

	d := newDialer(endpoint)
	tracker := tracking.New()

	mcfg := membership.DefaultConfig()
	if cfg.Membership.ActiveSize > 0 {
		mcfg.MaxActive = cfg.Membership.ActiveSize
	}
	if cfg.Membership.PassiveSize > 0 {
		mcfg.MaxPassive = cfg.Membership.PassiveSize
	}
	if cfg.Membership.ShuffleInterval > 0 {
		mcfg.ShuffleInterval = time.Duration(cfg.Membership.ShuffleInterval) * time.Second
	}
	if cfg.Membership.PromoteInterval > 0 {
		mcfg.PromoteInterval = time.Duration(cfg.Membership.PromoteInterval) * time.Second
	}
	view := membership.NewPartialView(local, mcfg)
	msender := &membershipSender{d: d}
	protocol := membership.NewProtocol(view, msender, []string{endpoint.LocalAddr().String()})

	p := &Peer{cfg: cfg, log: log, storage: store, endpoint: endpoint, dialer: d, tracking: tracker, membership: view, protocol: protocol}

	gsender := &gossipSender{d: d}
	p.broadcast = broadcast.New(p.needsPayload, gsender)

	rcfg := replication.DefaultConfig()
	if cfg.Replication.MaxPackBytes > 0 {
		rcfg.MaxPackBytes = cfg.Replication.MaxPackBytes
	}
	if cfg.Replication.Slots > 0 {
		rcfg.Slots = cfg.Replication.Slots
	}
	if cfg.Replication.SlotWaitSeconds > 0 {
		rcfg.SlotWaitTimeout = time.Duration(cfg.Replication.SlotWaitSeconds) * time.Second
	}
	if cfg.Replication.RateLimitPerSec > 0 {
		rcfg.RateLimit = rate.Limit(cfg.Replication.RateLimitPerSec)
	}
	if cfg.Replication.RateLimitBurst > 0 {
		rcfg.RateBurst = cfg.Replication.RateLimitBurst
	}
	p.fetcher = replication.New(store.RefDB, store.ODB, tracker, rcfg)

	p.interrog = interrogation.NewCache(256, 5*time.Minute)
	p.localInfo = newLocalInfoProvider(
		interrogation.Advertisement{Peer: local.String(), Addrs: []string{endpoint.LocalAddr().String()}},
		tracker,
		tracker.TrackedURNs,
	)
	p.requestPull = requestpull.NewHandler(requestpull.AllowAll{}, p.fetcher)
	p.gitServer = newGitServer(store.RefDB, store.ODB, log)

	p.debugHandler = scheduler.NewDebugServer(p)

	endpoint.SetHandler(p.handleStream)
	return p, nil
}

// activePeers returns the peer ids currently in the active membership view.
func (p *Peer) activePeers() []peerid.PeerID {
	active := p.membership.Active()
	out := make([]peerid.PeerID, len(active))
	for i, h := range active {
		out[i] = h.Peer
	}
	return out
}

// needsPayload is the broadcast.Lookup callback: a urn is worth pulling if
// we have any tracking interest in it (spec §4.3 item 1's "needed"
// decision is delegated to the replication layer's own want computation,
// so this is a coarse pre-filter, not the final word).
func (p *Peer) needsPayload(uStr string, h broadcast.Hash) bool {
	u, err := urn.FromString(uStr)
	if err != nil {
		return false
	}
	if len(p.tracking.Entries(u)) > 0 {
		return true
	}
	_, ok := p.tracking.Get(u, nil)
	return ok
}

// triggerFetch asynchronously replicates urnStr, used when gossip signals
// new content is available (spec §4.3 item 3 delegates the actual
// transfer to the replication layer). It prefers origin, the peer that
// first published the payload, over relay, the neighbour this Have
// actually arrived from, falling back to relay when origin is unknown or
// unreachable (spec §2 "origin (or through membership neighbour)").
func (p *Peer) triggerFetch(relay peerid.PeerID, originStr string, urnStr string) {
	u, err := urn.FromString(urnStr)
	if err != nil {
		return
	}
	targets := []peerid.PeerID{relay}
	if originStr != "" {
		if origin, err := peerid.Parse(originStr); err == nil && !origin.Equal(relay) {
			targets = append([]peerid.PeerID{origin}, targets...)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		var lastErr error
		for _, target := range targets {
			source := newNetSource(p.dialer, target, p.dialer.bookFor(target))
			if _, err := p.fetcher.Fetch(ctx, source, u, target); err != nil {
				lastErr = err
				continue
			}
			return
		}
		if lastErr != nil {
			p.log.WithError(lastErr).WithField("urn", u.String()).Debug("gossip-triggered fetch failed")
		}
	}()
}

// Start brings the node's background loops up: the endpoint accept loop,
// membership's periodic shuffle/promote, signal handling, and the debug
// HTTP surface. debugListener is optional; when nil and debug is enabled,
// the debug server binds cfg.Debug.ListenAddr itself, otherwise it serves
// on the supplied listener (e.g. one handed down via socket activation).
func (p *Peer) Start(sched *scheduler.Scheduler, debugListener net.Listener) {
	p.sched = sched

	sched.Go("endpoint-accept", func(ctx context.Context) error {
		err := p.endpoint.Serve()
		if err == transport.ErrShutdown {
			return nil
		}
		return err
	})

	shuffleEvery := membership.DefaultShuffleInterval
	if p.cfg.Membership.ShuffleInterval > 0 {
		shuffleEvery = time.Duration(p.cfg.Membership.ShuffleInterval) * time.Second
	}
	promoteEvery := membership.DefaultPromoteInterval
	if p.cfg.Membership.PromoteInterval > 0 {
		promoteEvery = time.Duration(p.cfg.Membership.PromoteInterval) * time.Second
	}
	sched.Every("membership-shuffle", shuffleEvery, func(ctx context.Context) {
		if err := p.protocol.Shuffle(); err != nil {
			p.log.WithError(err).Debug("membership shuffle failed")
		}
	})
	sched.Every("membership-promote", promoteEvery, func(ctx context.Context) {
		if err := p.protocol.PromoteIfNeeded(); err != nil {
			p.log.WithError(err).Debug("membership promote failed")
		}
	})

	if p.cfg.Debug.Enabled {
		sched.Go("debug-http", func(ctx context.Context) error {
			srv := &http.Server{Addr: p.cfg.Debug.ListenAddr, Handler: p.debugHandler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			if debugListener != nil {
				if err := srv.Serve(debugListener); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sched.ListenForSignals()
}

// Bootstrap joins the network through contact.
func (p *Peer) Bootstrap(contact peerid.PeerID, contactAddrs []string) error {
	p.dialer.remember(contact, contactAddrs)
	return p.protocol.Bootstrap(contact, contactAddrs)
}

// RequestPull asks target to fetch u from us, streaming back its progress.
func (p *Peer) RequestPull(ctx context.Context, target peerid.PeerID, addrs []string, u urn.URN) (<-chan requestpull.StatusUpdate, error) {
	conn, err := p.dialer.connect(ctx, target, addrs)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		p.dialer.drop(target)
		return nil, fmt.Errorf("peer: open request-pull stream: %w", err)
	}
	if err := writeHeaderAndRequest(stream, u); err != nil {
		stream.Close()
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("peer: half-close request-pull request: %w", err)
	}

	out := make(chan requestpull.StatusUpdate, 8)
	go func() {
		defer close(out)
		for {
			var upd requestpull.StatusUpdate
			if err := readFrame(stream, &upd); err != nil {
				return
			}
			out <- upd
		}
	}()
	return out, nil
}

// Interrogate queries peer for tag, serving from the local cache when a
// fresh-enough answer is already held (spec §4.5).
func (p *Peer) Interrogate(ctx context.Context, peer peerid.PeerID, tag interrogation.QueryTag) (interrogation.Response, error) {
	t := &interrogationTransport{d: p.dialer}
	return p.interrog.Query(ctx, t, peer, tag)
}

// Close tears every owned resource down.
func (p *Peer) Close() error {
	return p.endpoint.Close()
}

// Peers implements scheduler.DebugInfo.
func (p *Peer) Peers() []string {
	active := p.activePeers()
	out := make([]string, len(active))
	for i, id := range active {
		out[i] = id.String()
	}
	return out
}

// Membership implements scheduler.DebugInfo.
func (p *Peer) Membership() map[string]interface{} {
	activeN, passiveN := p.membership.Sizes()
	return map[string]interface{}{
		"active":  activeN,
		"passive": passiveN,
	}
}
