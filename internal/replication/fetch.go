package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/radicle-dev/radicle-link-sub006/internal/identity"
	"github.com/radicle-dev/radicle-link-sub006/internal/odb"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/refdb"
	"github.com/radicle-dev/radicle-link-sub006/internal/tracking"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Config tunes one Fetcher's resource bounds.
type Config struct {
	// MaxPackBytes bounds every packfile ingest (spec §4.4 step 6,
	// default per Config).
	MaxPackBytes int64
	// Slots bounds how many fetches may run concurrently.
	Slots int64
	// SlotWaitTimeout is how long Fetch waits for a free slot before
	// abandoning (spec §4.4 "Slot waits").
	SlotWaitTimeout time.Duration
	// RateLimit and RateBurst configure the per-(remote,urn) token bucket
	// (spec §4.4 "Rate limiting").
	RateLimit rate.Limit
	RateBurst int
}

// DefaultConfig returns reasonable defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		MaxPackBytes:    64 << 20,
		Slots:           4,
		SlotWaitTimeout: 30 * time.Second,
		RateLimit:       5,
		RateBurst:       10,
	}
}

// Fetcher runs the replication state machine against a Storage bundle.
type Fetcher struct {
	db       *refdb.RefDB
	store    *odb.ODB
	tracking *tracking.Tracker
	limiter  *RateLimiter
	slots    *semaphore.Weighted
	cfg      Config

	mu        sync.Mutex
	untrusted map[string]bool // poisoned (remote, urn) pairs

	log *logrus.Entry
}

// New constructs a Fetcher over the given storage and tracking components.
func New(db *refdb.RefDB, store *odb.ODB, tr *tracking.Tracker, cfg Config) *Fetcher {
	return &Fetcher{
		db:        db,
		store:     store,
		tracking:  tr,
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		slots:     semaphore.NewWeighted(cfg.Slots),
		cfg:       cfg,
		untrusted: make(map[string]bool),
		log:       logrus.WithField("component", "replication"),
	}
}

func poisonKey(remote peerid.PeerID, u urn.URN) string { return remote.String() + "/" + u.Root().String() }

// IsPoisoned reports whether remote has been marked untrusted for u after
// a prior verification failure (spec §7 "Verification errors ... poison
// the (urn, peer) pair for a back-off window").
func (f *Fetcher) IsPoisoned(remote peerid.PeerID, u urn.URN) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.untrusted[poisonKey(remote, u)]
}

func (f *Fetcher) poison(remote peerid.PeerID, u urn.URN) {
	f.mu.Lock()
	f.untrusted[poisonKey(remote, u)] = true
	f.mu.Unlock()
}

// ClearPoison lifts a prior poisoning, e.g. once its back-off window has
// elapsed.
func (f *Fetcher) ClearPoison(remote peerid.PeerID, u urn.URN) {
	f.mu.Lock()
	delete(f.untrusted, poisonKey(remote, u))
	f.mu.Unlock()
}

// Result reports what a successful Fetch changed.
type Result struct {
	Updated map[string]plumbing.Hash // namespace-relative ref -> new tip
}

// Fetch performs a full replication cycle for (u, remote) against source
// (spec §4.4, steps 1-8).
func (f *Fetcher) Fetch(ctx context.Context, source RemoteSource, u urn.URN, remote peerid.PeerID) (*Result, error) {
	traceID := uuid.NewString()
	log := f.log.WithFields(logrus.Fields{"trace": traceID, "urn": u.String(), "peer": remote.String()})
	log.Debug("replication: fetch starting")

	if f.IsPoisoned(remote, u) {
		log.Warn("replication: refusing fetch from a poisoned remote")
		return nil, verificationErr("remote %s is poisoned for %s", remote, u)
	}
	if !f.limiter.Allow(remote, u) {
		log.Debug("replication: fetch dropped by rate limiter")
		return nil, ErrRateLimited
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.SlotWaitTimeout)
	defer cancel()
	if err := f.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{Class: FailureCancelled, Err: ctx.Err()}
		}
		return nil, replicationErr("fetch_slot_wait_timeout expired waiting for a replication slot")
	}
	defer f.slots.Release(1)

	advertised, err := source.AdvertisedRefs(ctx, u)
	if err != nil {
		return nil, replicationErr("advertised refs: %w", err)
	}

	shapes := make(map[string]struct{}, len(advertised))
	for name := range advertised {
		shapes[name] = struct{}{}
	}
	if err := PreValidate(shapes); err != nil {
		return nil, err
	}

	idTip, ok := advertised["refs/rad/id"]
	if !ok {
		return nil, layoutErr("advertisement missing refs/rad/id")
	}

	idBytes, err := source.FetchObject(ctx, idTip)
	if err != nil {
		return nil, replicationErr("fetch identity object: %w", err)
	}
	rev, err := identity.UnmarshalRevision(idBytes)
	if err != nil {
		return nil, layoutErr("decode identity revision: %w", err)
	}

	prior, quorumFloor, err := f.priorRevision(u)
	if err != nil {
		return nil, replicationErr("load prior identity: %w", err)
	}

	resolve := f.indirectResolver(ctx, source, advertised)
	if err := identity.Verify(rev, prior, resolve, quorumFloor); err != nil {
		log.WithError(err).Warn("replication: identity verification failed, poisoning remote")
		f.poison(remote, u)
		return nil, verificationErr("identity verification failed: %w", err)
	}

	delegates, err := identity.ExpandDelegates(rev, resolve)
	if err != nil {
		log.WithError(err).Warn("replication: delegate expansion failed, poisoning remote")
		f.poison(remote, u)
		return nil, verificationErr("expand delegates: %w", err)
	}

	want := f.computeWant(u, advertised, delegates)
	// Identity refs are always fetched, regardless of tracking.
	want["refs/rad/id"] = idTip
	if signedTip, ok := advertised["refs/rad/signed_refs"]; ok {
		want["refs/rad/signed_refs"] = signedTip
	}
	for name, hash := range advertised {
		if strings.HasPrefix(name, "refs/rad/ids/") {
			want[name] = hash
		}
	}

	haves := f.localHaves(u)

	wantHashes := make([]plumbing.Hash, 0, len(want))
	for _, h := range want {
		wantHashes = append(wantHashes, h)
	}

	pack, err := source.FetchPack(ctx, wantHashes, haves, f.cfg.MaxPackBytes)
	if err != nil {
		return nil, replicationErr("fetch pack: %w", err)
	}
	defer pack.Close()

	buf, err := odb.TryTake(pack, f.cfg.MaxPackBytes)
	if err != nil {
		return nil, replicationErr("%w", err)
	}
	if err := f.store.IngestPack(bytes.NewReader(buf)); err != nil {
		return nil, replicationErr("ingest pack: %w", err)
	}

	if err := f.validateSignedRefs(remote, want); err != nil {
		log.WithError(err).Warn("replication: signed_refs validation failed, poisoning remote")
		f.poison(remote, u)
		return nil, err
	}

	updates := make([]refdb.Update, 0, len(want))
	for name, newHash := range want {
		old, err := f.db.Get(u, name)
		if err != nil {
			return nil, replicationErr("read current %s: %w", name, err)
		}
		if old == newHash {
			continue
		}
		updates = append(updates, refdb.Update{Ref: name, Old: old, New: newHash})
	}
	if len(updates) > 0 {
		if err := f.db.ApplyUpdates(u, updates); err != nil {
			return nil, replicationErr("apply updates: %w", err)
		}
	}

	updated := make(map[string]plumbing.Hash, len(updates))
	for _, up := range updates {
		updated[up.Ref] = up.New
	}
	log.WithField("refs_updated", len(updated)).Debug("replication: fetch complete")
	return &Result{Updated: updated}, nil
}

// priorRevision loads the currently-stored identity revision for u, if
// any, and the delegate count to use as the quorum-regression floor.
func (f *Fetcher) priorRevision(u urn.URN) (*identity.Revision, int, error) {
	tip, err := f.db.Get(u, "refs/rad/id")
	if err != nil {
		return nil, 0, err
	}
	if tip == plumbing.ZeroHash {
		return nil, 0, nil
	}
	obj, err := f.store.Get(tip)
	if err != nil {
		return nil, 0, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	rev, err := identity.UnmarshalRevision(raw)
	if err != nil {
		return nil, 0, err
	}
	resolved, err := identity.ExpandDelegates(rev, f.localResolver())
	floor := 0
	if err == nil {
		floor = len(resolved)
	}
	return &rev, floor, nil
}

// localResolver builds an identity.ResolveFunc that answers only from
// refs/rad/ids/<namespace> copies already held in the local refdb, used
// where resolving indirect delegates cannot reach the network (the
// quorum-regression floor is computed against the currently-stored
// revision, before any fetch against a remote has happened).
func (f *Fetcher) localResolver() identity.ResolveFunc {
	return func(indirect urn.URN) (*identity.Revision, error) {
		tip, err := f.db.Get(indirect, "refs/rad/id")
		if err != nil {
			return nil, fmt.Errorf("replication: delegate %s not tracked locally: %w", indirect, err)
		}
		if tip == plumbing.ZeroHash {
			return nil, fmt.Errorf("replication: delegate %s has no local refs/rad/id", indirect)
		}
		obj, err := f.store.Get(tip)
		if err != nil {
			return nil, fmt.Errorf("replication: load delegate %s: %w", indirect, err)
		}
		r, err := obj.Reader()
		if err != nil {
			return nil, fmt.Errorf("replication: read delegate %s: %w", indirect, err)
		}
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("replication: read delegate %s: %w", indirect, err)
		}
		rev, err := identity.UnmarshalRevision(raw)
		if err != nil {
			return nil, fmt.Errorf("replication: decode delegate %s: %w", indirect, err)
		}
		return &rev, nil
	}
}

// indirectResolver builds an identity.ResolveFunc that answers from the
// local store first, falling back to a same-peer sub-fetch of
// `refs/rad/ids/<namespace>` when the delegate URN is not yet known
// locally (spec §4.4 step 4 "Delegation resolution").
func (f *Fetcher) indirectResolver(ctx context.Context, source RemoteSource, advertised map[string]plumbing.Hash) identity.ResolveFunc {
	local := f.localResolver()
	return func(indirect urn.URN) (*identity.Revision, error) {
		if rev, err := local(indirect); err == nil {
			return rev, nil
		}

		refName := "refs/rad/ids/" + indirect.NamespaceID()
		tip, ok := advertised[refName]
		if !ok {
			return nil, fmt.Errorf("replication: unknown delegate %s not advertised by remote", indirect)
		}
		raw, err := source.FetchObject(ctx, tip)
		if err != nil {
			return nil, fmt.Errorf("replication: sub-fetch delegate %s: %w", indirect, err)
		}
		rev, err := identity.UnmarshalRevision(raw)
		if err != nil {
			return nil, fmt.Errorf("replication: decode delegate %s: %w", indirect, err)
		}
		return &rev, nil
	}
}

// computeWant unions (a) every delegate's refs/remotes/<peer>/… subtree,
// authoritative by construction, and (b) refs/rad/signed_refs of every
// peer whose tracking entry authorises replication, then filters out tips
// already held locally (spec §4.4 step 5).
func (f *Fetcher) computeWant(u urn.URN, advertised map[string]plumbing.Hash, delegates map[string]peerid.PeerID) map[string]plumbing.Hash {
	want := make(map[string]plumbing.Hash)

	authorised := func(peer peerid.PeerID) bool {
		if _, ok := delegates[peer.String()]; ok {
			return true
		}
		return f.tracking.IsTracked(u, peer, delegates)
	}

	for name, hash := range advertised {
		if !strings.HasPrefix(name, "refs/remotes/") {
			continue
		}
		rest := strings.TrimPrefix(name, "refs/remotes/")
		peerPart, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		peer, err := peerid.Parse(peerPart)
		if err != nil || !authorised(peer) {
			continue
		}
		local, err := f.db.Get(u, name)
		if err == nil && local == hash {
			continue // already have it
		}
		want[name] = hash
	}
	return want
}

// localHaves lists every object tip already present under u's namespace,
// used as the `have` side of the pack negotiation.
func (f *Fetcher) localHaves(u urn.URN) []plumbing.Hash {
	all, err := f.db.List(u, "")
	if err != nil {
		return nil
	}
	out := make([]plumbing.Hash, 0, len(all))
	for _, h := range all {
		out = append(out, h)
	}
	return out
}

// validateSignedRefs checks, for remote's own signed_refs and for every
// tracked peer's signed_refs included in want, that the signature binds to
// the claimed peer and that the listed tips match exactly what was fetched
// (spec §4.4 step 8, §8 invariant). It runs before any refdb mutation, so
// a failure here leaves the refdb untouched.
func (f *Fetcher) validateSignedRefs(remote peerid.PeerID, want map[string]plumbing.Hash) error {
	type target struct {
		ref    string
		peer   peerid.PeerID
		prefix string
	}
	targets := []target{{ref: "refs/rad/signed_refs", peer: remote, prefix: "refs/remotes/" + remote.String() + "/"}}

	for name := range want {
		if !strings.HasSuffix(name, "/rad/signed_refs") || !strings.HasPrefix(name, "refs/remotes/") {
			continue
		}
		rest := strings.TrimPrefix(name, "refs/remotes/")
		peerPart, _, _ := strings.Cut(rest, "/")
		peer, err := peerid.Parse(peerPart)
		if err != nil {
			continue
		}
		targets = append(targets, target{ref: name, peer: peer, prefix: "refs/remotes/" + peer.String() + "/"})
	}

	for _, t := range targets {
		hash, ok := want[t.ref]
		if !ok {
			continue
		}
		obj, err := f.store.Get(hash)
		if err != nil {
			return replicationErr("read %s: %w", t.ref, err)
		}
		r, err := obj.Reader()
		if err != nil {
			return replicationErr("read %s: %w", t.ref, err)
		}
		raw, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return replicationErr("read %s: %w", t.ref, err)
		}
		sr, err := UnmarshalSignedRefs(raw)
		if err != nil {
			return layoutErr("decode %s: %w", t.ref, err)
		}
		if !sr.Peer.Equal(t.peer) {
			return verificationErr("%s claims peer %s, expected %s", t.ref, sr.Peer, t.peer)
		}
		if err := sr.Verify(); err != nil {
			return err
		}

		actual := make(map[string]plumbing.Hash)
		for name, hash := range want {
			if strings.HasPrefix(name, t.prefix) {
				rel := strings.TrimPrefix(name, t.prefix)
				if rel == "rad/signed_refs" {
					continue
				}
				actual[rel] = hash
			}
		}
		if len(actual) != len(sr.Refs) {
			return verificationErr("%s: signed_refs lists %d refs, fetched %d", t.ref, len(sr.Refs), len(actual))
		}
		for name, h := range sr.Refs {
			if actual[name] != h {
				return verificationErr("%s: signed_refs tip for %s does not match fetched object", t.ref, name)
			}
		}
	}
	return nil
}
