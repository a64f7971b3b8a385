package replication

import (
	"context"
	"io"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// RemoteSource is everything the state machine needs from one remote peer
// to carry out a fetch. Concrete implementations speak `git-upload-pack`
// and friends over a transport.Connection stream framed by wire.Header;
// Replication itself is agnostic to how the bytes get there (spec's own
// scoping: "only the pack-file streaming and ref I/O contracts are
// consumed").
type RemoteSource interface {
	// AdvertisedRefs performs the `ls-refs` phase of the handshake for u
	// (spec §4.4 step 1).
	AdvertisedRefs(ctx context.Context, u urn.URN) (map[string]plumbing.Hash, error)
	// FetchObject pulls a single small object needed to resolve an
	// identity tip (spec §4.4 step 3 "Identity pre-fetch").
	FetchObject(ctx context.Context, h plumbing.Hash) ([]byte, error)
	// FetchPack streams a packfile satisfying wants given haves, bounded
	// to at most maxBytes (spec §4.4 step 6).
	FetchPack(ctx context.Context, wants, haves []plumbing.Hash, maxBytes int64) (io.ReadCloser, error)
}
