package peer

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"github.com/radicle-dev/radicle-link-sub006/internal/odb"
	"github.com/radicle-dev/radicle-link-sub006/internal/refdb"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
	"github.com/radicle-dev/radicle-link-sub006/internal/wire"
)

// gitServer answers the git-upload-pack-ls / git-upload-pack streams
// another peer's replication.Fetcher opens against us (spec §4.4: the
// replication state machine only consumes a RemoteSource contract; this is
// the side of that contract we serve).
type gitServer struct {
	db    *refdb.RefDB
	store *odb.ODB
	log   *logrus.Entry
}

func newGitServer(db *refdb.RefDB, store *odb.ODB, log *logrus.Entry) *gitServer {
	return &gitServer{db: db, store: store, log: log}
}

func (g *gitServer) serveAdvertisedRefs(h wire.Header, stream io.ReadWriteCloser) {
	defer stream.Close()
	u, err := urn.FromString(h.URN)
	if err != nil {
		g.log.WithError(err).Warn("git server: bad urn in refs request")
		return
	}
	refs, err := g.db.List(u, "")
	if err != nil {
		g.log.WithError(err).Warn("git server: list refs")
		return
	}
	hexRefs := make(map[string]string, len(refs))
	for name, hash := range refs {
		hexRefs[name] = hash.String()
	}
	body, err := cbor.Marshal(hexRefs)
	if err != nil {
		g.log.WithError(err).Warn("git server: marshal refs")
		return
	}
	if _, err := stream.Write(body); err != nil {
		g.log.WithError(err).Debug("git server: write refs response")
	}
}

func (g *gitServer) serveUploadPack(stream io.ReadWriteCloser) {
	defer stream.Close()
	var req packRequest
	if err := readFrame(stream, &req); err != nil {
		g.log.WithError(err).Warn("git server: read pack request")
		return
	}
	switch req.Kind {
	case kindObject:
		g.serveObject(stream, req.Hash)
	case kindPack:
		g.servePack(stream, req.Wants)
	default:
		g.log.WithField("kind", req.Kind).Warn("git server: unknown pack request kind")
	}
}

func (g *gitServer) serveObject(stream io.Writer, hexHash string) {
	obj, err := g.store.Get(plumbing.NewHash(hexHash))
	if err != nil {
		g.log.WithError(err).Warn("git server: object not found")
		return
	}
	r, err := obj.Reader()
	if err != nil {
		g.log.WithError(err).Warn("git server: open object reader")
		return
	}
	defer r.Close()
	if _, err := io.Copy(stream, r); err != nil {
		g.log.WithError(err).Debug("git server: write object response")
	}
}

// servePack streams every object reachable from wants. The response size
// is bounded on the reader's side via odb.TryTake, matching how every other
// pack-producing path in this codebase enforces its limit at ingest rather
// than at encode time.
func (g *gitServer) servePack(stream io.Writer, wants []string) {
	if err := g.store.ProducePack(stream, hexToHashes(wants)); err != nil {
		g.log.WithError(err).Warn("git server: produce pack")
	}
}
