// Package odb implements loose/packed git object storage and bounded
// packfile ingest/produce on top of go-git (spec §2 "ODB").
package odb

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/go-git/go-git/v5/plumbing/storer"
	gitstorage "github.com/go-git/go-git/v5/storage"
)

// ErrMaxSizeExceeded is returned by TryTake when the input stream carries
// more than the requested number of bytes (spec §8: "reading n+1 bytes
// fails with max input size exceeded").
var ErrMaxSizeExceeded = errors.New("odb: max input size exceeded")

// ODB is a thin, storage-agnostic wrapper around go-git's object storer,
// adding the bounded-read and packfile helpers the replication state
// machine needs.
type ODB struct {
	storer gitstorage.Storer
}

// New wraps an existing go-git object storer (typically RefDB.Repository().Storer).
func New(s gitstorage.Storer) *ODB { return &ODB{storer: s} }

// Has reports whether the object identified by h is present, loose or
// packed.
func (o *ODB) Has(h plumbing.Hash) bool {
	_, err := o.storer.EncodedObject(plumbing.AnyObject, h)
	return err == nil
}

// Get retrieves the raw object identified by h.
func (o *ODB) Get(h plumbing.Hash) (plumbing.EncodedObject, error) {
	obj, err := o.storer.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return nil, fmt.Errorf("odb: get %s: %w", h, err)
	}
	return obj, nil
}

// Put stores a single loose object and returns its id.
func (o *ODB) Put(t plumbing.ObjectType, data []byte) (plumbing.Hash, error) {
	obj := o.storer.NewEncodedObject()
	obj.SetType(t)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("odb: new object writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("odb: write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("odb: close object writer: %w", err)
	}
	h, err := o.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("odb: set object: %w", err)
	}
	return h, nil
}

// TryTake copies at most n bytes from r into memory. It returns
// ErrMaxSizeExceeded if the stream carries strictly more than n bytes;
// reading exactly n bytes, or fewer (a short stream), both succeed. This
// guards every packfile and object ingest path against a peer that never
// stops sending (spec §4.4 "rate- and size-bounded input").
func TryTake(r io.Reader, n int64) ([]byte, error) {
	limited := io.LimitReader(r, n+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("odb: read: %w", err)
	}
	if int64(len(buf)) > n {
		return nil, ErrMaxSizeExceeded
	}
	return buf, nil
}

// IngestPack decodes a packfile from r (already bounded by the caller via
// TryTake or an equivalent limited reader) and stores every object it
// contains.
func (o *ODB) IngestPack(r io.Reader) error {
	scanner := packfile.NewScanner(r)
	d, err := packfile.NewDecoder(scanner, o.storer)
	if err != nil {
		return fmt.Errorf("odb: new pack decoder: %w", err)
	}
	if _, err := d.Decode(); err != nil {
		return fmt.Errorf("odb: decode pack: %w", err)
	}
	return nil
}

// ProducePack writes to w a packfile holding wants and every object
// reachable from them; objects the requester already has are not
// subtracted.
func (o *ODB) ProducePack(w io.Writer, wants []plumbing.Hash) error {
	objs, err := revlist.Objects(o.storer, wants, nil)
	if err != nil {
		return fmt.Errorf("odb: walk pack objects: %w", err)
	}
	enc := packfile.NewEncoder(w, o.storer, false)
	if _, err := enc.Encode(objs, 10); err != nil {
		return fmt.Errorf("odb: encode pack: %w", err)
	}
	return nil
}

// IterEncodedObjects exposes the underlying storer's object iterator, used
// by the signed-refs / want computation to walk everything reachable from
// a namespace's refs.
func (o *ODB) IterEncodedObjects(t plumbing.ObjectType) (storer.EncodedObjectIter, error) {
	return o.storer.IterEncodedObjects(t)
}
