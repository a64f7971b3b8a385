// Package storage bundles RefDB, ODB and the keystore signer with a
// bounded pool of handles onto them (spec §5 "Storage
// access is mediated by a bounded pool: every task calling into refdb/odb
// acquires a handle, uses it exclusively, and returns it. Exhaustion
// yields PoolError").
package storage

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/odb"
	"github.com/radicle-dev/radicle-link-sub006/internal/refdb"
)

// ErrPoolExhausted is returned when Acquire's context is done before a
// handle becomes available (spec §5 "PoolError").
var ErrPoolExhausted = errors.New("storage: pool exhausted")

// Storage bundles the three on-disk components one peer's profile owns:
// the ref database, the object database sharing its backing repository,
// and the signing keypair.
type Storage struct {
	RefDB  *refdb.RefDB
	ODB    *odb.ODB
	Signer keystore.Signer

	pool *semaphore.Weighted
}

// Open opens (or initialises) the bare repository at repoPath and wraps it
// with width concurrent handles available from the bounded pool.
func Open(repoPath string, signer keystore.Signer, width int64) (*Storage, error) {
	db, err := refdb.Open(repoPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open refdb: %w", err)
	}
	return &Storage{
		RefDB:  db,
		ODB:    odb.New(db.Repository().Storer),
		Signer: signer,
		pool:   semaphore.NewWeighted(width),
	}, nil
}

// Handle is an exclusive lease on Storage's single backing repository,
// held for the duration of one task.
type Handle struct {
	*Storage
	release func()
}

// Acquire blocks until a handle is available or ctx is done. The pool
// bounds only work done through a Handle: RefDB and ODB stay reachable
// through Storage's fields, and peer.New passes them to the fetcher and
// git server directly.
func (s *Storage) Acquire(ctx context.Context) (*Handle, error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	var released bool
	return &Handle{Storage: s, release: func() {
		if !released {
			released = true
			s.pool.Release(1)
		}
	}}, nil
}

// Release returns the handle to the pool. Calling it more than once is a
// no-op.
func (h *Handle) Release() { h.release() }
