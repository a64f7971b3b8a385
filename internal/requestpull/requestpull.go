// Package requestpull implements the inverse-direction replication request:
// a peer asks another to fetch from *it* (spec §4.6).
package requestpull

import (
	"context"
	"fmt"

	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
	"github.com/radicle-dev/radicle-link-sub006/internal/replication"
	"github.com/radicle-dev/radicle-link-sub006/internal/urn"
)

// Token discriminates the streamed progress tokens of one RequestPull
// invocation.
type Token int

const (
	TokenProgress Token = iota
	TokenSuccess
	TokenFailure
)

func (t Token) String() string {
	switch t {
	case TokenProgress:
		return "progress"
	case TokenSuccess:
		return "success"
	case TokenFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StatusUpdate is one streamed `request_pull::Success`-family token (spec
// §4.6).
type StatusUpdate struct {
	Token   Token
	Ref     string
	Message string
}

// Guard authorises a RequestPull invocation. Consulted per-request, never
// cached, so revocation takes effect immediately (spec §4.6 "pluggable
// RequestPullGuard consulted per invocation").
type Guard interface {
	Allow(requester peerid.PeerID, u urn.URN) bool
}

// AllowAll is a Guard that authorises every request; useful for tests and
// single-operator deployments that trust every connected peer equally.
type AllowAll struct{}

func (AllowAll) Allow(peerid.PeerID, urn.URN) bool { return true }

// unauthorisedError is returned (and streamed as a failure token) when the
// Guard refuses a request.
type unauthorisedError struct {
	requester peerid.PeerID
	urn       urn.URN
}

func (e unauthorisedError) Error() string {
	return fmt.Sprintf("requestpull: %s is not authorised to request a pull of %s", e.requester, e.urn)
}

// Handler serves inbound RequestPull invocations by driving the local
// Fetcher to replicate from the requester.
type Handler struct {
	guard   Guard
	fetcher *replication.Fetcher
}

// NewHandler builds a Handler gating every request through guard before
// dispatching it to fetcher.
func NewHandler(guard Guard, fetcher *replication.Fetcher) *Handler {
	return &Handler{guard: guard, fetcher: fetcher}
}

// Serve authorises and executes one RequestPull: the requester is asking
// this node to fetch u from the requester itself, with source providing
// that access. Status updates are streamed to updates as the fetch
// progresses; the channel is never closed by Serve so it can be shared
// across concurrent invocations — callers own the channel's lifecycle.
func (h *Handler) Serve(ctx context.Context, requester peerid.PeerID, u urn.URN, source replication.RemoteSource, updates chan<- StatusUpdate) error {
	if !h.guard.Allow(requester, u) {
		err := unauthorisedError{requester: requester, urn: u}
		send(ctx, updates, StatusUpdate{Token: TokenFailure, Message: err.Error()})
		return err
	}

	res, err := h.fetcher.Fetch(ctx, source, u, requester)
	if err != nil {
		send(ctx, updates, StatusUpdate{Token: TokenFailure, Message: err.Error()})
		return err
	}

	for ref := range res.Updated {
		send(ctx, updates, StatusUpdate{Token: TokenProgress, Ref: ref})
	}
	send(ctx, updates, StatusUpdate{Token: TokenSuccess})
	return nil
}

func send(ctx context.Context, updates chan<- StatusUpdate, u StatusUpdate) {
	select {
	case updates <- u:
	case <-ctx.Done():
	}
}
