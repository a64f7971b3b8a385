// Package replication implements the per-fetch state machine: discover a
// remote's advertised refs, verify its identity document chain, compute
// the set of tips to pull, stream and apply the resulting packfile under
// an atomic refdb transaction (spec §4.4 "Replication state machine").
package replication

import "fmt"

// FailureClass buckets a fetch failure by how the caller should react
// (spec §4.4 "Failure classes").
type FailureClass int

const (
	// FailureLayout is a malformed ref advertisement: fatal to the fetch,
	// not retryable.
	FailureLayout FailureClass = iota
	// FailureVerification is a bad signature or quorum failure: fatal and
	// poisonous — the remote is marked untrusted for this URN.
	FailureVerification
	// FailureReplication is an I/O error: retryable.
	FailureReplication
	// FailureCancelled means the fetch was aborted by a shutdown signal.
	FailureCancelled
)

func (c FailureClass) String() string {
	switch c {
	case FailureLayout:
		return "layout"
	case FailureVerification:
		return "verification"
	case FailureReplication:
		return "replication"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FetchError is the typed error returned by Fetch, carrying enough
// information for the caller to decide retry vs. poison vs. rollback.
type FetchError struct {
	Class FailureClass
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("replication: %s: %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func layoutErr(format string, args ...interface{}) error {
	return &FetchError{Class: FailureLayout, Err: fmt.Errorf(format, args...)}
}

func verificationErr(format string, args ...interface{}) error {
	return &FetchError{Class: FailureVerification, Err: fmt.Errorf(format, args...)}
}

func replicationErr(format string, args ...interface{}) error {
	return &FetchError{Class: FailureReplication, Err: fmt.Errorf(format, args...)}
}
