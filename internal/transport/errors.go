package transport

import "errors"

// Error classes surfaced by the transport layer (spec §4.1 "Errors:
// RemoteIdUnavailable, SelfConnect, Shutdown, Connect, Connection, Io").
var (
	ErrRemoteIdUnavailable = errors.New("transport: remote peer id unavailable")
	ErrSelfConnect         = errors.New("transport: refusing self connection")
	ErrShutdown            = errors.New("transport: endpoint shut down")
	ErrConnect             = errors.New("transport: connect failed")
	ErrConnection          = errors.New("transport: connection error")
	ErrIo                  = errors.New("transport: io error")
)
