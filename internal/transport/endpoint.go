// Package transport implements the QUIC endpoint and the peer-identity
// binding that authenticates every connection without a separate
// handshake (spec §4.1 "Transport (QUIC + peer identity)").
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

// Connection is an authenticated QUIC connection to a single remote peer.
type Connection struct {
	Remote peerid.PeerID
	raw    *quic.Conn
}

// OpenStream opens a new bidi-stream on the connection.
func (c *Connection) OpenStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.raw.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrIo, err)
	}
	return s, nil
}

// AcceptStream accepts the next bidi-stream opened by the remote peer.
func (c *Connection) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.raw.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: accept stream: %v", ErrIo, err)
	}
	return s, nil
}

// Close tears down the connection with the given application error code.
func (c *Connection) Close(code uint64, reason string) error {
	return c.raw.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// RemoteAddr reports the network address of the remote side of the
// connection, used by the interrogation responder to answer the
// EchoedAddrs query (spec §4.5).
func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// StreamHandler processes one accepted bidi-stream. It is invoked from an
// independent goroutine per stream (spec §4.1: "each accepted stream is
// dispatched as an independent task").
type StreamHandler func(conn *Connection, stream *quic.Stream)

// Endpoint owns the single UDP socket and QUIC listener this peer accepts
// connections on, and dials outbound connections to other peers.
type Endpoint struct {
	local    peerid.PeerID
	cert     tls.Certificate
	listener *quic.Listener
	udpConn  net.PacketConn
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler StreamHandler
	wg      sync.WaitGroup
}

// NewEndpoint binds a UDP socket at addr and starts a QUIC listener backed
// by a self-signed certificate derived from signer's keypair.
func NewEndpoint(ctx context.Context, addr string, signer keystore.Signer) (*Endpoint, error) {
	id, err := peerid.FromPublicKey(signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("transport: local peer id: %w", err)
	}
	cert, err := selfSignedCert(signer)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrConnect, addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrConnect, addr, err)
	}

	listener, err := quic.Listen(udpConn, tlsConfig(cert), nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("%w: quic listen: %v", ErrConnect, err)
	}

	ectx, cancel := context.WithCancel(ctx)
	e := &Endpoint{
		local:    id,
		cert:     cert,
		listener: listener,
		udpConn:  udpConn,
		log:      logrus.WithField("component", "transport").WithField("peer", id.String()),
		ctx:      ectx,
		cancel:   cancel,
	}
	return e, nil
}

// LocalAddr reports the bound UDP address.
func (e *Endpoint) LocalAddr() net.Addr { return e.udpConn.LocalAddr() }

// LocalPeerID returns this endpoint's own peer identity.
func (e *Endpoint) LocalPeerID() peerid.PeerID { return e.local }

// SetHandler registers the callback invoked for every stream accepted on
// every inbound connection. It must be called before Serve.
func (e *Endpoint) SetHandler(h StreamHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Serve runs the accept loop until the endpoint's context is cancelled.
// Closing the endpoint shuts down every owning task (spec §4.1).
func (e *Endpoint) Serve() error {
	for {
		raw, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				e.wg.Wait()
				return ErrShutdown
			}
			e.log.WithError(err).Warn("accept failed")
			return fmt.Errorf("%w: accept: %v", ErrConnection, err)
		}

		remote, err := remotePeerID(raw.ConnectionState().TLS)
		if err != nil {
			e.log.WithError(err).Warn("inbound connection without a usable peer id, dropping")
			raw.CloseWithError(0, "remote id unavailable")
			continue
		}
		if remote.Equal(e.local) {
			e.log.Warn("refusing self connection")
			raw.CloseWithError(0, "self connection")
			continue
		}

		conn := &Connection{Remote: remote, raw: raw}
		e.wg.Add(1)
		go e.serveConnection(conn)
	}
}

func (e *Endpoint) serveConnection(conn *Connection) {
	defer e.wg.Done()
	for {
		stream, err := conn.AcceptStream(e.ctx)
		if err != nil {
			return
		}
		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		if h == nil {
			stream.CancelRead(0)
			stream.Close()
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			h(conn, stream)
		}()
	}
}

// Dial opens an outbound QUIC connection to addr, expecting it to be
// identified by expected. Self-connections are refused (spec §4.1).
func (e *Endpoint) Dial(ctx context.Context, addr string, expected peerid.PeerID) (*Connection, error) {
	if expected.Equal(e.local) {
		return nil, ErrSelfConnect
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrConnect, addr, err)
	}
	raw, err := quic.DialAddr(ctx, udpAddr.String(), tlsConfig(e.cert), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}
	remote, err := remotePeerID(raw.ConnectionState().TLS)
	if err != nil {
		raw.CloseWithError(0, "remote id unavailable")
		return nil, err
	}
	if !remote.Equal(expected) {
		raw.CloseWithError(0, "unexpected peer id")
		return nil, fmt.Errorf("%w: dialed %s, expected peer %s, got %s", ErrConnect, addr, expected, remote)
	}
	return &Connection{Remote: remote, raw: raw}, nil
}

// Close shuts the endpoint down: every accept loop and dispatched stream
// task unwinds via context cancellation.
func (e *Endpoint) Close() error {
	e.cancel()
	err := e.listener.Close()
	e.wg.Wait()
	if err != nil {
		return fmt.Errorf("%w: close listener: %v", ErrIo, err)
	}
	return nil
}
