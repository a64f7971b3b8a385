package transport

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

func newSigner(t *testing.T) keystore.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := keystore.NewMemSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDialRefusesSelfConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer := newSigner(t)
	ep, err := NewEndpoint(ctx, "127.0.0.1:0", signer)
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	_, err = ep.Dial(ctx, ep.LocalAddr().String(), ep.LocalPeerID())
	if err != ErrSelfConnect {
		t.Fatalf("expected ErrSelfConnect, got %v", err)
	}
}

func TestDialAndAcceptEstablishesAuthenticatedConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSigner := newSigner(t)
	server, err := NewEndpoint(ctx, "127.0.0.1:0", serverSigner)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	accepted := make(chan peerid.PeerID, 1)
	server.SetHandler(func(conn *Connection, stream *quic.Stream) {
		accepted <- conn.Remote
		stream.Close()
	})
	go server.Serve()

	clientSigner := newSigner(t)
	client, err := NewEndpoint(ctx, "127.0.0.1:0", clientSigner)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	conn, err := client.Dial(ctx, server.LocalAddr().String(), server.LocalPeerID())
	if err != nil {
		t.Fatal(err)
	}
	if !conn.Remote.Equal(server.LocalPeerID()) {
		t.Fatal("client should observe the server's authenticated peer id")
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()

	select {
	case got := <-accepted:
		clientID, err := peerid.FromPublicKey(clientSigner.PublicKey())
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(clientID) {
			t.Fatal("server should observe the client's authenticated peer id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to accept the stream")
	}
}
