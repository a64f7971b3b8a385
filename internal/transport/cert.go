package transport

import (
	"crypto"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/radicle-dev/radicle-link-sub006/internal/keystore"
	"github.com/radicle-dev/radicle-link-sub006/internal/peerid"
)

// cryptoSigner adapts a keystore.Signer to crypto.Signer so it can back an
// x509 certificate's private key. Ed25519 signs the message directly
// (opts.HashFunc() == crypto.Hash(0)), which matches Signer.Sign's
// contract exactly.
type cryptoSigner struct {
	s keystore.Signer
}

func (c cryptoSigner) Public() crypto.PublicKey { return c.s.PublicKey() }

func (c cryptoSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.Hash(0) {
		return nil, fmt.Errorf("transport: ed25519 certificate signing requires no prehash")
	}
	return c.s.Sign(digest)
}

// selfSignedCert builds a self-signed TLS certificate whose subject Common
// Name is signer's PeerId string form (spec §4.1: "TLS configuration uses
// a self-signed certificate whose subject is the base-encoded PeerId").
func selfSignedCert(signer keystore.Signer) (tls.Certificate, error) {
	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: serial: %w", err)
	}

	id, err := peerid.FromPublicKey(signer.PublicKey())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: derive peer id: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(crand.Reader, tmpl, tmpl, signer.PublicKey(), cryptoSigner{s: signer})
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: cryptoSigner{s: signer}}, nil
}

// remotePeerID extracts the authenticated remote PeerId from a completed
// TLS handshake by parsing the leaf certificate's subject Common Name
// (spec §4.1: "the incoming cert's subject is parsed back into a PeerId —
// this is the authenticated remote identity, no separate handshake").
func remotePeerID(state tls.ConnectionState) (peerid.PeerID, error) {
	if len(state.PeerCertificates) == 0 {
		return peerid.PeerID{}, ErrRemoteIdUnavailable
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	id, err := peerid.Parse(cn)
	if err != nil {
		return peerid.PeerID{}, fmt.Errorf("%w: %v", ErrRemoteIdUnavailable, err)
	}
	return id, nil
}

// tlsConfig builds the client/server TLS configuration shared by dial and
// listen: identical material on both sides, certificate-based peer
// authentication instead of a CA chain.
func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // peer identity is authenticated via the cert's bound PeerId, not a CA chain
		ClientAuth:         tls.RequireAnyClientCert,
		NextProtos:         []string{"radicle-link/0"},
		MinVersion:         tls.VersionTLS13,
	}
}
