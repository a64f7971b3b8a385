// Package wire implements the on-stream framing shared by every service:
// the plaintext stream header (spec §6 "Wire: stream header") and the CBOR
// message codecs used by the membership and gossip services
// (spec §6 "Wire: gossip & membership codecs").
package wire

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Service names the logical protocol carried by a bidi-stream.
type Service string

const (
	ServiceUploadPackLS  Service = "git-upload-pack-ls"
	ServiceUploadPack    Service = "git-upload-pack"
	ServiceReceivePackLS Service = "git-receive-pack-ls"
	ServiceReceivePack   Service = "git-receive-pack"
	ServiceGossip        Service = "gossip"
	ServiceMembership    Service = "membership"
	ServiceInterrogation Service = "interrogation"
	ServiceRequestPull   Service = "request-pull"
)

// Header is the opening frame of every bidi-stream: which service it
// carries, the target URN (for git services), and optional peer/nonce
// fields.
type Header struct {
	Service  Service
	URN      string
	Peer     string
	Nonce    uint64
	hasPeer  bool
	hasNonce bool
}

// WithPeer attaches an optional peer field.
func (h Header) WithPeer(peer string) Header {
	h.Peer = peer
	h.hasPeer = true
	return h
}

// WithNonce attaches an optional nonce field.
func (h Header) WithNonce(n uint64) Header {
	h.Nonce = n
	h.hasNonce = true
	return h
}

// HasPeer reports whether the peer field was present.
func (h Header) HasPeer() bool { return h.hasPeer }

// HasNonce reports whether the nonce field was present.
func (h Header) HasNonce() bool { return h.hasNonce }

// WriteHeader serialises h as the UTF-8, line-oriented, blank-line
// terminated frame described by spec §6, in a single write to w.
func WriteHeader(w io.Writer, h Header) error {
	var b strings.Builder
	fmt.Fprintf(&b, "service %s\n", h.Service)
	if h.URN != "" {
		fmt.Fprintf(&b, "urn %s\n", h.URN)
	}
	if h.hasPeer {
		fmt.Fprintf(&b, "peer %s\n", h.Peer)
	}
	if h.hasNonce {
		fmt.Fprintf(&b, "nonce %d\n", h.Nonce)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	return nil
}

// ReadHeader parses a Header off r, consuming exactly through its
// terminating blank line and not one byte further. Streams carry a body
// immediately after the header with no flush in between, so this reads
// one byte at a time rather than through a buffered reader: anything
// read ahead into a buffer would be lost to whatever reads the body next
// (spec §6 "Wire: stream header").
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	sawService := false
	var line strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return Header{}, fmt.Errorf("wire: read header: unexpected eof")
			}
			return Header{}, fmt.Errorf("wire: read header: %w", err)
		}
		if buf[0] != '\n' {
			line.WriteByte(buf[0])
			continue
		}
		text := line.String()
		line.Reset()
		if text == "" {
			break
		}
		key, val, ok := strings.Cut(text, " ")
		if !ok {
			return Header{}, fmt.Errorf("wire: malformed header line %q", text)
		}
		switch key {
		case "service":
			h.Service = Service(val)
			sawService = true
		case "urn":
			h.URN = val
		case "peer":
			h.Peer = val
			h.hasPeer = true
		case "nonce":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Header{}, fmt.Errorf("wire: malformed nonce %q: %w", val, err)
			}
			h.Nonce = n
			h.hasNonce = true
		default:
			return Header{}, fmt.Errorf("wire: unknown header field %q", key)
		}
	}
	if !sawService {
		return Header{}, fmt.Errorf("wire: header missing service field")
	}
	return h, nil
}
