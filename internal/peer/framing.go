package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const maxFrameBytes = 1 << 20

// writeFrame CBOR-encodes v and writes it to w prefixed with its 4-byte
// big-endian length, so several messages can share one stream (used by the
// request-pull request/status channel and for the upload-pack packRequest;
// the other services exchange one message per stream and skip framing in
// favour of a plain read-to-EOF).
func writeFrame(w io.Writer, v interface{}) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("peer: marshal frame: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("peer: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("peer: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed CBOR frame written by writeFrame.
func readFrame(r io.Reader, v interface{}) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return fmt.Errorf("peer: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameBytes {
		return fmt.Errorf("peer: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("peer: read frame body: %w", err)
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("peer: unmarshal frame: %w", err)
	}
	return nil
}
