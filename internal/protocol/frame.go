package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. A length prefix above this
// is treated as stream corruption rather than an allocation request.
const MaxFrameSize = 8 * 1024 * 1024

const lengthPrefixSize = 4

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian payload
// length followed by the payload. The byte order is fixed by the protocol;
// peers on different architectures must agree on it.
//
// Precondition: len(payload) <= MaxFrameSize.
// Postcondition: Exactly 4+len(payload) bytes are written, or an error is returned.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(payload), MaxFrameSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from the stream. A connection closed
// mid-frame is a hard error (io.ErrUnexpectedEOF), never a retry condition:
// the stream cannot be resynchronized once a partial frame is lost.
//
// Postcondition: Returns the full advertised payload or an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: advertised frame length %d exceeds maximum %d", ErrFraming, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %d-byte frame payload: %w", length, err)
	}
	return payload, nil
}
