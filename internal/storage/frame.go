package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFrameTooLarge is returned when a payload exceeds the frame layer's
// maximum size: anything longer than a uint32 can address is rejected.
var ErrFrameTooLarge = errors.New("payload exceeds maximum frame size")

// encodeFrame prefixes payload with its big-endian uint32 byte length.
func encodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// frameParser incrementally decodes framed payloads out of a byte
// stream, buffering a partial frame across calls: it returns whatever
// complete entries it found and keeps the left-over bytes internally
// instead of failing on a short read.
type frameParser struct {
	pending []byte
}

// feed appends newly read bytes and returns every payload that is now
// complete. Left-over bytes (a partial frame) are kept for the next call.
func (p *frameParser) feed(chunk []byte) ([][]byte, error) {
	p.pending = append(p.pending, chunk...)

	var out [][]byte
	for {
		if len(p.pending) < 4 {
			return out, nil
		}
		size := binary.BigEndian.Uint32(p.pending[:4])
		if uint64(len(p.pending)-4) < uint64(size) {
			return out, nil
		}
		payload := make([]byte, size)
		copy(payload, p.pending[4:4+size])
		out = append(out, payload)
		p.pending = p.pending[4+size:]
	}
}

// done reports whether every fed byte has been consumed into a complete
// frame. Any remainder at end-of-file signals a corrupted (truncated) log.
func (p *frameParser) done() error {
	if len(p.pending) != 0 {
		return fmt.Errorf("%w: truncated trailing frame of %d bytes", ErrCorruptedLog, len(p.pending))
	}
	return nil
}
