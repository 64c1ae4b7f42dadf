// Package wire implements frame boundaries on top of a byte-stream
// connection.
//
// The default format prefixes every frame with its length:
//
//	+----------------------+----------------------+
//	| length (u32, BE)     | payload (length B)   |
//	+----------------------+----------------------+
//
// Raw framing writes payloads back to back and treats every socket read as
// one frame. It only works while the OS never coalesces or splits writes
// and is kept for interoperability with legacy senders.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/stereocast/media"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// ErrFrameTooLarge is returned when a length prefix exceeds the configured
// maximum frame size.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// FrameReader yields one frame per call. The returned slice is freshly
// allocated and owned by the caller.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// Framer writes and reads frame boundaries.
type Framer interface {
	// WriteFrame writes payload to w as one frame, retrying short writes
	// until the whole frame is on the wire.
	WriteFrame(w io.Writer, payload []byte) error

	// NewReader returns a FrameReader over r.
	NewReader(r io.Reader) FrameReader

	// Name returns the config name of the framing.
	Name() string
}

// Framing names accepted by Parse.
const (
	NameLengthPrefixed = "length-prefixed"
	NameRaw            = "raw"
)

// Parse returns the Framer for a config name. An empty name selects
// length-prefixed framing.
func Parse(name string) (Framer, error) {
	switch name {
	case "", NameLengthPrefixed:
		return LengthPrefixed{MaxSize: media.MaxFrameSize}, nil
	case NameRaw:
		return Raw{BufferSize: media.RawReadBufferSize}, nil
	}
	return nil, fmt.Errorf("wire: unknown framing %q (want %s or %s)", name, NameLengthPrefixed, NameRaw)
}

// LengthPrefixed frames each payload with a 4-byte big-endian length.
type LengthPrefixed struct {
	// MaxSize bounds accepted frame lengths. Zero means media.MaxFrameSize.
	MaxSize int
}

func (l LengthPrefixed) maxSize() int {
	if l.MaxSize <= 0 {
		return media.MaxFrameSize
	}
	return l.MaxSize
}

// Name implements Framer.
func (LengthPrefixed) Name() string { return NameLengthPrefixed }

// WriteFrame implements Framer. Header and payload go out in a single
// buffer so a frame never straddles two write calls.
func (l LengthPrefixed) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > l.maxSize() {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), l.maxSize())
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return writeFull(w, buf)
}

// NewReader implements Framer.
func (l LengthPrefixed) NewReader(r io.Reader) FrameReader {
	return &lengthPrefixedReader{r: r, max: l.maxSize()}
}

type lengthPrefixedReader struct {
	r   io.Reader
	max int
	hdr [HeaderSize]byte
}

// ReadFrame accumulates exactly one frame regardless of how the transport
// chunks the stream. A clean EOF before a header returns io.EOF; EOF inside
// a frame returns io.ErrUnexpectedEOF.
func (lr *lengthPrefixedReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(lr.r, lr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lr.hdr[:])
	if uint64(n) > uint64(lr.max) {
		return nil, fmt.Errorf("%w: header says %d bytes (max %d)", ErrFrameTooLarge, n, lr.max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(lr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Raw writes payloads verbatim and reads one frame per socket read.
type Raw struct {
	// BufferSize is the scratch buffer size and therefore the largest frame
	// a reader can return. Zero means media.RawReadBufferSize.
	BufferSize int
}

// Name implements Framer.
func (Raw) Name() string { return NameRaw }

// WriteFrame implements Framer.
func (Raw) WriteFrame(w io.Writer, payload []byte) error {
	return writeFull(w, payload)
}

// NewReader implements Framer.
func (r Raw) NewReader(rd io.Reader) FrameReader {
	size := r.BufferSize
	if size <= 0 {
		size = media.RawReadBufferSize
	}
	return &rawReader{r: rd, buf: make([]byte, size)}
}

type rawReader struct {
	r   io.Reader
	buf []byte
}

func (rr *rawReader) ReadFrame() ([]byte, error) {
	for {
		n, err := rr.r.Read(rr.buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, rr.buf[:n])
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// writeFull writes all of buf, looping over short writes. A write that
// makes no progress without an error is reported as io.ErrShortWrite.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}
