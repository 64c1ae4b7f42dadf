package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/pipeline"
	"github.com/zsiec/stereocast/wire"
)

// On-disk frame files always use length-prefixed framing, whatever the link
// framing is.
var fileFramer = wire.LengthPrefixed{MaxSize: media.MaxFrameSize}

var errSourceDone = errors.New("source exhausted")

// sinkFactory opens one fileSink per eye, writing <dir>/<role>.frames.
// An empty dir discards frames.
type sinkFactory struct {
	dir string
}

func (f sinkFactory) Open(_ context.Context, role media.Role) (pipeline.Codec, error) {
	s := &fileSink{}
	if f.dir == "" {
		s.w = bufio.NewWriter(io.Discard)
		return s, nil
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink %s: %w", role, err)
	}
	file, err := os.Create(filepath.Join(f.dir, role.String()+".frames"))
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", role, err)
	}
	s.file = file
	s.w = bufio.NewWriter(file)
	return s, nil
}

// fileSink stands in for the decoder of one eye.
type fileSink struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// WriteFrame appends one frame. It returns os.ErrClosed once the cycle has
// released the sink.
func (s *fileSink) WriteFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	return fileFramer.WriteFrame(s.w, p)
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.w.Flush()
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
	}
	return err
}

// sourceFactory opens one fileSource per eye from paths, indexed by role.
// An empty path yields a synthetic test pattern.
type sourceFactory struct {
	paths [2]string
}

func (f sourceFactory) Open(_ context.Context, role media.Role) (pipeline.Codec, error) {
	path := f.paths[role]
	if path == "" {
		return &fileSource{role: role}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", role, err)
	}
	return &fileSource{
		role: role,
		file: file,
		r:    fileFramer.NewReader(bufio.NewReader(file)),
	}, nil
}

// syntheticFrameSize is the payload size of generated test frames.
const syntheticFrameSize = 1024

// fileSource stands in for the encoder of one eye.
type fileSource struct {
	role media.Role
	file *os.File
	r    wire.FrameReader
	seq  uint64
}

// Next returns the next encoded frame, or errSourceDone at end of input.
func (s *fileSource) Next() ([]byte, error) {
	if s.r == nil {
		return s.synthetic(), nil
	}
	p, err := s.r.ReadFrame()
	if errors.Is(err, io.EOF) {
		return nil, errSourceDone
	}
	return p, err
}

// synthetic builds a frame carrying the role byte and a sequence number,
// padded with a repeating pattern.
func (s *fileSource) synthetic() []byte {
	p := make([]byte, syntheticFrameSize)
	p[0] = byte(s.role)
	binary.BigEndian.PutUint64(p[1:9], s.seq)
	for i := 9; i < len(p); i++ {
		p[i] = byte(i)
	}
	s.seq++
	return p
}

func (s *fileSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
