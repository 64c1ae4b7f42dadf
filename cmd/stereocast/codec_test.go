package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsiec/stereocast/media"
)

func TestSinkThenSourceRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec, err := sinkFactory{dir: dir}.Open(context.Background(), media.RoleRight)
	if err != nil {
		t.Fatalf("Open sink: %v", err)
	}
	sink := codec.(*fileSink)
	frames := [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{7}, 5000)}
	for _, f := range frames {
		if err := sink.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.WriteFrame([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("WriteFrame after Close = %v, want os.ErrClosed", err)
	}

	var paths [2]string
	paths[media.RoleRight] = filepath.Join(dir, "right.frames")
	codec, err = sourceFactory{paths: paths}.Open(context.Background(), media.RoleRight)
	if err != nil {
		t.Fatalf("Open source: %v", err)
	}
	src := codec.(*fileSource)
	defer src.Close()

	for i, want := range frames {
		got, err := src.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d = %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := src.Next(); !errors.Is(err, errSourceDone) {
		t.Fatalf("Next at end = %v, want errSourceDone", err)
	}
}

func TestSyntheticSourceIsTaggedAndSequenced(t *testing.T) {
	t.Parallel()

	codec, err := sourceFactory{}.Open(context.Background(), media.RoleLeft)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	src := codec.(*fileSource)
	for i := range 3 {
		p, err := src.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(p) != syntheticFrameSize || p[0] != byte(media.RoleLeft) {
			t.Fatalf("frame %d: len %d tag %d", i, len(p), p[0])
		}
		if seq := binary.BigEndian.Uint64(p[1:9]); seq != uint64(i) {
			t.Fatalf("frame %d seq = %d", i, seq)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDiscardSinkAndMissingSource(t *testing.T) {
	t.Parallel()

	codec, err := sinkFactory{}.Open(context.Background(), media.RoleLeft)
	if err != nil {
		t.Fatalf("Open discard sink: %v", err)
	}
	if err := codec.(*fileSink).WriteFrame([]byte("x")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := codec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	paths := [2]string{filepath.Join(t.TempDir(), "missing.frames")}
	if _, err := (sourceFactory{paths: paths}).Open(context.Background(), media.RoleLeft); err == nil {
		t.Fatal("Open of missing input should fail")
	}
}
