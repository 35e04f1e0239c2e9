// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/u-root/whisper/wire"
)

// Stream identifies one of the shell's byte streams.
type Stream uint8

const (
	Stdin Stream = iota
	Stdout
	Stderr

	// NumStreams is the number of streams.
	NumStreams
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("Stream(%d)", uint8(s))
}

// ChunkSize is the largest payload of one StreamChunk, before or after
// compression.
const ChunkSize = 32 * 1024

// ErrChunkSize is returned for a chunk whose payload exceeds ChunkSize.
var ErrChunkSize = errors.New("stream chunk too large")

// StreamChunk carries bytes of one stream. If Compressed is set, Data
// is an LZ4 frame; use Payload to get the bytes as written.
type StreamChunk struct {
	Stream     Stream
	Compressed bool
	Data       []byte
}

// NewStreamChunk returns a chunk for data, which must not exceed
// ChunkSize. With compress set, data is LZ4 compressed when that makes
// it smaller.
func NewStreamChunk(s Stream, data []byte, compress bool) (*StreamChunk, error) {
	if len(data) > ChunkSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkSize, len(data))
	}
	c := &StreamChunk{Stream: s, Data: data}
	if !compress || len(data) == 0 {
		return c, nil
	}
	var b bytes.Buffer
	w := lz4.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing %v chunk: %w", s, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing %v chunk: %w", s, err)
	}
	if b.Len() < len(data) {
		c.Compressed, c.Data = true, b.Bytes()
	}
	return c, nil
}

// Payload returns the chunk's bytes, decompressing them if needed. A
// compressed chunk that inflates past ChunkSize is an error.
func (m *StreamChunk) Payload() ([]byte, error) {
	if !m.Compressed {
		return m.Data, nil
	}
	b, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(m.Data)), ChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing %v chunk: %w", m.Stream, err)
	}
	if len(b) > ChunkSize {
		return nil, fmt.Errorf("%w: %v chunk inflates past %d bytes", ErrChunkSize, m.Stream, ChunkSize)
	}
	return b, nil
}

func (*StreamChunk) Type() Type               { return TypeStreamChunk }
func (m *StreamChunk) Accept(v Visitor) error { return v.VisitStreamChunk(m) }

func (m *StreamChunk) encode(e *wire.Encoder) error {
	e.Enum(uint8(m.Stream), int(NumStreams))
	e.Bool(m.Compressed)
	e.ByteArray(m.Data)
	return nil
}

func (m *StreamChunk) decode(d *wire.Decoder) error {
	m.Stream = Stream(d.Enum(int(NumStreams)))
	m.Compressed = d.Bool()
	m.Data = d.ByteArray()
	if err := d.Err(); err != nil {
		return err
	}
	if len(m.Data) > ChunkSize {
		return fmt.Errorf("%w: %d bytes", ErrChunkSize, len(m.Data))
	}
	return nil
}

// StreamClose marks the end of a stream.
type StreamClose struct {
	Stream Stream
}

func (*StreamClose) Type() Type               { return TypeStreamClose }
func (m *StreamClose) Accept(v Visitor) error { return v.VisitStreamClose(m) }

func (m *StreamClose) encode(e *wire.Encoder) error {
	e.Enum(uint8(m.Stream), int(NumStreams))
	return nil
}

func (m *StreamClose) decode(d *wire.Decoder) error {
	m.Stream = Stream(d.Enum(int(NumStreams)))
	return d.Err()
}
