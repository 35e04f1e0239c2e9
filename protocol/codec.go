// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/u-root/whisper/wire"
)

const (
	// Magic starts every frame.
	Magic = "WHSP"
	// Version is the only protocol version spoken. There is no negotiation.
	Version = 1
	// HeaderLen is the size of the frame header.
	HeaderLen = len(Magic) + 1 + 1 + 4
	// MaxBodyLen bounds the declared body length of a frame.
	MaxBodyLen = 16 << 20

	versionOff = len(Magic)
	typeOff    = versionOff + 1
	lengthOff  = typeOff + 1
)

// Status is the result of Decodable.
type Status int

const (
	// NeedMoreData means the buffer holds a strict prefix of a frame.
	NeedMoreData Status = iota
	// OK means the buffer starts with a complete frame.
	OK
	// Invalid means the buffer cannot start a frame.
	Invalid
)

func (s Status) String() string {
	switch s {
	case NeedMoreData:
		return "need more data"
	case OK:
		return "ok"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrInvalidFrame is wrapped by every framing error.
var ErrInvalidFrame = errors.New("invalid frame")

// FrameError describes a frame that could not be decoded. Type and
// Length are what the header declared, as far as it was read.
type FrameError struct {
	Type   uint8
	Length uint32
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame type %d length %d: %v", e.Type, e.Length, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Encode returns m as a complete frame.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, HeaderLen, HeaderLen+64)
	copy(buf, Magic)
	buf[versionOff] = Version
	buf[typeOff] = byte(m.Type())

	e := wire.NewEncoder(buf)
	if err := m.encode(e); err != nil {
		return nil, fmt.Errorf("encoding %v: %w", m.Type(), err)
	}
	if err := e.Err(); err != nil {
		return nil, fmt.Errorf("encoding %v: %w", m.Type(), err)
	}
	buf = e.Bytes()
	n := len(buf) - HeaderLen
	if n > MaxBodyLen {
		return nil, fmt.Errorf("encoding %v: body of %d bytes exceeds %d", m.Type(), n, MaxBodyLen)
	}
	binary.BigEndian.PutUint32(buf[lengthOff:], uint32(n))
	return buf, nil
}

// Decodable reports whether buf starts with a complete frame without
// consuming it. Every byte of the header that is present is checked,
// so a bad magic is Invalid as soon as its first byte arrives. The
// error describes why a buffer is Invalid.
func Decodable(buf []byte) (Status, error) {
	for i := 0; i < len(Magic) && i < len(buf); i++ {
		if buf[i] != Magic[i] {
			return Invalid, &FrameError{Err: fmt.Errorf("%w: bad magic %q", ErrInvalidFrame, buf[:i+1])}
		}
	}
	if len(buf) > versionOff && buf[versionOff] != Version {
		return Invalid, &FrameError{Err: fmt.Errorf("%w: version %d, want %d", ErrInvalidFrame, buf[versionOff], Version)}
	}
	if len(buf) > typeOff && !Type(buf[typeOff]).Valid() {
		return Invalid, &FrameError{Type: buf[typeOff], Err: fmt.Errorf("%w: %w", ErrInvalidFrame, ErrUnknownType)}
	}
	if len(buf) < HeaderLen {
		return NeedMoreData, nil
	}
	n := binary.BigEndian.Uint32(buf[lengthOff:])
	if n > MaxBodyLen {
		return Invalid, &FrameError{Type: buf[typeOff], Length: n, Err: fmt.Errorf("%w: body length exceeds %d", ErrInvalidFrame, MaxBodyLen)}
	}
	if len(buf) < HeaderLen+int(n) {
		return NeedMoreData, nil
	}
	return OK, nil
}

// Decode consumes one frame from the start of buf and returns the
// message and the number of bytes used. A body that does not decode
// to exactly its declared length is an error.
func Decode(buf []byte) (Message, int, error) {
	st, err := Decodable(buf)
	switch st {
	case Invalid:
		return nil, 0, err
	case NeedMoreData:
		return nil, 0, io.ErrUnexpectedEOF
	}
	t := Type(buf[typeOff])
	n := binary.BigEndian.Uint32(buf[lengthOff:])
	m, err := New(t)
	if err != nil {
		return nil, 0, &FrameError{Type: uint8(t), Length: n, Err: err}
	}
	d := wire.NewDecoder(buf[HeaderLen : HeaderLen+int(n)])
	if err := m.decode(d); err != nil {
		return nil, 0, &FrameError{Type: uint8(t), Length: n, Err: fmt.Errorf("decoding %v: %w", t, err)}
	}
	if d.Remaining() != 0 {
		return nil, 0, &FrameError{Type: uint8(t), Length: n, Err: fmt.Errorf("decoding %v: %d trailing bytes", t, d.Remaining())}
	}
	return m, HeaderLen + int(n), nil
}

// A FrameReader reads messages from a byte stream, buffering partial
// frames across reads.
type FrameReader struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, tmp: make([]byte, 32*1024)}
}

// ReadMessage returns the next message. It returns io.EOF if the
// stream ends on a frame boundary and io.ErrUnexpectedEOF if it ends
// inside one. Any *FrameError is fatal for the stream.
func (f *FrameReader) ReadMessage() (Message, error) {
	for {
		st, err := Decodable(f.buf)
		switch st {
		case Invalid:
			return nil, err
		case OK:
			m, n, err := Decode(f.buf)
			if err != nil {
				return nil, err
			}
			f.buf = f.buf[n:]
			if len(f.buf) == 0 {
				f.buf = nil
			}
			return m, nil
		}
		n, err := f.r.Read(f.tmp)
		f.buf = append(f.buf, f.tmp[:n]...)
		if err != nil && n == 0 {
			if err == io.EOF && len(f.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes read but not yet decoded.
func (f *FrameReader) Buffered() int {
	return len(f.buf)
}
