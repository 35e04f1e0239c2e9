// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrShortBuffer is returned when a field extends past the end of the body.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrEnumRange is returned for an enum ordinal outside the enum's arity.
	ErrEnumRange = errors.New("wire: enum ordinal out of range")
	// ErrBadLength is returned for a negative length that is not the null marker.
	ErrBadLength = errors.New("wire: bad length")
	// ErrBadPresence is returned when a presence byte is neither 0 nor 1.
	ErrBadPresence = errors.New("wire: bad presence marker")
	// ErrInvalidUTF8 is returned for a string field that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("wire: invalid UTF-8")
)

const nullLength = -1

// Encoder appends primitive encodings to a buffer.
// Encoding errors (out of range enums, oversized fields, unencodable
// objects) are sticky, as with Decoder.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an Encoder that appends to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes in the buffer.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Err returns the first encoding error, if any.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Uint8 writes a single byte.
func (e *Encoder) Uint8(b uint8) {
	e.buf = append(e.buf, b)
}

// Uint16 writes a big-endian uint16.
func (e *Encoder) Uint16(n uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, n)
}

// Uint32 writes a big-endian uint32.
func (e *Encoder) Uint32(n uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, n)
}

// Uint64 writes a big-endian uint64.
func (e *Encoder) Uint64(n uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, n)
}

// Int32 writes a big-endian int32.
func (e *Encoder) Int32(n int32) {
	e.Uint32(uint32(n))
}

// Bool writes a boolean as one byte.
func (e *Encoder) Bool(b bool) {
	if b {
		e.Uint8(1)
		return
	}
	e.Uint8(0)
}

func (e *Encoder) length(n int) {
	if n > math.MaxInt32 {
		e.fail(fmt.Errorf("%w: %d bytes", ErrBadLength, n))
		n = 0
	}
	e.Int32(int32(n))
}

// ByteArray writes a byte slice. A nil slice is encoded as absent,
// which is distinct from an empty, present slice.
func (e *Encoder) ByteArray(b []byte) {
	if b == nil {
		e.Bool(false)
		return
	}
	e.Bool(true)
	e.length(len(b))
	e.buf = append(e.buf, b...)
}

// String writes a length-prefixed UTF-8 string.
func (e *Encoder) String(s string) {
	e.length(len(s))
	e.buf = append(e.buf, s...)
}

// NullableString writes s, or the null marker if s is nil.
func (e *Encoder) NullableString(s *string) {
	if s == nil {
		e.Int32(nullLength)
		return
	}
	e.String(*s)
}

// Strings writes a string slice as a count followed by the strings.
// A nil slice is written with a count of -1.
func (e *Encoder) Strings(ss []string) {
	if ss == nil {
		e.Int32(nullLength)
		return
	}
	e.length(len(ss))
	for _, s := range ss {
		e.String(s)
	}
}

// UUID writes a presence byte and, if u is not nil, its two 64-bit halves.
func (e *Encoder) UUID(u *uuid.UUID) {
	if u == nil {
		e.Bool(false)
		return
	}
	e.Bool(true)
	e.Uint64(binary.BigEndian.Uint64(u[:8]))
	e.Uint64(binary.BigEndian.Uint64(u[8:]))
}

// Enum writes an ordinal of an enum with arity values as one byte.
func (e *Encoder) Enum(ordinal uint8, arity int) {
	if int(ordinal) >= arity {
		e.fail(fmt.Errorf("%w: %d >= %d", ErrEnumRange, ordinal, arity))
	}
	e.Uint8(ordinal)
}

// Decoder consumes primitive encodings from a buffer.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a Decoder reading buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, d.Remaining()))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() uint8 {
	b := d.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a big-endian uint16.
func (d *Decoder) Uint16() uint16 {
	b := d.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Uint32 reads a big-endian uint32.
func (d *Decoder) Uint32() uint32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint64 reads a big-endian uint64.
func (d *Decoder) Uint64() uint64 {
	b := d.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Int32 reads a big-endian int32.
func (d *Decoder) Int32() int32 {
	return int32(d.Uint32())
}

// Bool reads a boolean. Any byte other than 0 or 1 is an error.
func (d *Decoder) Bool() bool {
	switch b := d.Uint8(); b {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("%w: %#x", ErrBadPresence, b))
		return false
	}
}

// ByteArray reads a byte slice written by Encoder.ByteArray. The
// returned slice is a copy.
func (d *Decoder) ByteArray() []byte {
	if !d.Bool() {
		return nil
	}
	n := d.Int32()
	if n < 0 {
		d.fail(fmt.Errorf("%w: %d", ErrBadLength, n))
		return nil
	}
	b := d.next(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *Decoder) str(n int32) string {
	if n < 0 {
		d.fail(fmt.Errorf("%w: %d", ErrBadLength, n))
		return ""
	}
	b := d.next(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail(ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

// String reads a string written by Encoder.String.
func (d *Decoder) String() string {
	return d.str(d.Int32())
}

// NullableString reads a string written by Encoder.NullableString.
func (d *Decoder) NullableString() *string {
	n := d.Int32()
	if n == nullLength || d.err != nil {
		return nil
	}
	s := d.str(n)
	if d.err != nil {
		return nil
	}
	return &s
}

// Strings reads a slice written by Encoder.Strings.
func (d *Decoder) Strings() []string {
	n := d.Int32()
	if n == nullLength || d.err != nil {
		return nil
	}
	if n < 0 {
		d.fail(fmt.Errorf("%w: %d", ErrBadLength, n))
		return nil
	}
	// Every string needs at least its 4 byte length; this bounds the
	// allocation by what the body can actually hold.
	if int(n) > d.Remaining()/4 {
		d.fail(fmt.Errorf("%w: %d strings in %d bytes", ErrShortBuffer, n, d.Remaining()))
		return nil
	}
	ss := make([]string, 0, n)
	for i := int32(0); i < n && d.err == nil; i++ {
		ss = append(ss, d.String())
	}
	if d.err != nil {
		return nil
	}
	return ss
}

// UUID reads a UUID written by Encoder.UUID.
func (d *Decoder) UUID() *uuid.UUID {
	if !d.Bool() {
		return nil
	}
	hi, lo := d.Uint64(), d.Uint64()
	if d.err != nil {
		return nil
	}
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], hi)
	binary.BigEndian.PutUint64(u[8:], lo)
	return &u
}

// Enum reads a one byte ordinal and checks it against arity.
func (d *Decoder) Enum(arity int) uint8 {
	o := d.Uint8()
	if d.err == nil && int(o) >= arity {
		d.fail(fmt.Errorf("%w: %d >= %d", ErrEnumRange, o, arity))
		return 0
	}
	return o
}
