// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire provides the marshalling primitives used by every
// whisper message body.
//
// An Encoder appends big-endian encodings to a byte slice; a Decoder
// consumes them. Each primitive has a matching pair of methods:
// booleans, length-prefixed byte arrays with an explicit presence
// byte, length-prefixed UTF-8 strings (nullable strings use a length
// of -1), UUIDs as a presence byte plus two 64-bit halves, enums as a
// single byte bounded by the enum's arity, and an opaque object blob
// encoded as CBOR.
//
// Decoder errors are sticky: once a read fails, every later read
// returns the zero value and Err reports the first failure. Message
// decoders read all their fields and check Err once.
package wire
