// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"fmt"

	"github.com/u-root/whisper/wire"
)

// ErrorCode classifies a ProtocolError.
type ErrorCode uint8

const (
	// ErrCodeUnauthenticated rejects a request sent before login.
	ErrCodeUnauthenticated ErrorCode = iota
	// ErrCodeState rejects a request the session's phase does not allow.
	ErrCodeState
	// ErrCodeBusy rejects an Execute while another one runs.
	ErrCodeBusy
	// ErrCodeUnsupported rejects a message the peer does not handle.
	ErrCodeUnsupported
	// ErrCodeInternal reports a failure on the peer unrelated to the request.
	ErrCodeInternal

	numErrorCodes
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnauthenticated:
		return "unauthenticated"
	case ErrCodeState:
		return "bad state"
	case ErrCodeBusy:
		return "busy"
	case ErrCodeUnsupported:
		return "unsupported"
	case ErrCodeInternal:
		return "internal"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ProtocolError rejects a request. It answers any request type and is
// also an error, so a requestor can return it as is.
type ProtocolError struct {
	Code   ErrorCode
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return "protocol error: " + e.Code.String()
	}
	return fmt.Sprintf("protocol error: %v: %s", e.Code, e.Reason)
}

func (*ProtocolError) Type() Type               { return TypeProtocolError }
func (m *ProtocolError) Accept(v Visitor) error { return v.VisitProtocolError(m) }

func (m *ProtocolError) encode(e *wire.Encoder) error {
	e.Enum(uint8(m.Code), int(numErrorCodes))
	e.String(m.Reason)
	return nil
}

func (m *ProtocolError) decode(d *wire.Decoder) error {
	m.Code = ErrorCode(d.Enum(int(numErrorCodes)))
	m.Reason = d.String()
	return d.Err()
}
