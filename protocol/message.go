// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"fmt"

	"github.com/u-root/whisper/wire"
)

// Type is the discriminant of a message. It is one byte on the wire.
type Type uint8

// These are the message types. The values are wire ordinals and must
// not be reordered.
const (
	TypeConnect Type = iota
	TypeConnectResult
	TypeLogin
	TypeLoginSuccess
	TypeLoginFailure
	TypeOpenShell
	TypeOpenShellResult
	TypeCloseShell
	TypeCloseShellResult
	TypeExecute
	TypeExecuteResult
	TypeExecuteNotification
	TypeExecuteFailure
	TypeEcho
	TypeEchoResult
	TypeStreamChunk
	TypeStreamClose
	TypeResize
	TypeProtocolError

	numTypes
)

var typeNames = [numTypes]string{
	TypeConnect:             "Connect",
	TypeConnectResult:       "ConnectResult",
	TypeLogin:               "Login",
	TypeLoginSuccess:        "LoginSuccess",
	TypeLoginFailure:        "LoginFailure",
	TypeOpenShell:           "OpenShell",
	TypeOpenShellResult:     "OpenShellResult",
	TypeCloseShell:          "CloseShell",
	TypeCloseShellResult:    "CloseShellResult",
	TypeExecute:             "Execute",
	TypeExecuteResult:       "ExecuteResult",
	TypeExecuteNotification: "ExecuteNotification",
	TypeExecuteFailure:      "ExecuteFailure",
	TypeEcho:                "Echo",
	TypeEchoResult:          "EchoResult",
	TypeStreamChunk:         "StreamChunk",
	TypeStreamClose:         "StreamClose",
	TypeResize:              "Resize",
	TypeProtocolError:       "ProtocolError",
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t < numTypes
}

// Message is implemented by every message variant.
type Message interface {
	// Type returns the wire discriminant.
	Type() Type
	// Accept calls the Visitor method for the concrete message.
	Accept(Visitor) error

	encode(*wire.Encoder) error
	decode(*wire.Decoder) error
}

// registry is the single table mapping a Type to its constructor.
var registry = [numTypes]func() Message{
	TypeConnect:             func() Message { return &Connect{} },
	TypeConnectResult:       func() Message { return &ConnectResult{} },
	TypeLogin:               func() Message { return &Login{} },
	TypeLoginSuccess:        func() Message { return &LoginSuccess{} },
	TypeLoginFailure:        func() Message { return &LoginFailure{} },
	TypeOpenShell:           func() Message { return &OpenShell{} },
	TypeOpenShellResult:     func() Message { return &OpenShellResult{} },
	TypeCloseShell:          func() Message { return &CloseShell{} },
	TypeCloseShellResult:    func() Message { return &CloseShellResult{} },
	TypeExecute:             func() Message { return &Execute{} },
	TypeExecuteResult:       func() Message { return &ExecuteResult{} },
	TypeExecuteNotification: func() Message { return &ExecuteNotification{} },
	TypeExecuteFailure:      func() Message { return &ExecuteFailure{} },
	TypeEcho:                func() Message { return &Echo{} },
	TypeEchoResult:          func() Message { return &EchoResult{} },
	TypeStreamChunk:         func() Message { return &StreamChunk{} },
	TypeStreamClose:         func() Message { return &StreamClose{} },
	TypeResize:              func() Message { return &Resize{} },
	TypeProtocolError:       func() Message { return &ProtocolError{} },
}

// ErrUnknownType is returned for a type ordinal with no message.
var ErrUnknownType = errors.New("unknown message type")

// New returns an empty message of type t.
func New(t Type) (Message, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	return registry[t](), nil
}

// replies maps each request type to the types that answer it.
var replies = map[Type][]Type{
	TypeConnect:    {TypeConnectResult},
	TypeLogin:      {TypeLoginSuccess, TypeLoginFailure},
	TypeOpenShell:  {TypeOpenShellResult},
	TypeCloseShell: {TypeCloseShellResult},
	TypeExecute:    {TypeExecuteResult, TypeExecuteNotification, TypeExecuteFailure},
	TypeEcho:       {TypeEchoResult},
}

// IsRequest reports whether t expects a reply.
func IsRequest(t Type) bool {
	_, ok := replies[t]
	return ok
}

// IsReply reports whether t answers some request.
func IsReply(t Type) bool {
	if t == TypeProtocolError {
		return true
	}
	for _, rs := range replies {
		for _, r := range rs {
			if r == t {
				return true
			}
		}
	}
	return false
}

// Replies reports whether a message of type reply answers a request of
// type request. A ProtocolError answers any request.
func Replies(request, reply Type) bool {
	rs, ok := replies[request]
	if !ok {
		return false
	}
	if reply == TypeProtocolError {
		return true
	}
	for _, r := range rs {
		if r == reply {
			return true
		}
	}
	return false
}

// IsStream reports whether t is stream traffic rather than a request or reply.
func IsStream(t Type) bool {
	return t == TypeStreamChunk || t == TypeStreamClose
}
