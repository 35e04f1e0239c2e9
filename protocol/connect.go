// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"github.com/google/uuid"
	"github.com/u-root/whisper/wire"
)

// Connect opens the handshake. PublicKey is the client's SSH public
// key in wire format. Name optionally identifies the client program.
type Connect struct {
	PublicKey []byte
	Name      *string
}

func (*Connect) Type() Type               { return TypeConnect }
func (m *Connect) Accept(v Visitor) error { return v.VisitConnect(m) }

func (m *Connect) encode(e *wire.Encoder) error {
	e.ByteArray(m.PublicKey)
	e.NullableString(m.Name)
	return nil
}

func (m *Connect) decode(d *wire.Decoder) error {
	m.PublicKey = d.ByteArray()
	m.Name = d.NullableString()
	return d.Err()
}

// NonceLen is the length of a ConnectResult nonce.
const NonceLen = 32

// ConnectResult completes the handshake with the server's public key,
// the identifier it assigned to the client, and a fresh nonce the
// client's Login must be bound to.
type ConnectResult struct {
	PublicKey []byte
	ClientID  uuid.UUID
	Nonce     []byte
}

const bindingPrefix = "whisper-login-v1\x00"

// Binding returns the bytes that tie a Login to this handshake. The
// client signs them with its key and seals them with its credentials.
func (m *ConnectResult) Binding() []byte {
	b := make([]byte, 0, len(bindingPrefix)+len(m.Nonce)+len(m.ClientID)+len(m.PublicKey))
	b = append(b, bindingPrefix...)
	b = append(b, m.Nonce...)
	b = append(b, m.ClientID[:]...)
	return append(b, m.PublicKey...)
}

func (*ConnectResult) Type() Type               { return TypeConnectResult }
func (m *ConnectResult) Accept(v Visitor) error { return v.VisitConnectResult(m) }

func (m *ConnectResult) encode(e *wire.Encoder) error {
	e.ByteArray(m.PublicKey)
	e.UUID(&m.ClientID)
	e.ByteArray(m.Nonce)
	return nil
}

func (m *ConnectResult) decode(d *wire.Decoder) error {
	m.PublicKey = d.ByteArray()
	if id := d.UUID(); id != nil {
		m.ClientID = *id
	}
	m.Nonce = d.ByteArray()
	return d.Err()
}
