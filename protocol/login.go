// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/u-root/whisper/wire"
)

// Credentials is the sealed part of a Login. Both fields are
// ciphertext addressed to the server's public key.
type Credentials struct {
	SealedUser     []byte
	SealedPassword []byte
}

func (c *Credentials) encode(e *wire.Encoder) {
	e.ByteArray(c.SealedUser)
	e.ByteArray(c.SealedPassword)
}

func (c *Credentials) decode(d *wire.Decoder) {
	c.SealedUser = d.ByteArray()
	c.SealedPassword = d.ByteArray()
}

// ErrBinding is returned by Open for credentials sealed for another
// handshake.
var ErrBinding = errors.New("credentials are bound to another handshake")

// Login authenticates a user. Only the sealed Credentials and the
// Signature go on the wire; User and Password hold plaintext on either
// side and are never serialized.
//
// Each sealed field is the handshake binding (ConnectResult.Binding)
// followed by the value, and Signature is the client key's signature
// of the binding.
type Login struct {
	Credentials
	Signature []byte

	User     string
	Password string
}

// NewLogin seals user and password, each prefixed with binding, signs
// binding, and returns the message. The plaintext password is not kept.
func NewLogin(binding []byte, user, password string, seal, sign func([]byte) ([]byte, error)) (*Login, error) {
	su, err := seal(bound(binding, user))
	if err != nil {
		return nil, fmt.Errorf("sealing user: %w", err)
	}
	sp, err := seal(bound(binding, password))
	if err != nil {
		return nil, fmt.Errorf("sealing password: %w", err)
	}
	sig, err := sign(binding)
	if err != nil {
		return nil, fmt.Errorf("signing login: %w", err)
	}
	return &Login{Credentials: Credentials{SealedUser: su, SealedPassword: sp}, Signature: sig, User: user}, nil
}

func bound(binding []byte, s string) []byte {
	b := make([]byte, 0, len(binding)+len(s))
	b = append(b, binding...)
	return append(b, s...)
}

// Open unseals the credentials into User and Password. It fails with
// ErrBinding if they were not sealed with binding.
func (m *Login) Open(binding []byte, open func([]byte) ([]byte, error)) error {
	u, err := unbind(binding, m.SealedUser, open)
	if err != nil {
		return fmt.Errorf("opening user: %w", err)
	}
	p, err := unbind(binding, m.SealedPassword, open)
	if err != nil {
		return fmt.Errorf("opening password: %w", err)
	}
	m.User, m.Password = u, p
	return nil
}

func unbind(binding, sealed []byte, open func([]byte) ([]byte, error)) (string, error) {
	b, err := open(sealed)
	if err != nil {
		return "", err
	}
	if len(b) < len(binding) || subtle.ConstantTimeCompare(b[:len(binding)], binding) != 1 {
		return "", ErrBinding
	}
	return string(b[len(binding):]), nil
}

// Wipe drops the plaintext password.
func (m *Login) Wipe() {
	m.Password = ""
}

func (*Login) Type() Type               { return TypeLogin }
func (m *Login) Accept(v Visitor) error { return v.VisitLogin(m) }

func (m *Login) encode(e *wire.Encoder) error {
	m.Credentials.encode(e)
	e.ByteArray(m.Signature)
	return nil
}

func (m *Login) decode(d *wire.Decoder) error {
	m.Credentials.decode(d)
	m.Signature = d.ByteArray()
	return d.Err()
}

// String never includes the password, sealed or not.
func (m Login) String() string {
	return fmt.Sprintf("Login{User: %q, Password: <redacted>}", m.User)
}

// GoString is String, so %#v is redacted as well.
func (m Login) GoString() string {
	return m.String()
}

// LoginSuccess carries the identity token issued to the session.
type LoginSuccess struct {
	Token []byte
}

func (*LoginSuccess) Type() Type               { return TypeLoginSuccess }
func (m *LoginSuccess) Accept(v Visitor) error { return v.VisitLoginSuccess(m) }

func (m *LoginSuccess) encode(e *wire.Encoder) error {
	e.ByteArray(m.Token)
	return nil
}

func (m *LoginSuccess) decode(d *wire.Decoder) error {
	m.Token = d.ByteArray()
	return d.Err()
}

// LoginFailure rejects a Login.
type LoginFailure struct {
	Reason string
}

func (*LoginFailure) Type() Type               { return TypeLoginFailure }
func (m *LoginFailure) Accept(v Visitor) error { return v.VisitLoginFailure(m) }

func (m *LoginFailure) encode(e *wire.Encoder) error {
	e.String(m.Reason)
	return nil
}

func (m *LoginFailure) decode(d *wire.Decoder) error {
	m.Reason = d.String()
	return d.Err()
}
