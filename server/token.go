// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// tokenKey keys the hash that binds a login token to a client id and
// user. It lives as long as the server.
type tokenKey [32]byte

func newTokenKey() (tokenKey, error) {
	var k tokenKey
	_, err := rand.Read(k[:])
	return k, err
}

func (k *tokenKey) mint(id uuid.UUID, user string) []byte {
	h, err := blake3.NewKeyed(k[:])
	if err != nil {
		panic("server: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(id[:])
	h.Write([]byte(user))
	return h.Sum(nil)
}

func (k *tokenKey) verify(id uuid.UUID, user string, token []byte) bool {
	return subtle.ConstantTimeCompare(k.mint(id, user), token) == 1
}
