// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuth is returned for a bad user or password.
var ErrAuth = errors.New("authentication failed")

// An Authenticator checks a user's password.
type Authenticator interface {
	Authenticate(user, password string) error
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(user, password string) error

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(user, password string) error {
	return f(user, password)
}

// Passwords authenticates against bcrypt hashes, by user.
type Passwords map[string][]byte

var _ Authenticator = Passwords{}

// unknownUser is compared against for users with no hash, so a bad
// user takes as long as a bad password.
var unknownUser = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("unknown user"), bcrypt.DefaultCost)
	return h
})

// Authenticate implements Authenticator.
func (p Passwords) Authenticate(user, password string) error {
	h, ok := p[user]
	if !ok {
		h = unknownUser()
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(password)); err != nil || !ok {
		return ErrAuth
	}
	return nil
}

// HashPassword returns the bcrypt hash of password, for a passwords file.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func parseHash(user, hash string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("user %q: %w", user, err)
	}
	return []byte(hash), nil
}

// ParsePasswords parses user:hash lines. Blank lines and lines
// starting with # are skipped.
func ParsePasswords(b []byte) (Passwords, error) {
	p := Passwords{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("line %d: want user:hash", n)
		}
		h, err := parseHash(user, hash)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		p[user] = h
	}
	return p, sc.Err()
}

// LoadPasswords reads a passwords file.
func LoadPasswords(file string) (Passwords, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	p, err := ParsePasswords(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return p, nil
}
