// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keys holds the identities whisper peers exchange during the
// handshake, and seals credentials to them.
//
// Keys are ordinary SSH keys: a peer's public key travels in SSH wire
// format, and private keys are read from OpenSSH or PEM files, so the
// keys in ~/.ssh work unchanged. Sealing uses age with its SSH
// recipient types, which supports ed25519 and RSA keys.
package keys

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"golang.org/x/crypto/ssh"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// ErrKeyType is returned for keys that cannot seal or open credentials.
var ErrKeyType = errors.New("unsupported key type")

// KeyPair is a local identity.
type KeyPair struct {
	private  crypto.Signer
	public   ssh.PublicKey
	identity age.Identity
}

// Generate returns a new ed25519 key pair.
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return newKeyPair(priv)
}

// Load reads a private key file.
func Load(file string) (*KeyPair, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	k, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	v("keys: loaded %s from %s", Fingerprint(k.public), file)
	return k, nil
}

// Parse parses an unencrypted ed25519 or RSA private key in OpenSSH or
// PEM form.
func Parse(pemBytes []byte) (*KeyPair, error) {
	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, err
	}
	return newKeyPair(raw)
}

func newKeyPair(raw any) (*KeyPair, error) {
	var (
		signer crypto.Signer
		id     age.Identity
		err    error
	)
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		signer = k
		id, err = agessh.NewEd25519Identity(k)
	case *ed25519.PrivateKey:
		signer = *k
		id, err = agessh.NewEd25519Identity(*k)
	case *rsa.PrivateKey:
		signer = k
		id, err = agessh.NewRSAIdentity(k)
	default:
		return nil, fmt.Errorf("%w: %T", ErrKeyType, raw)
	}
	if err != nil {
		return nil, err
	}
	pub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: signer, public: pub, identity: id}, nil
}

// PublicKey returns the public half of k.
func (k *KeyPair) PublicKey() ssh.PublicKey {
	return k.public
}

// Marshal returns the public key in SSH wire format.
func (k *KeyPair) Marshal() []byte {
	return k.public.Marshal()
}

// Open decrypts ciphertext sealed to k.
func (k *KeyPair) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), k.identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed data: %w", err)
	}
	return io.ReadAll(r)
}

// Sign signs data with k's private key and returns the signature in
// SSH wire format. RSA keys sign with rsa-sha2-256.
func (k *KeyPair) Sign(data []byte) ([]byte, error) {
	s, err := ssh.NewSignerFromSigner(k.private)
	if err != nil {
		return nil, err
	}
	var sig *ssh.Signature
	if as, ok := s.(ssh.AlgorithmSigner); ok && k.public.Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA256)
	} else {
		sig, err = s.Sign(rand.Reader, data)
	}
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return ssh.Marshal(sig), nil
}

// ErrSignature is returned by Verify for a signature that does not
// match.
var ErrSignature = errors.New("bad signature")

// Verify checks that sig, in SSH wire format, is pub's signature of
// data.
func Verify(pub ssh.PublicKey, data, sig []byte) error {
	if pub == nil {
		return fmt.Errorf("%w: no key", ErrSignature)
	}
	var s ssh.Signature
	if err := ssh.Unmarshal(sig, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if err := pub.Verify(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// MarshalPrivateKey returns k's private key as an OpenSSH PEM file.
func (k *KeyPair) MarshalPrivateKey(comment string) ([]byte, error) {
	b, err := ssh.MarshalPrivateKey(k.private, comment)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(b), nil
}

// Seal encrypts plaintext so that only the holder of peer's private
// key can open it.
func Seal(peer ssh.PublicKey, plaintext []byte) ([]byte, error) {
	var (
		r   age.Recipient
		err error
	)
	switch peer.Type() {
	case ssh.KeyAlgoED25519:
		r, err = agessh.NewEd25519Recipient(peer)
	case ssh.KeyAlgoRSA:
		r, err = agessh.NewRSARecipient(peer)
	default:
		return nil, fmt.Errorf("%w: %s", ErrKeyType, peer.Type())
	}
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	w, err := age.Encrypt(&b, r)
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	return b.Bytes(), nil
}

// Sealer returns a function sealing to peer.
func Sealer(peer ssh.PublicKey) func([]byte) ([]byte, error) {
	return func(b []byte) ([]byte, error) {
		return Seal(peer, b)
	}
}

// ParsePublicKey parses a public key in SSH wire format.
func ParsePublicKey(b []byte) (ssh.PublicKey, error) {
	if len(b) == 0 {
		return nil, errors.New("empty public key")
	}
	return ssh.ParsePublicKey(b)
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of k.
func Fingerprint(k ssh.PublicKey) string {
	if k == nil {
		return "<none>"
	}
	return ssh.FingerprintSHA256(k)
}

// Equal reports whether a and b are the same key.
func Equal(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Marshal(), b.Marshal())
}

// ParseAuthorizedKeys parses an authorized_keys file. Blank lines and
// comments are skipped.
func ParseAuthorizedKeys(b []byte) ([]ssh.PublicKey, error) {
	var ks []ssh.PublicKey
	s := bufio.NewScanner(bytes.NewReader(b))
	for n := 1; s.Scan(); n++ {
		l := bytes.TrimSpace(s.Bytes())
		if len(l) == 0 || l[0] == '#' {
			continue
		}
		k, _, _, _, err := ssh.ParseAuthorizedKey(l)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		ks = append(ks, k)
	}
	return ks, s.Err()
}

// LoadAuthorizedKeys reads an authorized_keys file.
func LoadAuthorizedKeys(file string) ([]ssh.PublicKey, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	ks, err := ParseAuthorizedKeys(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return ks, nil
}

// MarshalAuthorizedKey returns k as an authorized_keys line.
func MarshalAuthorizedKey(k ssh.PublicKey) []byte {
	return ssh.MarshalAuthorizedKey(k)
}
