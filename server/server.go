// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"errors"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/u-root/whisper/ds"
	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/session"
	"github.com/u-root/whisper/transport"
	"golang.org/x/crypto/ssh"
)

// DefaultMaxAuthTries is how many failed logins end a connection.
const DefaultMaxAuthTries = 3

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("whisper: server closed")

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

func verbose(f string, a ...interface{}) {
	v("whisperd:"+f, a...)
}

// Server is a whisperd.
type Server struct {
	// Key is the server's key pair.
	Key *keys.KeyPair
	// Authorized, if not nil, lists the client keys that may connect.
	Authorized []ssh.PublicKey
	// Auth checks logins. If nil, every login fails.
	Auth Authenticator
	// NewExecutor returns the command engine of a new shell. If nil,
	// shells run host processes with session.NewProcess.
	NewExecutor func() session.Executor
	// Shell is the command of pty shells; nil means $SHELL.
	Shell []string
	// EchoHandler, if set, sees the text of every Echo.
	EchoHandler func(peer transport.Peer, text string)
	// MaxAuthTries is how many failed logins end a connection. Zero
	// means DefaultMaxAuthTries.
	MaxAuthTries int
	// Compress enables LZ4 compression of output chunks.
	Compress bool
	// MaxBuffered bounds each input stream. Zero is unbounded. A
	// client that fills stdin stalls its own connection until the
	// command reads it or the shell closes.
	MaxBuffered int

	token tokenKey

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*conn]*transport.Session
	wg        sync.WaitGroup
}

// New sets up a whisperd with the key in hostKeyFile, or a generated
// one if it is empty. If authorizedKeysFile is not empty, only the keys
// it lists may connect.
func New(hostKeyFile, authorizedKeysFile string) (*Server, error) {
	var (
		k   *keys.KeyPair
		err error
	)
	if hostKeyFile == "" {
		verbose("no host key file, generating a key")
		k, err = keys.Generate()
	} else {
		k, err = keys.Load(hostKeyFile)
	}
	if err != nil {
		return nil, err
	}
	s, err := NewWithKey(k)
	if err != nil {
		return nil, err
	}
	if authorizedKeysFile != "" {
		if s.Authorized, err = keys.LoadAuthorizedKeys(authorizedKeysFile); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithKey sets up a whisperd with key k that any client key may
// connect to.
func NewWithKey(k *keys.KeyPair) (*Server, error) {
	t, err := newTokenKey()
	if err != nil {
		return nil, err
	}
	verbose("host key %s", keys.Fingerprint(k.PublicKey()))
	return &Server{
		Key:       k,
		token:     t,
		listeners: map[net.Listener]struct{}{},
		conns:     map[*conn]*transport.Session{},
	}, nil
}

// VerifyToken reports whether token was minted by s for client id
// and user.
func (s *Server) VerifyToken(id uuid.UUID, user string, token []byte) bool {
	return s.token.verify(id, user, token)
}

// Tenants returns the number of open connections.
func (s *Server) Tenants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) maxAuthTries() int {
	if s.MaxAuthTries > 0 {
		return s.MaxAuthTries
	}
	return DefaultMaxAuthTries
}

func (s *Server) authorized(k ssh.PublicKey) bool {
	if s.Authorized == nil {
		return true
	}
	for _, a := range s.Authorized {
		if keys.Equal(a, k) {
			return true
		}
	}
	return false
}

func (s *Server) authenticate(user, password string) error {
	if s.Auth == nil {
		return ErrAuth
	}
	return s.Auth.Authenticate(user, password)
}

func (s *Server) executor() session.Executor {
	if s.NewExecutor != nil {
		return s.NewExecutor()
	}
	return session.NewProcess()
}

// Serve accepts connections on ln until it fails or the server is
// closed, in which case it returns ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			log.Printf("whisperd: accept on %v: %v", ln.Addr(), err)
			return err
		}
		verbose("connection from %v", c.RemoteAddr())
		s.ServeConn(c)
	}
}

// ServeConn runs a session on c and returns it. The session runs until
// either side closes it.
func (s *Server) ServeConn(c net.Conn) *transport.Session {
	cn := &conn{srv: s}
	ts := transport.New(c, transport.Config{
		Handler:     cn,
		Filter:      cn.filter,
		Compress:    s.Compress,
		MaxBuffered: s.MaxBuffered,
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ts.Close()
		return ts
	}
	s.conns[cn] = ts
	s.wg.Add(1)
	s.mu.Unlock()
	ds.Tenant(1)

	go func() {
		defer s.wg.Done()
		<-ts.Done()
		cn.closeShell()
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
		ds.Tenant(-1)
		verbose("%v: session ends: %v", ts.RemoteAddr(), ts.Err())
	}()
	return ts
}

// Close stops the listeners and closes every session.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var (
		lns []net.Listener
		tss []*transport.Session
	)
	for ln := range s.listeners {
		lns = append(lns, ln)
	}
	for _, ts := range s.conns {
		tss = append(tss, ts)
	}
	s.mu.Unlock()

	var errs error
	for _, ln := range lns {
		if err := ln.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, ts := range tss {
		if err := ts.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.wg.Wait()
	return errs
}
