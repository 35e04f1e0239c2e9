// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/u-root/whisper/protocol"
)

var (
	// ErrBusy is returned when a command or pty shell is already running.
	ErrBusy = errors.New("a command is already running")
	// ErrNoPty is returned by Resize when the shell has no pty.
	ErrNoPty = errors.New("shell has no pty")
	// ErrClosed is returned once the shell is closed.
	ErrClosed = errors.New("shell closed")
)

// Session is one shell, from OpenShell to CloseShell.
type Session struct {
	exec   Executor
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	closed  bool
	pty     *os.File
	shell   *exec.Cmd

	wg sync.WaitGroup
}

// New returns a shell running commands with e.
func New(e Executor) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{exec: e, ctx: ctx, cancel: cancel}
}

// Start runs req on its own goroutine and calls done with the result.
// It fails with ErrBusy if a command or pty shell is running.
func (s *Session) Start(req *protocol.Execute, stdio IO, done func(any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.running, s.pty != nil:
		return ErrBusy
	}
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		val, err := s.exec.Execute(s.ctx, req, stdio)
		var a *Abort
		if err != nil && s.ctx.Err() != nil && !errors.As(err, &a) {
			err = &Abort{Message: "shell closed"}
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		done(val, err)
	}()
	return nil
}

// Execute runs req and waits for it.
func (s *Session) Execute(req *protocol.Execute, stdio IO) (any, error) {
	type result struct {
		val any
		err error
	}
	c := make(chan result, 1)
	if err := s.Start(req, stdio, func(val any, err error) { c <- result{val, err} }); err != nil {
		return nil, err
	}
	r := <-c
	return r.val, r.err
}

// Running reports whether a command or pty shell is running.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running || s.pty != nil
}

// Close interrupts the running command and kills the pty shell. It
// does not wait for them; see Wait.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	var errs error
	if s.shell != nil && s.shell.Process != nil {
		if err := s.shell.Process.Kill(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Wait waits for the running command and pty shell to finish.
func (s *Session) Wait() {
	s.wg.Wait()
}
