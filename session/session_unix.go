// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !plan9 && !windows

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// DefaultShell is the shell StartPty runs when given no command.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// StartPty runs argv, or DefaultShell, on a new pty of rows by cols
// with TERM set to term. Stdin is copied to the pty and the pty to
// stdout until the shell exits; then done is called with its exit
// error. While it runs, Start returns ErrBusy.
func (s *Session) StartPty(term string, rows, cols uint16, argv []string, stdio IO, done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.running, s.pty != nil:
		return ErrBusy
	}
	if len(argv) == 0 {
		argv = []string{DefaultShell()}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM="+term)
	var (
		f   *os.File
		err error
	)
	if rows != 0 && cols != 0 {
		f, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	} else {
		f, err = pty.Start(cmd)
	}
	if err != nil {
		return fmt.Errorf("starting %q on a pty: %w", argv, err)
	}
	verbose("command %q started with pty", argv)
	s.pty, s.shell = f, cmd
	s.wg.Add(1)
	go func() {
		if err := pump(s.ctx, f, stdio.Stdin); err != nil {
			v("session:pty stdin: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		// The copy ends with EIO once the shell is gone.
		io.Copy(stdio.Stdout, f) //nolint
		// It is important to only wait for the process started here,
		// not any orphans; those belong to the reaper.
		err := errval(cmd.Wait())
		v("session:pty shell %q returns %v", argv, err)
		s.mu.Lock()
		s.pty, s.shell = nil, nil
		s.mu.Unlock()
		f.Close()
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Resize sets the window size of the shell's pty.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return ErrNoPty
	}
	return unix.IoctlSetWinsize(int(s.pty.Fd()), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}

func brokenPipe(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGPIPE
}

// DropPrivs drops privileges to the level of os.Getuid / os.Getgid
func DropPrivs() error {
	uid := unix.Getuid()
	v("session:dropPrivs: uid is %v", uid)
	if uid == 0 {
		v("session:dropPrivs: not dropping privs")
		return nil
	}
	gid := unix.Getgid()
	v("session:dropPrivs: gid is %v", gid)
	if err := unix.Setreuid(-1, uid); err != nil {
		return err
	}
	return unix.Setregid(-1, gid)
}
