// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build plan9 || windows

package session

import "errors"

// StartPty is not supported here.
func (s *Session) StartPty(term string, rows, cols uint16, argv []string, stdio IO, done func(error)) error {
	return errors.New("pty shells are not supported on this OS")
}

// Resize always fails: there are no ptys.
func (s *Session) Resize(rows, cols uint16) error {
	return ErrNoPty
}

func brokenPipe(error) bool {
	return false
}

// DropPrivs does nothing.
func DropPrivs() error {
	return nil
}
