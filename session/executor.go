// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"io"

	"github.com/u-root/whisper/protocol"
)

// IO is the set of streams a command runs with.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// An Executor runs one command. It returns the command's value, or an
// error describing how it ended.
type Executor interface {
	Execute(ctx context.Context, req *protocol.Execute, stdio IO) (any, error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, req *protocol.Execute, stdio IO) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req *protocol.Execute, stdio IO) (any, error) {
	return f(ctx, req, stdio)
}

// ExitError is returned by a command that asks the shell to exit.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exit %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// Abort is returned by a command that was interrupted.
type Abort struct {
	Message string
}

func (e *Abort) Error() string {
	return "aborted: " + e.Message
}

// StageError is returned when stage Stage of a pipeline fails.
type StageError struct {
	Stage int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
