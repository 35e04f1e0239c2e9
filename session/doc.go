// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session runs the commands of a whisper shell, i.e. the work
// done by whisperd between an OpenShell and a CloseShell.
//
// New(e Executor) creates a Session. Commands arrive as
// protocol.Execute requests and are run by the Executor with the
// shell's stdin, stdout and stderr. A Session runs one command at a
// time; Start returns ErrBusy while one is running.
//
// The Executor decides what a command is. Process, the executor
// whisperd uses, runs host programs with os/exec. It splits command
// lines the way a POSIX shell would, joins pipeline stages with pipes,
// and has a small set of builtins reachable through dotted paths.
//
// A command reports how it ended through its error: nil for a value,
// *ExitError when it asks the shell to exit, *Abort when it was
// interrupted, *StageError when a pipeline stage failed, and anything
// else for a plain failure.
//
// If the client asks for a terminal, StartPty runs an interactive
// shell on a pty instead, and Resize follows the client's window.
package session
