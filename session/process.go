// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/u-root/whisper/protocol"
)

// ErrNotFound is returned for a path that names no builtin.
var ErrNotFound = errors.New("command not found")

// A Builtin is a command run inside the server. Builtins are named by
// dotted paths, e.g. sys.hostname; the ones without a dot are also
// found by name in command lines.
type Builtin func(ctx context.Context, args []string, stdio IO) (any, error)

// Process is an Executor that runs host programs.
type Process struct {
	// Dir is the working directory of commands. Empty means the server's.
	Dir string
	// Env is the environment of commands. Nil means the server's.
	Env []string
	// Private runs each command in a private mount namespace, where the
	// OS has them.
	Private bool
	// WaitDelay bounds how long output may keep flowing after a command
	// exits, e.g. from a child it left running.
	WaitDelay time.Duration
	// Builtins maps paths to builtin commands.
	Builtins map[string]Builtin
}

var _ Executor = &Process{}

// NewProcess returns a Process with the default builtins.
func NewProcess() *Process {
	return &Process{WaitDelay: time.Second, Builtins: DefaultBuiltins()}
}

// Execute implements Executor.
func (p *Process) Execute(ctx context.Context, req *protocol.Execute, stdio IO) (any, error) {
	verbose("execute %v", req)
	switch req.Form {
	case protocol.FormLine:
		stages, err := SplitLine(req.Line)
		if err != nil {
			return nil, err
		}
		switch len(stages) {
		case 0:
			return nil, nil
		case 1:
			return p.run(ctx, stages[0], stdio)
		}
		return p.pipeline(ctx, stages, stdio)
	case protocol.FormArgs:
		if len(req.Args) == 0 {
			return nil, errors.New("no command")
		}
		return p.run(ctx, req.Args, stdio)
	case protocol.FormPath:
		b, ok := p.Builtins[req.Path]
		if !ok {
			return nil, fmt.Errorf("%s: %w", req.Path, ErrNotFound)
		}
		return b(ctx, req.Args, stdio)
	case protocol.FormPipeline:
		return p.pipeline(ctx, req.Pipeline, stdio)
	}
	return nil, fmt.Errorf("%w: %v", protocol.ErrForm, req.Form)
}

func (p *Process) command(ctx context.Context, argv []string) *exec.Cmd {
	c := command(ctx, p.Private, argv[0], argv[1:]...)
	c.Dir, c.Env, c.WaitDelay = p.Dir, p.Env, p.WaitDelay
	return c
}

func (p *Process) run(ctx context.Context, argv []string, stdio IO) (any, error) {
	if b, ok := p.Builtins[argv[0]]; ok {
		return b(ctx, argv[1:], stdio)
	}
	c := p.command(ctx, argv)
	stdin, stop, err := stdinPipe(stdio.Stdin)
	if err != nil {
		return nil, err
	}
	defer stop()
	c.Stdin, c.Stdout, c.Stderr = stdin, stdio.Stdout, stdio.Stderr
	err = c.Run()
	v("session:run %q returns %v", argv, err)
	return nil, exitErr(ctx, err)
}

// pipeline runs stages connected by pipes. The rightmost failing stage
// is reported. A stage other than the last that dies of SIGPIPE did not
// fail; its reader just stopped reading.
func (p *Process) pipeline(ctx context.Context, stages [][]string, stdio IO) (any, error) {
	cmds := make([]*exec.Cmd, len(stages))
	for i, argv := range stages {
		if len(argv) == 0 {
			return nil, &StageError{Stage: i, Err: ErrEmptyStage}
		}
		if _, ok := p.Builtins[argv[0]]; ok {
			return nil, &StageError{Stage: i, Err: fmt.Errorf("%s: builtins can not be piped", argv[0])}
		}
		cmds[i] = p.command(ctx, argv)
		cmds[i].Stderr = stdio.Stderr
	}
	stdin, stop, err := stdinPipe(stdio.Stdin)
	if err != nil {
		return nil, err
	}
	defer stop()
	cmds[0].Stdin = stdin
	cmds[len(cmds)-1].Stdout = stdio.Stdout

	var pipes []io.Closer
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(pipes)
			return nil, err
		}
		cmds[i].Stdout, cmds[i+1].Stdin = w, r
		pipes = append(pipes, r, w)
	}

	var failed error
	started := 0
	for i, c := range cmds {
		if err := c.Start(); err != nil {
			failed = &StageError{Stage: i, Err: err}
			break
		}
		started++
	}
	// The children have their ends now.
	closeAll(pipes)
	if failed != nil {
		for _, c := range cmds[:started] {
			c.Process.Kill()
		}
	}
	for i, c := range cmds[:started] {
		err := c.Wait()
		v("session:pipeline stage %d %q returns %v", i, stages[i], err)
		if err = errval(err); err == nil || errors.Is(err, exec.ErrWaitDelay) {
			continue
		}
		if i < len(cmds)-1 && brokenPipe(err) {
			continue
		}
		if failed == nil || failed.(*StageError).Stage < i {
			failed = &StageError{Stage: i, Err: err}
		}
	}
	if ctx.Err() != nil {
		return nil, &Abort{Message: ctx.Err().Error()}
	}
	return nil, failed
}

func closeAll(cs []io.Closer) error {
	var errs error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// errval can be used to examine errors that we don't consider errors
func errval(err error) error {
	if err == nil {
		return err
	}
	// A zombie reaper may grab the child's exit state first.
	if strings.Contains(err.Error(), "no child process") {
		return nil
	}
	return err
}

func exitErr(ctx context.Context, err error) error {
	err = errval(err)
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	if ctx.Err() != nil {
		return &Abort{Message: ctx.Err().Error()}
	}
	return err
}

type contextReader interface {
	ReadContext(context.Context, []byte) (int, error)
}

// stdinPipe returns a command's stdin, fed from r through a pipe, and
// a function that stops the feed once the command is done. If r can
// read with a context, stopping consumes nothing more from it.
func stdinPipe(r io.Reader) (io.Reader, func(), error) {
	switch r.(type) {
	case nil, *os.File:
		return r, func() {}, nil
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer pw.Close()
		if err := pump(ctx, pw, r); err != nil {
			v("session:stdin: %v", err)
		}
	}()
	return pr, func() {
		cancel()
		pr.Close()
	}, nil
}

// pump copies r to w until r ends or ctx is done.
func pump(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, 32*1024)
	cr, canCancel := r.(contextReader)
	for {
		var (
			n   int
			err error
		)
		if canCancel {
			n, err = cr.ReadContext(ctx, buf)
		} else {
			n, err = r.Read(buf)
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// DefaultBuiltins returns the builtins of NewProcess.
func DefaultBuiltins() map[string]Builtin {
	return map[string]Builtin{
		"echo": func(_ context.Context, args []string, _ IO) (any, error) {
			return strings.Join(args, " "), nil
		},
		"exit": func(_ context.Context, args []string, _ IO) (any, error) {
			code := 0
			if len(args) > 0 {
				c, err := strconv.Atoi(args[0])
				if err != nil {
					return nil, fmt.Errorf("exit: %w", err)
				}
				code, args = c, args[1:]
			}
			return nil, &ExitError{Code: code, Message: strings.Join(args, " ")}
		},
		"abort": func(_ context.Context, args []string, _ IO) (any, error) {
			return nil, &Abort{Message: strings.Join(args, " ")}
		},
		"sys.hostname": func(context.Context, []string, IO) (any, error) {
			return os.Hostname()
		},
		"sys.getenv": func(_ context.Context, args []string, _ IO) (any, error) {
			env := map[string]string{}
			for _, a := range args {
				env[a] = os.Getenv(a)
			}
			return env, nil
		},
		"sys.info": func(context.Context, []string, IO) (any, error) {
			return map[string]any{
				"os":    runtime.GOOS,
				"arch":  runtime.GOARCH,
				"cores": runtime.NumCPU(),
				"pid":   os.Getpid(),
			}, nil
		},
		"sys.print": func(_ context.Context, args []string, stdio IO) (any, error) {
			if stdio.Stdout == nil {
				return nil, nil
			}
			_, err := fmt.Fprintln(stdio.Stdout, strings.Join(args, " "))
			return nil, err
		},
	}
}
