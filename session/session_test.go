// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/u-root/whisper/protocol"
)

func need(t *testing.T, progs ...string) {
	t.Helper()
	for _, p := range progs {
		if _, err := exec.LookPath(p); err != nil {
			t.Skipf("%s: %v", p, err)
		}
	}
}

func TestSplitLine(t *testing.T) {
	for _, tt := range []struct {
		line string
		want [][]string
		err  error
	}{
		{line: "", want: nil},
		{line: "   ", want: nil},
		{line: "ls", want: [][]string{{"ls"}}},
		{line: `echo "a b" c`, want: [][]string{{"echo", "a b", "c"}}},
		{line: "ls -l | wc -l", want: [][]string{{"ls", "-l"}, {"wc", "-l"}}},
		{line: `echo "|" | cat`, want: [][]string{{"echo", "|"}, {"cat"}}},
		{line: "a | b | c", want: [][]string{{"a"}, {"b"}, {"c"}}},
		{line: "ls | | wc", err: ErrEmptyStage},
		{line: "| wc", err: ErrEmptyStage},
		{line: "ls |", err: ErrEmptyStage},
	} {
		got, err := SplitLine(tt.line)
		if !errors.Is(err, tt.err) {
			t.Errorf("SplitLine(%q): %v != %v", tt.line, err, tt.err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitLine(%q): %q != %q", tt.line, got, tt.want)
		}
	}
}

func TestBuiltins(t *testing.T) {
	v = t.Logf
	p := NewProcess()
	ctx := context.Background()

	val, err := p.Execute(ctx, protocol.ExecuteLine(`echo hi "there you"`), IO{})
	if err != nil || val != "hi there you" {
		t.Errorf("echo: (%v, %v) != (hi there you, nil)", val, err)
	}

	_, err = p.Execute(ctx, protocol.ExecuteArgs("exit", "3", "bye"), IO{})
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != 3 || ee.Message != "bye" {
		t.Errorf("exit: %v is not an ExitError{3, bye}", err)
	}

	_, err = p.Execute(ctx, protocol.ExecuteLine("abort stop"), IO{})
	var ab *Abort
	if !errors.As(err, &ab) || ab.Message != "stop" {
		t.Errorf("abort: %v is not an Abort{stop}", err)
	}

	var out bytes.Buffer
	if _, err := p.Execute(ctx, protocol.ExecutePath("sys.print", "a", "b"), IO{Stdout: &out}); err != nil {
		t.Fatalf("sys.print: %v != nil", err)
	}
	if out.String() != "a b\n" {
		t.Errorf("sys.print output %q != %q", out.String(), "a b\n")
	}

	val, err = p.Execute(ctx, protocol.ExecutePath("sys.info"), IO{})
	if err != nil {
		t.Fatalf("sys.info: %v != nil", err)
	}
	if _, ok := val.(map[string]any)["os"]; !ok {
		t.Errorf("sys.info: %v has no os", val)
	}

	if _, err := p.Execute(ctx, protocol.ExecutePath("no.such"), IO{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("no.such: %v != %v", err, ErrNotFound)
	}
}

func TestRun(t *testing.T) {
	need(t, "cat")
	v = t.Logf
	p := NewProcess()
	var out bytes.Buffer
	stdio := IO{Stdin: strings.NewReader("hello\n"), Stdout: &out}
	if _, err := p.Execute(context.Background(), protocol.ExecuteArgs("cat"), stdio); err != nil {
		t.Fatalf("cat: %v != nil", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("cat output %q != %q", out.String(), "hello\n")
	}
}

func TestRunFailure(t *testing.T) {
	need(t, "false")
	p := NewProcess()
	_, err := p.Execute(context.Background(), protocol.ExecuteArgs("false"), IO{})
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("false: %v is not an exec.ExitError", err)
	}
	var se *StageError
	if errors.As(err, &se) {
		t.Errorf("false: %v is a StageError", err)
	}
}

func TestPipeline(t *testing.T) {
	need(t, "tr", "cat")
	v = t.Logf
	p := NewProcess()
	var out bytes.Buffer
	stdio := IO{Stdin: strings.NewReader("abc"), Stdout: &out}
	if _, err := p.Execute(context.Background(), protocol.ExecuteLine("tr a-z A-Z | cat"), stdio); err != nil {
		t.Fatalf("pipeline: %v != nil", err)
	}
	if out.String() != "ABC" {
		t.Errorf("pipeline output %q != %q", out.String(), "ABC")
	}
}

func TestPipelineStageFailure(t *testing.T) {
	need(t, "true", "false")
	p := NewProcess()
	for _, req := range []*protocol.Execute{
		protocol.ExecuteLine("true | false"),
		protocol.ExecuteLine("true | false | true"),
		protocol.ExecutePipeline([]string{"true"}, []string{"false"}),
	} {
		_, err := p.Execute(context.Background(), req, IO{})
		var se *StageError
		if !errors.As(err, &se) || se.Stage != 1 {
			t.Errorf("%v: %v is not a StageError at stage 1", req, err)
		}
	}
	// The rightmost failure wins.
	_, err := p.Execute(context.Background(), protocol.ExecuteLine("false | true | false"), IO{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != 2 {
		t.Errorf("false | true | false: %v is not a StageError at stage 2", err)
	}
}

func TestPipelineBrokenPipe(t *testing.T) {
	need(t, "yes", "head")
	p := NewProcess()
	var out bytes.Buffer
	if _, err := p.Execute(context.Background(), protocol.ExecuteLine("yes | head -n 1"), IO{Stdout: &out}); err != nil {
		t.Fatalf("yes | head: %v != nil", err)
	}
	if out.String() != "y\n" {
		t.Errorf("yes | head output %q != %q", out.String(), "y\n")
	}
}

func TestPipelineErrors(t *testing.T) {
	p := NewProcess()
	for _, tt := range []struct {
		req   *protocol.Execute
		stage int
	}{
		{req: protocol.ExecutePipeline([]string{"true"}, []string{}), stage: 1},
		{req: protocol.ExecuteLine("true | echo hi"), stage: 1},
		{req: protocol.ExecutePipeline([]string{"/no/such/program"}, []string{"true"}), stage: 0},
	} {
		_, err := p.Execute(context.Background(), tt.req, IO{})
		var se *StageError
		if !errors.As(err, &se) || se.Stage != tt.stage {
			t.Errorf("%v: %v is not a StageError at stage %d", tt.req, err, tt.stage)
		}
	}
}

func TestBusy(t *testing.T) {
	release := make(chan struct{})
	s := New(ExecutorFunc(func(ctx context.Context, req *protocol.Execute, stdio IO) (any, error) {
		<-release
		return req.Line, nil
	}))
	got := make(chan any, 1)
	if err := s.Start(protocol.ExecuteLine("one"), IO{}, func(v any, err error) { got <- v }); err != nil {
		t.Fatalf("Start: %v != nil", err)
	}
	if !s.Running() {
		t.Errorf("Running(): false != true")
	}
	if _, err := s.Execute(protocol.ExecuteLine("two"), IO{}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Execute: %v != %v", err, ErrBusy)
	}
	close(release)
	if v := <-got; v != "one" {
		t.Errorf("first command: %v != one", v)
	}
	val, err := s.Execute(protocol.ExecuteLine("three"), IO{})
	if err != nil || val != "three" {
		t.Errorf("Execute after the first finished: (%v, %v) != (three, nil)", val, err)
	}
}

func TestCloseAborts(t *testing.T) {
	s := New(ExecutorFunc(func(ctx context.Context, req *protocol.Execute, stdio IO) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	got := make(chan error, 1)
	if err := s.Start(protocol.ExecuteLine("wait"), IO{}, func(_ any, err error) { got <- err }); err != nil {
		t.Fatalf("Start: %v != nil", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	s.Wait()
	var ab *Abort
	if err := <-got; !errors.As(err, &ab) {
		t.Errorf("closed command: %v is not an Abort", err)
	}
	if err := s.Start(protocol.ExecuteLine("x"), IO{}, func(any, error) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: %v != %v", err, ErrClosed)
	}
}

func TestCloseKillsProcess(t *testing.T) {
	need(t, "sleep")
	s := New(NewProcess())
	got := make(chan error, 1)
	start := time.Now()
	if err := s.Start(protocol.ExecuteArgs("sleep", "10"), IO{}, func(_ any, err error) { got <- err }); err != nil {
		t.Fatalf("Start: %v != nil", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.Close()
	var ab *Abort
	if err := <-got; !errors.As(err, &ab) {
		t.Errorf("killed sleep: %v is not an Abort", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("sleep took %v after Close", d)
	}
}

func TestResizeNoPty(t *testing.T) {
	s := New(NewProcess())
	if err := s.Resize(24, 80); !errors.Is(err, ErrNoPty) {
		t.Errorf("Resize: %v != %v", err, ErrNoPty)
	}
}

// Not sure testing this is a great idea but ... it works so ...
func TestDropPrivs(t *testing.T) {
	if err := DropPrivs(); err != nil {
		t.Fatalf("DropPrivs(): %v != nil", err)
	}
}
