// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/protocol"
	"github.com/u-root/whisper/server"
	"github.com/u-root/whisper/session"
	"github.com/u-root/whisper/transport"
)

func TestBadVsockHost(t *testing.T) {
	var want = strconv.ErrSyntax

	if _, _, err := vsockDial("z", "0"); !errors.Is(err, want) {
		t.Fatalf("Dial: got %v, want %v", err, want)
	}
	if _, _, err := vsockDial("42", "z"); !errors.Is(err, want) {
		t.Fatalf("Dial: got %v, want %v", err, want)
	}
}

func TestClientWithDisablePrivateKey(t *testing.T) {
	c := New("someserver")
	if c.DisablePrivateKey {
		t.Fatal("DisablePrivateKey of Client created by New() is expected to be false, got true")
	}
	if err := c.SetOptions(WithDisablePrivateKey(true)); err != nil {
		t.Fatalf("WithDisablePrivateKey returns unexpected err %v", err)
	}
	if !c.DisablePrivateKey {
		t.Fatal("WithDisablePrivateKey(true) should set DisablePrivateKey to true, got false")
	}
	if err := c.SetOptions(WithNetwork("udp")); err == nil {
		t.Fatal("WithNetwork(udp): got nil, want err")
	}
}

func TestNew(t *testing.T) {
	c := New("whispertest")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: got %v, want nil", err)
	}
	if err := c.Login(context.Background(), "u", "p"); !errors.Is(err, ErrNotDialed) {
		t.Fatalf("Login: got %v, want %v", err, ErrNotDialed)
	}
	if _, err := c.ExecuteLine(context.Background(), "ls"); !errors.Is(err, ErrNotDialed) {
		t.Fatalf("ExecuteLine: got %v, want %v", err, ErrNotDialed)
	}
}

func TestStreamsBeforeDial(t *testing.T) {
	c := New("whispertest")
	if _, err := c.Stdin().Write([]byte("x")); !errors.Is(err, ErrNotDialed) {
		t.Errorf("Stdin().Write: got %v, want %v", err, ErrNotDialed)
	}
	if err := c.Stdin().Close(); !errors.Is(err, ErrNotDialed) {
		t.Errorf("Stdin().Close: got %v, want %v", err, ErrNotDialed)
	}
	for _, r := range []io.Reader{c.Stdout(), c.Stderr()} {
		if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ErrNotDialed) {
			t.Errorf("Read: got %v, want %v", err, ErrNotDialed)
		}
	}
	if err := c.Resize(24, 80); !errors.Is(err, ErrNotDialed) {
		t.Errorf("Resize: got %v, want %v", err, ErrNotDialed)
	}
}

func testServer(t *testing.T) *server.Server {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	s, err := server.NewWithKey(k)
	if err != nil {
		t.Fatal(err)
	}
	s.Auth = server.AuthenticatorFunc(func(user, password string) error {
		if user == "alice" && password == "secret" {
			return nil
		}
		return server.ErrAuth
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func dialPipe(t *testing.T, s *server.Server, opts ...Set) (*Client, error) {
	t.Helper()
	sc, cc := net.Pipe()
	s.ServeConn(sc)
	c := New("pipe")
	if err := c.SetOptions(append([]Set{WithDisablePrivateKey(true), WithTimeout(10 * time.Second)}, opts...)...); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, c.DialConn(context.Background(), cc)
}

func shell(t *testing.T, s *server.Server) *Client {
	t.Helper()
	c, err := dialPipe(t, s)
	if err != nil {
		t.Fatalf("DialConn: %v", err)
	}
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.OpenShell(ctx); err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	return c
}

func TestHostKey(t *testing.T) {
	s := testServer(t)
	if _, err := dialPipe(t, s, WithHostKey(s.Key.PublicKey())); err != nil {
		t.Fatalf("DialConn with the server's key: %v", err)
	}
	other, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dialPipe(t, s, WithHostKey(other.PublicKey())); !errors.Is(err, ErrHostKey) {
		t.Fatalf("DialConn with another key: got %v, want %v", err, ErrHostKey)
	}
}

func TestLogin(t *testing.T) {
	s := testServer(t)
	c, err := dialPipe(t, s)
	if err != nil {
		t.Fatalf("DialConn: %v", err)
	}
	ctx := context.Background()
	if got := c.Session().Phase(); got != transport.Handshaking {
		t.Errorf("phase after DialConn: got %v, want %v", got, transport.Handshaking)
	}

	var pe *protocol.ProtocolError
	if _, err := c.Echo(ctx, "early"); !errors.As(err, &pe) || pe.Code != protocol.ErrCodeUnauthenticated {
		t.Errorf("Echo before login: got %v, want an unauthenticated ProtocolError", err)
	}

	var ae *AuthError
	if err := c.Login(ctx, "alice", "wrong"); !errors.As(err, &ae) {
		t.Fatalf("Login with a bad password: got %v, want an AuthError", err)
	}
	// The connection stays open for another try.
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: got %v, want nil", err)
	}
	if !s.VerifyToken(c.ClientID(), "alice", c.Token()) {
		t.Errorf("token %x does not verify", c.Token())
	}
	if got := c.Session().Phase(); got != transport.Authenticated {
		t.Errorf("phase: got %v, want %v", got, transport.Authenticated)
	}

	if _, err := c.ExecuteLine(ctx, "echo hi"); !errors.As(err, &pe) || pe.Code != protocol.ErrCodeState {
		t.Errorf("Execute without a shell: got %v, want a state ProtocolError", err)
	}
	got, err := c.Echo(ctx, "ping")
	if err != nil || got != "ping" {
		t.Errorf("Echo: got (%q, %v), want (ping, nil)", got, err)
	}
}

func TestOutcomes(t *testing.T) {
	c := shell(t, testServer(t))
	ctx := context.Background()
	for _, tt := range []struct {
		req  *protocol.Execute
		want Outcome
	}{
		{req: protocol.ExecuteLine("echo hi there"), want: Value{V: "hi there"}},
		{req: protocol.ExecuteArgs("exit", "3", "bye"), want: Exit{Code: 3, Message: "bye"}},
		{req: protocol.ExecuteLine("abort enough"), want: Abort{Message: "enough"}},
		{req: protocol.ExecutePath("sys.getenv"), want: Value{V: map[string]any{}}},
	} {
		got, err := c.Execute(ctx, tt.req)
		if err != nil {
			t.Errorf("%v: got %v, want nil", tt.req, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%v: got %#v, want %#v", tt.req, got, tt.want)
		}
	}

	var f *Failure
	if _, err := c.ExecutePath(ctx, "no.such"); !errors.As(err, &f) || f.Stage != -1 {
		t.Errorf("no.such: got %v, want a Failure with no stage", err)
	}
}

func TestStdout(t *testing.T) {
	c := shell(t, testServer(t))
	ctx := context.Background()
	if _, err := c.ExecutePath(ctx, "sys.print", "hello"); err != nil {
		t.Fatalf("sys.print: %v", err)
	}
	b := make([]byte, 6)
	if _, err := io.ReadFull(c.Stdout(), b); err != nil || string(b) != "hello\n" {
		t.Fatalf("stdout: got (%q, %v), want (hello\\n, nil)", b, err)
	}
	if err := c.CloseShell(ctx); err != nil {
		t.Fatalf("CloseShell: %v", err)
	}
	if _, err := io.ReadAll(c.Stdout()); err != nil {
		t.Fatalf("stdout after CloseShell: got %v, want EOF", err)
	}
}

func TestStdin(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skipf("cat: %v", err)
	}
	s := testServer(t)
	c := shell(t, s)
	ctx := context.Background()
	if _, err := c.Stdin().Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := c.Stdin().Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteArgs(ctx, "cat"); err != nil {
		t.Fatalf("cat: %v", err)
	}
	b := make([]byte, 3)
	if _, err := io.ReadFull(c.Stdout(), b); err != nil || string(b) != "abc" {
		t.Fatalf("stdout: got (%q, %v), want (abc, nil)", b, err)
	}
}

func TestPipelineFailure(t *testing.T) {
	for _, p := range []string{"true", "false"} {
		if _, err := exec.LookPath(p); err != nil {
			t.Skipf("%s: %v", p, err)
		}
	}
	c := shell(t, testServer(t))
	_, err := c.ExecutePipeline(context.Background(), []string{"true"}, []string{"false"})
	var f *Failure
	if !errors.As(err, &f) || f.Stage != 1 {
		t.Fatalf("true | false: got %v, want a Failure at stage 1", err)
	}
}

func TestDialTCP(t *testing.T) {
	v = t.Logf
	s := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ln)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := New("127.0.0.1")
	if err := c.SetOptions(WithPort(port), WithDisablePrivateKey(true), WithName("test")); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()
	if err := c.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got, err := c.Echo(ctx, "over tcp"); err != nil || got != "over tcp" {
		t.Fatalf("Echo: got (%q, %v), want (over tcp, nil)", got, err)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	c := New("127.0.0.1")
	if err := c.SetOptions(WithPort(port), WithDisablePrivateKey(true), WithDialTimeout(300*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := c.Dial(context.Background()); err == nil {
		t.Fatal("Dial to a closed port: got nil, want err")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Dial took %v, want about 300ms", d)
	}
}

func TestExecuteOutlivesTimeout(t *testing.T) {
	s := testServer(t)
	s.NewExecutor = func() session.Executor {
		return session.ExecutorFunc(func(ctx context.Context, req *protocol.Execute, stdio session.IO) (any, error) {
			select {
			case <-time.After(600 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return req.Line, nil
		})
	}
	c, err := dialPipe(t, s, WithTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("DialConn: %v", err)
	}
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.OpenShell(ctx); err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	o, err := c.ExecuteLine(ctx, "slow")
	if err != nil {
		t.Fatalf("ExecuteLine(slow) with a 200ms Timeout: got %v, want nil", err)
	}
	if !reflect.DeepEqual(o, Value{V: "slow"}) {
		t.Errorf("ExecuteLine(slow): got %v, want %v", o, Value{V: "slow"})
	}

	// The caller's context still bounds it.
	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := c.ExecuteLine(tctx, "slower"); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("ExecuteLine with a 100ms context: got %v, want %v", err, transport.ErrTimeout)
	}
}
