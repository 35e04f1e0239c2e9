// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/u-root/whisper/client"
	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/protocol"
	"github.com/u-root/whisper/session"
	"github.com/u-root/whisper/transport"
	"golang.org/x/crypto/ssh"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewWithKey(k)
	if err != nil {
		t.Fatal(err)
	}
	s.Auth = AuthenticatorFunc(func(user, password string) error {
		if user == "alice" && password == "secret" {
			return nil
		}
		return ErrAuth
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T, s *Server) *client.Client {
	t.Helper()
	sc, cc := net.Pipe()
	s.ServeConn(sc)
	c := client.New("pipe")
	if err := c.SetOptions(client.WithDisablePrivateKey(true), client.WithTimeout(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.DialConn(context.Background(), cc); err != nil {
		t.Fatalf("DialConn: %v", err)
	}
	return c
}

func TestNewServer(t *testing.T) {
	s, err := New("", "")
	if err != nil {
		t.Fatalf(`New("", ""): %v != nil`, err)
	}
	if s.Key == nil || s.Authorized != nil {
		t.Fatalf(`New("", "") returns a server without a key or with authorized keys`)
	}
	t.Logf("New server: %v", keys.Fingerprint(s.Key.PublicKey()))
}

func TestNewServerWithKeys(t *testing.T) {
	d := t.TempDir()
	k, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	pem, err := k.MarshalPrivateKey("host")
	if err != nil {
		t.Fatal(err)
	}
	hk, ak := filepath.Join(d, "host"), filepath.Join(d, "authorized_keys")
	if err := os.WriteFile(hk, pem, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ak, keys.MarshalAuthorizedKey(k.PublicKey()), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := New(hk, ak)
	if err != nil {
		t.Fatalf("New(%q, %q): %v != nil", hk, ak, err)
	}
	if !keys.Equal(s.Key.PublicKey(), k.PublicKey()) || len(s.Authorized) != 1 {
		t.Fatalf("New(%q, %q): wrong host key or %d authorized keys", hk, ak, len(s.Authorized))
	}
	if _, err := New(filepath.Join(d, "nonesuch"), ""); err == nil {
		t.Fatalf("New with a missing key file: nil != an error")
	}
}

func TestDaemonStart(t *testing.T) {
	v = t.Logf
	s := newServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen(): %v != nil", err)
	}
	t.Logf("Listening on %v", ln.Addr())
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Close()
	}()

	if err := s.Serve(ln); err != ErrServerClosed {
		t.Fatalf("s.Serve(): %v != %v", err, ErrServerClosed)
	}
	if err := s.Serve(ln); err != ErrServerClosed {
		t.Fatalf("s.Serve() after Close: %v != %v", err, ErrServerClosed)
	}
	t.Logf("Daemon returns")
}

// TestLoginEcho is the basic flow: key exchange, login, and a request.
func TestLoginEcho(t *testing.T) {
	v = t.Logf
	s := newServer(t)
	var (
		mu    sync.Mutex
		heard []string
	)
	s.EchoHandler = func(p transport.Peer, text string) {
		mu.Lock()
		defer mu.Unlock()
		heard = append(heard, p.User+":"+text)
	}
	c := dial(t, s)
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v != nil", err)
	}
	got, err := c.Echo(ctx, "ping")
	if err != nil || got != "ping" {
		t.Fatalf("Echo(ping): (%q, %v) != (ping, nil)", got, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(heard) != 1 || heard[0] != "alice:ping" {
		t.Fatalf("echo handler heard %q, want [alice:ping]", heard)
	}
	if s.Tenants() != 1 {
		t.Errorf("Tenants(): %d != 1", s.Tenants())
	}
}

// TestPipelineFailure checks that the failing stage of a pipeline gets
// back to the client.
func TestPipelineFailure(t *testing.T) {
	echo, err := exec.LookPath("echo")
	if err != nil {
		t.Skipf("echo: %v", err)
	}
	if _, err := exec.LookPath("false"); err != nil {
		t.Skipf("false: %v", err)
	}
	c := dial(t, newServer(t))
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v != nil", err)
	}
	if err := c.OpenShell(ctx); err != nil {
		t.Fatalf("OpenShell: %v != nil", err)
	}
	_, err = c.ExecutePipeline(ctx, []string{echo, "a"}, []string{"false"})
	var f *client.Failure
	if !errors.As(err, &f) {
		t.Fatalf("echo a | false: %v is not a *client.Failure", err)
	}
	if f.Stage != 1 {
		t.Fatalf("echo a | false: failed at stage %d, want 1", f.Stage)
	}
}

func TestMaxAuthTries(t *testing.T) {
	s := newServer(t)
	s.MaxAuthTries = 2
	c := dial(t, s)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		var ae *client.AuthError
		if err := c.Login(ctx, "alice", "guess"); !errors.As(err, &ae) {
			t.Fatalf("Login %d: %v is not an AuthError", i, err)
		}
	}
	select {
	case <-c.Session().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not hang up after %d failed logins", s.MaxAuthTries)
	}
	if err := c.Login(ctx, "alice", "secret"); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Login after hang up: %v != %v", err, transport.ErrSessionClosed)
	}
}

func TestAuthorizedKeys(t *testing.T) {
	s := newServer(t)
	other, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	s.Authorized = append(s.Authorized, other.PublicKey())

	sc, cc := net.Pipe()
	s.ServeConn(sc)
	c := client.New("pipe")
	if err := c.SetOptions(client.WithDisablePrivateKey(true), client.WithTimeout(5*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := c.DialConn(context.Background(), cc); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("DialConn with an unlisted key: %v != %v", err, transport.ErrSessionClosed)
	}

	sc, cc = net.Pipe()
	s.ServeConn(sc)
	c = client.New("pipe")
	if err := c.SetOptions(client.WithKey(other)); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.DialConn(context.Background(), cc); err != nil {
		t.Fatalf("DialConn with a listed key: %v != nil", err)
	}
}

// rawSession returns a bare client session to s.
func rawSession(t *testing.T, s *Server) *transport.Session {
	t.Helper()
	sc, cc := net.Pipe()
	s.ServeConn(sc)
	ts := transport.New(cc, transport.Config{Phase: transport.Handshaking})
	t.Cleanup(func() { ts.Close() })
	return ts
}

func rawConnect(ctx context.Context, t *testing.T, ts *transport.Session, pub []byte) *protocol.ConnectResult {
	t.Helper()
	r, err := ts.Request(ctx, &protocol.Connect{PublicKey: pub})
	if err != nil {
		t.Fatalf("Connect: %v != nil", err)
	}
	cr, ok := r.(*protocol.ConnectResult)
	if !ok {
		t.Fatalf("Connect: %v is not a ConnectResult", r)
	}
	return cr
}

// rawLogin returns a Login for cr signed with k.
func rawLogin(t *testing.T, cr *protocol.ConnectResult, k *keys.KeyPair, user, password string) *protocol.Login {
	t.Helper()
	pk, err := keys.ParsePublicKey(cr.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	l, err := protocol.NewLogin(cr.Binding(), user, password, keys.Sealer(pk), k.Sign)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLoginNeedsPrivateKey(t *testing.T) {
	s := newServer(t)
	owner, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	thief, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	s.Authorized = []ssh.PublicKey{owner.PublicKey()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The owner's public key is enough to pass Connect, but a Login
	// signed with any other key ends the connection.
	ts := rawSession(t, s)
	cr := rawConnect(ctx, t, ts, owner.Marshal())
	if r, err := ts.Request(ctx, rawLogin(t, cr, thief, "alice", "secret")); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Login signed by another key: (%v, %v), want %v", r, err, transport.ErrSessionClosed)
	}

	ts = rawSession(t, s)
	cr = rawConnect(ctx, t, ts, owner.Marshal())
	l := rawLogin(t, cr, owner, "alice", "secret")
	l.Signature = nil
	if r, err := ts.Request(ctx, l); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("Login without a signature: (%v, %v), want %v", r, err, transport.ErrSessionClosed)
	}

	ts = rawSession(t, s)
	cr = rawConnect(ctx, t, ts, owner.Marshal())
	if r, err := ts.Request(ctx, rawLogin(t, cr, owner, "alice", "secret")); err != nil || r.Type() != protocol.TypeLoginSuccess {
		t.Fatalf("Login by the key's owner: (%v, %v) != (LoginSuccess, nil)", r, err)
	}
}

func TestLoginReplay(t *testing.T) {
	s := newServer(t)
	victim, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	attacker, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := rawSession(t, s)
	cr := rawConnect(ctx, t, ts, victim.Marshal())
	captured := rawLogin(t, cr, victim, "alice", "secret")
	if r, err := ts.Request(ctx, captured); err != nil || r.Type() != protocol.TypeLoginSuccess {
		t.Fatalf("Login: (%v, %v) != (LoginSuccess, nil)", r, err)
	}

	// The same frame on a new connection with the same key fails the
	// signature check, since the nonce differs.
	ts = rawSession(t, s)
	rawConnect(ctx, t, ts, victim.Marshal())
	replay := &protocol.Login{Credentials: captured.Credentials, Signature: captured.Signature}
	if r, err := ts.Request(ctx, replay); !errors.Is(err, transport.ErrSessionClosed) {
		t.Fatalf("replayed Login: (%v, %v), want %v", r, err, transport.ErrSessionClosed)
	}

	// Re-signing with one's own key does not help: the sealed
	// credentials carry the old binding.
	ts = rawSession(t, s)
	cr = rawConnect(ctx, t, ts, attacker.Marshal())
	sig, err := attacker.Sign(cr.Binding())
	if err != nil {
		t.Fatal(err)
	}
	replay = &protocol.Login{Credentials: captured.Credentials, Signature: sig}
	r, err := ts.Request(ctx, replay)
	if err != nil {
		t.Fatalf("re-signed replayed Login: %v != nil", err)
	}
	if _, ok := r.(*protocol.LoginFailure); !ok {
		t.Fatalf("re-signed replayed Login: %v is not a LoginFailure", r)
	}
}

func TestFirstMessageNotConnect(t *testing.T) {
	s := newServer(t)
	sc, cc := net.Pipe()
	s.ServeConn(sc)
	b, err := protocol.Encode(&protocol.Echo{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.Write(b); err != nil {
		t.Fatal(err)
	}
	cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := cc.Read(make([]byte, 64)); err != io.EOF {
		t.Fatalf("read after Echo first: (%d, %v) != (0, EOF)", n, err)
	}
}

func TestBusy(t *testing.T) {
	s := newServer(t)
	release := make(chan struct{})
	s.NewExecutor = func() session.Executor {
		return session.ExecutorFunc(func(ctx context.Context, req *protocol.Execute, stdio session.IO) (any, error) {
			if req.Line == "block" {
				<-release
			}
			return req.Line, nil
		})
	}

	// A bare session, so the blocked command can be sent without a
	// requestor and its late result caught.
	sc, cc := net.Pipe()
	s.ServeConn(sc)
	late := make(chan protocol.Message, 1)
	ts := transport.New(cc, transport.Config{
		Phase: transport.Handshaking,
		Filter: func(_ *transport.Session, m protocol.Message) (bool, error) {
			if r, ok := m.(*protocol.ExecuteResult); ok && r.Value == "block" {
				late <- m
				return true, nil
			}
			return false, nil
		},
	})
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	cr := rawConnect(ctx, t, ts, k.Marshal())
	if r, err := ts.Request(ctx, rawLogin(t, cr, k, "alice", "secret")); err != nil || r.Type() != protocol.TypeLoginSuccess {
		t.Fatalf("Login: (%v, %v) != (LoginSuccess, nil)", r, err)
	}
	if _, err := ts.Request(ctx, &protocol.OpenShell{}); err != nil {
		t.Fatalf("OpenShell: %v != nil", err)
	}

	if err := ts.Send(protocol.ExecuteLine("block")); err != nil {
		t.Fatal(err)
	}
	var pe *protocol.ProtocolError
	if _, err := ts.Request(ctx, protocol.ExecuteLine("second")); !errors.As(err, &pe) || pe.Code != protocol.ErrCodeBusy {
		t.Fatalf("Execute while busy: %v is not a busy ProtocolError", err)
	}
	close(release)
	select {
	case <-late:
	case <-ctx.Done():
		t.Fatalf("no result for the blocked command")
	}
	r, err := ts.Request(ctx, protocol.ExecuteLine("third"))
	if err != nil {
		t.Fatalf("third: %v != nil", err)
	}
	if res, ok := r.(*protocol.ExecuteResult); !ok || res.Value != "third" {
		t.Fatalf("third: %v != ExecuteResult{third}", r)
	}
}

func TestCloseShellState(t *testing.T) {
	c := dial(t, newServer(t))
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v != nil", err)
	}
	var pe *protocol.ProtocolError
	if err := c.CloseShell(ctx); !errors.As(err, &pe) || pe.Code != protocol.ErrCodeState {
		t.Fatalf("CloseShell with no shell: %v is not a state ProtocolError", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.OpenShell(ctx); err != nil {
			t.Fatalf("OpenShell %d: %v != nil", i, err)
		}
		if err := c.CloseShell(ctx); err != nil {
			t.Fatalf("CloseShell %d: %v != nil", i, err)
		}
	}
	if got := c.Session().Phase(); got != transport.ShellClosed {
		t.Fatalf("phase: %v != %v", got, transport.ShellClosed)
	}
}

func TestPty(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh: %v", err)
	}
	s := newServer(t)
	s.Shell = []string{"sh", "-c", "echo hi from pty"}
	c := dial(t, s)
	ctx := context.Background()
	if err := c.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v != nil", err)
	}
	if err := c.OpenPty(ctx, "vt100", 24, 80); err != nil {
		var pe *protocol.ProtocolError
		if errors.As(err, &pe) && pe.Code == protocol.ErrCodeInternal {
			t.Skipf("no pty: %v", err)
		}
		t.Fatalf("OpenPty: %v != nil", err)
	}
	if err := c.Resize(30, 100); err != nil {
		t.Errorf("Resize: %v != nil", err)
	}
	out, err := io.ReadAll(c.Stdout())
	if err != nil {
		t.Fatalf("reading pty output: %v", err)
	}
	if !strings.Contains(string(out), "hi from pty") {
		t.Fatalf("pty output %q does not contain %q", out, "hi from pty")
	}
}

func TestToken(t *testing.T) {
	k, err := newTokenKey()
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	tok := k.mint(id, "alice")
	if len(tok) != 32 {
		t.Errorf("token length %d != 32", len(tok))
	}
	if !k.verify(id, "alice", tok) {
		t.Errorf("token does not verify")
	}
	if k.verify(id, "bob", tok) || k.verify(uuid.New(), "alice", tok) {
		t.Errorf("token verifies for another user or client")
	}
	other, err := newTokenKey()
	if err != nil {
		t.Fatal(err)
	}
	if other.verify(id, "alice", tok) {
		t.Errorf("token verifies under another key")
	}
}
