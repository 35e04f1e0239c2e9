// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/protocol"
	"github.com/u-root/whisper/session"
	"github.com/u-root/whisper/transport"
)

var (
	errNotConnected = errors.New("first message is not Connect")
	errReconnect    = errors.New("second Connect")
	errKeyRefused   = errors.New("client key is not authorized")
	errNoProof      = errors.New("client did not prove it holds its key")
)

// conn is the server side of one connection.
type conn struct {
	srv *Server
	// tries counts failed logins, and binding is what this
	// connection's Login must be bound to. Only the reader goroutine
	// uses them.
	tries   int
	binding []byte

	mu    sync.Mutex
	shell *session.Session
}

// filter admits only Connect and then Login until the client is
// logged in.
func (c *conn) filter(s *transport.Session, m protocol.Message) (bool, error) {
	ph := s.Phase()
	switch m := m.(type) {
	case *protocol.Connect:
		if ph != transport.Connecting {
			return true, errReconnect
		}
		return true, c.connect(s, m)
	case *protocol.Login:
		if ph == transport.Connecting {
			return true, errNotConnected
		}
		return true, c.login(s, m)
	}
	switch {
	case ph == transport.Connecting:
		return true, fmt.Errorf("%w: %v", errNotConnected, m.Type())
	case ph.LoggedIn():
		return false, nil
	case protocol.IsRequest(m.Type()):
		reject(s, protocol.ErrCodeUnauthenticated, "login required")
	default:
		verbose("%v: dropping %v before login", s.RemoteAddr(), m.Type())
	}
	return true, nil
}

func (c *conn) connect(s *transport.Session, m *protocol.Connect) error {
	k, err := keys.ParsePublicKey(m.PublicKey)
	if err != nil {
		return fmt.Errorf("Connect: %w", err)
	}
	if !c.srv.authorized(k) {
		log.Printf("whisperd: %v: refusing key %s", s.RemoteAddr(), keys.Fingerprint(k))
		return errKeyRefused
	}
	id := uuid.New()
	s.UpdatePeer(func(p *transport.Peer) {
		p.Key, p.ClientID = k, id
	})
	name := "(unnamed)"
	if m.Name != nil {
		name = *m.Name
	}
	verbose("%v: client %q key %s is %v", s.RemoteAddr(), name, keys.Fingerprint(k), id)
	if err := s.SetPhase(transport.Handshaking); err != nil {
		return err
	}
	nonce := make([]byte, protocol.NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	r := &protocol.ConnectResult{PublicKey: c.srv.Key.Marshal(), ClientID: id, Nonce: nonce}
	c.binding = r.Binding()
	reply(s, r)
	return nil
}

func (c *conn) login(s *transport.Session, m *protocol.Login) error {
	if s.Phase().LoggedIn() {
		reject(s, protocol.ErrCodeState, "already logged in")
		return nil
	}
	defer m.Wipe()
	peer := s.Peer()
	if err := keys.Verify(peer.Key, c.binding, m.Signature); err != nil {
		log.Printf("whisperd: %v: login with key %s: %v", s.RemoteAddr(), keys.Fingerprint(peer.Key), err)
		return fmt.Errorf("%w: %w", errNoProof, err)
	}
	reason := "authentication failed"
	err := m.Open(c.binding, c.srv.Key.Open)
	if err != nil {
		reason = "cannot open credentials"
	} else {
		err = c.srv.authenticate(m.User, m.Password)
	}
	if err != nil {
		c.tries++
		log.Printf("whisperd: %v: login of %q failed (%d of %d): %v", s.RemoteAddr(), m.User, c.tries, c.srv.maxAuthTries(), err)
		p, serr := s.SendAsync(&protocol.LoginFailure{Reason: reason})
		if serr != nil || c.tries < c.srv.maxAuthTries() {
			return nil
		}
		go func() {
			s.Wait(p)
			s.Close()
		}()
		return nil
	}
	token := c.srv.token.mint(peer.ClientID, m.User)
	s.UpdatePeer(func(p *transport.Peer) {
		p.User, p.Token = m.User, token
	})
	if err := s.SetPhase(transport.Authenticated); err != nil {
		return err
	}
	verbose("%v: %q logged in", s.RemoteAddr(), m.User)
	reply(s, &protocol.LoginSuccess{Token: token})
	return nil
}

// Handle implements transport.Handler for logged in clients.
func (c *conn) Handle(s *transport.Session, m protocol.Message) error {
	return m.Accept(&handler{conn: c, s: s})
}

func (c *conn) setShell(sh *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shell = sh
}

func (c *conn) getShell() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shell
}

func (c *conn) takeShell() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh := c.shell
	c.shell = nil
	return sh
}

// closeShell ends the shell, if any, when the connection ends.
func (c *conn) closeShell() {
	if sh := c.takeShell(); sh != nil {
		sh.Close()
		sh.Wait()
	}
}

// reply sends m. A failed send means the session is going away, which
// the session reports itself.
func reply(s *transport.Session, m protocol.Message) {
	if err := s.Send(m); err != nil {
		verbose("%v: sending %v: %v", s.RemoteAddr(), m.Type(), err)
	}
}

func reject(s *transport.Session, code protocol.ErrorCode, reason string) {
	verbose("%v: rejecting request: %v: %s", s.RemoteAddr(), code, reason)
	reply(s, &protocol.ProtocolError{Code: code, Reason: reason})
}

// handler handles one message from a logged in client.
type handler struct {
	protocol.UnimplementedVisitor
	*conn
	s *transport.Session
}

func (h *handler) VisitOpenShell(m *protocol.OpenShell) error {
	switch ph := h.s.Phase(); ph {
	case transport.Authenticated, transport.ShellClosed:
	default:
		reject(h.s, protocol.ErrCodeState, "OpenShell when "+ph.String())
		return nil
	}
	h.s.ResetStreams()
	sh := session.New(h.srv.executor())
	if m.Term != nil {
		out := h.s.Output(protocol.Stdout)
		stdio := session.IO{Stdin: h.s.Input(protocol.Stdin), Stdout: out}
		err := sh.StartPty(*m.Term, m.Rows, m.Cols, h.srv.Shell, stdio, func(err error) {
			verbose("%v: pty shell exits: %v", h.s.RemoteAddr(), err)
			if err := out.Close(); err != nil {
				verbose("%v: closing stdout: %v", h.s.RemoteAddr(), err)
			}
		})
		if err != nil {
			reject(h.s, protocol.ErrCodeInternal, err.Error())
			return nil
		}
	}
	h.setShell(sh)
	if err := h.s.SetPhase(transport.ShellOpen); err != nil {
		return err
	}
	reply(h.s, &protocol.OpenShellResult{})
	return nil
}

func (h *handler) VisitCloseShell(m *protocol.CloseShell) error {
	var sh *session.Session
	if h.s.Phase() == transport.ShellOpen {
		sh = h.takeShell()
	}
	if sh == nil {
		reject(h.s, protocol.ErrCodeState, "no shell is open")
		return nil
	}
	s := h.s
	// Waiting for the running command must not hold up the reader.
	go func() {
		sh.Close()
		sh.Wait()
		for _, id := range []protocol.Stream{protocol.Stdout, protocol.Stderr} {
			if err := s.Output(id).Close(); err != nil {
				verbose("%v: closing %v: %v", s.RemoteAddr(), id, err)
			}
		}
		s.Input(protocol.Stdin).Close()
		if err := s.SetPhase(transport.ShellClosed); err != nil {
			return
		}
		reply(s, &protocol.CloseShellResult{})
	}()
	return nil
}

func (h *handler) VisitExecute(m *protocol.Execute) error {
	sh := h.getShell()
	if h.s.Phase() != transport.ShellOpen || sh == nil {
		reject(h.s, protocol.ErrCodeState, "no shell is open")
		return nil
	}
	s := h.s
	stdout, stderr := s.Output(protocol.Stdout), s.Output(protocol.Stderr)
	stdio := session.IO{Stdin: s.Input(protocol.Stdin), Stdout: stdout, Stderr: stderr}
	err := sh.Start(m, stdio, func(val any, err error) {
		for _, o := range []*transport.OutputStream{stdout, stderr} {
			if err := o.Flush(); err != nil {
				verbose("%v: flushing output: %v", s.RemoteAddr(), err)
			}
		}
		sendResult(s, val, err)
	})
	switch {
	case errors.Is(err, session.ErrBusy):
		reject(s, protocol.ErrCodeBusy, "a command is running")
	case errors.Is(err, session.ErrClosed):
		reject(s, protocol.ErrCodeState, "shell is closing")
	case err != nil:
		reject(s, protocol.ErrCodeInternal, err.Error())
	}
	return nil
}

// sendResult sends the reply for a finished command.
func sendResult(s *transport.Session, val any, err error) {
	var (
		ee *session.ExitError
		ab *session.Abort
		se *session.StageError
	)
	switch {
	case err == nil:
		serr := s.Send(&protocol.ExecuteResult{Value: val})
		if serr == nil || errors.Is(serr, transport.ErrSessionClosed) {
			return
		}
		// The value could not be encoded.
		reply(s, &protocol.ExecuteFailure{Reason: fmt.Sprintf("result %T: %v", val, serr), Stage: protocol.NoStage})
	case errors.As(err, &ee):
		reply(s, &protocol.ExecuteNotification{Kind: protocol.NotifyExit, Code: int32(ee.Code), Message: ee.Message})
	case errors.As(err, &ab):
		reply(s, &protocol.ExecuteNotification{Kind: protocol.NotifyAbort, Message: ab.Message})
	case errors.As(err, &se):
		reply(s, &protocol.ExecuteFailure{Reason: se.Err.Error(), Stage: int32(se.Stage)})
	default:
		reply(s, &protocol.ExecuteFailure{Reason: err.Error(), Stage: protocol.NoStage})
	}
}

func (h *handler) VisitEcho(m *protocol.Echo) error {
	if h.srv.EchoHandler != nil {
		h.srv.EchoHandler(h.s.Peer(), m.Text)
	}
	reply(h.s, &protocol.EchoResult{Text: m.Text})
	return nil
}

func (h *handler) VisitResize(m *protocol.Resize) error {
	sh := h.getShell()
	if sh == nil {
		verbose("%v: Resize with no shell", h.s.RemoteAddr())
		return nil
	}
	if err := sh.Resize(m.Rows, m.Cols); err != nil {
		verbose("%v: Resize: %v", h.s.RemoteAddr(), err)
	}
	return nil
}
