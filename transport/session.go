// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/u-root/whisper/protocol"
	"golang.org/x/crypto/ssh"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

const (
	queueLen = 64
	// drainTimeout bounds how long Close waits for queued frames.
	drainTimeout = 2 * time.Second
)

// A Handler handles the messages no filter, stream or requestor took.
// It runs on the session's reader goroutine and must not block. A
// non-nil error is a protocol violation and fails the session.
type Handler interface {
	Handle(s *Session, m protocol.Message) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(s *Session, m protocol.Message) error

// Handle calls f(s, m).
func (f HandlerFunc) Handle(s *Session, m protocol.Message) error {
	return f(s, m)
}

// A Filter sees every inbound message first. If it returns true the
// message is consumed. A non-nil error fails the session.
type Filter func(s *Session, m protocol.Message) (bool, error)

// Config configures a Session.
type Config struct {
	// Handler receives requests and unsolicited messages. If nil, any
	// such message fails the session.
	Handler Handler
	// Filter, if set, runs before any other routing.
	Filter Filter
	// Compress enables LZ4 compression of outbound stream chunks.
	Compress bool
	// MaxBuffered bounds each input stream's buffer. Zero is unbounded.
	// A chunk for a full stream parks the reader until the stream is
	// read or the session is closed locally. While parked, later frames
	// wait and a peer hang-up goes unnoticed.
	MaxBuffered int
	// Phase is the initial phase. The zero value means Connecting.
	Phase Phase
}

// Peer is what a session learned about the other side.
type Peer struct {
	Key      ssh.PublicKey
	ClientID uuid.UUID
	User     string
	Token    []byte
}

// Pending is a frame queued for the writer.
type Pending struct {
	b    []byte
	done chan struct{}
	err  error
}

// Done is closed once the frame was written or could not be.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the write error. It is valid after Done is closed.
func (p *Pending) Err() error {
	return p.err
}

// Session is one end of a whisper connection.
type Session struct {
	conn   net.Conn
	cfg    Config
	frames *protocol.FrameReader

	phase atomic.Int32

	peerMu sync.RWMutex
	peer   Peer

	// reqSem serializes Request; pending is the waiting requestor.
	reqSem  chan struct{}
	pending atomic.Pointer[requestor]

	streamMu sync.Mutex
	streams  *streams

	queue      chan *Pending
	writerDone chan struct{}
	closeErr   error

	once  sync.Once
	done  chan struct{}
	cause error
}

// New starts a session on conn. The session owns conn from now on.
func New(conn net.Conn, cfg Config) *Session {
	s := &Session{
		conn:       conn,
		cfg:        cfg,
		frames:     protocol.NewFrameReader(conn),
		reqSem:     make(chan struct{}, 1),
		queue:      make(chan *Pending, queueLen),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	p := cfg.Phase
	if p == Disconnected {
		p = Connecting
	}
	s.phase.Store(int32(p))
	s.streams = newStreams(s)
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("session %v (%v)", s.RemoteAddr(), s.Phase())
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// SetPhase moves the session to p. It fails once the session is in a
// terminal phase; use Close to reach one.
func (s *Session) SetPhase(p Phase) error {
	if p.Terminal() {
		return fmt.Errorf("cannot set terminal phase %v", p)
	}
	for {
		old := Phase(s.phase.Load())
		if old.Terminal() {
			return fmt.Errorf("%w: %v", ErrSessionClosed, old)
		}
		if s.phase.CompareAndSwap(int32(old), int32(p)) {
			v("transport: %v: %v -> %v", s.RemoteAddr(), old, p)
			return nil
		}
	}
}

// Peer returns a copy of the peer state.
func (s *Session) Peer() Peer {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer
}

// UpdatePeer calls f with the peer state locked.
func (s *Session) UpdatePeer(f func(*Peer)) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	f(&s.peer)
}

// Done is closed when the session closes or fails.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: nil while it runs or after a
// local Close, io.EOF if the peer hung up, else the failure.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

func (s *Session) closedErr() error {
	if s.cause == nil {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, s.cause)
}

// SendAsync queues m and returns without waiting for the write.
func (s *Session) SendAsync(m protocol.Message) (*Pending, error) {
	b, err := protocol.Encode(m)
	if err != nil {
		return nil, err
	}
	p := &Pending{b: b, done: make(chan struct{})}
	select {
	case <-s.done:
		return nil, s.closedErr()
	default:
	}
	select {
	case s.queue <- p:
		return p, nil
	case <-s.done:
		return nil, s.closedErr()
	}
}

// Send queues m. It does not wait for the write.
func (s *Session) Send(m protocol.Message) error {
	_, err := s.SendAsync(m)
	return err
}

// Wait waits until p has been written and returns its error.
func (s *Session) Wait(p *Pending) error {
	select {
	case <-p.done:
		return p.err
	default:
	}
	select {
	case <-p.done:
		return p.err
	case <-s.done:
		return s.closedErr()
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	var werr error
	write := func(p *Pending) {
		if werr == nil {
			_, werr = s.conn.Write(p.b)
			if werr != nil {
				s.terminate(Failed, werr)
			}
		}
		p.err = werr
		close(p.done)
	}
	for {
		select {
		case p := <-s.queue:
			write(p)
		case <-s.done:
			for {
				select {
				case p := <-s.queue:
					write(p)
				default:
					s.closeErr = s.conn.Close()
					return
				}
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		m, err := s.frames.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}
		if err := s.dispatch(m); err != nil {
			log.Printf("whisper: %v: protocol violation: %v: %v", s.RemoteAddr(), m.Type(), err)
			s.terminate(Failed, err)
			return
		}
	}
}

func (s *Session) readFailed(err error) {
	select {
	case <-s.done:
		// We closed the connection.
		return
	default:
	}
	var fe *protocol.FrameError
	switch {
	case errors.As(err, &fe):
		log.Printf("whisper: %v: protocol violation: type %d length %d: %v", s.RemoteAddr(), fe.Type, fe.Length, fe.Err)
		s.terminate(Failed, err)
	case err == io.EOF:
		v("transport: %v: peer closed the connection", s.RemoteAddr())
		s.terminate(Closed, err)
	default:
		s.terminate(Failed, err)
	}
}

func (s *Session) dispatch(m protocol.Message) error {
	if f := s.cfg.Filter; f != nil {
		done, err := f(s, m)
		if err != nil || done {
			return err
		}
	}
	t := m.Type()
	switch {
	case protocol.IsStream(t):
		return m.Accept(streamFilter{s: s})
	case protocol.IsReply(t):
		if !s.deliver(m) {
			v("transport: %v: discarding unexpected %v", s.RemoteAddr(), t)
		}
		return nil
	}
	if s.cfg.Handler == nil {
		return protocol.Unhandled(m)
	}
	return s.cfg.Handler.Handle(s, m)
}

// Close ends the session. Queued frames are written first, for up to a
// short drain timeout. Close is idempotent.
func (s *Session) Close() error {
	first := s.terminate(Closed, nil)
	<-s.writerDone
	if first {
		return s.closeErr
	}
	return nil
}

// terminate moves the session to a terminal phase once. It reports
// whether this call did so.
func (s *Session) terminate(p Phase, cause error) bool {
	first := false
	s.once.Do(func() {
		first = true
		s.cause = cause
		old := Phase(s.phase.Swap(int32(p)))
		v("transport: %v: %v -> %v: %v", s.RemoteAddr(), old, p, cause)
		if p == Failed {
			s.conn.Close()
		} else {
			s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
		}
		close(s.done)
		s.streamMu.Lock()
		st := s.streams
		s.streamMu.Unlock()
		var err error
		if p == Failed {
			err = s.closedErr()
		}
		st.close(err)
	})
	return first
}
