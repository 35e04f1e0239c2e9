// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"io"
	"sync"

	"github.com/u-root/whisper/protocol"
)

// ChunkSize is the largest payload of one StreamChunk.
const ChunkSize = protocol.ChunkSize

// InputStream buffers bytes the peer sent on one stream. Write is
// called by the dispatcher; Read blocks until there is data, the
// stream is closed, or an error was posted with Fail.
type InputStream struct {
	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond
	buf      []byte
	err      error
	closed   bool
	max      int
}

// NewInputStream returns an empty stream. If max is positive, Write
// waits while max or more bytes are buffered.
func NewInputStream(max int) *InputStream {
	in := &InputStream{max: max}
	in.readable = sync.NewCond(&in.mu)
	in.writable = sync.NewCond(&in.mu)
	return in
}

// Write appends p. It fails with ErrStreamClosed after Close.
func (in *InputStream) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.max > 0 && len(in.buf) >= in.max && !in.closed {
		in.writable.Wait()
	}
	if in.closed {
		return 0, ErrStreamClosed
	}
	in.buf = append(in.buf, p...)
	in.readable.Broadcast()
	return len(p), nil
}

// Read reads buffered bytes. Buffered bytes come before a posted
// error, and a posted error comes before io.EOF.
func (in *InputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.buf) == 0 && in.err == nil && !in.closed {
		in.readable.Wait()
	}
	return in.consume(p)
}

// consume is called with in.mu held and something to report.
func (in *InputStream) consume(p []byte) (int, error) {
	if len(in.buf) > 0 {
		n := copy(p, in.buf)
		in.buf = in.buf[n:]
		if len(in.buf) == 0 {
			in.buf = nil
		}
		in.writable.Broadcast()
		return n, nil
	}
	if err := in.err; err != nil {
		in.err = nil
		return 0, err
	}
	return 0, io.EOF
}

// ReadContext is Read, but gives up when ctx is done. It returns
// ctx.Err() only if no bytes were consumed.
func (in *InputStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	stop := context.AfterFunc(ctx, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.readable.Broadcast()
	})
	defer stop()
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.buf) == 0 && in.err == nil && !in.closed {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		in.readable.Wait()
	}
	return in.consume(p)
}

// Fail posts err. Exactly one Read returns it.
func (in *InputStream) Fail(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.err = err
	in.readable.Broadcast()
}

// Close marks the end of the stream. Reads drain what is buffered,
// then return io.EOF.
func (in *InputStream) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.readable.Broadcast()
	in.writable.Broadcast()
	return nil
}

// Buffered returns the number of unread bytes.
func (in *InputStream) Buffered() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buf)
}

type sender interface {
	SendAsync(protocol.Message) (*Pending, error)
	Wait(*Pending) error
}

// OutputStream sends what is written to it as StreamChunks.
type OutputStream struct {
	s        sender
	id       protocol.Stream
	compress bool

	mu     sync.Mutex
	last   *Pending
	closed bool
}

func newOutputStream(s sender, id protocol.Stream, compress bool) *OutputStream {
	return &OutputStream{s: s, id: id, compress: compress}
}

// Write queues p in chunks of at most ChunkSize bytes.
func (o *OutputStream) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrStreamClosed
	}
	n := 0
	for n < len(p) {
		part := p[n:min(n+ChunkSize, len(p))]
		c, err := protocol.NewStreamChunk(o.id, part, o.compress)
		if err != nil {
			return n, err
		}
		pend, err := o.s.SendAsync(c)
		if err != nil {
			return n, err
		}
		o.last = pend
		n += len(part)
	}
	return n, nil
}

// Flush waits until the last chunk is written and returns its error.
func (o *OutputStream) Flush() error {
	o.mu.Lock()
	last := o.last
	o.mu.Unlock()
	if last == nil {
		return nil
	}
	return o.s.Wait(last)
}

// Close flushes, tells the peer the stream ended, and makes further
// writes fail with ErrStreamClosed.
func (o *OutputStream) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	last := o.last
	o.mu.Unlock()
	if last != nil {
		if err := o.s.Wait(last); err != nil {
			return err
		}
	}
	pend, err := o.s.SendAsync(&protocol.StreamClose{Stream: o.id})
	if err != nil {
		return err
	}
	return o.s.Wait(pend)
}

// abandon closes o without telling the peer.
func (o *OutputStream) abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// streams is the set of streams for one shell.
type streams struct {
	in  [protocol.NumStreams]*InputStream
	out [protocol.NumStreams]*OutputStream
}

func newStreams(s *Session) *streams {
	st := &streams{}
	for i := range st.in {
		st.in[i] = NewInputStream(s.cfg.MaxBuffered)
		st.out[i] = newOutputStream(s, protocol.Stream(i), s.cfg.Compress)
	}
	return st
}

// close closes every input stream, posting err first if it is not nil,
// and abandons the output streams.
func (st *streams) close(err error) {
	for i := range st.in {
		if err != nil {
			st.in[i].Fail(err)
		}
		st.in[i].Close()
		st.out[i].abandon()
	}
}

// Input returns the current input stream for id.
func (s *Session) Input(id protocol.Stream) *InputStream {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streams.in[id]
}

// Output returns the current output stream for id.
func (s *Session) Output(id protocol.Stream) *OutputStream {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streams.out[id]
}

// ResetStreams closes the current streams and starts a fresh set.
// Both sides reset when a shell is opened.
func (s *Session) ResetStreams() {
	cur := newStreams(s)
	s.streamMu.Lock()
	old := s.streams
	s.streams = cur
	s.streamMu.Unlock()
	old.close(nil)
	select {
	case <-s.done:
		cur.close(s.failure())
	default:
	}
}

func (s *Session) failure() error {
	if s.Phase() == Failed {
		return s.closedErr()
	}
	return nil
}

// streamFilter routes stream messages to the session's input streams.
type streamFilter struct {
	protocol.UnimplementedVisitor
	s *Session
}

func (f streamFilter) VisitStreamChunk(m *protocol.StreamChunk) error {
	p, err := m.Payload()
	if err != nil {
		return err
	}
	if _, err := f.s.Input(m.Stream).Write(p); err != nil {
		v("transport: %v: dropping %d bytes for %v: %v", f.s.RemoteAddr(), len(p), m.Stream, err)
	}
	return nil
}

func (f streamFilter) VisitStreamClose(m *protocol.StreamClose) error {
	v("transport: %v: peer closed %v", f.s.RemoteAddr(), m.Stream)
	return f.s.Input(m.Stream).Close()
}
