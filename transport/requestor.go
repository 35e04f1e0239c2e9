// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/u-root/whisper/protocol"
)

// A requestor waits for the reply to one request. It is never reused.
type requestor struct {
	req    protocol.Type
	result chan protocol.Message
}

// Request sends m and waits for its reply. It returns ErrTimeout if
// ctx's deadline passes, ctx.Err() if ctx is canceled, and an error
// wrapping ErrSessionClosed if the session ends first. A
// ProtocolError reply is returned as the error.
func (s *Session) Request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	t := m.Type()
	if !protocol.IsRequest(t) {
		return nil, fmt.Errorf("%w: %v", ErrNotRequest, t)
	}

	select {
	case s.reqSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxErr(t, ctx.Err())
	case <-s.done:
		return nil, s.closedErr()
	}
	defer func() { <-s.reqSem }()

	r := &requestor{req: t, result: make(chan protocol.Message, 1)}
	s.pending.Store(r)
	defer s.pending.CompareAndSwap(r, nil)

	if err := s.Send(m); err != nil {
		return nil, err
	}
	v("transport: %v: sent %v, waiting", s.RemoteAddr(), t)

	select {
	case reply := <-r.result:
		if pe, ok := reply.(*protocol.ProtocolError); ok {
			return nil, pe
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctxErr(t, ctx.Err())
	case <-s.done:
		return nil, s.closedErr()
	}
}

// RequestTimeout is Request with a timeout instead of a context.
func (s *Session) RequestTimeout(m protocol.Message, d time.Duration) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Request(ctx, m)
}

func ctxErr(t protocol.Type, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", t, ErrTimeout)
	}
	return err
}

// deliver hands m to the waiting requestor if m answers its request.
func (s *Session) deliver(m protocol.Message) bool {
	r := s.pending.Load()
	if r == nil || !protocol.Replies(r.req, m.Type()) {
		return false
	}
	if !s.pending.CompareAndSwap(r, nil) {
		return false
	}
	r.result <- m
	return true
}
