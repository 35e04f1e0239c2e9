// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import "github.com/u-root/whisper/wire"

// Echo is a liveness check.
type Echo struct {
	Text string
}

func (*Echo) Type() Type               { return TypeEcho }
func (m *Echo) Accept(v Visitor) error { return v.VisitEcho(m) }

func (m *Echo) encode(e *wire.Encoder) error {
	e.String(m.Text)
	return nil
}

func (m *Echo) decode(d *wire.Decoder) error {
	m.Text = d.String()
	return d.Err()
}

// EchoResult answers an Echo.
type EchoResult struct {
	Text string
}

func (*EchoResult) Type() Type               { return TypeEchoResult }
func (m *EchoResult) Accept(v Visitor) error { return v.VisitEchoResult(m) }

func (m *EchoResult) encode(e *wire.Encoder) error {
	e.String(m.Text)
	return nil
}

func (m *EchoResult) decode(d *wire.Decoder) error {
	m.Text = d.String()
	return d.Err()
}
