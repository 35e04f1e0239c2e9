// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import "github.com/u-root/whisper/wire"

// OpenShell asks for a shell context. If Term is set the server
// allocates a pty of Rows by Cols for it.
type OpenShell struct {
	Term *string
	Rows uint16
	Cols uint16
}

func (*OpenShell) Type() Type               { return TypeOpenShell }
func (m *OpenShell) Accept(v Visitor) error { return v.VisitOpenShell(m) }

func (m *OpenShell) encode(e *wire.Encoder) error {
	e.NullableString(m.Term)
	e.Uint16(m.Rows)
	e.Uint16(m.Cols)
	return nil
}

func (m *OpenShell) decode(d *wire.Decoder) error {
	m.Term = d.NullableString()
	m.Rows = d.Uint16()
	m.Cols = d.Uint16()
	return d.Err()
}

// OpenShellResult acknowledges an OpenShell.
type OpenShellResult struct{}

func (*OpenShellResult) Type() Type                   { return TypeOpenShellResult }
func (m *OpenShellResult) Accept(v Visitor) error     { return v.VisitOpenShellResult(m) }
func (*OpenShellResult) encode(*wire.Encoder) error   { return nil }
func (*OpenShellResult) decode(d *wire.Decoder) error { return d.Err() }

// CloseShell tears down the shell context.
type CloseShell struct{}

func (*CloseShell) Type() Type                   { return TypeCloseShell }
func (m *CloseShell) Accept(v Visitor) error     { return v.VisitCloseShell(m) }
func (*CloseShell) encode(*wire.Encoder) error   { return nil }
func (*CloseShell) decode(d *wire.Decoder) error { return d.Err() }

// CloseShellResult acknowledges a CloseShell.
type CloseShellResult struct{}

func (*CloseShellResult) Type() Type                   { return TypeCloseShellResult }
func (m *CloseShellResult) Accept(v Visitor) error     { return v.VisitCloseShellResult(m) }
func (*CloseShellResult) encode(*wire.Encoder) error   { return nil }
func (*CloseShellResult) decode(d *wire.Decoder) error { return d.Err() }

// Resize reports a new window size for the shell's pty. It has no reply.
type Resize struct {
	Rows uint16
	Cols uint16
}

func (*Resize) Type() Type               { return TypeResize }
func (m *Resize) Accept(v Visitor) error { return v.VisitResize(m) }

func (m *Resize) encode(e *wire.Encoder) error {
	e.Uint16(m.Rows)
	e.Uint16(m.Cols)
	return nil
}

func (m *Resize) decode(d *wire.Decoder) error {
	m.Rows = d.Uint16()
	m.Cols = d.Uint16()
	return d.Err()
}
