// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"fmt"
)

// Visitor has one method per message type.
type Visitor interface {
	VisitConnect(*Connect) error
	VisitConnectResult(*ConnectResult) error
	VisitLogin(*Login) error
	VisitLoginSuccess(*LoginSuccess) error
	VisitLoginFailure(*LoginFailure) error
	VisitOpenShell(*OpenShell) error
	VisitOpenShellResult(*OpenShellResult) error
	VisitCloseShell(*CloseShell) error
	VisitCloseShellResult(*CloseShellResult) error
	VisitExecute(*Execute) error
	VisitExecuteResult(*ExecuteResult) error
	VisitExecuteNotification(*ExecuteNotification) error
	VisitExecuteFailure(*ExecuteFailure) error
	VisitEcho(*Echo) error
	VisitEchoResult(*EchoResult) error
	VisitStreamChunk(*StreamChunk) error
	VisitStreamClose(*StreamClose) error
	VisitResize(*Resize) error
	VisitProtocolError(*ProtocolError) error
}

// ErrUnhandled is returned by UnimplementedVisitor.
var ErrUnhandled = errors.New("message not handled")

// Unhandled returns an error wrapping ErrUnhandled for m.
func Unhandled(m Message) error {
	return fmt.Errorf("%w: %v", ErrUnhandled, m.Type())
}

// UnimplementedVisitor rejects every message. Embed it and override
// the methods for the messages a handler accepts.
type UnimplementedVisitor struct{}

var _ Visitor = UnimplementedVisitor{}

func (UnimplementedVisitor) VisitConnect(m *Connect) error                   { return Unhandled(m) }
func (UnimplementedVisitor) VisitConnectResult(m *ConnectResult) error       { return Unhandled(m) }
func (UnimplementedVisitor) VisitLogin(m *Login) error                       { return Unhandled(m) }
func (UnimplementedVisitor) VisitLoginSuccess(m *LoginSuccess) error         { return Unhandled(m) }
func (UnimplementedVisitor) VisitLoginFailure(m *LoginFailure) error         { return Unhandled(m) }
func (UnimplementedVisitor) VisitOpenShell(m *OpenShell) error               { return Unhandled(m) }
func (UnimplementedVisitor) VisitOpenShellResult(m *OpenShellResult) error   { return Unhandled(m) }
func (UnimplementedVisitor) VisitCloseShell(m *CloseShell) error             { return Unhandled(m) }
func (UnimplementedVisitor) VisitCloseShellResult(m *CloseShellResult) error { return Unhandled(m) }
func (UnimplementedVisitor) VisitExecute(m *Execute) error                   { return Unhandled(m) }
func (UnimplementedVisitor) VisitExecuteResult(m *ExecuteResult) error       { return Unhandled(m) }
func (UnimplementedVisitor) VisitExecuteNotification(m *ExecuteNotification) error {
	return Unhandled(m)
}
func (UnimplementedVisitor) VisitExecuteFailure(m *ExecuteFailure) error { return Unhandled(m) }
func (UnimplementedVisitor) VisitEcho(m *Echo) error                     { return Unhandled(m) }
func (UnimplementedVisitor) VisitEchoResult(m *EchoResult) error         { return Unhandled(m) }
func (UnimplementedVisitor) VisitStreamChunk(m *StreamChunk) error       { return Unhandled(m) }
func (UnimplementedVisitor) VisitStreamClose(m *StreamClose) error       { return Unhandled(m) }
func (UnimplementedVisitor) VisitResize(m *Resize) error                 { return Unhandled(m) }
func (UnimplementedVisitor) VisitProtocolError(m *ProtocolError) error   { return Unhandled(m) }
