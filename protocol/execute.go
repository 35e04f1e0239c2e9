// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"fmt"

	"github.com/u-root/whisper/wire"
)

// Form selects which field of an Execute carries the command.
type Form uint8

const (
	// FormLine is a raw command line, split by the server.
	FormLine Form = iota
	// FormArgs is an argument vector.
	FormArgs
	// FormPath is a dotted path naming a command plus its arguments.
	FormPath
	// FormPipeline is a list of argument vectors joined by pipes.
	FormPipeline

	numForms
)

func (f Form) String() string {
	switch f {
	case FormLine:
		return "line"
	case FormArgs:
		return "args"
	case FormPath:
		return "path"
	case FormPipeline:
		return "pipeline"
	}
	return fmt.Sprintf("Form(%d)", uint8(f))
}

// ErrForm is returned for an Execute whose populated fields do not
// match its Form.
var ErrForm = errors.New("execute: fields do not match form")

// Execute runs a command in the open shell. Exactly one form is
// populated: Line, Args, Path (with Args as its arguments), or
// Pipeline.
type Execute struct {
	Form     Form
	Line     string
	Args     []string
	Path     string
	Pipeline [][]string
}

// ExecuteLine returns an Execute for a raw command line.
func ExecuteLine(line string) *Execute {
	return &Execute{Form: FormLine, Line: line}
}

// ExecuteArgs returns an Execute for an argument vector.
func ExecuteArgs(args ...string) *Execute {
	if args == nil {
		args = []string{}
	}
	return &Execute{Form: FormArgs, Args: args}
}

// ExecutePath returns an Execute for a dotted command path.
func ExecutePath(path string, args ...string) *Execute {
	return &Execute{Form: FormPath, Path: path, Args: args}
}

// ExecutePipeline returns an Execute for a pipeline of stages.
func ExecutePipeline(stages ...[]string) *Execute {
	return &Execute{Form: FormPipeline, Pipeline: stages}
}

// Validate checks that exactly the fields of m's form are populated.
func (m *Execute) Validate() error {
	var ok bool
	switch m.Form {
	case FormLine:
		ok = m.Args == nil && m.Path == "" && m.Pipeline == nil
	case FormArgs:
		ok = m.Args != nil && m.Line == "" && m.Path == "" && m.Pipeline == nil
	case FormPath:
		ok = m.Path != "" && m.Line == "" && m.Pipeline == nil
	case FormPipeline:
		ok = len(m.Pipeline) > 0 && m.Line == "" && m.Args == nil && m.Path == ""
		for _, s := range m.Pipeline {
			ok = ok && len(s) > 0
		}
	default:
		return fmt.Errorf("%w: %v", ErrForm, m.Form)
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrForm, m.Form)
	}
	return nil
}

func (*Execute) Type() Type               { return TypeExecute }
func (m *Execute) Accept(v Visitor) error { return v.VisitExecute(m) }

func (m *Execute) String() string {
	switch m.Form {
	case FormLine:
		return fmt.Sprintf("Execute{line: %q}", m.Line)
	case FormArgs:
		return fmt.Sprintf("Execute{args: %q}", m.Args)
	case FormPath:
		return fmt.Sprintf("Execute{path: %q, args: %q}", m.Path, m.Args)
	case FormPipeline:
		return fmt.Sprintf("Execute{pipeline: %q}", m.Pipeline)
	}
	return fmt.Sprintf("Execute{%v}", m.Form)
}

func (m *Execute) encode(e *wire.Encoder) error {
	if err := m.Validate(); err != nil {
		return err
	}
	e.Enum(uint8(m.Form), int(numForms))
	switch m.Form {
	case FormLine:
		e.String(m.Line)
	case FormArgs:
		e.Strings(m.Args)
	case FormPath:
		e.String(m.Path)
		e.Strings(m.Args)
	case FormPipeline:
		e.Int32(int32(len(m.Pipeline)))
		for _, s := range m.Pipeline {
			e.Strings(s)
		}
	}
	return nil
}

func (m *Execute) decode(d *wire.Decoder) error {
	m.Form = Form(d.Enum(int(numForms)))
	if err := d.Err(); err != nil {
		return err
	}
	switch m.Form {
	case FormLine:
		m.Line = d.String()
	case FormArgs:
		m.Args = d.Strings()
	case FormPath:
		m.Path = d.String()
		m.Args = d.Strings()
	case FormPipeline:
		n := d.Int32()
		if n < 0 || int(n) > d.Remaining()/4 {
			return fmt.Errorf("execute: bad pipeline length %d", n)
		}
		m.Pipeline = make([][]string, 0, n)
		for i := int32(0); i < n && d.Err() == nil; i++ {
			m.Pipeline = append(m.Pipeline, d.Strings())
		}
	}
	if err := d.Err(); err != nil {
		return err
	}
	return m.Validate()
}

// ExecuteResult carries the value the command produced, if any.
// Value is anything the CBOR object encoding can carry.
type ExecuteResult struct {
	Value any
}

func (*ExecuteResult) Type() Type               { return TypeExecuteResult }
func (m *ExecuteResult) Accept(v Visitor) error { return v.VisitExecuteResult(m) }

func (m *ExecuteResult) encode(e *wire.Encoder) error {
	e.Object(m.Value)
	return nil
}

func (m *ExecuteResult) decode(d *wire.Decoder) error {
	m.Value = d.Object()
	return d.Err()
}

// NotificationKind distinguishes an exit from an abort.
type NotificationKind uint8

const (
	// NotifyExit reports that the command asked the shell to exit with Code.
	NotifyExit NotificationKind = iota
	// NotifyAbort reports that the command was aborted.
	NotifyAbort

	numNotificationKinds
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyExit:
		return "exit"
	case NotifyAbort:
		return "abort"
	}
	return fmt.Sprintf("NotificationKind(%d)", uint8(k))
}

// ExecuteNotification is a control signal raised by the command. The
// caller must act on it rather than treat it as a value.
type ExecuteNotification struct {
	Kind    NotificationKind
	Code    int32
	Message string
}

func (*ExecuteNotification) Type() Type               { return TypeExecuteNotification }
func (m *ExecuteNotification) Accept(v Visitor) error { return v.VisitExecuteNotification(m) }

func (m *ExecuteNotification) encode(e *wire.Encoder) error {
	e.Enum(uint8(m.Kind), int(numNotificationKinds))
	e.Int32(m.Code)
	e.String(m.Message)
	return nil
}

func (m *ExecuteNotification) decode(d *wire.Decoder) error {
	m.Kind = NotificationKind(d.Enum(int(numNotificationKinds)))
	m.Code = d.Int32()
	m.Message = d.String()
	return d.Err()
}

// NoStage is the Stage of a failure outside a pipeline.
const NoStage = -1

// ExecuteFailure reports that the command failed. For pipelines Stage
// is the index of the failing stage.
type ExecuteFailure struct {
	Reason string
	Stage  int32
}

func (*ExecuteFailure) Type() Type               { return TypeExecuteFailure }
func (m *ExecuteFailure) Accept(v Visitor) error { return v.VisitExecuteFailure(m) }

func (m *ExecuteFailure) encode(e *wire.Encoder) error {
	e.String(m.Reason)
	e.Int32(m.Stage)
	return nil
}

func (m *ExecuteFailure) decode(d *wire.Decoder) error {
	m.Reason = d.String()
	m.Stage = d.Int32()
	return d.Err()
}
