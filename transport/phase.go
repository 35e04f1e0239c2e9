// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import "fmt"

// Phase is a session's place in its lifecycle.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Handshaking
	Authenticated
	ShellOpen
	ShellClosed
	// Closed and Failed are terminal; a session never leaves them.
	Closed
	Failed
)

var phaseNames = []string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Handshaking:   "handshaking",
	Authenticated: "authenticated",
	ShellOpen:     "shell open",
	ShellClosed:   "shell closed",
	Closed:        "closed",
	Failed:        "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Terminal reports whether p is Closed or Failed.
func (p Phase) Terminal() bool {
	return p == Closed || p == Failed
}

// LoggedIn reports whether p is reached only after a successful login.
func (p Phase) LoggedIn() bool {
	return p == Authenticated || p == ShellOpen || p == ShellClosed
}
