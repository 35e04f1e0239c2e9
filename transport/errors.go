// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import "errors"

var (
	// ErrTimeout is returned by a request whose deadline passed.
	ErrTimeout = errors.New("request timed out")
	// ErrSessionClosed is returned once the session has closed or failed.
	// Errors caused by a failure wrap both this and the cause.
	ErrSessionClosed = errors.New("session closed")
	// ErrStreamClosed is returned for writes to a closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrNotRequest is returned by Request for a message that has no reply.
	ErrNotRequest = errors.New("message is not a request")
)
