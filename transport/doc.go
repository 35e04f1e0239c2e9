// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport turns one connection into a whisper session.
//
// A Session owns a net.Conn. A writer goroutine sends queued frames in
// order; a reader goroutine decodes inbound frames and routes each
// message, in this order, to:
//
//   - the session's Filter, if any, which may consume it;
//   - the stream registry, for StreamChunk and StreamClose;
//   - the pending requestor, for replies;
//   - the session's Handler, for everything else.
//
// Request sends a message and waits for its reply. Only one request is
// outstanding per session; concurrent callers are serialized. Replies
// carry no request id, so a reply is matched by type to the request
// currently waiting, and a reply that arrives after its request gave up
// is discarded.
//
// Byte streams (stdin, stdout, stderr) are carried as StreamChunk
// messages. InputStream buffers what the peer sent for a stream;
// OutputStream chunks what is written locally.
package transport
