// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol defines the whisper messages and their framing.
//
// Every message travels in a frame:
//
//	magic   [4]byte  "WHSP"
//	version uint8    1
//	type    uint8    Type ordinal
//	length  uint32   big-endian body length
//	body    [length]byte
//
// Bodies are written with the primitives in package wire. The set of
// messages is closed: each Type has one constructor in the registry
// table and one method in Visitor, and a handler branches on the
// concrete message by passing a Visitor to Message.Accept.
//
// A client drives the conversation with requests (Connect, Login,
// OpenShell, CloseShell, Execute, Echo, Resize) and the server answers
// each with one of the reply types given by Replies, or with a
// ProtocolError. StreamChunk and StreamClose carry stdin, stdout and
// stderr in both directions and are never replies.
package protocol
