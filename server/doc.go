// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server is for building whisper servers, a.k.a. whisperd.
//
// A whisperd accepts connections and runs a transport.Session on
// each. Every session starts with a security filter: the first
// message must be a Connect carrying the client's public key, to
// which the server answers with its own key and a fresh client id.
// The client then sends a Login whose user and password are sealed to
// the server's key; the server opens them, asks its Authenticator,
// and answers with a token or a failure. A client gets MaxAuthTries
// tries before the server hangs up. Until login succeeds every other
// request is refused with a ProtocolError.
//
// After login the client opens a shell. A shell runs commands, one at
// a time, with a session.Executor, and its stdin, stdout and stderr
// travel as stream chunks on the same connection. An OpenShell with a
// terminal type instead runs an interactive shell on a pty.
//
// whisper is meant, like cpu before it, for systems in your own
// administrative domain. Do not run whisperd where you would not run
// sshd.
//
// The basic flow of setting up a server is similar to most such servers:
// a call to New(), preceded or followed by a call to net.Listen to get
// a socket, and a call to Serve with the listener. For a usage example,
// see TestLoginEcho.
package server
