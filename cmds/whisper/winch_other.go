// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build plan9 || windows

package main

import "github.com/u-root/whisper/client"

func winch(*client.Client) func() {
	return func() {}
}
