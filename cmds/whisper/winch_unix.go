// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !plan9 && !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/u-root/u-root/pkg/termios"
	"github.com/u-root/whisper/client"
)

// winch forwards window size changes to the remote pty until stop is
// called.
func winch(c *client.Client) (stop func()) {
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
			}
			w, err := termios.GetWinSize(0)
			if err != nil {
				verbose("winsize: %v", err)
				continue
			}
			if err := c.Resize(w.Row, w.Col); err != nil {
				verbose("resize: %v", err)
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
