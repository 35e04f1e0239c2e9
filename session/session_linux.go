// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"os/exec"
	"syscall"
)

// command returns a Cmd for name. With private set, the command gets
// its own mount namespace: in the go runtime, CLONE_NEWNS in
// Unshareflags does an unshare, and a remount of / to unshare mounts.
// This requires privilege.
func command(ctx context.Context, private bool, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if private {
		cmd.SysProcAttr = &syscall.SysProcAttr{Unshareflags: syscall.CLONE_NEWNS}
	}
	return cmd
}
