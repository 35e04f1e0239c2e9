// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package session

import (
	"context"
	"os/exec"
)

// command returns a Cmd for name. Private mount namespaces are a Linux
// feature, so private is ignored.
func command(ctx context.Context, _ bool, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}
