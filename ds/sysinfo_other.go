// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package ds

import "strconv"

// UpdateSysInfo sets the tenant TXT entry. Memory and load are only
// known on Linux.
func UpdateSysInfo(txtFlag map[string]string) {
	txtFlag["tenants"] = strconv.Itoa(Tenants())
}
