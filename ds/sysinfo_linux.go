// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"fmt"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// UpdateSysInfo sets the memory, load, and tenant TXT entries.
func UpdateSysInfo(txtFlag map[string]string) {
	var sysinfo unix.Sysinfo_t
	err := unix.Sysinfo(&sysinfo)

	if err != nil {
		v("ds: Sysinfo call failed: %v", err)
		return
	}

	txtFlag["mem_avail"] = strconv.FormatUint(uint64(sysinfo.Freeram), 10)
	txtFlag["mem_total"] = strconv.FormatUint(uint64(sysinfo.Totalram), 10)
	txtFlag["mem_unit"] = strconv.FormatUint(uint64(sysinfo.Unit), 10)
	txtFlag["load1"] = strconv.FormatUint(uint64(sysinfo.Loads[0]), 10)
	txtFlag["load5"] = strconv.FormatUint(uint64(sysinfo.Loads[1]), 10)
	txtFlag["load15"] = strconv.FormatUint(uint64(sysinfo.Loads[2]), 10)
	txtFlag["load_ratio"] = fmt.Sprintf("%.6f", float64(sysinfo.Loads[1])/float64(runtime.NumCPU()))
	txtFlag["tenants"] = strconv.Itoa(Tenants())

	v("ds: UpdateSysInfo %v", txtFlag)
}
