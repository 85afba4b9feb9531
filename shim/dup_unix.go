// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build unix

package shim

import "golang.org/x/sys/unix"

// dupFD duplicates fd, returning the new descriptor. It is used to
// preserve a handle onto the original stderr before I/O redirection
// repoints os.Stderr at the null device.
func dupFD(fd uintptr) uintptr {
	newFD, err := unix.Dup(int(fd))
	if err != nil {
		return fd
	}
	return uintptr(newFD)
}
