// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package zipkit

import (
	"os"

	"golang.org/x/sys/unix"
)

func restoreMode(path string, mode uint32) error {
	return unix.Chmod(path, uint32(mode&0o7777))
}

func createSymlink(dest, target string) error {
	return os.Symlink(target, dest)
}
