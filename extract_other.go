// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package zipkit

// restoreMode is a no-op outside Unix: there's no POSIX mode bit to apply.
func restoreMode(path string, mode uint32) error { return nil }

// createSymlink falls back to writing the link target as a regular file,
// since the platform has no symlink restoration path wired here.
func createSymlink(dest, target string) error {
	return writeRegularFile(dest, []byte(target))
}
