// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcodec

import (
	"errors"
	"hash"
	"hash/crc32"
	"io"
)

// ErrChecksum is returned when a fully-read entry body's CRC32 does not
// match the value recorded in its header.
var ErrChecksum = errors.New("zipkit: checksum error")

// NewChecksumReader wraps r and validates its CRC32 against want once size
// bytes have been read. skipCheck disables the comparison, for AE-2
// entries whose CRC field is always zero.
func NewChecksumReader(r io.Reader, size int64, want uint32, skipCheck bool) io.Reader {
	if skipCheck {
		return r
	}
	return &checksumReader{r: r, remain: size, want: want, hash: crc32.NewIEEE()}
}

type checksumReader struct {
	r      io.Reader
	remain int64
	want   uint32
	hash   hash.Hash32
}

func (r *checksumReader) Read(b []byte) (n int, err error) {
	if r.hash == nil {
		return 0, ErrChecksum
	}
	n, err = r.r.Read(b)
	r.hash.Write(b[:n])
	r.remain -= int64(n)
	switch {
	case err == io.EOF && r.remain > 0:
		// The body ended short of its declared size; a truncated body can
		// never hash to the recorded checksum.
		r.hash = nil
		return n, ErrChecksum
	case r.remain <= 0 && r.hash.Sum32() != r.want:
		r.hash = nil
		return n, ErrChecksum
	}
	return
}
