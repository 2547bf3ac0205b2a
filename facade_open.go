// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/go-zipkit/zipkit/internal/zipreader"
)

// OpenFile opens a local ZIP file.
func OpenFile(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIo, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(KindIo, path, err)
	}
	a, err := openFrom(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f.Close
	a.sourcePath = path
	return a, nil
}

// OpenFromBytes opens a ZIP archive already fully resident in memory.
func OpenFromBytes(buf []byte) (*Archive, error) {
	return openFrom(bytes.NewReader(buf), int64(len(buf)))
}

// OpenFromStream opens a ZIP archive from any seekable resource.
func OpenFromStream(rs io.ReadSeeker) (*Archive, error) {
	ra, size, err := readerAtFromSeeker(rs)
	if err != nil {
		return nil, err
	}
	return openFrom(ra, size)
}

func openFrom(r io.ReaderAt, size int64) (*Archive, error) {
	rdr, err := zipreader.Open(r, size)
	if err != nil {
		return nil, translateReaderError(err)
	}

	a := NewArchive()
	a.reader = rdr
	a.comment = rdr.Comment
	a.recovered = rdr.Recovered
	a.zip64 = rdr.Zip64

	pwFunc := a.readPasswordFunc()
	for i := range rdr.Entries {
		e := entryFromCentral(rdr, i, pwFunc)
		a.insert(e)
	}
	a.snapshotInput()
	return a, nil
}

func translateReaderError(err error) error {
	switch err {
	case zipreader.ErrFormat:
		return newErr(KindNotAZipFile, "", err)
	case zipreader.ErrNoSpanned:
		return newErr(KindSpanningUnsupported, "", err)
	default:
		return newErr(KindIo, "", err)
	}
}

// readerAtFromSeeker adapts an io.ReadSeeker (which may not itself
// implement io.ReaderAt, e.g. a raw network connection wrapped in a
// seekable buffer) into an io.ReaderAt by serializing Seek+Read under a
// mutex, and reports its total size via Seek(0, io.SeekEnd).
func readerAtFromSeeker(rs io.ReadSeeker) (io.ReaderAt, int64, error) {
	if ra, ok := rs.(io.ReaderAt); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, newErr(KindIo, "", err)
		}
		return ra, size, nil
	}
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, newErr(KindIo, "", err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, 0, newErr(KindIo, "", err)
	}
	return &seekerReaderAt{rs: rs}, size, nil
}

type seekerReaderAt struct {
	rs  io.ReadSeeker
	mu  sync.Mutex
}

func (s *seekerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rs, p)
}
