// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sectionreader bounds an io.ReaderAt to one entry's byte range
// within an archive: the reader hands out a local-header or raw-body
// range without letting a caller read past it, and the writer streams a
// raw-copied body straight out of such a range. Carving a range out of
// an already-bounded range re-bases onto the original source, so chained
// carve-outs never stack indirections.
package sectionreader

import (
	"errors"
	"io"
)

// ErrOutOfRange reports a ReadAt call whose offset is negative or whose
// re-based position cannot exist in the underlying source. Unlike the
// io.EOF returned for reads at or past the end of the range, this always
// means a caller bug, never an archive that simply ended.
var ErrOutOfRange = errors.New("zipkit: read outside entry byte range")

// ReaderAt is a [base, base+size) view onto an underlying io.ReaderAt.
type ReaderAt struct {
	r    io.ReaderAt
	base int64
	size int64
}

// Section carves the n bytes at off out of r. If r is itself a *ReaderAt,
// or an *io.SectionReader whose bounds contain the request, the new view
// addresses their underlying source directly. Nonsensical bounds yield an
// empty section rather than a panic; reads from it report io.EOF.
func Section(r io.ReaderAt, off, n int64) *ReaderAt {
	if off < 0 || n < 0 || off+n < 0 {
		return &ReaderAt{r: r}
	}
	for {
		if t, ok := r.(*ReaderAt); ok && off+n <= t.size {
			r, off = t.r, off+t.base
			continue
		}
		if t, ok := r.(*io.SectionReader); ok {
			if outer, outerOff, outerN := t.Outer(); off+n <= outerN {
				r, off = outer, off+outerOff
				continue
			}
		}
		return &ReaderAt{r: r, base: off, size: n}
	}
}

// Size reports the length of the bounded range.
func (s *ReaderAt) Size() int64 { return s.size }

func (s *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || s.base+off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if rem := s.size - off; int64(len(p)) > rem {
		n, err := s.r.ReadAt(p[:rem], s.base+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, s.base+off)
}
