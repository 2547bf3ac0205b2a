// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/go-zipkit/zipkit/internal/ziprecord"
	"github.com/go-zipkit/zipkit/internal/zipwriter"
)

// buildWriterEntries adapts every container entry, in order, to the
// zipwriter input shape. On error, any closers already opened for earlier
// entries are closed before returning.
func (a *Archive) buildWriterEntries() ([]*zipwriter.Entry, []io.Closer, error) {
	entries := make([]*zipwriter.Entry, 0, len(a.order))
	closers := make([]io.Closer, 0, len(a.order))
	for _, name := range a.order {
		we, closer, err := a.entries[name].toWriterEntry()
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, err
		}
		switch a.utf8Names {
		case UTF8Always:
			we.Flags |= ziprecord.FlagUTF8
		case UTF8Never:
			we.Flags &^= ziprecord.FlagUTF8
		}
		entries = append(entries, we)
		if closer != nil {
			closers = append(closers, closer)
		}
	}
	return entries, closers, nil
}

// writeTo streams the whole archive to w, in container order. A non-nil
// error from closing a body reader -- notably
// an AES entry's authentication check -- takes priority only if the write
// itself otherwise succeeded.
func (a *Archive) writeTo(w io.Writer) (err error) {
	if a.recovered && !a.allowRecoveredResave {
		return newErr(KindCorrupt, "", nil)
	}

	entries, closers, berr := a.buildWriterEntries()
	if berr != nil {
		return berr
	}
	defer func() {
		for _, c := range closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	opts := zipwriter.Options{Comment: a.comment, ZipAlign: a.zipAlign, SOAlign: a.soAlign}
	if werr := zipwriter.Write(w, entries, opts); werr != nil {
		return newErr(KindIo, "", werr)
	}
	return nil
}

// SaveAsFile writes the archive to path, leaving path untouched on any
// error: it stages to a sibling temp file and
// renames over path only once the write fully succeeds.
func (a *Archive) SaveAsFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".zipkit-*.tmp")
	if err != nil {
		return newErr(KindIo, path, err)
	}
	tmpName := tmp.Name()

	werr := a.writeTo(tmp)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return newErr(KindIo, path, err)
	}
	return nil
}

// SaveAsStream writes the archive to any io.Writer. Unlike SaveAsFile
// this cannot be atomic: a partial write
// on error is the caller's responsibility, since w need not be seekable.
func (a *Archive) SaveAsStream(w io.Writer) error {
	return a.writeTo(w)
}

// OutputAsBytes serializes the archive entirely in memory and returns the
// resulting bytes.
func (a *Archive) OutputAsBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Rewrite saves the archive back over the local file it was opened from
//: it streams to a sibling
// temp file (reading, where needed, from the still-open original handle),
// closes that handle, and only then renames the temp file over the
// original path. Non-local sources (open_from_bytes/open_from_stream, or
// an archive built from scratch) are rejected with ErrOverwriteNotLocal.
func (a *Archive) Rewrite() error {
	if a.sourcePath == "" {
		return newErr(KindOverwriteNotLocal, "", nil)
	}
	path := a.sourcePath
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".zipkit-*.tmp")
	if err != nil {
		return newErr(KindIo, path, err)
	}
	tmpName := tmp.Name()

	werr := a.writeTo(tmp)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}

	if a.closer != nil {
		if cerr := a.closer(); cerr != nil {
			os.Remove(tmpName)
			return newErr(KindIo, path, cerr)
		}
		a.closer = nil
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return newErr(KindIo, path, err)
	}
	return nil
}
