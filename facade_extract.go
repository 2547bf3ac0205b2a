// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-zipkit/zipkit/internal/entrycache"
)

const (
	unixModeTypeMask = 0xF000
	unixModeSymlink  = 0xA000
)

// ExtractOptions configures ExtractTo.
type ExtractOptions struct {
	// ExtractSymlinks, when true, recreates a Unix-mode symlink entry as a
	// real symlink -- but only when its stored target is a relative path
	// that doesn't escape dir. Otherwise (or when false) the link target
	// is written out as a plain regular file.
	ExtractSymlinks bool
}

// ExtractTo writes names (or, if nil, every entry) out under dir, creating
// intermediate directories as needed. Extraction is not atomic: on error,
// any files already written remain. The returned map covers every entry
// actually materialized on disk, keyed by the path it was written to.
func (a *Archive) ExtractTo(dir string, names []string, opts ExtractOptions) (map[string]*Entry, error) {
	targets := names
	if targets == nil {
		targets = a.Names()
	}
	written := make(map[string]*Entry, len(targets))
	for _, name := range targets {
		e, ok := a.Get(name)
		if !ok {
			return written, newErr(KindEntryNotFound, name, nil)
		}
		dest, err := a.extractEntry(dir, e, opts)
		if err != nil {
			return written, err
		}
		written[dest] = e
	}
	return written, nil
}

func (a *Archive) extractEntry(dir string, e *Entry, opts ExtractOptions) (string, error) {
	rel, err := sanitizeEntryPath(e.Name())
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, rel)

	if e.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", newErr(KindIo, e.Name(), err)
		}
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", newErr(KindIo, e.Name(), err)
	}

	mode, hasMode := e.UnixMode()
	isSymlink := opts.ExtractSymlinks && hasMode && mode&unixModeTypeMask == unixModeSymlink
	if isSymlink {
		rc, oerr := a.openEntryBody(e)
		if oerr != nil {
			return "", oerr
		}
		target, rerr := io.ReadAll(rc)
		if cerr := rc.Close(); rerr == nil {
			rerr = cerr
		}
		if rerr != nil {
			return "", newErr(KindIo, e.Name(), rerr)
		}
		linkTarget := string(target)
		if filepath.IsAbs(linkTarget) || pathEscapes(rel, linkTarget) {
			if err := writeRegularFile(dest, target); err != nil {
				return "", err
			}
			return dest, nil
		}
		if err := createSymlink(dest, linkTarget); err != nil {
			return "", newErr(KindIo, e.Name(), err)
		}
		return dest, nil
	}

	rc, err := a.openEntryBody(e)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		rc.Close()
		return "", newErr(KindIo, e.Name(), err)
	}
	_, err = io.Copy(f, rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		f.Close()
		return "", newErr(KindIo, e.Name(), err)
	}
	if err := f.Close(); err != nil {
		return "", newErr(KindIo, e.Name(), err)
	}

	if hasMode {
		if err := restoreMode(dest, mode); err != nil {
			return "", newErr(KindIo, e.Name(), err)
		}
	}
	return dest, nil
}

// sanitizeEntryPath rejects an absolute path or any ".." segment with
// ErrUnsafePath, and otherwise returns the entry's name as an OS-native
// relative path.
func sanitizeEntryPath(name string) (string, error) {
	trimmed := strings.TrimSuffix(name, "/")
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", newErr(KindUnsafePath, name, nil)
		}
	}
	clean := path.Clean(trimmed)
	if clean == "." {
		return "", newErr(KindUnsafePath, name, nil)
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", newErr(KindUnsafePath, name, nil)
	}
	return filepath.FromSlash(clean), nil
}

// pathEscapes reports whether a symlink at rel pointing to target would
// resolve outside the extraction root.
func pathEscapes(rel, target string) bool {
	joined := path.Join(path.Dir(filepath.ToSlash(rel)), filepath.ToSlash(target))
	clean := path.Clean(joined)
	return clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean)
}

func writeRegularFile(dest string, content []byte) error {
	return os.WriteFile(dest, content, 0o644)
}

// openEntryBody opens an entry's plaintext, serving archive-backed,
// unchanged entries out of the archive-wide decompression cache so that
// extracting the same entry repeatedly doesn't re-inflate it every time.
func (a *Archive) openEntryBody(e *Entry) (io.ReadCloser, error) {
	as, ok := e.source.(archiveSource)
	if !ok || e.bodyChanged {
		return e.Open()
	}

	key := entrycache.Key{ArchiveID: a.id, Name: e.name, Offset: e.localHeaderOffset}
	if a.cache != nil {
		if body, hit := a.cache.Get(key); hit {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	rc, err := as.open()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if a.cache == nil {
		a.cache = entrycache.New(entryCacheCapacity)
	}
	a.cache.Put(key, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}
