// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-zipkit/zipkit/internal/rereadable"
)

// MethodAuto tells an add_* operation to pick a method itself, by sniffing
// the content.
const MethodAuto uint16 = 0xFFFF

// AddIterator supplies one (name, reader) pair per call, returning ok=false
// once exhausted.
type AddIterator func() (name string, r io.Reader, ok bool)

// AddBytes installs an in-memory entry.
func (a *Archive) AddBytes(name string, data []byte, method uint16) (*Entry, error) {
	e, err := a.newNamedEntry(name)
	if err != nil {
		return nil, err
	}
	e.source = bytesSource{b: data}
	e.uncompressedSize = int64(len(data))
	peek := data
	if len(peek) > sniffLen {
		peek = peek[:sniffLen]
	}
	if err := e.SetMethod(resolveAutoMethod(method, peek)); err != nil {
		return nil, err
	}
	a.insert(e)
	return e, nil
}

// AddFile installs a local-file-backed entry, re-opened on every read
//. An empty name defaults to path's basename.
func (a *Archive) AddFile(srcPath, name string, method uint16) (*Entry, error) {
	if name == "" {
		name = filepath.Base(srcPath)
	}
	e, err := a.newNamedEntry(name)
	if err != nil {
		return nil, err
	}
	f, oerr := os.Open(srcPath)
	if oerr != nil {
		return nil, newErr(KindIo, srcPath, oerr)
	}
	defer f.Close()

	if fi, serr := f.Stat(); serr == nil {
		e.modTime = fi.ModTime()
		e.uncompressedSize = fi.Size()
		if m := fi.Mode(); m&0o111 != 0 {
			e.externalAttrs = uint32(m.Perm()) << 16
		}
	}
	var peek [sniffLen]byte
	n, _ := io.ReadFull(f, peek[:])
	e.source = fileSource{path: srcPath}

	if err := e.SetMethod(resolveAutoMethod(method, peek[:n])); err != nil {
		return nil, err
	}
	a.insert(e)
	return e, nil
}

// AddStream installs a one-shot-reader-backed entry: the first sniffLen
// bytes are read now to pick the method, and the rest of the reader is
// consumed exactly once, at save time.
func (a *Archive) AddStream(r io.Reader, name string, method uint16) (*Entry, error) {
	e, err := a.newNamedEntry(name)
	if err != nil {
		return nil, err
	}

	var peek [sniffLen]byte
	n, _ := io.ReadFull(r, peek[:])
	full := io.MultiReader(bytes.NewReader(peek[:n]), r)
	e.source = streamSource{s: rereadable.New(full)}
	e.uncompressedSize = SizeUnknown

	if err := e.SetMethod(resolveAutoMethod(method, peek[:n])); err != nil {
		return nil, err
	}
	a.insert(e)
	return e, nil
}

// AddEmptyDir installs a directory placeholder.
func (a *Archive) AddEmptyDir(name string) (*Entry, error) {
	name = normalizeName(name)
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	e, err := a.newNamedEntry(name)
	if err != nil {
		return nil, err
	}
	e.uncompressedSize = 0
	e.compressedSize = 0
	e.crc32Known = true
	a.insert(e)
	return e, nil
}

// AddDir walks a filesystem directory and adds one entry per regular file,
// optionally recursing. When recursing it also adds a placeholder for each
// subdirectory that is completely empty; without recursion it adds no
// directory entries.
// Names are localPrefix-joined with the path relative to root.
func (a *Archive) AddDir(root, localPrefix string, recursive bool) ([]*Entry, error) {
	var out []*Entry
	walk := func(dir string) error {
		ents, err := os.ReadDir(dir)
		if err != nil {
			return newErr(KindIo, dir, err)
		}
		for _, d := range ents {
			full := filepath.Join(dir, d.Name())
			rel, _ := filepath.Rel(root, full)
			rel = filepath.ToSlash(rel)
			name := joinPrefix(localPrefix, rel)
			if d.IsDir() {
				continue
			}
			e, err := a.AddFile(full, name, MethodAuto)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	}

	if !recursive {
		if err := walk(root); err != nil {
			return nil, err
		}
		return out, nil
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return newErr(KindIo, p, err)
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		name := joinPrefix(localPrefix, rel)
		if d.IsDir() {
			sub, rerr := os.ReadDir(p)
			if rerr == nil && len(sub) == 0 {
				e, aerr := a.AddEmptyDir(name)
				if aerr != nil {
					return aerr
				}
				out = append(out, e)
			}
			return nil
		}
		e, aerr := a.AddFile(p, name, MethodAuto)
		if aerr != nil {
			return aerr
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddFromGlob adds every file under root matching a doublestar pattern.
func (a *Archive) AddFromGlob(root, pattern, localPrefix string) ([]*Entry, error) {
	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, newErr(KindInvalidArgument, pattern, err)
	}
	var out []*Entry
	for _, m := range matches {
		full := filepath.Join(root, m)
		fi, serr := os.Stat(full)
		if serr != nil || fi.IsDir() {
			continue
		}
		e, aerr := a.AddFile(full, joinPrefix(localPrefix, m), MethodAuto)
		if aerr != nil {
			return nil, aerr
		}
		out = append(out, e)
	}
	return out, nil
}

// AddFromRegex adds every file under root whose path (relative to root,
// forward-slashed) matches re.
func (a *Archive) AddFromRegex(root string, re *regexp.Regexp, localPrefix string) ([]*Entry, error) {
	var out []*Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return newErr(KindIo, p, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if !re.MatchString(rel) {
			return nil
		}
		e, aerr := a.AddFile(p, joinPrefix(localPrefix, rel), MethodAuto)
		if aerr != nil {
			return aerr
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddFromIterator feeds each (name, reader) pair yielded by it through
// AddStream.
func (a *Archive) AddFromIterator(it AddIterator, localPrefix string) ([]*Entry, error) {
	var out []*Entry
	for {
		name, r, ok := it()
		if !ok {
			return out, nil
		}
		e, err := a.AddStream(r, joinPrefix(localPrefix, name), MethodAuto)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
}

func (a *Archive) newNamedEntry(name string) (*Entry, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, newErr(KindInvalidName, name, nil)
	}
	if a.Contains(name) {
		return nil, newErr(KindDuplicateEntry, name, nil)
	}
	return newEntry(name), nil
}

func normalizeName(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}

func joinPrefix(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

func resolveAutoMethod(method uint16, peek []byte) uint16 {
	if method != MethodAuto {
		return method
	}
	return autoMethod(peek)
}
