// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipkit implements a general-purpose ZIP archive engine: open,
// mutate, and save PKWARE ZIP archives (with ZIP64, WinZip AES, ZipCrypto,
// STORE/DEFLATE/BZIP2) without recompressing entries that didn't change.
package zipkit

import (
	"iter"
	"sync/atomic"

	"github.com/go-zipkit/zipkit/internal/entrycache"
	"github.com/go-zipkit/zipkit/internal/zipreader"
)

var archiveIDCounter atomic.Uint64

// entryCacheCapacity bounds how many decompressed bodies an archive's
// cache keeps resident; see internal/entrycache.
const entryCacheCapacity = 64

// Archive is an ordered name->Entry container:
// insertion order is preserved, archive comment and ZIP64 promotion are
// tracked automatically, and an optional zipalign policy governs how
// STORE-entry bodies are padded on save.
type Archive struct {
	order   []string
	entries map[string]*Entry

	comment string

	zipAlign int // 0 disables; Android-style STORE-entry body alignment
	soAlign  int // alignment for names ending in ".so"; 0 uses zipAlign

	utf8Names UTF8Policy

	readPassword []byte

	// snapshot captured at open, for unchange_all/unchange_entry/
	// unchange_archive_comment.
	inputOrder   []string
	inputEntries map[string]*Entry
	inputComment string

	// reader keeps the backing archive (if any) alive for archive-sourced
	// entries' lazy body reads; closer releases the underlying handle, if
	// the archive owns one (open_file); Rewrite calls it before renaming
	// the staged file over the source.
	reader *zipreader.Reader
	closer func() error

	sourcePath string // non-empty iff opened from a local file (rewrite-in-place target)

	// recovered records that the archive was opened in 0-entry recovery
	// mode: no EOCD record
	// could be found, so the reader gave up and treated it as an empty
	// archive instead of failing outright. allowRecoveredResave is the
	// configurable policy deciding whether such an archive may still be
	// saved (as a fresh, valid empty archive) or must surface ErrCorrupt.
	recovered            bool
	allowRecoveredResave bool

	zip64 bool // archive's structural records came from a ZIP64-EOCD

	id    uint64
	cache *entrycache.Cache
}

// NewArchive returns an empty archive, equivalent to creating a new ZIP
// from scratch.
func NewArchive() *Archive {
	return &Archive{entries: make(map[string]*Entry), id: archiveIDCounter.Add(1)}
}

// Len reports the number of entries currently in the archive.
func (a *Archive) Len() int { return len(a.order) }

// Comment returns the archive-level comment.
func (a *Archive) Comment() string { return a.comment }

// SetArchiveComment sets the archive-level comment, at most 0xFFFF bytes.
func (a *Archive) SetArchiveComment(s string) error {
	if len(s) > 0xFFFF {
		return newErr(KindInvalidArgument, "", nil)
	}
	a.comment = s
	return nil
}

// SetZipAlign sets (or, with 0, disables) the STORE-entry body alignment
// multiple applied on save.
func (a *Archive) SetZipAlign(multiple int) error {
	if multiple < 0 {
		return newErr(KindInvalidArgument, "", nil)
	}
	a.zipAlign = multiple
	return nil
}

// SetSOAlign overrides the alignment multiple used for names ending in
// ".so" (the Android page-alignment convention, typically 4096). 0 means
// "use ZipAlign's multiple for these too".
func (a *Archive) SetSOAlign(multiple int) error {
	if multiple < 0 {
		return newErr(KindInvalidArgument, "", nil)
	}
	a.soAlign = multiple
	return nil
}

// SetUTF8Names sets the writer's policy for GPBF bit 11: UTF8Auto (the
// default) derives it per entry from the name and comment, UTF8Always
// forces it on, UTF8Never forces it off.
func (a *Archive) SetUTF8Names(p UTF8Policy) {
	a.utf8Names = p
}

// Zip64 reports whether the archive was opened from ZIP64 structural
// records. The writer re-promotes automatically on save, so this is
// informational.
func (a *Archive) Zip64() bool { return a.zip64 }

// Recovered reports whether the archive was opened in 0-entry recovery
// mode because no EOCD record could be found. A
// recovered archive has no entries and, by default, refuses to be saved;
// see SetAllowRecoveredResave.
func (a *Archive) Recovered() bool { return a.recovered }

// SetAllowRecoveredResave opts a recovered archive into being resaved as a
// fresh, valid empty archive rather than rejecting Save/OutputAsBytes with
// ErrCorrupt. It has no effect on an archive that was not opened in
// recovery mode.
func (a *Archive) SetAllowRecoveredResave(allow bool) {
	a.allowRecoveredResave = allow
}

// SetReadPassword sets the password used to decrypt archive-backed entries
// when they must be re-encoded (e.g. their compression level changed but
// their encryption did not) rather than copied verbatim.
func (a *Archive) SetReadPassword(pw []byte) {
	a.readPassword = append([]byte(nil), pw...)
}

func (a *Archive) readPasswordFunc() func() []byte {
	return func() []byte { return a.readPassword }
}

// Get returns the entry named name, if present.
func (a *Archive) Get(name string) (*Entry, bool) {
	e, ok := a.entries[name]
	return e, ok
}

// Contains reports whether name is present in the archive.
func (a *Archive) Contains(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// Names returns every entry name, in container (insertion) order.
func (a *Archive) Names() []string {
	return append([]string(nil), a.order...)
}

// Entries iterates every entry in container (insertion) order.
func (a *Archive) Entries() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, name := range a.order {
			if !yield(a.entries[name]) {
				return
			}
		}
	}
}

func (a *Archive) insert(e *Entry) {
	if _, exists := a.entries[e.name]; !exists {
		a.order = append(a.order, e.name)
	}
	a.entries[e.name] = e
}

func (a *Archive) remove(name string) {
	if _, ok := a.entries[name]; !ok {
		return
	}
	delete(a.entries, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// snapshotInput captures the current archive state as the "input" baseline
// used by UnchangeAll/UnchangeEntry/UnchangeArchiveComment. Entries are
// cloned so later in-place mutations of the live entries can't reach back
// into the snapshot.
func (a *Archive) snapshotInput() {
	a.inputOrder = append([]string(nil), a.order...)
	a.inputEntries = make(map[string]*Entry, len(a.entries))
	for name, e := range a.entries {
		a.inputEntries[name] = e.clone()
	}
	a.inputComment = a.comment
}

// UnchangeAll restores every entry and the archive comment to the snapshot
// captured when the archive was opened, discarding all mutations made
// since.
func (a *Archive) UnchangeAll() {
	a.order = append([]string(nil), a.inputOrder...)
	a.entries = make(map[string]*Entry, len(a.inputEntries))
	for name, e := range a.inputEntries {
		a.entries[name] = e.clone()
	}
	a.comment = a.inputComment
}

// UnchangeEntry restores a single entry to its snapshot state, or removes
// it if it did not exist at open time.
func (a *Archive) UnchangeEntry(name string) error {
	orig, existed := a.inputEntries[name]
	if !existed {
		if !a.Contains(name) {
			return newErr(KindEntryNotFound, name, nil)
		}
		a.remove(name)
		return nil
	}
	a.insert(orig.clone())
	return nil
}

// UnchangeArchiveComment restores the archive comment to its snapshot
// value.
func (a *Archive) UnchangeArchiveComment() {
	a.comment = a.inputComment
}

// Clone returns a deep copy: entries (including in-memory byte sources)
// are duplicated; file-path sources share the path but re-open the file on
// read.
func (a *Archive) Clone() *Archive {
	c := &Archive{
		entries:              make(map[string]*Entry, len(a.entries)),
		order:                append([]string(nil), a.order...),
		comment:              a.comment,
		zipAlign:             a.zipAlign,
		soAlign:              a.soAlign,
		utf8Names:            a.utf8Names,
		readPassword:         append([]byte(nil), a.readPassword...),
		reader:               a.reader,
		sourcePath:           a.sourcePath,
		recovered:            a.recovered,
		allowRecoveredResave: a.allowRecoveredResave,
		zip64:                a.zip64,
		id:                   archiveIDCounter.Add(1),
	}
	for name, e := range a.entries {
		c.entries[name] = e.clone()
	}
	c.snapshotInput()
	return c
}
