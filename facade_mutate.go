// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-zipkit/zipkit/internal/extra"
)

// Rename moves an entry to a new name within the same archive: the
// destination must not already exist, and any
// now-stale UnicodePath extra (computed against the old legacy name's
// CRC32) is dropped since it no longer applies.
func (a *Archive) Rename(old, newName string) error {
	e, ok := a.Get(old)
	if !ok {
		return newErr(KindEntryNotFound, old, nil)
	}
	newName = normalizeName(newName)
	if newName == "" {
		return newErr(KindInvalidName, newName, nil)
	}
	if a.Contains(newName) {
		return newErr(KindDuplicateEntry, newName, nil)
	}
	if err := e.setName(newName); err != nil {
		return err
	}
	e.centralExtra.Remove(extra.IDUnicodePath)
	e.localExtra.Remove(extra.IDUnicodePath)
	// Rename keeps the entry's position in container order.
	for i, n := range a.order {
		if n == old {
			a.order[i] = newName
			break
		}
	}
	delete(a.entries, old)
	a.entries[newName] = e
	return nil
}

// Delete removes a single entry.
func (a *Archive) Delete(name string) error {
	if !a.Contains(name) {
		return newErr(KindEntryNotFound, name, nil)
	}
	a.remove(name)
	return nil
}

// DeleteGlob removes every entry whose name matches a doublestar pattern.
// An empty pattern is rejected.
func (a *Archive) DeleteGlob(pattern string) (int, error) {
	if pattern == "" {
		return 0, newErr(KindInvalidArgument, pattern, nil)
	}
	var victims []string
	for _, name := range a.order {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return 0, newErr(KindInvalidArgument, pattern, err)
		}
		if ok {
			victims = append(victims, name)
		}
	}
	for _, name := range victims {
		a.remove(name)
	}
	return len(victims), nil
}

// DeleteRegex removes every entry whose name matches re. A nil or
// empty-source regexp is rejected.
func (a *Archive) DeleteRegex(re *regexp.Regexp) (int, error) {
	if re == nil || re.String() == "" {
		return 0, newErr(KindInvalidArgument, "", nil)
	}
	var victims []string
	for _, name := range a.order {
		if re.MatchString(name) {
			victims = append(victims, name)
		}
	}
	for _, name := range victims {
		a.remove(name)
	}
	return len(victims), nil
}

// SetEntryComment sets one entry's comment by name.
func (a *Archive) SetEntryComment(name, s string) error {
	e, ok := a.Get(name)
	if !ok {
		return newErr(KindEntryNotFound, name, nil)
	}
	return e.SetComment(s)
}

// SetPassword applies pw/method to every entry in the archive, the bulk
// form of Entry.SetPassword.
func (a *Archive) SetPassword(pw []byte, method EncryptionMethod) {
	for _, name := range a.order {
		a.entries[name].SetPassword(pw, method)
	}
}

// SetPasswordEntry applies pw/method to a single named entry.
func (a *Archive) SetPasswordEntry(name string, pw []byte, method EncryptionMethod) error {
	e, ok := a.Get(name)
	if !ok {
		return newErr(KindEntryNotFound, name, nil)
	}
	e.SetPassword(pw, method)
	return nil
}

// SetCompressionLevel applies l to every entry in the archive.
func (a *Archive) SetCompressionLevel(l int) error {
	for _, name := range a.order {
		if err := a.entries[name].SetCompressionLevel(l); err != nil {
			return err
		}
	}
	return nil
}

// SetCompressionLevelEntry applies l to a single named entry.
func (a *Archive) SetCompressionLevelEntry(name string, l int) error {
	e, ok := a.Get(name)
	if !ok {
		return newErr(KindEntryNotFound, name, nil)
	}
	return e.SetCompressionLevel(l)
}
