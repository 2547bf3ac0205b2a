// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package entrycache memoizes a just-decompressed, CRC-verified entry
// body so that re-extracting the same entry from the same archive twice
// (an ExtractTo followed by a diffing read, say) doesn't pay for
// decompression twice. Keys are hashed with xxhash; admission and
// eviction are handled by go-tinylfu.
package entrycache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// Key identifies one entry's decompressed body within one archive: the
// archive's identity, the entry's name, and its local-header offset (so a
// rewritten entry at the same name but a different offset misses, rather
// than serving stale bytes).
type Key struct {
	ArchiveID uint64
	Name      string
	Offset    int64
}

// hashKey feeds Key's fields through xxhash, the hasher callback shape
// tinylfu's generic constructor wants.
func hashKey(k Key) uint64 {
	h := xxhash.New()
	h.WriteString(k.Name)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.ArchiveID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.Offset))
	h.Write(buf[:])
	return h.Sum64()
}

// Cache is a small archive-wide memo of decompressed entry bodies,
// admission-controlled by go-tinylfu so a one-off scan of a huge archive
// doesn't evict the working set of a caller repeatedly extracting a
// handful of entries.
type Cache struct {
	t *tinylfu.T[Key, []byte]
}

// New creates a cache holding up to capacity entries.
func New(capacity int) *Cache {
	return &Cache{t: tinylfu.New[Key, []byte](capacity, capacity*10, hashKey)}
}

// Get returns the cached body for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	return c.t.Get(key)
}

// Put stores body for key.
func (c *Cache) Put(key Key, body []byte) {
	c.t.Add(key, body)
}
