// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package extra implements the typed extra-field registry:
// parsing a local or central extra-field blob into an ordered map of typed
// records, and serializing it back while preserving insertion order and
// any unrecognized ids verbatim.
package extra

import (
	"encoding/binary"
	"time"

	"github.com/go-zipkit/zipkit/internal/zipbits"
)

// Header ids.
const (
	IDZip64        = 0x0001
	IDNTFS         = 0x000A
	IDExtTimestamp = 0x5455
	IDOldUnix      = 0x5855
	IDASIUnix      = 0x756E
	IDUnicodePath  = 0x7075
	IDNewUnix      = 0x7875
	IDJAR          = 0xCAFE
	IDAPKAlignment = 0xD935
	IDWinZipAES    = 0x9901
)

// Field is a single (header-id, payload) extra record. Known ids are
// additionally exposed through the typed accessors below (Zip64, NTFS, ...);
// unknown ids carry only Raw.
type Field struct {
	ID  uint16
	Raw []byte
}

// Set is an ordered collection of extra fields, keyed by header id.
// An entry's local and central-directory extra fields are independent
// Sets; APPNOTE permits the two sides to diverge.
type Set struct {
	order []uint16
	byID  map[uint16]Field
}

func NewSet() *Set {
	return &Set{byID: make(map[uint16]Field)}
}

// Parse decodes a raw local/central extra-field blob into an ordered Set.
func Parse(b []byte) *Set {
	s := NewSet()
	for len(b) >= 4 {
		id := binary.LittleEndian.Uint16(b)
		size := int(binary.LittleEndian.Uint16(b[2:]))
		if len(b) < 4+size {
			break
		}
		s.Set(Field{ID: id, Raw: append([]byte(nil), b[4:4+size]...)})
		b = b[4+size:]
	}
	return s
}

// Set inserts or replaces the field for its ID, preserving original
// insertion position on replace and appending on insert.
func (s *Set) Set(f Field) {
	if _, ok := s.byID[f.ID]; !ok {
		s.order = append(s.order, f.ID)
	}
	s.byID[f.ID] = f
}

// Get returns the field for id, if present.
func (s *Set) Get(id uint16) (Field, bool) {
	f, ok := s.byID[id]
	return f, ok
}

// Remove deletes the field for id, if present.
func (s *Set) Remove(id uint16) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, x := range s.order {
		if x == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// IDs returns the header ids present, in insertion order.
func (s *Set) IDs() []uint16 {
	return append([]uint16(nil), s.order...)
}

// Len reports how many fields are present.
func (s *Set) Len() int { return len(s.order) }

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	c := NewSet()
	for _, id := range s.order {
		f := s.byID[id]
		c.Set(Field{ID: f.ID, Raw: append([]byte(nil), f.Raw...)})
	}
	return c
}

// Serialize concatenates all fields in insertion order back into a raw
// extra-field blob, the inverse of Parse.
func (s *Set) Serialize() []byte {
	total := 0
	for _, id := range s.order {
		total += 4 + len(s.byID[id].Raw)
	}
	out := make([]byte, 0, total)
	var hdr [4]byte
	for _, id := range s.order {
		f := s.byID[id]
		binary.LittleEndian.PutUint16(hdr[:2], f.ID)
		binary.LittleEndian.PutUint16(hdr[2:], uint16(len(f.Raw)))
		out = append(out, hdr[:]...)
		out = append(out, f.Raw...)
	}
	return out
}

// --- Zip64 Extended Information (0x0001) ---

// Zip64 holds whichever of the three fields were promoted to 64-bit; a
// field is "present" here iff the corresponding header value was the
// 0xFFFFFFFE/0xFFFFFFFF sentinel.
type Zip64 struct {
	UncompressedSize *uint64
	CompressedSize   *uint64
	LocalHeaderOffset *uint64
}

// ParseZip64 reads the fields present in raw, in the fixed order
// (uncompressed, compressed, offset) that APPNOTE mandates: a field only
// appears if its corresponding 32-bit header value was the sentinel.
// needUncompressed/needCompressed/needOffset tell the parser which fields
// the 32-bit header flagged as promoted, since the extra field itself
// carries no tag bits for this.
func ParseZip64(raw []byte, needUncompressed, needCompressed, needOffset bool) Zip64 {
	var z Zip64
	take := func() (uint64, bool) {
		if len(raw) < 8 {
			return 0, false
		}
		v := binary.LittleEndian.Uint64(raw)
		raw = raw[8:]
		return v, true
	}
	if needUncompressed {
		if v, ok := take(); ok {
			z.UncompressedSize = &v
		}
	}
	if needCompressed {
		if v, ok := take(); ok {
			z.CompressedSize = &v
		}
	}
	if needOffset {
		if v, ok := take(); ok {
			z.LocalHeaderOffset = &v
		}
	}
	return z
}

// Serialize encodes only the fields that are non-nil, in the fixed order.
func (z Zip64) Serialize() []byte {
	n := 0
	if z.UncompressedSize != nil {
		n += 8
	}
	if z.CompressedSize != nil {
		n += 8
	}
	if z.LocalHeaderOffset != nil {
		n += 8
	}
	out := make(zipbits.Buf, n)
	b := out
	if z.UncompressedSize != nil {
		b.U64(*z.UncompressedSize)
	}
	if z.CompressedSize != nil {
		b.U64(*z.CompressedSize)
	}
	if z.LocalHeaderOffset != nil {
		b.U64(*z.LocalHeaderOffset)
	}
	return out
}

// --- NTFS (0x000A) ---

const ticksPerSecond = 1e7 // Windows FILETIME resolution
var windowsEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// NTFS holds the three Windows-resolution timestamps from tag 1 of the
// NTFS extra field. Other tags are preserved verbatim in
// Extra so a round trip doesn't lose data this engine doesn't interpret.
type NTFS struct {
	Mtime, Atime, Ctime time.Time
	Extra               []byte // any non-tag-1 subfields, verbatim
}

func filetimeToTime(ticks uint64) time.Time {
	secs := int64(ticks) / ticksPerSecond
	nsecs := (1e9 / ticksPerSecond) * (int64(ticks) % ticksPerSecond)
	return time.Unix(windowsEpoch.Unix()+secs, nsecs).UTC()
}

func timeToFiletime(t time.Time) uint64 {
	secs := t.Unix() - windowsEpoch.Unix()
	return uint64(secs*ticksPerSecond + int64(t.Nanosecond())/100)
}

// ParseNTFS decodes an NTFS extra field body (4 reserved bytes then a
// sequence of tagged subfields; this engine only interprets tag 1).
func ParseNTFS(raw []byte) (NTFS, bool) {
	if len(raw) < 4 {
		return NTFS{}, false
	}
	var n NTFS
	sub := raw[4:]
	var leftover []byte
	for len(sub) >= 4 {
		tag := binary.LittleEndian.Uint16(sub)
		size := int(binary.LittleEndian.Uint16(sub[2:]))
		if len(sub) < 4+size {
			break
		}
		body := sub[4 : 4+size]
		if tag == 1 && size >= 24 {
			n.Mtime = filetimeToTime(binary.LittleEndian.Uint64(body[0:]))
			n.Atime = filetimeToTime(binary.LittleEndian.Uint64(body[8:]))
			n.Ctime = filetimeToTime(binary.LittleEndian.Uint64(body[16:]))
		} else {
			leftover = append(leftover, sub[:4+size]...)
		}
		sub = sub[4+size:]
	}
	n.Extra = leftover
	return n, true
}

// Serialize encodes the NTFS extra field body.
func (n NTFS) Serialize() []byte {
	out := make([]byte, 4) // reserved
	var tag [28]byte
	b := zipbits.Buf(tag[:])
	b.U16(1)
	b.U16(24)
	b.U64(timeToFiletime(n.Mtime))
	b.U64(timeToFiletime(n.Atime))
	b.U64(timeToFiletime(n.Ctime))
	out = append(out, tag[:]...)
	out = append(out, n.Extra...)
	return out
}

// --- Extended Timestamp (0x5455) ---

const (
	ExtTimestampMtime = 1 << 0
	ExtTimestampAtime = 1 << 1
	ExtTimestampCtime = 1 << 2
)

// ExtTimestamp is the Info-ZIP extended-timestamp field. The local copy
// carries whichever of mtime/atime/ctime are set in Flags; the central
// copy conventionally carries only mtime.
type ExtTimestamp struct {
	Flags              byte
	Mtime, Atime, Ctime int64 // Unix seconds, only the ones Flags marks as present
}

func ParseExtTimestamp(raw []byte) (ExtTimestamp, bool) {
	if len(raw) < 1 {
		return ExtTimestamp{}, false
	}
	t := ExtTimestamp{Flags: raw[0]}
	rest := raw[1:]
	take := func() (int64, bool) {
		if len(rest) < 4 {
			return 0, false
		}
		v := int64(int32(binary.LittleEndian.Uint32(rest)))
		rest = rest[4:]
		return v, true
	}
	if t.Flags&ExtTimestampMtime != 0 {
		if v, ok := take(); ok {
			t.Mtime = v
		}
	}
	if t.Flags&ExtTimestampAtime != 0 {
		if v, ok := take(); ok {
			t.Atime = v
		}
	}
	if t.Flags&ExtTimestampCtime != 0 {
		if v, ok := take(); ok {
			t.Ctime = v
		}
	}
	return t, true
}

func (t ExtTimestamp) Serialize() []byte {
	n := 1
	for _, set := range []bool{t.Flags&ExtTimestampMtime != 0, t.Flags&ExtTimestampAtime != 0, t.Flags&ExtTimestampCtime != 0} {
		if set {
			n += 4
		}
	}
	out := make(zipbits.Buf, n)
	b := out
	b.U8(t.Flags)
	if t.Flags&ExtTimestampMtime != 0 {
		b.U32(uint32(t.Mtime))
	}
	if t.Flags&ExtTimestampAtime != 0 {
		b.U32(uint32(t.Atime))
	}
	if t.Flags&ExtTimestampCtime != 0 {
		b.U32(uint32(t.Ctime))
	}
	return out
}

// --- Info-ZIP Old Unix (0x5855) ---

// OldUnix is the legacy Info-ZIP Unix extra field: always atime+mtime,
// optionally uid+gid.
type OldUnix struct {
	Atime, Mtime   uint32
	UID, GID       uint16
	HasOwnership bool
}

func ParseOldUnix(raw []byte) (OldUnix, bool) {
	if len(raw) < 8 {
		return OldUnix{}, false
	}
	o := OldUnix{
		Atime: binary.LittleEndian.Uint32(raw[0:]),
		Mtime: binary.LittleEndian.Uint32(raw[4:]),
	}
	if len(raw) >= 12 {
		o.UID = binary.LittleEndian.Uint16(raw[8:])
		o.GID = binary.LittleEndian.Uint16(raw[10:])
		o.HasOwnership = true
	}
	return o, true
}

func (o OldUnix) Serialize() []byte {
	n := 8
	if o.HasOwnership {
		n += 4
	}
	out := make(zipbits.Buf, n)
	b := out
	b.U32(o.Atime)
	b.U32(o.Mtime)
	if o.HasOwnership {
		b.U16(o.UID)
		b.U16(o.GID)
	}
	return out
}

// --- Info-ZIP New Unix (0x7875) ---

// NewUnix is the modern Info-ZIP Unix extra field with variable-width
// uid/gid.
type NewUnix struct {
	Version byte
	UID, GID []byte // big enough to hold whatever width was on the wire
}

func ParseNewUnix(raw []byte) (NewUnix, bool) {
	if len(raw) < 1 {
		return NewUnix{}, false
	}
	n := NewUnix{Version: raw[0]}
	rest := raw[1:]
	if len(rest) < 1 {
		return n, true
	}
	uidSize := int(rest[0])
	rest = rest[1:]
	if len(rest) < uidSize {
		return n, true
	}
	n.UID = append([]byte(nil), rest[:uidSize]...)
	rest = rest[uidSize:]
	if len(rest) < 1 {
		return n, true
	}
	gidSize := int(rest[0])
	rest = rest[1:]
	if len(rest) < gidSize {
		return n, true
	}
	n.GID = append([]byte(nil), rest[:gidSize]...)
	return n, true
}

func (n NewUnix) Serialize() []byte {
	out := make([]byte, 0, 2+len(n.UID)+len(n.GID))
	out = append(out, n.Version, byte(len(n.UID)))
	out = append(out, n.UID...)
	out = append(out, byte(len(n.GID)))
	out = append(out, n.GID...)
	return out
}

// UIDUint/GIDUint interpret the variable-width id fields as a little-endian
// unsigned integer, which is how every common zip tool writes them.
func (n NewUnix) UIDUint() uint64 { return leUint(n.UID) }
func (n NewUnix) GIDUint() uint64 { return leUint(n.GID) }

func leUint(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

// --- ASI Unix (0x756E) ---

// ASIUnix is the (now rare) ASi Unix extra field: mode, device major/minor,
// uid/gid, and an optional symlink target, with a CRC32 of the payload.
type ASIUnix struct {
	CRC              uint32
	Mode             uint16
	SizeDev          uint32
	UID, GID         uint16
	LinkTarget       []byte
}

func ParseASIUnix(raw []byte) (ASIUnix, bool) {
	if len(raw) < 14 {
		return ASIUnix{}, false
	}
	a := ASIUnix{
		CRC:     binary.LittleEndian.Uint32(raw[0:]),
		Mode:    binary.LittleEndian.Uint16(raw[4:]),
		SizeDev: binary.LittleEndian.Uint32(raw[6:]),
		UID:     binary.LittleEndian.Uint16(raw[10:]),
		GID:     binary.LittleEndian.Uint16(raw[12:]),
	}
	a.LinkTarget = append([]byte(nil), raw[14:]...)
	return a, true
}

func (a ASIUnix) Serialize() []byte {
	out := make(zipbits.Buf, 14+len(a.LinkTarget))
	b := out
	b.U32(a.CRC)
	b.U16(a.Mode)
	b.U32(a.SizeDev)
	b.U16(a.UID)
	b.U16(a.GID)
	b.Bytes(a.LinkTarget)
	return out
}

// --- Unicode Path (0x7075) ---

// UnicodePath carries a UTF-8 name alongside a CRC32 of the legacy
// (non-UTF-8) name it supplements; a reader only trusts Name when CRC
// matches the legacy name actually present in the header.
type UnicodePath struct {
	Version byte
	CRC     uint32
	Name    string
}

func ParseUnicodePath(raw []byte) (UnicodePath, bool) {
	if len(raw) < 5 {
		return UnicodePath{}, false
	}
	return UnicodePath{
		Version: raw[0],
		CRC:     binary.LittleEndian.Uint32(raw[1:]),
		Name:    string(raw[5:]),
	}, true
}

func (u UnicodePath) Serialize() []byte {
	out := make(zipbits.Buf, 5+len(u.Name))
	b := out
	b.U8(u.Version)
	b.U32(u.CRC)
	b.Bytes([]byte(u.Name))
	return out
}

// --- JAR marker (0xCAFE) ---
// Zero-length payload; presence alone signals a JAR.

// --- APK Alignment (0xD935) ---

// APKAlignment is the Android zipalign padding field: a 2-byte alignment
// multiple followed by the padding bytes that fill the rest of the field.
type APKAlignment struct {
	Alignment uint16
	Padding   []byte
}

func ParseAPKAlignment(raw []byte) (APKAlignment, bool) {
	if len(raw) < 2 {
		return APKAlignment{}, false
	}
	return APKAlignment{
		Alignment: binary.LittleEndian.Uint16(raw),
		Padding:   append([]byte(nil), raw[2:]...),
	}, true
}

func (a APKAlignment) Serialize() []byte {
	out := make(zipbits.Buf, 2+len(a.Padding))
	b := out
	b.U16(a.Alignment)
	b.Bytes(a.Padding)
	return out
}

// --- WinZip AES (0x9901) ---

// WinZipAES records the vendor version, strength, and true underlying
// compression method for an AES-encrypted entry. The wire
// payload is always exactly 7 bytes.
type WinZipAES struct {
	Version  uint16 // 1 = AE-1, 2 = AE-2
	Strength byte   // 1=128, 2=192, 3=256
	Method   uint16 // the actual compression method underneath
}

const winZipAESVendor = 0x4541 // "AE"

func ParseWinZipAES(raw []byte) (WinZipAES, bool) {
	if len(raw) < 7 {
		return WinZipAES{}, false
	}
	return WinZipAES{
		Version:  binary.LittleEndian.Uint16(raw[0:]),
		Strength: raw[4],
		Method:   binary.LittleEndian.Uint16(raw[5:]),
	}, true
}

func (w WinZipAES) Serialize() []byte {
	out := make(zipbits.Buf, 7)
	b := out
	b.U16(w.Version)
	b.U16(winZipAESVendor)
	b.U8(w.Strength)
	b.U16(w.Method)
	return out
}

// TimeFromField extracts whatever modification time, if any, is embedded
// in a known time-bearing extra field, used by the reader to pick the
// best available mtime among several redundant extra fields.
func TimeFromField(id uint16, raw []byte) (time.Time, bool) {
	switch id {
	case IDNTFS:
		if n, ok := ParseNTFS(raw); ok && !n.Mtime.IsZero() {
			return n.Mtime, true
		}
	case IDOldUnix:
		if o, ok := ParseOldUnix(raw); ok {
			return time.Unix(int64(o.Mtime), 0), true
		}
	case IDExtTimestamp:
		if t, ok := ParseExtTimestamp(raw); ok && t.Flags&ExtTimestampMtime != 0 {
			return time.Unix(t.Mtime, 0), true
		}
	}
	return time.Time{}, false
}
