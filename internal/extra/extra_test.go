// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package extra

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"
)

func TestParseSerializeRoundTrip(t *testing.T) {
	// Two known fields and one unknown id, concatenated; a full round trip
	// must preserve order and reproduce the input byte-for-byte.
	raw := []byte{
		0xFE, 0xCA, 0x00, 0x00, // JAR marker, empty payload
		0x99, 0x99, 0x03, 0x00, 0xAA, 0xBB, 0xCC, // unknown id 0x9999
		0x55, 0x54, 0x05, 0x00, 0x01, 0x78, 0x56, 0x34, 0x12, // ext timestamp, mtime only
	}
	s := Parse(raw)
	if s.Len() != 3 {
		t.Fatalf("expected 3 fields, got %d", s.Len())
	}
	wantOrder := []uint16{IDJAR, 0x9999, IDExtTimestamp}
	for i, id := range s.IDs() {
		if id != wantOrder[i] {
			t.Fatalf("order[%d] = %#04x, want %#04x", i, id, wantOrder[i])
		}
	}
	if got := s.Serialize(); !bytes.Equal(got, raw) {
		t.Fatalf("serialize mismatch:\n got %x\nwant %x", got, raw)
	}
}

func TestParseTruncatedFieldDropped(t *testing.T) {
	// A field whose declared size runs past the end of the blob is dropped
	// rather than partially parsed.
	raw := []byte{0x55, 0x54, 0x40, 0x00, 0x01}
	if got := Parse(raw).Len(); got != 0 {
		t.Fatalf("expected truncated field to be dropped, got %d fields", got)
	}
}

func TestZip64PartialFields(t *testing.T) {
	u, c, o := uint64(5_000_000_000), uint64(4_000_000_000), uint64(6_000_000_000)

	cases := []struct {
		name    string
		z       Zip64
		needU   bool
		needC   bool
		needO   bool
		wantLen int
	}{
		{"all three", Zip64{&u, &c, &o}, true, true, true, 24},
		{"offset only", Zip64{LocalHeaderOffset: &o}, false, false, true, 8},
		{"sizes only", Zip64{UncompressedSize: &u, CompressedSize: &c}, true, true, false, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.z.Serialize()
			if len(raw) != tc.wantLen {
				t.Fatalf("serialized length %d, want %d", len(raw), tc.wantLen)
			}
			back := ParseZip64(raw, tc.needU, tc.needC, tc.needO)
			check := func(name string, got, want *uint64) {
				if (got == nil) != (want == nil) {
					t.Fatalf("%s presence mismatch", name)
				}
				if got != nil && *got != *want {
					t.Fatalf("%s = %d, want %d", name, *got, *want)
				}
			}
			check("uncompressed", back.UncompressedSize, tc.z.UncompressedSize)
			check("compressed", back.CompressedSize, tc.z.CompressedSize)
			check("offset", back.LocalHeaderOffset, tc.z.LocalHeaderOffset)
		})
	}
}

func TestNTFSRoundTrip(t *testing.T) {
	mtime := time.Date(2024, time.March, 1, 12, 30, 45, 0, time.UTC)
	atime := time.Date(2023, time.June, 2, 8, 0, 0, 0, time.UTC)
	ctime := time.Date(2020, time.January, 15, 23, 59, 58, 0, time.UTC)

	n := NTFS{Mtime: mtime, Atime: atime, Ctime: ctime}
	back, ok := ParseNTFS(n.Serialize())
	if !ok {
		t.Fatal("ParseNTFS failed")
	}
	for _, c := range []struct {
		name      string
		got, want time.Time
	}{{"mtime", back.Mtime, mtime}, {"atime", back.Atime, atime}, {"ctime", back.Ctime, ctime}} {
		if !c.got.Equal(c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestNTFSEpochConversion(t *testing.T) {
	// FILETIME 0 is 1601-01-01; the Unix conversion constant is
	// 11644473600 seconds.
	if got := filetimeToTime(0); got.Unix() != -11644473600 {
		t.Fatalf("filetime 0 = unix %d, want -11644473600", got.Unix())
	}
	epoch := time.Unix(0, 0)
	if got := timeToFiletime(epoch); got != 11644473600*ticksPerSecond {
		t.Fatalf("unix 0 = filetime %d", got)
	}
}

func TestExtTimestampRoundTrip(t *testing.T) {
	full := ExtTimestamp{
		Flags: ExtTimestampMtime | ExtTimestampAtime | ExtTimestampCtime,
		Mtime: 1700000000,
		Atime: 1700000100,
		Ctime: 1600000000,
	}
	back, ok := ParseExtTimestamp(full.Serialize())
	if !ok || back != full {
		t.Fatalf("got %+v, want %+v", back, full)
	}

	// The central-directory copy carries only mtime: one
	// flag byte plus a single 4-byte time.
	central := ExtTimestamp{Flags: ExtTimestampMtime, Mtime: 1700000000}
	raw := central.Serialize()
	if len(raw) != 5 {
		t.Fatalf("central copy is %d bytes, want 5", len(raw))
	}
	back, ok = ParseExtTimestamp(raw)
	if !ok || back.Mtime != central.Mtime || back.Atime != 0 {
		t.Fatalf("got %+v, want %+v", back, central)
	}
}

func TestOldUnixRoundTrip(t *testing.T) {
	with := OldUnix{Atime: 1700000100, Mtime: 1700000000, UID: 501, GID: 20, HasOwnership: true}
	back, ok := ParseOldUnix(with.Serialize())
	if !ok || back != with {
		t.Fatalf("got %+v, want %+v", back, with)
	}

	without := OldUnix{Atime: 1, Mtime: 2}
	raw := without.Serialize()
	if len(raw) != 8 {
		t.Fatalf("ownerless field is %d bytes, want 8", len(raw))
	}
	back, ok = ParseOldUnix(raw)
	if !ok || back.HasOwnership {
		t.Fatalf("got %+v, want no ownership", back)
	}
}

func TestNewUnixRoundTrip(t *testing.T) {
	n := NewUnix{Version: 1, UID: []byte{0xF5, 0x01, 0x00, 0x00}, GID: []byte{0x14, 0x00, 0x00, 0x00}}
	back, ok := ParseNewUnix(n.Serialize())
	if !ok {
		t.Fatal("ParseNewUnix failed")
	}
	if back.Version != 1 || back.UIDUint() != 501 || back.GIDUint() != 20 {
		t.Fatalf("got version=%d uid=%d gid=%d", back.Version, back.UIDUint(), back.GIDUint())
	}
}

func TestASIUnixRoundTrip(t *testing.T) {
	a := ASIUnix{CRC: 0xDEADBEEF, Mode: 0o120777, SizeDev: 9, UID: 501, GID: 20, LinkTarget: []byte("target/file")}
	back, ok := ParseASIUnix(a.Serialize())
	if !ok {
		t.Fatal("ParseASIUnix failed")
	}
	if back.Mode != a.Mode || back.UID != a.UID || !bytes.Equal(back.LinkTarget, a.LinkTarget) {
		t.Fatalf("got %+v, want %+v", back, a)
	}
}

func TestUnicodePathRoundTrip(t *testing.T) {
	legacy := []byte("caf\x82.txt") // CP437 é
	u := UnicodePath{Version: 1, CRC: crc32.ChecksumIEEE(legacy), Name: "café.txt"}
	back, ok := ParseUnicodePath(u.Serialize())
	if !ok || back != u {
		t.Fatalf("got %+v, want %+v", back, u)
	}
	// The consumer-side trust rule: the CRC must match the legacy name.
	if back.CRC != crc32.ChecksumIEEE(legacy) {
		t.Fatal("CRC no longer matches the legacy name it was computed over")
	}
}

func TestAPKAlignmentRoundTrip(t *testing.T) {
	a := APKAlignment{Alignment: 4, Padding: make([]byte, 3)}
	raw := a.Serialize()
	if len(raw) != 5 {
		t.Fatalf("serialized %d bytes, want 5", len(raw))
	}
	back, ok := ParseAPKAlignment(raw)
	if !ok || back.Alignment != 4 || len(back.Padding) != 3 {
		t.Fatalf("got %+v", back)
	}
}

func TestWinZipAESRoundTrip(t *testing.T) {
	w := WinZipAES{Version: 2, Strength: 3, Method: 8}
	raw := w.Serialize()
	if len(raw) != 7 {
		t.Fatalf("serialized %d bytes, want the constant 7", len(raw))
	}
	if binary.LittleEndian.Uint16(raw[2:]) != winZipAESVendor {
		t.Fatalf("vendor id %#04x, want %#04x", binary.LittleEndian.Uint16(raw[2:]), winZipAESVendor)
	}
	back, ok := ParseWinZipAES(raw)
	if !ok || back != w {
		t.Fatalf("got %+v, want %+v", back, w)
	}
}

func TestSetReplacePreservesPosition(t *testing.T) {
	s := NewSet()
	s.Set(Field{ID: 1, Raw: []byte{1}})
	s.Set(Field{ID: 2, Raw: []byte{2}})
	s.Set(Field{ID: 3, Raw: []byte{3}})
	s.Set(Field{ID: 2, Raw: []byte{9, 9}}) // replace in the middle

	want := []uint16{1, 2, 3}
	for i, id := range s.IDs() {
		if id != want[i] {
			t.Fatalf("order[%d] = %d, want %d", i, id, want[i])
		}
	}
	f, _ := s.Get(2)
	if !bytes.Equal(f.Raw, []byte{9, 9}) {
		t.Fatalf("replaced payload = %x", f.Raw)
	}
}

func TestTimeFromFieldPrecedence(t *testing.T) {
	mtime := time.Date(2022, time.May, 4, 10, 20, 30, 0, time.UTC)

	ntfs := NTFS{Mtime: mtime, Atime: mtime, Ctime: mtime}.Serialize()
	if got, ok := TimeFromField(IDNTFS, ntfs); !ok || !got.Equal(mtime) {
		t.Fatalf("NTFS mtime = %v ok=%v", got, ok)
	}

	ext := ExtTimestamp{Flags: ExtTimestampMtime, Mtime: mtime.Unix()}.Serialize()
	if got, ok := TimeFromField(IDExtTimestamp, ext); !ok || got.Unix() != mtime.Unix() {
		t.Fatalf("ExtTimestamp mtime = %v ok=%v", got, ok)
	}

	if _, ok := TimeFromField(IDJAR, nil); ok {
		t.Fatal("JAR marker must not yield a time")
	}
}
