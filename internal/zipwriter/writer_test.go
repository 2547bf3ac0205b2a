// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipwriter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/go-zipkit/zipkit/internal/extra"
	"github.com/go-zipkit/zipkit/internal/zipreader"
	"github.com/go-zipkit/zipkit/internal/ziprecord"
)

func rawEntry(name string, content []byte) *Entry {
	return &Entry{
		Name:                name,
		Method:              ziprecord.Store,
		VersionNeeded:       ziprecord.VersionDefault,
		RawBody:             bytes.NewReader(content),
		RawCompressedSize:   int64(len(content)),
		RawUncompressedSize: int64(len(content)),
		CRC32:               crc32.ChecksumIEEE(content),
	}
}

func plainEntry(name string, content []byte, method uint16) *Entry {
	return &Entry{
		Name:             name,
		Method:           method,
		VersionNeeded:    ziprecord.VersionDeflate,
		PlainBody:        bytes.NewReader(content),
		CompressionLevel: 6,
	}
}

func openWritten(t *testing.T, out []byte) *zipreader.Reader {
	t.Helper()
	rd, err := zipreader.Open(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("reopen written archive: %v", err)
	}
	return rd
}

func readBody(t *testing.T, rd *zipreader.Reader, i int, password []byte) []byte {
	t.Helper()
	rc, err := rd.OpenBody(i, password)
	if err != nil {
		t.Fatalf("OpenBody(%d): %v", i, err)
	}
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body %d: %v", i, err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close body %d: %v", i, err)
	}
	return body
}

func TestWriteReadRoundTrip(t *testing.T) {
	contents := map[string][]byte{
		"a.txt":     []byte("alpha"),
		"b/c.txt":   []byte("nested content"),
		"big.txt":   bytes.Repeat([]byte("deflate me "), 500),
		"empty.bin": nil,
	}
	entries := []*Entry{
		rawEntry("a.txt", contents["a.txt"]),
		rawEntry("b/c.txt", contents["b/c.txt"]),
		plainEntry("big.txt", contents["big.txt"], ziprecord.Deflate),
		rawEntry("empty.bin", contents["empty.bin"]),
	}

	var out bytes.Buffer
	if err := Write(&out, entries, Options{Comment: "round trip"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd := openWritten(t, out.Bytes())
	if rd.Comment != "round trip" {
		t.Fatalf("comment = %q", rd.Comment)
	}
	if len(rd.Entries) != len(entries) {
		t.Fatalf("entry count = %d, want %d", len(rd.Entries), len(entries))
	}
	for i, e := range entries {
		got := rd.Entries[i]
		if got.Name != e.Name {
			t.Fatalf("entry %d order: got %q want %q", i, got.Name, e.Name)
		}
		if body := readBody(t, rd, i, nil); !bytes.Equal(body, contents[e.Name]) {
			t.Fatalf("entry %q body mismatch", e.Name)
		}
	}
}

func TestZipAlignStoreEntries(t *testing.T) {
	entries := []*Entry{
		rawEntry("a", []byte("x")),
		rawEntry("odd-name.dat", bytes.Repeat([]byte("y"), 13)),
		plainEntry("deflated.txt", bytes.Repeat([]byte("z"), 300), ziprecord.Deflate),
		rawEntry("lib/libnative.so", bytes.Repeat([]byte("s"), 64)),
	}

	var out bytes.Buffer
	if err := Write(&out, entries, Options{ZipAlign: 4, SOAlign: 4096}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := out.Bytes()
	rd := openWritten(t, buf)

	for i, re := range rd.Entries {
		off := re.LocalHeaderOffset
		namelen := int64(binary.LittleEndian.Uint16(buf[off+26:]))
		extralen := int64(binary.LittleEndian.Uint16(buf[off+28:]))
		bodyOff := off + ziprecord.LocalFileHeaderLen + namelen + extralen

		switch {
		case re.Method != ziprecord.Store:
			// Non-STORE entries are never padded.
			if _, ok := extra.Parse(buf[off+30+namelen : off+30+namelen+extralen]).Get(extra.IDAPKAlignment); ok {
				t.Errorf("entry %d (%s): unexpected alignment padding on non-STORE entry", i, re.Name)
			}
		case strings.HasSuffix(re.Name, ".so"):
			if bodyOff%4096 != 0 {
				t.Errorf(".so entry %s: body offset %d not 4096-aligned", re.Name, bodyOff)
			}
		default:
			if bodyOff%4 != 0 {
				t.Errorf("STORE entry %s: body offset %d not 4-aligned", re.Name, bodyOff)
			}
		}
		if body := readBody(t, rd, i, nil); re.Method == ziprecord.Store && int64(len(body)) != re.UncompressedSize {
			t.Errorf("entry %s: body truncated after alignment", re.Name)
		}
	}
}

func TestZipAlignWithZip64LocalExtra(t *testing.T) {
	// A STORE entry that is both aligned and beyond the 32-bit size
	// threshold gets a ZIP64 local extra; the alignment padding must be
	// sized after that extra is in place, or the body drifts off the
	// boundary. The declared size is oversized while the actual body stays
	// tiny, so only the emitted header bytes are meaningful here.
	body := []byte("tiny")
	e := &Entry{
		Name:                "huge.bin",
		Method:              ziprecord.Store,
		VersionNeeded:       ziprecord.VersionZIP64,
		RawBody:             bytes.NewReader(body),
		RawCompressedSize:   int64(ziprecord.MaxUint32) + 10,
		RawUncompressedSize: int64(ziprecord.MaxUint32) + 10,
		CRC32:               crc32.ChecksumIEEE(body),
	}

	var out bytes.Buffer
	if err := Write(&out, []*Entry{e}, Options{ZipAlign: 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := out.Bytes()

	namelen := int64(binary.LittleEndian.Uint16(buf[26:]))
	extralen := int64(binary.LittleEndian.Uint16(buf[28:]))
	extras := extra.Parse(buf[30+namelen : 30+namelen+extralen])
	if _, ok := extras.Get(extra.IDZip64); !ok {
		t.Fatal("oversized entry must carry a ZIP64 extra in the local header")
	}
	if _, ok := extras.Get(extra.IDAPKAlignment); !ok {
		t.Fatal("aligned STORE entry must carry the alignment extra")
	}
	if bodyOff := ziprecord.LocalFileHeaderLen + namelen + extralen; bodyOff%4 != 0 {
		t.Fatalf("body offset %d not 4-aligned once the ZIP64 extra is counted", bodyOff)
	}
	if binary.LittleEndian.Uint32(buf[18:]) != ziprecord.MaxUint32 {
		t.Fatal("local compressed-size field must hold the ZIP64 sentinel")
	}
}

func TestZipCryptoWriteReadRoundTrip(t *testing.T) {
	password := []byte("pw")
	content := bytes.Repeat([]byte("classified "), 40)

	e := plainEntry("secret.txt", content, ziprecord.Deflate)
	e.Flags = ziprecord.FlagEncrypted
	e.ModDOSDate, e.ModDOSTime = 0x5821, 0x6290
	e.Password = password
	e.EncryptionMethod = ziprecord.EncryptionZipCrypto

	var out bytes.Buffer
	if err := Write(&out, []*Entry{e}, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd := openWritten(t, out.Bytes())
	if body := readBody(t, rd, 0, password); !bytes.Equal(body, content) {
		t.Fatal("zipcrypto round trip mismatch")
	}
}

func TestWinZipAESWriteReadRoundTrip(t *testing.T) {
	password := []byte("battery staple")
	content := bytes.Repeat([]byte("authenticated "), 64)

	aesField := extra.WinZipAES{Version: 2, Strength: 3, Method: ziprecord.Deflate}.Serialize()
	local, central := extra.NewSet(), extra.NewSet()
	local.Set(extra.Field{ID: extra.IDWinZipAES, Raw: aesField})
	central.Set(extra.Field{ID: extra.IDWinZipAES, Raw: aesField})

	e := &Entry{
		Name:             "vault.bin",
		Method:           ziprecord.WinZipAES,
		VersionNeeded:    ziprecord.VersionWinZipAES,
		Flags:            ziprecord.FlagEncrypted,
		LocalExtra:       local,
		CentralExtra:     central,
		PlainBody:        bytes.NewReader(content),
		CompressionLevel: 6,
		Password:         password,
		EncryptionMethod: ziprecord.EncryptionAES256,
		UnderlyingMethod: ziprecord.Deflate,
		AEVersion:        2,
	}

	var out bytes.Buffer
	if err := Write(&out, []*Entry{e}, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rd := openWritten(t, out.Bytes())
	re := rd.Entries[0]
	if re.Method != ziprecord.WinZipAES || !re.HasAES {
		t.Fatalf("expected method 99 with AES extra, got method=%d hasAES=%v", re.Method, re.HasAES)
	}
	if re.CRC32 != 0 {
		t.Fatalf("AE-2 must null the CRC field, got %#08x", re.CRC32)
	}
	if body := readBody(t, rd, 0, password); !bytes.Equal(body, content) {
		t.Fatal("AES round trip mismatch")
	}
}

func TestEOCDBoundary65535StaysClassical(t *testing.T) {
	if testing.Short() {
		t.Skip("65535-entry archive in -short mode")
	}
	entries := make([]*Entry, 65535)
	for i := range entries {
		entries[i] = rawEntry(fmt.Sprintf("%d", i), nil)
	}
	var out bytes.Buffer
	if err := Write(&out, entries, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := out.Bytes()

	// No ZIP64-EOCD-Locator before the EOCD.
	locOff := len(buf) - ziprecord.EOCDLen - ziprecord.ZIP64EOCDLocatorLen
	if binary.LittleEndian.Uint32(buf[locOff:]) == ziprecord.ZIP64EOCDLocatorSig {
		t.Fatal("65535 entries must not produce a ZIP64 locator")
	}
	eocd := buf[len(buf)-ziprecord.EOCDLen:]
	if got := binary.LittleEndian.Uint16(eocd[10:]); got != 65535 {
		t.Fatalf("EOCD total entries = %d, want the literal 65535", got)
	}

	rd := openWritten(t, buf)
	if len(rd.Entries) != 65535 {
		t.Fatalf("reader found %d entries", len(rd.Entries))
	}
}

func TestEOCDBoundary65536GoesZip64(t *testing.T) {
	if testing.Short() {
		t.Skip("65536-entry archive in -short mode")
	}
	entries := make([]*Entry, 65536)
	for i := range entries {
		entries[i] = rawEntry(fmt.Sprintf("%d", i), nil)
	}
	var out bytes.Buffer
	if err := Write(&out, entries, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := out.Bytes()

	eocd := buf[len(buf)-ziprecord.EOCDLen:]
	if got := binary.LittleEndian.Uint16(eocd[10:]); got != 0xFFFF {
		t.Fatalf("EOCD total entries sentinel = %#04x, want 0xFFFF", got)
	}
	if got := binary.LittleEndian.Uint32(eocd[12:]); got != 0xFFFFFFFF {
		t.Fatalf("EOCD cd size sentinel = %#08x, want 0xFFFFFFFF", got)
	}
	locOff := len(buf) - ziprecord.EOCDLen - ziprecord.ZIP64EOCDLocatorLen
	if binary.LittleEndian.Uint32(buf[locOff:]) != ziprecord.ZIP64EOCDLocatorSig {
		t.Fatal("expected a ZIP64-EOCD-Locator before the EOCD")
	}

	rd := openWritten(t, buf)
	if len(rd.Entries) != 65536 {
		t.Fatalf("reader found %d entries", len(rd.Entries))
	}
	for i, want := range []string{"0", "1", "2"} {
		if rd.Entries[i].Name != want {
			t.Fatalf("entry %d = %q, want %q (insertion order)", i, rd.Entries[i].Name, want)
		}
	}
}

func TestEmptyArchiveIs22Bytes(t *testing.T) {
	var out bytes.Buffer
	if err := Write(&out, nil, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := append([]byte{0x50, 0x4B, 0x05, 0x06}, make([]byte, 18)...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("empty archive = % x", out.Bytes())
	}
}

func TestDataDescriptorEmittedForStreamedBody(t *testing.T) {
	content := []byte("streamed")
	e := plainEntry("s.txt", content, ziprecord.Store)
	var out bytes.Buffer
	if err := Write(&out, []*Entry{e}, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := out.Bytes()

	flags := binary.LittleEndian.Uint16(buf[6:])
	if flags&ziprecord.FlagDataDescriptor == 0 {
		t.Fatal("local header must set the data-descriptor flag")
	}
	if binary.LittleEndian.Uint32(buf[14:]) != 0 {
		t.Fatal("local header CRC must be zero when a data descriptor follows")
	}
	ddOff := ziprecord.LocalFileHeaderLen + len("s.txt") + len(content)
	if binary.LittleEndian.Uint32(buf[ddOff:]) != ziprecord.DataDescriptorSig {
		t.Fatalf("expected data-descriptor signature at %d", ddOff)
	}
	if got := binary.LittleEndian.Uint32(buf[ddOff+4:]); got != crc32.ChecksumIEEE(content) {
		t.Fatalf("descriptor CRC = %#08x", got)
	}
}
