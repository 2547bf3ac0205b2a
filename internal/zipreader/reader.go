// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipreader locates and parses a ZIP archive's structural
// records: a backward EOCD scan, ZIP64 locator/record parsing, and a
// central-directory walk producing one Entry per member, plus lazy
// per-entry body opening (decrypt -> decompress -> CRC-verify). Each
// entry's local and central extra-field collections are kept separate,
// since the writer re-serializes both sides independently.
package zipreader

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"sync"

	"github.com/go-zipkit/zipkit/internal/extra"
	"github.com/go-zipkit/zipkit/internal/sectionreader"
	"github.com/go-zipkit/zipkit/internal/zipbits"
	"github.com/go-zipkit/zipkit/internal/zipcodec"
	"github.com/go-zipkit/zipkit/internal/zipcrypto"
	"github.com/go-zipkit/zipkit/internal/ziprecord"
)

// Errors surfaced while locating or parsing the archive's structural
// records.
var (
	ErrFormat       = errors.New("zipkit: not a valid zip archive")
	ErrNoSpanned    = errors.New("zipkit: spanned/multi-disk archives are not supported")
	ErrStrongCrypto = errors.New("zipkit: strong encryption is not supported")
)

// errNoEOCD signals that the backward EOCD scan reached its floor without
// finding a signature. Unlike ErrFormat, this is
// not a hard failure: Open responds by entering 0-entry recovery mode.
var errNoEOCD = errors.New("zipkit: no EOCD record found")

// Entry is one central-directory record, with its local and central extra
// fields kept as independent collections.
type Entry struct {
	Name string
	IsDir bool

	OS                       byte
	VersionMadeBy, VersionNeeded uint16
	Flags, Method            uint16
	DOSTime, DOSDate         uint16
	CRC32                    uint32
	CompressedSize           int64
	UncompressedSize         int64
	LocalHeaderOffset        int64 // corrected for any SFX/self-extractor preamble
	InternalAttrs            uint16
	ExternalAttrs            uint32
	Comment                  string

	CentralExtra *extra.Set

	// AES describes the WinZip AES envelope, when Method == ziprecord.WinZipAES.
	AES   extra.WinZipAES
	HasAES bool
}

// Reader holds a parsed central directory and lazily opens entry bodies.
type Reader struct {
	r              io.ReaderAt
	size           int64
	baseCorrection int64
	Comment        string
	Entries        []Entry

	// Zip64 reports that the archive's structural records came from a
	// ZIP64-EOCD rather than the classical EOCD.
	Zip64 bool

	// Recovered reports that no EOCD record could be found: the archive
	// has 0 entries and RecoveredFloor records where the backward scan
	// gave up, rather than any real structural offset.
	Recovered      bool
	RecoveredFloor int64

	mu    sync.Mutex
	local map[int]localInfo // entry index -> resolved local-header info, filled lazily
}

type localInfo struct {
	dataOffset int64
	extra      *extra.Set
	err        error
}

// Open parses the EOCD (and, if present, the ZIP64 EOCD/locator) and walks
// the central directory, producing one Entry per member in on-disk order.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	if err := checkLeadingSignature(r, size); err != nil {
		return nil, err
	}

	eocd, err := getEOCD(r, size)
	if err != nil {
		if err == errNoEOCD {
			return recoveredReader(r, size), nil
		}
		return nil, err
	}
	eocdOffset := size - int64(len(eocd))

	thisDisk := uint32(binary.LittleEndian.Uint16(eocd[4:]))
	centralDisk := uint32(binary.LittleEndian.Uint16(eocd[6:]))
	recordsTotal := uint64(binary.LittleEndian.Uint16(eocd[10:]))
	centralSize := int64(binary.LittleEndian.Uint32(eocd[12:]))
	centralOffset := int64(binary.LittleEndian.Uint32(eocd[16:]))
	commentLen := binary.LittleEndian.Uint16(eocd[20:])
	comment := string(eocd[22 : 22+int(commentLen)])

	// The EOCD's 16-bit/32-bit fields hitting their maxima suggest ZIP64,
	// but a classical archive with exactly 0xFFFF entries looks the same;
	// only an actual ZIP64-EOCD-Locator 20 bytes before the EOCD decides.
	maybe64 := recordsTotal == 0xffff || centralSize == zipbits.Unknown32 || centralOffset == zipbits.Unknown32
	zip64 := false
	if locator, ok := readLocator(r, size, int64(len(eocd))); maybe64 && ok {
		zip64 = true
		eocd64Disk := binary.LittleEndian.Uint32(locator[4:])
		eocdOffset = int64(binary.LittleEndian.Uint64(locator[8:]))
		totalDisks := binary.LittleEndian.Uint32(locator[16:])
		if eocd64Disk != 0 || totalDisks != 1 {
			return nil, ErrNoSpanned
		}

		eocd64 := make([]byte, ziprecord.ZIP64EOCDLen)
		if n, err := r.ReadAt(eocd64, eocdOffset); n < len(eocd64) {
			return nil, err
		}
		if binary.LittleEndian.Uint32(eocd64) != ziprecord.ZIP64EOCDSig {
			return nil, ErrFormat
		}
		thisDisk = binary.LittleEndian.Uint32(eocd64[16:])
		centralDisk = binary.LittleEndian.Uint32(eocd64[20:])
		recordsTotal = binary.LittleEndian.Uint64(eocd64[32:])
		centralSize = int64(binary.LittleEndian.Uint64(eocd64[40:]))
		centralOffset = int64(binary.LittleEndian.Uint64(eocd64[48:]))
	}
	if thisDisk != 0 || centralDisk != 0 {
		return nil, ErrNoSpanned
	}

	// SFX archives prepend arbitrary bytes before the local file headers;
	// the central directory's own recorded offset no longer matches reality,
	// so derive the true shift from where the EOCD says the directory is
	// versus where we actually found it.
	baseCorrection := eocdOffset - centralSize - centralOffset
	if baseCorrection < 0 || centralOffset > eocdOffset {
		return nil, ErrFormat
	}

	dir := make([]byte, centralSize)
	if n, err := r.ReadAt(dir, baseCorrection+centralOffset); n != len(dir) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	rd := &Reader{r: r, size: size, baseCorrection: baseCorrection, Comment: comment, local: make(map[int]localInfo)}
	rd.Zip64 = zip64

	for len(dir) >= 4 {
		if len(dir) < ziprecord.CentralFileHeaderLen || binary.LittleEndian.Uint32(dir) != ziprecord.CentralFileHeaderSig {
			break
		}
		e, consumed, err := parseCentralRecord(dir)
		if err != nil {
			return nil, err
		}
		e.LocalHeaderOffset += baseCorrection
		rd.Entries = append(rd.Entries, e)
		dir = dir[consumed:]
	}

	return rd, nil
}

func parseCentralRecord(dir []byte) (Entry, int, error) {
	versionMadeBy := binary.LittleEndian.Uint16(dir[4:])
	os := dir[5]
	versionNeeded := binary.LittleEndian.Uint16(dir[6:])
	flags := binary.LittleEndian.Uint16(dir[8:])
	method := binary.LittleEndian.Uint16(dir[10:])
	dostime := binary.LittleEndian.Uint16(dir[12:])
	dosdate := binary.LittleEndian.Uint16(dir[14:])
	crc := binary.LittleEndian.Uint32(dir[16:])
	packed := int64(binary.LittleEndian.Uint32(dir[20:]))
	unpacked := int64(binary.LittleEndian.Uint32(dir[24:]))
	namelen := int(binary.LittleEndian.Uint16(dir[28:]))
	extralen := int(binary.LittleEndian.Uint16(dir[30:]))
	commentlen := int(binary.LittleEndian.Uint16(dir[32:]))
	internalAttrs := binary.LittleEndian.Uint16(dir[36:])
	externalAttrs := binary.LittleEndian.Uint32(dir[38:])
	loc := int64(binary.LittleEndian.Uint32(dir[42:]))

	fixed := ziprecord.CentralFileHeaderLen
	if len(dir) < fixed+namelen+extralen+commentlen {
		return Entry{}, 0, ErrFormat
	}
	nameBytes := dir[fixed : fixed+namelen]
	rawExtra := dir[fixed+namelen : fixed+namelen+extralen]
	comment := string(dir[fixed+namelen+extralen : fixed+namelen+extralen+commentlen])

	centralExtra := extra.Parse(rawExtra)
	name := string(nameBytes)
	if u, ok := centralExtra.Get(extra.IDUnicodePath); ok {
		if up, ok := extra.ParseUnicodePath(u.Raw); ok && up.CRC == crc32.ChecksumIEEE(nameBytes) {
			name = up.Name
		}
	}

	needUnpacked := unpacked == int64(zipbits.Unknown32)
	needPacked := packed == int64(zipbits.Unknown32)
	needLoc := loc == int64(zipbits.Unknown32)
	if needUnpacked || needPacked || needLoc {
		if z, ok := centralExtra.Get(extra.IDZip64); ok {
			zf := extra.ParseZip64(z.Raw, needUnpacked, needPacked, needLoc)
			if zf.UncompressedSize != nil {
				unpacked = int64(*zf.UncompressedSize)
			}
			if zf.CompressedSize != nil {
				packed = int64(*zf.CompressedSize)
			}
			if zf.LocalHeaderOffset != nil {
				loc = int64(*zf.LocalHeaderOffset)
			}
		}
	}

	e := Entry{
		Name:              name,
		IsDir:             strings.HasSuffix(name, "/"),
		OS:                os,
		VersionMadeBy:     versionMadeBy,
		VersionNeeded:     versionNeeded,
		Flags:             flags,
		Method:            method,
		DOSTime:           dostime,
		DOSDate:           dosdate,
		CRC32:             crc,
		CompressedSize:    packed,
		UncompressedSize:  unpacked,
		LocalHeaderOffset: loc,
		InternalAttrs:     internalAttrs,
		ExternalAttrs:     externalAttrs,
		Comment:           comment,
		CentralExtra:      centralExtra,
	}
	if method == ziprecord.WinZipAES {
		if w, ok := centralExtra.Get(extra.IDWinZipAES); ok {
			if aes, ok := extra.ParseWinZipAES(w.Raw); ok {
				e.AES, e.HasAES = aes, true
			}
		}
	}

	return e, fixed + namelen + extralen + commentlen, nil
}

// readLocator reads the 20 bytes immediately before the EOCD and reports
// whether they hold a ZIP64-EOCD-Locator record.
func readLocator(r io.ReaderAt, size, eocdLen int64) ([]byte, bool) {
	off := size - eocdLen - ziprecord.ZIP64EOCDLocatorLen
	if off < 0 {
		return nil, false
	}
	locator := make([]byte, ziprecord.ZIP64EOCDLocatorLen)
	if n, _ := r.ReadAt(locator, off); n < len(locator) {
		return nil, false
	}
	if binary.LittleEndian.Uint32(locator) != ziprecord.ZIP64EOCDLocatorSig {
		return nil, false
	}
	return locator, true
}

// checkLeadingSignature requires the first 4 bytes to be one of the three
// signatures a well-formed archive can legitimately start with (LFH for a
// normal or empty-with-preamble archive, or either EOCD variant for a
// zero-entry archive written with nothing before it). Anything else is
// rejected before the backward EOCD scan even runs.
func checkLeadingSignature(r io.ReaderAt, size int64) error {
	if size < 4 {
		return ErrFormat
	}
	var head [4]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return err
	}
	switch binary.LittleEndian.Uint32(head[:]) {
	case ziprecord.LocalFileHeaderSig, ziprecord.EOCDSig, ziprecord.ZIP64EOCDSig:
		return nil
	default:
		return ErrFormat
	}
}

// recoveredReader builds the 0-entry "recovery mode" Reader used when no
// EOCD signature turns up in the backward scan: the archive is treated as
// having no entries, and the scan floor is recorded as the recovered
// preamble rather than treated as a parse failure.
func recoveredReader(r io.ReaderAt, size int64) *Reader {
	floor := size - int64(ziprecord.EOCDLen) - 0xFFFF
	if floor < 0 {
		floor = 0
	}
	return &Reader{
		r:              r,
		size:           size,
		baseCorrection: floor,
		Recovered:      true,
		RecoveredFloor: floor,
		local:          make(map[int]localInfo),
	}
}

// getEOCD locates the End Of Central Directory record by scanning backward
// from the end of the file for its signature, tolerating an archive
// comment of any length.
// It reports errNoEOCD (not ErrFormat) when the scan simply runs out of
// room without finding a candidate, so Open can tell "this isn't a zip at
// all" apart from "this looks like a zip but the EOCD is missing".
func getEOCD(r io.ReaderAt, size int64) ([]byte, error) {
	if size < ziprecord.EOCDLen {
		return nil, errNoEOCD
	}
	cmtMax, haveData := int(min(65535, size-ziprecord.EOCDLen)), 0
	data := make([]byte, ziprecord.EOCDLen+cmtMax)

	getData := func(minN, maxN int) error {
		if minN <= haveData {
			return nil
		}
		if maxN > len(data) {
			return ErrFormat
		}
		n, err := r.ReadAt(data[len(data)-maxN:len(data)-haveData], size-int64(maxN))
		haveData += n
		if haveData != maxN {
			return err
		}
		return nil
	}
	atNegOffset := func(offset int) byte { return data[len(data)-1-offset] }

	for cmtSize := 0; cmtSize <= cmtMax; cmtSize++ {
		if err := getData(cmtSize+2, cmtSize+ziprecord.EOCDLen); err != nil {
			return nil, err
		}
		if cmtSize > 0 {
			ch := atNegOffset(cmtSize - 1)
			if ch < 32 && ch != '\t' && ch != '\n' && ch != '\r' {
				return nil, errNoEOCD
			}
		}
		if atNegOffset(cmtSize) != byte(cmtSize>>8) || atNegOffset(cmtSize+1) != byte(cmtSize) {
			continue
		}
		if err := getData(cmtSize+ziprecord.EOCDLen, cmtSize+ziprecord.EOCDLen); err != nil {
			return nil, err
		}
		if atNegOffset(cmtSize+21) == 'P' && atNegOffset(cmtSize+20) == 'K' &&
			atNegOffset(cmtSize+19) == 5 && atNegOffset(cmtSize+18) == 6 {
			return data[len(data)-haveData:], nil
		}
	}
	return nil, errNoEOCD
}

// resolveLocal reads entry i's local file header (once) to find the real
// start of its body: the LFH's own name+extra lengths, not the central
// directory's, govern where the data begins.
func (r *Reader) resolveLocal(i int) (localInfo, error) {
	r.mu.Lock()
	if li, ok := r.local[i]; ok {
		r.mu.Unlock()
		return li, li.err
	}
	r.mu.Unlock()

	e := &r.Entries[i]
	var hdr [ziprecord.LocalFileHeaderLen]byte
	var li localInfo
	n, err := r.r.ReadAt(hdr[:], e.LocalHeaderOffset)
	if n < len(hdr) {
		li.err = err
		if li.err == nil {
			li.err = io.ErrUnexpectedEOF
		}
	} else if binary.LittleEndian.Uint32(hdr[:]) != ziprecord.LocalFileHeaderSig {
		li.err = ErrFormat
	} else {
		namelen := int(binary.LittleEndian.Uint16(hdr[26:]))
		extralen := int(binary.LittleEndian.Uint16(hdr[28:]))
		rawExtra := make([]byte, extralen)
		if extralen > 0 {
			if _, err := r.r.ReadAt(rawExtra, e.LocalHeaderOffset+ziprecord.LocalFileHeaderLen+int64(namelen)); err != nil {
				li.err = err
			}
		}
		li.extra = extra.Parse(rawExtra)
		li.dataOffset = e.LocalHeaderOffset + ziprecord.LocalFileHeaderLen + int64(namelen) + int64(extralen)
	}

	r.mu.Lock()
	r.local[i] = li
	r.mu.Unlock()
	return li, li.err
}

// LocalExtra returns entry i's local-header extra-field collection,
// independent of its central-directory copy.
func (r *Reader) LocalExtra(i int) (*extra.Set, error) {
	li, err := r.resolveLocal(i)
	if err != nil {
		return nil, err
	}
	return li.extra, nil
}

// OpenRaw returns the entry's exact on-disk body bytes: still compressed
// and, if applicable, still encrypted. This is what the writer copies
// verbatim for an unchanged entry.
func (r *Reader) OpenRaw(i int) (*sectionreader.ReaderAt, error) {
	li, err := r.resolveLocal(i)
	if err != nil {
		return nil, err
	}
	e := &r.Entries[i]
	return sectionreader.Section(r.r, li.dataOffset, e.CompressedSize), nil
}

// OpenBody returns the entry's plaintext: raw bytes run through decryption
// (if any), decompression, and CRC32 verification against the central
// directory's recorded checksum.
func (r *Reader) OpenBody(i int, password []byte) (io.ReadCloser, error) {
	e := &r.Entries[i]
	raw, err := r.OpenRaw(i)
	if err != nil {
		return nil, err
	}
	stream := io.NewSectionReader(raw, 0, e.CompressedSize)

	method := e.Method
	var verify func() error
	var plain io.Reader = stream

	switch {
	case e.Method == ziprecord.WinZipAES:
		if !e.HasAES {
			return nil, ErrFormat
		}
		strength, ok := ziprecord.EncryptionFromAESStrength(e.AES.Strength)
		if !ok {
			return nil, ErrFormat
		}
		_, keyLen, saltLen, _ := strength.AESStrength()
		cipherLen := e.CompressedSize - int64(saltLen) - 2 - 10
		if cipherLen < 0 {
			return nil, ErrFormat
		}
		p, v, err := zipcrypto.NewAESDecryptReader(stream, password, keyLen, cipherLen)
		if err != nil {
			return nil, err
		}
		plain, verify = p, v
		method = e.AES.Method
	case e.Flags&ziprecord.FlagEncrypted != 0:
		if e.Flags&ziprecord.FlagStrongEncryptBit != 0 {
			return nil, ErrStrongCrypto
		}
		checkByte := byte(e.CRC32 >> 24)
		if e.Flags&ziprecord.FlagDataDescriptor != 0 {
			checkByte = byte(e.DOSTime >> 8)
		}
		p, err := zipcrypto.NewDecryptReader(stream, password, checkByte)
		if err != nil {
			return nil, err
		}
		plain = p
	}

	decompressed, err := zipcodec.NewDecompressor(method, plain)
	if err != nil {
		return nil, err
	}

	skipCheck := e.Method == ziprecord.WinZipAES && e.HasAES && e.AES.Version == 2
	checked := zipcodec.NewChecksumReader(decompressed, e.UncompressedSize, e.CRC32, skipCheck)

	return &bodyReadCloser{r: checked, verify: verify}, nil
}

type bodyReadCloser struct {
	r      io.Reader
	verify func() error
}

func (b *bodyReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bodyReadCloser) Close() error {
	if b.verify == nil {
		return nil
	}
	return b.verify()
}
