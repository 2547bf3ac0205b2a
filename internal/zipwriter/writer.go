// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipwriter serializes a full archive: local headers + bodies in
// container order, then the central directory, then the (ZIP64)
// end-of-central-directory record, applying zipalign padding and choosing
// between a verbatim raw-body copy and a fresh compress/encrypt re-encode
// per entry.
package zipwriter

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"

	"github.com/go-zipkit/zipkit/internal/extra"
	"github.com/go-zipkit/zipkit/internal/zipbits"
	"github.com/go-zipkit/zipkit/internal/zipcodec"
	"github.com/go-zipkit/zipkit/internal/zipcrypto"
	"github.com/go-zipkit/zipkit/internal/ziprecord"
)

// Entry is everything the writer needs to emit one archive member. The
// façade builds one of these per container entry at save time.
type Entry struct {
	Name    string
	Comment string

	Flags         uint16 // encrypted/UTF-8 bits; DataDescriptor and DEFLATE sub-level bits are set by the writer
	Method        uint16 // on-wire method (ziprecord.WinZipAES when encrypted with AES)
	VersionMadeBy uint16
	VersionNeeded uint16

	ModDOSDate, ModDOSTime uint16
	ExternalAttrs          uint32
	InternalAttrs          uint16

	LocalExtra, CentralExtra *extra.Set // cloned; the writer may append padding/zip64 fields to its own copy

	// Exactly one of RawBody or PlainBody must be set.

	// RawBody, when set, is copied verbatim: these are the final on-disk
	// bytes (already compressed+encrypted), and CRC32/sizes below are
	// already authoritative.
	RawBody          io.Reader
	RawCompressedSize int64
	RawUncompressedSize int64
	CRC32            uint32

	// PlainBody, when set, is the entry's plaintext: the writer computes
	// CRC32 over it, compresses with Method (or UnderlyingMethod, for
	// WinZip AES) at CompressionLevel, optionally encrypts, and always
	// emits a data descriptor, since the final sizes aren't known until
	// the stream finishes.
	PlainBody        io.Reader
	CompressionLevel int

	Password            []byte
	EncryptionMethod    ziprecord.EncryptionMethod
	UnderlyingMethod    uint16 // real compression method when Method == WinZipAES
	AEVersion           uint16 // 1 (AE-1) or 2 (AE-2, which nulls the CRC); only meaningful when encrypted with AES
}

func (e *Entry) isDirectory() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// Options configures the whole-archive write.
type Options struct {
	Comment   string
	ZipAlign  int // 0 disables; otherwise the STORE-entry body alignment multiple
	SOAlign   int // alignment multiple for names ending in ".so" (Android convention: 4096)
}

// Write streams a full archive (every local header+body, then the central
// directory, then the EOCD) to w, in the given entry order.
func Write(w io.Writer, entries []*Entry, opts Options) error {
	cw := &zipbits.CountWriter{W: w}
	type placed struct {
		e      *Entry
		offset int64
	}
	dir := make([]placed, 0, len(entries))

	for _, e := range entries {
		offset := cw.Count
		if err := emitLocal(cw, e, opts); err != nil {
			return err
		}
		dir = append(dir, placed{e, offset})
	}

	cdStart := cw.Count
	for _, p := range dir {
		if err := emitCentral(cw, p.e, p.offset); err != nil {
			return err
		}
	}
	cdSize := cw.Count - cdStart

	return emitEOCD(cw, len(dir), cdStart, cdSize, opts.Comment)
}

func emitLocal(cw *zipbits.CountWriter, e *Entry, opts Options) error {
	flags := e.Flags
	var crc32 uint32
	var compSize, uncompSize int64

	// A raw-copied entry that was originally written with a data descriptor
	// keeps it: its local header already said "sizes follow the body", and
	// reproducing that keeps an unmodified resave byte-faithful.
	usingDD := e.PlainBody != nil || e.Flags&ziprecord.FlagDataDescriptor != 0

	if usingDD {
		flags |= ziprecord.FlagDataDescriptor
	} else {
		crc32, compSize, uncompSize = e.CRC32, e.RawCompressedSize, e.RawUncompressedSize
	}
	if e.Method == ziprecord.Deflate {
		flags |= ziprecord.DeflateBucket(e.CompressionLevel)
	}

	localExtra := e.LocalExtra
	if localExtra == nil {
		localExtra = extra.NewSet()
	} else {
		localExtra = localExtra.Clone()
	}

	// The ZIP64 extra must appear in the local header too when the
	// (already known) sizes overflow the 32-bit fields. Data-descriptor
	// entries don't know their sizes yet; their 64-bit descriptor covers
	// them instead. This must land before the alignment padding below is
	// sized, since it grows the extra-field block.
	if !usingDD && (compSize > ziprecord.MaxUint32-1 || uncompSize > ziprecord.MaxUint32-1) {
		u, c := uint64(uncompSize), uint64(compSize)
		localExtra.Set(extra.Field{ID: extra.IDZip64, Raw: extra.Zip64{
			UncompressedSize: &u,
			CompressedSize:   &c,
		}.Serialize()})
	}

	// zipalign applies only to STORE entries; compressed bodies can't be
	// mmapped out of the archive, so padding them buys nothing.
	align := opts.ZipAlign
	if align > 0 && opts.SOAlign > 0 && strings.HasSuffix(e.Name, ".so") {
		align = opts.SOAlign
	}
	if align > 0 && e.Method == ziprecord.Store && !e.isDirectory() {
		localExtra.Remove(extra.IDAPKAlignment)
		baseExtraLen := len(localExtra.Serialize())
		fixedLen := ziprecord.LocalFileHeaderLen + len(e.Name) + baseExtraLen + 4 + 2 // +4 new extra header, +2 Alignment field
		dataOffset := cw.Count + int64(fixedLen)
		pad := int(align) - int(dataOffset%int64(align))
		if pad == int(align) {
			pad = 0
		}
		localExtra.Set(extra.Field{ID: extra.IDAPKAlignment, Raw: extra.APKAlignment{
			Alignment: uint16(align),
			Padding:   make([]byte, pad),
		}.Serialize()})
	}

	localExtraBytes := localExtra.Serialize()
	if len(e.Name) > ziprecord.MaxUint16 {
		return errors.New("zipkit: entry name too long")
	}
	if len(localExtraBytes) > ziprecord.MaxUint16 {
		return errors.New("zipkit: local extra field too long")
	}

	var hdr [ziprecord.LocalFileHeaderLen]byte
	b := zipbits.Buf(hdr[:])
	b.U32(ziprecord.LocalFileHeaderSig)
	b.U16(e.VersionNeeded)
	b.U16(flags)
	b.U16(e.Method)
	b.U16(e.ModDOSTime)
	b.U16(e.ModDOSDate)
	if usingDD {
		b.U32(0)
		b.U32(0)
		b.U32(0)
	} else {
		b.U32(crc32)
		b.U32(clampU32(compSize))
		b.U32(clampU32(uncompSize))
	}
	b.U16(uint16(len(e.Name)))
	b.U16(uint16(len(localExtraBytes)))
	if _, err := cw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(cw, e.Name); err != nil {
		return err
	}
	if _, err := cw.Write(localExtraBytes); err != nil {
		return err
	}

	if e.RawBody != nil {
		if _, err := io.Copy(cw, io.LimitReader(e.RawBody, e.RawCompressedSize)); err != nil {
			return err
		}
		if !usingDD {
			return nil
		}
		return emitDataDescriptor(cw, e.CRC32, e.RawCompressedSize, e.RawUncompressedSize)
	}

	finalCRC, finalCompSize, finalUncompSize, err := streamBody(cw, e)
	if err != nil {
		return err
	}
	e.CRC32, e.RawCompressedSize, e.RawUncompressedSize = finalCRC, finalCompSize, finalUncompSize

	return emitDataDescriptor(cw, finalCRC, finalCompSize, finalUncompSize)
}

// streamBody runs plaintext -> CRC tee -> compress -> (encrypt) -> cw,
// and returns the CRC32 of the plaintext and the final compressed and
// uncompressed byte counts.
func streamBody(cw *zipbits.CountWriter, e *Entry) (crc32 uint32, compSize, uncompSize int64, err error) {
	compStart := cw.Count

	var sink io.Writer = cw
	var aesTrailer func() []byte
	if e.EncryptionMethod == ziprecord.EncryptionZipCrypto {
		var rnd [11]byte
		if _, err = rand.Read(rnd[:]); err != nil {
			return
		}
		checkByte := byte(e.ModDOSTime >> 8)
		ew, werr := zipcrypto.NewEncryptWriter(cw, e.Password, checkByte, rnd)
		if werr != nil {
			err = werr
			return
		}
		sink = ew
	} else if _, keyLen, saltLen, ok := e.EncryptionMethod.AESStrength(); ok {
		salt := make([]byte, saltLen)
		if _, err = rand.Read(salt); err != nil {
			return
		}
		aw, werr := zipcrypto.NewAESEncryptWriter(cw, e.Password, salt, keyLen)
		if werr != nil {
			err = werr
			return
		}
		sink = aw
		aesTrailer = aw.Trailer
	}

	method := e.Method
	if aesTrailer != nil {
		method = e.UnderlyingMethod
	}
	comp, cerr := zipcodec.NewCompressor(method, e.CompressionLevel, sink)
	if cerr != nil {
		err = cerr
		return
	}

	crcw := zipbits.NewCRCWriter()
	n, cerr := io.Copy(io.MultiWriter(comp, crcw), e.PlainBody)
	if cerr != nil {
		err = cerr
		return
	}
	if cerr = comp.Close(); cerr != nil {
		err = cerr
		return
	}
	if aesTrailer != nil {
		if _, err = cw.Write(aesTrailer()); err != nil {
			return
		}
	}

	uncompSize = n
	compSize = cw.Count - compStart
	crc32 = crcw.Sum32()
	if aesTrailer != nil && e.AEVersion == 2 {
		crc32 = 0 // AE-2 nulls the CRC field
	}
	return
}

func emitDataDescriptor(cw *zipbits.CountWriter, crc32 uint32, compSize, uncompSize int64) error {
	zip64 := compSize > ziprecord.MaxUint32-1 || uncompSize > ziprecord.MaxUint32-1
	var buf []byte
	if zip64 {
		buf = make([]byte, ziprecord.DataDescriptor64Len)
	} else {
		buf = make([]byte, ziprecord.DataDescriptorLen)
	}
	b := zipbits.Buf(buf)
	b.U32(ziprecord.DataDescriptorSig)
	b.U32(crc32)
	if zip64 {
		b.U64(uint64(compSize))
		b.U64(uint64(uncompSize))
	} else {
		b.U32(uint32(compSize))
		b.U32(uint32(uncompSize))
	}
	_, err := cw.Write(buf)
	return err
}

func emitCentral(cw *zipbits.CountWriter, e *Entry, offset int64) error {
	centralExtra := e.CentralExtra
	if centralExtra == nil {
		centralExtra = extra.NewSet()
	} else {
		centralExtra = centralExtra.Clone()
	}
	centralExtra.Remove(extra.IDZip64)

	need64 := e.RawCompressedSize > ziprecord.MaxUint32-1 ||
		e.RawUncompressedSize > ziprecord.MaxUint32-1 ||
		offset > ziprecord.MaxUint32-1
	versionNeeded := e.VersionNeeded
	if need64 {
		u, c, o := uint64(e.RawUncompressedSize), uint64(e.RawCompressedSize), uint64(offset)
		centralExtra.Set(extra.Field{ID: extra.IDZip64, Raw: extra.Zip64{
			UncompressedSize:  &u,
			CompressedSize:    &c,
			LocalHeaderOffset: &o,
		}.Serialize()})
		if versionNeeded < ziprecord.VersionZIP64 {
			versionNeeded = ziprecord.VersionZIP64
		}
	}
	centralExtraBytes := centralExtra.Serialize()

	flags := e.Flags
	if e.PlainBody != nil {
		flags |= ziprecord.FlagDataDescriptor
	}
	if e.Method == ziprecord.Deflate {
		flags |= ziprecord.DeflateBucket(e.CompressionLevel)
	}

	var hdr [ziprecord.CentralFileHeaderLen]byte
	b := zipbits.Buf(hdr[:])
	b.U32(ziprecord.CentralFileHeaderSig)
	b.U16(e.VersionMadeBy)
	b.U16(versionNeeded)
	b.U16(flags)
	b.U16(e.Method)
	b.U16(e.ModDOSTime)
	b.U16(e.ModDOSDate)
	b.U32(e.CRC32)
	if need64 {
		b.U32(ziprecord.MaxUint32)
		b.U32(ziprecord.MaxUint32)
	} else {
		b.U32(uint32(e.RawCompressedSize))
		b.U32(uint32(e.RawUncompressedSize))
	}
	b.U16(uint16(len(e.Name)))
	b.U16(uint16(len(centralExtraBytes)))
	b.U16(uint16(len(e.Comment)))
	b.Skip(4) // disk number start + internal attrs; internal attrs written separately below
	b.U32(e.ExternalAttrs)
	if offset > ziprecord.MaxUint32-1 {
		b.U32(ziprecord.MaxUint32)
	} else {
		b.U32(uint32(offset))
	}
	// patch internal attrs back in (the 4-byte skip above covered both
	// disk-number-start and internal-attrs; rewrite them explicitly)
	internalAttrsBuf := zipbits.Buf(hdr[36:38])
	internalAttrsBuf.U16(e.InternalAttrs)

	if _, err := cw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(cw, e.Name); err != nil {
		return err
	}
	if _, err := cw.Write(centralExtraBytes); err != nil {
		return err
	}
	_, err := io.WriteString(cw, e.Comment)
	return err
}

func emitEOCD(cw *zipbits.CountWriter, count int, cdStart, cdSize int64, comment string) error {
	// 65535 entries still fit the classical EOCD; the first count needing
	// the ZIP64 record is 65536.
	need64 := count > ziprecord.MaxUint16 || cdSize > ziprecord.MaxUint32-1 || cdStart > ziprecord.MaxUint32-1

	if need64 {
		var buf [ziprecord.ZIP64EOCDLen + ziprecord.ZIP64EOCDLocatorLen]byte
		b := zipbits.Buf(buf[:])
		b.U32(ziprecord.ZIP64EOCDSig)
		b.U64(ziprecord.ZIP64EOCDLen - 12)
		b.U16(ziprecord.VersionZIP64)
		b.U16(ziprecord.VersionZIP64)
		b.U32(0)
		b.U32(0)
		b.U64(uint64(count))
		b.U64(uint64(count))
		b.U64(uint64(cdSize))
		b.U64(uint64(cdStart))

		b.U32(ziprecord.ZIP64EOCDLocatorSig)
		b.U32(0)
		b.U64(uint64(cdStart + cdSize))
		b.U32(1)
		if _, err := cw.Write(buf[:]); err != nil {
			return err
		}
	}

	countField, sizeField, offsetField := count, cdSize, cdStart
	if need64 {
		countField, sizeField, offsetField = ziprecord.MaxUint16, ziprecord.MaxUint32, ziprecord.MaxUint32
	}

	var buf [ziprecord.EOCDLen]byte
	b := zipbits.Buf(buf[:])
	b.U32(ziprecord.EOCDSig)
	b.Skip(4) // disk number, disk with CD start: always 0 (no spanning support)
	b.U16(uint16(countField))
	b.U16(uint16(countField))
	b.U32(uint32(sizeField))
	b.U32(uint32(offsetField))
	b.U16(uint16(len(comment)))
	if _, err := cw.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(cw, comment)
	return err
}

func clampU32(v int64) uint32 {
	if v > ziprecord.MaxUint32-1 {
		return ziprecord.MaxUint32
	}
	return uint32(v)
}
