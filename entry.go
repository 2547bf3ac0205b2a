// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import (
	"bytes"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-zipkit/zipkit/internal/extra"
	"github.com/go-zipkit/zipkit/internal/rereadable"
	"github.com/go-zipkit/zipkit/internal/zipbits"
	"github.com/go-zipkit/zipkit/internal/zipcodec"
	"github.com/go-zipkit/zipkit/internal/zipcrypto"
	"github.com/go-zipkit/zipkit/internal/zipreader"
	"github.com/go-zipkit/zipkit/internal/ziprecord"
	"github.com/go-zipkit/zipkit/internal/zipwriter"
)

// SizeUnknown marks an entry's compressed/uncompressed size as not yet
// known.
const SizeUnknown int64 = -1

// DefaultCompressionLevel is used by new entries until SetCompressionLevel
// is called.
const DefaultCompressionLevel = 6

// Entry is one archive member's metadata plus a cursor onto its content.
// Values are owned by exactly one Archive; obtain
// one via Archive.Get, and mutate it through the Archive's Set*/Rename/
// Delete operations rather than sharing it across archives.
type Entry struct {
	name        string
	createdOS   byte
	extractedOS byte

	softwareVersion uint16
	flags           uint16
	method          uint16

	modTime time.Time

	crc32      uint32
	crc32Known bool

	compressedSize    int64
	uncompressedSize  int64
	localHeaderOffset int64

	internalAttrs uint16
	externalAttrs uint32
	comment       string
	charset       *string // nil => UTF-8 (GPBF bit 11)

	password         []byte
	encryptionMethod EncryptionMethod
	compressionLevel int

	localExtra   *extra.Set
	centralExtra *extra.Set

	source dataSource

	// changed marks any mutation since the entry was read; bodyChanged marks
	// only the mutations that invalidate the on-disk body bytes (method,
	// encryption, password, compression level), which is what decides
	// raw-copy vs. re-encode on save.
	changed     bool
	bodyChanged bool
}

// newEntry constructs a brand-new entry for the Add* operations;
// entryFromCentral builds one from an opened archive's central-directory
// record.

func newEntry(name string) *Entry {
	e := &Entry{
		name:              name,
		extractedOS:       ziprecord.OSUnix,
		createdOS:         ziprecord.OSUnix,
		modTime:           time.Now(),
		compressionLevel:  DefaultCompressionLevel,
		method:            ziprecord.Deflate,
		compressedSize:    SizeUnknown,
		uncompressedSize:  SizeUnknown,
		localExtra:        extra.NewSet(),
		centralExtra:      extra.NewSet(),
		changed:           true,
	}
	e.applyUTF8Heuristic()
	if e.isDir() {
		e.method = ziprecord.Store
		e.externalAttrs = dosDirAttr | unixDirAttr
	} else {
		e.externalAttrs = unixFileAttr
	}
	return e
}

const (
	dosDirAttr   = 0x10
	unixDirAttr  = 0o40755 << 16
	unixFileAttr = 0o100644 << 16
)

func entryFromCentral(rdr *zipreader.Reader, idx int, readPassword func() []byte) *Entry {
	re := rdr.Entries[idx]
	e := &Entry{
		name:              re.Name,
		createdOS:         re.OS,
		extractedOS:       re.OS,
		softwareVersion:   re.VersionMadeBy &^ 0xFF00,
		flags:             re.Flags,
		method:            re.Method,
		modTime:           zipbits.DOSTimeToTime(re.DOSDate, re.DOSTime),
		crc32:             re.CRC32,
		crc32Known:        true,
		compressedSize:    re.CompressedSize,
		uncompressedSize:  re.UncompressedSize,
		localHeaderOffset: re.LocalHeaderOffset,
		internalAttrs:     re.InternalAttrs,
		externalAttrs:     re.ExternalAttrs,
		comment:           re.Comment,
		compressionLevel:  DefaultCompressionLevel,
		centralExtra:      re.CentralExtra,
	}
	if re.Flags&ziprecord.FlagEncrypted != 0 {
		if re.Method == ziprecord.WinZipAES && re.HasAES {
			im, _ := ziprecord.EncryptionFromAESStrength(re.AES.Strength)
			e.encryptionMethod = fromInternalEncryption(im)
		} else {
			e.encryptionMethod = EncryptionZipCrypto
		}
	}
	if le, err := rdr.LocalExtra(idx); err == nil {
		e.localExtra = le
	} else {
		e.localExtra = extra.NewSet()
	}
	for _, id := range e.centralExtra.IDs() {
		if f, ok := e.centralExtra.Get(id); ok {
			if t, ok := extra.TimeFromField(id, f.Raw); ok {
				e.modTime = t
			}
		}
	}
	e.source = archiveSource{rdr: rdr, index: idx, password: readPassword, name: e.name}
	return e
}

func (e *Entry) clone() *Entry {
	c := *e
	c.localExtra = e.localExtra.Clone()
	c.centralExtra = e.centralExtra.Clone()
	c.password = append([]byte(nil), e.password...)
	return &c
}

// Name returns the entry's path within the archive, always forward-slashed.
func (e *Entry) Name() string { return e.name }

func (e *Entry) isDir() bool { return strings.HasSuffix(e.name, "/") }

// IsDir reports whether this entry is a directory placeholder.
func (e *Entry) IsDir() bool { return e.isDir() }

// setName validates and installs a new name, recomputing the UTF-8 bit and
// directory-dependent attributes.
func (e *Entry) setName(s string) error {
	if s == "" {
		return newErr(KindInvalidName, s, nil)
	}
	if len(s) > ziprecord.MaxUint16 {
		return newErr(KindInvalidName, s, nil)
	}
	wasDir := e.isDir()
	e.name = strings.ReplaceAll(s, "\\", "/")
	e.applyUTF8Heuristic()
	if e.isDir() != wasDir {
		if e.isDir() {
			e.externalAttrs = dosDirAttr | unixDirAttr
			e.source = nil
		} else {
			e.externalAttrs = unixFileAttr
		}
	}
	e.changed = true
	return nil
}

func (e *Entry) applyUTF8Heuristic() {
	if e.charset != nil {
		return
	}
	if isASCII(e.name) && isASCII(e.comment) {
		e.flags &^= ziprecord.FlagUTF8
	} else {
		e.flags |= ziprecord.FlagUTF8
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// SetMethod sets the compression method. Setting WinZipAES also turns on
// AES-256 encryption if no encryption was already configured.
func (e *Entry) SetMethod(m uint16) error {
	switch m {
	case ziprecord.Store, ziprecord.Deflate, ziprecord.BZIP2, ziprecord.WinZipAES:
	default:
		return newErr(KindUnsupportedMethod, e.name, nil)
	}
	e.method = m
	if m == ziprecord.WinZipAES && e.encryptionMethod == EncryptionNone {
		e.encryptionMethod = EncryptionAES256
	}
	e.changed = true
	e.bodyChanged = true
	return nil
}

// Method returns the entry's compression method.
func (e *Entry) Method() uint16 { return e.method }

// EncryptionMethod returns the cipher, if any, currently configured for
// this entry.
func (e *Entry) EncryptionMethod() EncryptionMethod { return e.encryptionMethod }

// SetCompressionLevel sets the 1..9 compression level (meaningful only for
// DEFLATE/BZIP2).
func (e *Entry) SetCompressionLevel(l int) error {
	if l < 1 || l > 9 {
		return newErr(KindInvalidArgument, e.name, nil)
	}
	e.compressionLevel = l
	e.changed = true
	e.bodyChanged = true
	return nil
}

// ModTime returns the entry's last-modified time.
func (e *Entry) ModTime() time.Time { return e.modTime }

// SetModTime sets the last-modified time from a wall-clock time.Time.
func (e *Entry) SetModTime(t time.Time) {
	e.modTime = t
	e.changed = true
	// The ZipCrypto header's verification byte is derived from the DOS time
	// when the CRC isn't in the local header, so the body has to be
	// re-encrypted to stay readable under the new timestamp.
	if e.encryptionMethod == EncryptionZipCrypto {
		e.bodyChanged = true
	}
}

// SetDOSTime sets the last-modified time from a raw MS-DOS date/time pair.
func (e *Entry) SetDOSTime(dosDate, dosTime uint16) {
	e.modTime = zipbits.DOSTimeToTime(dosDate, dosTime)
	e.changed = true
	if e.encryptionMethod == EncryptionZipCrypto {
		e.bodyChanged = true
	}
}

// SetPassword sets (or, with a nil pw, clears) the entry's password. method
// defaults to the entry's current encryption method, or AES-256 if none was
// set. A directory entry silently ignores this; directories are never
// encrypted.
func (e *Entry) SetPassword(pw []byte, method EncryptionMethod) {
	if e.isDir() {
		return
	}
	if pw == nil {
		e.password = nil
		e.encryptionMethod = EncryptionNone
		e.changed = true
		e.bodyChanged = true
		return
	}
	e.password = append([]byte(nil), pw...)
	if method == EncryptionNone {
		method = e.encryptionMethod
	}
	if method == EncryptionNone {
		method = EncryptionAES256
	}
	e.encryptionMethod = method
	e.changed = true
	e.bodyChanged = true
}

// DisableEncryption clears the password and, if the method was WinZipAES,
// falls back to the underlying real compression method recorded in the
// WinZip-AES extra field.
func (e *Entry) DisableEncryption() {
	e.password = nil
	e.encryptionMethod = EncryptionNone
	if e.method == ziprecord.WinZipAES {
		if f, ok := e.centralExtra.Get(extra.IDWinZipAES); ok {
			if w, ok := extra.ParseWinZipAES(f.Raw); ok {
				e.method = w.Method
			} else {
				e.method = ziprecord.Store
			}
		} else {
			e.method = ziprecord.Store
		}
	}
	e.centralExtra.Remove(extra.IDWinZipAES)
	e.localExtra.Remove(extra.IDWinZipAES)
	e.changed = true
	e.bodyChanged = true
}

// Which side of an entry's extra-field collections an operation targets.
type ExtraSide int

const (
	ExtraLocal ExtraSide = iota
	ExtraCentral
	ExtraBoth
)

// AddExtra installs a raw extra-field record on the requested side(s).
func (e *Entry) AddExtra(side ExtraSide, id uint16, raw []byte) {
	f := extra.Field{ID: id, Raw: raw}
	if side == ExtraLocal || side == ExtraBoth {
		e.localExtra.Set(f)
	}
	if side == ExtraCentral || side == ExtraBoth {
		e.centralExtra.Set(f)
	}
	e.changed = true
}

// GetExtra returns the raw record for id from the requested side. ExtraBoth
// prefers the central copy, falling back to the local one.
func (e *Entry) GetExtra(side ExtraSide, id uint16) ([]byte, bool) {
	switch side {
	case ExtraLocal:
		if f, ok := e.localExtra.Get(id); ok {
			return f.Raw, true
		}
	case ExtraCentral:
		if f, ok := e.centralExtra.Get(id); ok {
			return f.Raw, true
		}
	case ExtraBoth:
		if f, ok := e.centralExtra.Get(id); ok {
			return f.Raw, true
		}
		if f, ok := e.localExtra.Get(id); ok {
			return f.Raw, true
		}
	}
	return nil, false
}

// RemoveExtra deletes id from the requested side(s).
func (e *Entry) RemoveExtra(side ExtraSide, id uint16) {
	if side == ExtraLocal || side == ExtraBoth {
		e.localExtra.Remove(id)
	}
	if side == ExtraCentral || side == ExtraBoth {
		e.centralExtra.Remove(id)
	}
	e.changed = true
}

// SetComment sets the entry comment.
func (e *Entry) SetComment(s string) error {
	if len(s) > ziprecord.MaxUint16 {
		return newErr(KindInvalidArgument, e.name, nil)
	}
	e.comment = s
	e.applyUTF8Heuristic()
	e.changed = true
	return nil
}

// Comment returns the entry comment.
func (e *Entry) Comment() string { return e.comment }

// CRC32 returns the entry's checksum and whether it is currently known.
func (e *Entry) CRC32() (uint32, bool) { return e.crc32, e.crc32Known }

// UncompressedSize returns the plaintext size, or SizeUnknown.
func (e *Entry) UncompressedSize() int64 { return e.uncompressedSize }

// CompressedSize returns the on-disk body size, or SizeUnknown.
func (e *Entry) CompressedSize() int64 { return e.compressedSize }

// ExternalAttrs/SetExternalAttrs expose the raw external-attributes word
// (high 16 bits hold the Unix mode for created-OS=Unix entries).
func (e *Entry) ExternalAttrs() uint32 { return e.externalAttrs }
func (e *Entry) SetExternalAttrs(v uint32) {
	e.externalAttrs = v
	e.changed = true
}

// CreatedOS reports the OS that created this entry (ziprecord.OSUnix etc.),
// which governs whether ExternalAttrs' high bits hold a meaningful Unix mode.
func (e *Entry) CreatedOS() byte { return e.createdOS }

// UnixMode returns the Unix permission/type bits packed into the high 16
// bits of ExternalAttrs, and whether this entry actually carries one
// (only entries created on Unix-family systems do).
func (e *Entry) UnixMode() (mode uint32, ok bool) {
	if e.createdOS != ziprecord.OSUnix && e.createdOS != ziprecord.OSOSX {
		return 0, false
	}
	return e.externalAttrs >> 16, true
}

// extractVersion derives the minimum reader version this entry requires
//: the highest of the floors whose condition applies.
func (e *Entry) extractVersion() uint16 {
	v := uint16(ziprecord.VersionDefault)
	if e.method == ziprecord.Deflate || e.isDir() || e.encryptionMethod == EncryptionZipCrypto {
		v = max(v, ziprecord.VersionDeflate)
	}
	if e.needsZip64() {
		v = max(v, ziprecord.VersionZIP64)
	}
	if e.method == ziprecord.BZIP2 {
		v = max(v, ziprecord.VersionBZIP2)
	}
	if e.method == ziprecord.WinZipAES || e.encryptionMethod == EncryptionAES128 ||
		e.encryptionMethod == EncryptionAES192 || e.encryptionMethod == EncryptionAES256 {
		v = max(v, ziprecord.VersionWinZipAES)
	}
	return v
}

func (e *Entry) needsZip64() bool {
	return e.compressedSize > ziprecord.MaxUint32-1 ||
		e.uncompressedSize > ziprecord.MaxUint32-1 ||
		e.localHeaderOffset > ziprecord.MaxUint32-1
}

// versionMadeBy packs the compatibility OS into the high byte and the
// extract-version floor into the low byte, as APPNOTE requires.
func (e *Entry) versionMadeBy() uint16 {
	return uint16(e.extractedOS)<<8 | e.extractVersion()
}

// Stat adapts an Entry to fs.FileInfo so it can be handed to any stdlib
// API expecting one.
func (e *Entry) Stat() (fs.FileInfo, error) {
	return entryFileInfo{e}, nil
}

type entryFileInfo struct{ e *Entry }

func (i entryFileInfo) Name() string {
	name := strings.TrimSuffix(i.e.name, "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
func (i entryFileInfo) Size() int64 {
	if i.e.uncompressedSize < 0 {
		return 0
	}
	return i.e.uncompressedSize
}
func (i entryFileInfo) Mode() fs.FileMode {
	if i.e.isDir() {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (i entryFileInfo) ModTime() time.Time { return i.e.modTime }
func (i entryFileInfo) IsDir() bool        { return i.e.isDir() }
func (i entryFileInfo) Sys() any           { return i.e }

// --- data sources ---

type sourceKind int

const (
	sourceAbsent sourceKind = iota
	sourceBytes
	sourceFile
	sourceStream
	sourceArchive
)

type dataSource interface {
	kind() sourceKind
	open() (io.ReadCloser, error)
	size() int64
}

type bytesSource struct{ b []byte }

func (s bytesSource) kind() sourceKind          { return sourceBytes }
func (s bytesSource) open() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(s.b)), nil }
func (s bytesSource) size() int64               { return int64(len(s.b)) }

type fileSource struct{ path string }

func (s fileSource) kind() sourceKind { return sourceFile }
func (s fileSource) open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, newErr(KindIo, s.path, err)
	}
	return f, nil
}
func (s fileSource) size() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return SizeUnknown
	}
	return fi.Size()
}

type streamSource struct{ s *rereadable.Stream }

func (s streamSource) kind() sourceKind { return sourceStream }
func (s streamSource) open() (io.ReadCloser, error) {
	r, err := s.s.Open()
	if err != nil {
		return nil, newErr(KindIo, "", err)
	}
	return io.NopCloser(r), nil
}
func (s streamSource) size() int64 { return SizeUnknown }

type archiveSource struct {
	rdr      *zipreader.Reader
	index    int
	password func() []byte
	name     string
}

func (s archiveSource) kind() sourceKind { return sourceArchive }
func (s archiveSource) open() (io.ReadCloser, error) {
	var pw []byte
	if s.password != nil {
		pw = s.password()
	}
	rc, err := s.rdr.OpenBody(s.index, pw)
	if err != nil {
		return nil, translateBodyErr(s.name, err)
	}
	return &bodyErrTranslator{rc: rc, name: s.name}, nil
}
func (s archiveSource) size() int64 { return s.rdr.Entries[s.index].UncompressedSize }

// bodyErrTranslator maps the internal zipcodec/zipcrypto sentinel errors a
// decoding body stream can surface (bad CRC, failed authentication) onto
// zipkit's public Kind taxonomy, so errors.Is(err, zipkit.ErrCrc32Mismatch)
// works regardless of which codec or cipher produced the failure.
type bodyErrTranslator struct {
	rc   io.ReadCloser
	name string
}

func (b *bodyErrTranslator) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		err = translateBodyErr(b.name, err)
	}
	return n, err
}

func (b *bodyErrTranslator) Close() error {
	return translateBodyErr(b.name, b.rc.Close())
}

func translateBodyErr(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, zipcodec.ErrChecksum):
		return newErr(KindCrc32Mismatch, name, err)
	case stderrors.Is(err, zipcodec.ErrUnsupportedMethod):
		return newErr(KindUnsupportedMethod, name, err)
	case stderrors.Is(err, zipcrypto.ErrAuthenticationFailed):
		return newErr(KindAuthenticationFailed, name, err)
	case stderrors.Is(err, zipreader.ErrStrongCrypto):
		return newErr(KindUnsupportedEncryption, name, err)
	default:
		return newErr(KindIo, name, err)
	}
}

// Open returns a reader over the entry's plaintext content, from whichever
// data source currently backs it. A stream-backed entry can only be opened
// once; subsequent calls return rereadable.ErrAlreadyConsumed wrapped as Io.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.source == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return e.source.open()
}

// rawCopyable reports whether this entry can stream its on-disk bytes
// verbatim instead of being re-encoded:
// true iff it's still backed by its original archive range and none of
// {method, encryption, password, compression-level} changed since read.
func (e *Entry) rawCopyable() bool {
	as, ok := e.source.(archiveSource)
	if !ok {
		return false
	}
	return !e.bodyChanged && as.rdr.Entries[as.index].Method == e.method
}

// wireAndUnderlyingMethod splits this entry's configured method into the
// on-wire compression method (ziprecord.WinZipAES whenever AES encryption
// is active) and the real compression method underneath, recovering the
// latter from the WinZip-AES extra field for an entry whose Method was set
// to WinZipAES directly rather than via SetPassword.
func (e *Entry) wireAndUnderlyingMethod() (wire, underlying uint16) {
	isAES := e.encryptionMethod == EncryptionAES128 ||
		e.encryptionMethod == EncryptionAES192 ||
		e.encryptionMethod == EncryptionAES256

	underlying = e.method
	if underlying == ziprecord.WinZipAES {
		underlying = ziprecord.Deflate
		if f, ok := e.centralExtra.Get(extra.IDWinZipAES); ok {
			if w, ok := extra.ParseWinZipAES(f.Raw); ok {
				underlying = w.Method
			}
		}
	}
	if !isAES {
		return underlying, underlying
	}
	return ziprecord.WinZipAES, underlying
}

// aesVersion recovers the AE-1/AE-2 vendor version an archive-backed
// entry already carried, defaulting fresh entries to AE-2, which omits
// the CRC the HMAC already makes redundant.
func (e *Entry) aesVersion() uint16 {
	if f, ok := e.centralExtra.Get(extra.IDWinZipAES); ok {
		if w, ok := extra.ParseWinZipAES(f.Raw); ok && (w.Version == 1 || w.Version == 2) {
			return w.Version
		}
	}
	return 2
}

// toWriterEntry adapts this entry to the zipwriter input shape, choosing
// between a verbatim raw-body copy and a fresh plaintext re-encode per
// rawCopyable. The returned closer, if non-nil, must be
// closed once the writer has finished reading PlainBody -- for an
// archive-sourced AES entry this is also where read-side authentication
// is verified.
func (e *Entry) toWriterEntry() (we *zipwriter.Entry, closer io.Closer, err error) {
	dosDate, dosTime := zipbits.TimeToDOSTime(e.modTime)
	wire, underlying := e.wireAndUnderlyingMethod()

	flags := e.flags
	if e.encryptionMethod != EncryptionNone {
		flags |= ziprecord.FlagEncrypted
	} else {
		flags &^= ziprecord.FlagEncrypted
	}

	we = &zipwriter.Entry{
		Name:             e.name,
		Comment:          e.comment,
		Flags:            flags,
		Method:           wire,
		VersionMadeBy:    e.versionMadeBy(),
		VersionNeeded:    e.extractVersion(),
		ModDOSDate:       dosDate,
		ModDOSTime:       dosTime,
		ExternalAttrs:    e.externalAttrs,
		InternalAttrs:    e.internalAttrs,
		LocalExtra:       e.localExtra.Clone(),
		CentralExtra:     e.centralExtra.Clone(),
		CompressionLevel: e.compressionLevel,
		Password:         e.password,
		EncryptionMethod: e.encryptionMethod.internal(),
		UnderlyingMethod: underlying,
	}

	if wire == ziprecord.WinZipAES {
		we.AEVersion = e.aesVersion()
		code, _, _, _ := e.encryptionMethod.internal().AESStrength()
		aesField := extra.WinZipAES{Version: we.AEVersion, Strength: code, Method: underlying}.Serialize()
		we.LocalExtra.Set(extra.Field{ID: extra.IDWinZipAES, Raw: aesField})
		we.CentralExtra.Set(extra.Field{ID: extra.IDWinZipAES, Raw: aesField})
	} else {
		we.LocalExtra.Remove(extra.IDWinZipAES)
		we.CentralExtra.Remove(extra.IDWinZipAES)
	}

	if e.rawCopyable() {
		as := e.source.(archiveSource)
		raw, rerr := as.rdr.OpenRaw(as.index)
		if rerr != nil {
			return nil, nil, rerr
		}
		we.RawBody = io.NewSectionReader(raw, 0, raw.Size())
		we.RawCompressedSize = e.compressedSize
		we.RawUncompressedSize = e.uncompressedSize
		we.CRC32 = e.crc32
		return we, nil, nil
	}

	// Re-encoding an encrypted entry needs key material; an entry configured
	// for encryption but never given a password cannot be written in the
	// clear silently (DESIGN.md Open Question #2).
	if e.encryptionMethod != EncryptionNone && len(e.password) == 0 {
		return nil, nil, newErr(KindInvalidArgument, e.name, nil)
	}

	rc, oerr := e.Open()
	if oerr != nil {
		return nil, nil, oerr
	}
	we.PlainBody = rc
	return we, rc, nil
}
