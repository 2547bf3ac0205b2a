// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import "github.com/go-zipkit/zipkit/internal/ziprecord"

// sniffLen is how many leading bytes the add_* operations hand to
// autoMethod; the longest magic checked below ends at offset 12
// (RIFF container subtype).
const sniffLen = 16

// autoMethod classifies content by sniffing its leading bytes: already-
// compressed media/archive formats are stored rather than re-deflated,
// and anything else is deflated. Tiny inputs aren't worth the DEFLATE
// framing overhead.
func autoMethod(head []byte) uint16 {
	if len(head) < 8 {
		return ziprecord.Store
	}
	at := func(s string, o int) bool {
		return o+len(s) <= len(head) && string(head[o:o+len(s)]) == s
	}
	switch {
	case at("\x89PNG\r\n\x1a\n", 0): // PNG
		return ziprecord.Store
	case at("\xff\xd8\xff", 0): // JPEG
		return ziprecord.Store
	case at("GIF87a", 0), at("GIF89a", 0): // GIF
		return ziprecord.Store
	case at("RIFF", 0) && (at("WEBP", 8) || at("WAVE", 8) || at("AVI ", 8)):
		return ziprecord.Store
	case at("\x1f\x8b\x08", 0): // gzip
		return ziprecord.Store
	case at("BZh", 0): // bzip2
		return ziprecord.Store
	case at("\xfd7zXZ\x00", 0): // xz
		return ziprecord.Store
	case at("PK\x03\x04", 0), at("PK\x05\x06", 0): // nested zip
		return ziprecord.Store
	case at("ID3", 0), at("\xff\xfb", 0), at("\xff\xf3", 0), at("\xff\xf2", 0): // MP3
		return ziprecord.Store
	case at("OggS", 0): // Ogg
		return ziprecord.Store
	case at("fLaC", 0): // FLAC
		return ziprecord.Store
	case at("\x00\x00\x00", 0) && at("ftyp", 4): // MP4/MOV family
		return ziprecord.Store
	case at("%PDF", 0): // PDFs are usually already compressed internally
		return ziprecord.Store
	default:
		return ziprecord.Deflate
	}
}
