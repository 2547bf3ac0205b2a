// Copyright Elliot Nunn. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import "github.com/go-zipkit/zipkit/internal/ziprecord"

// Compression methods an entry can be stored with. The values are the
// on-wire APPNOTE method ids; MethodAuto is a zipkit-only sentinel telling
// Add* operations to sniff the content instead.
const (
	MethodStore     = ziprecord.Store
	MethodDeflate   = ziprecord.Deflate
	MethodBZIP2     = ziprecord.BZIP2
	MethodWinZipAES = ziprecord.WinZipAES
)

// UTF8Policy decides how the writer sets GPBF bit 11 on each entry.
type UTF8Policy int

const (
	// UTF8Auto sets the bit only for names/comments that aren't pure ASCII.
	UTF8Auto UTF8Policy = iota
	// UTF8Always marks every entry's name and comment as UTF-8.
	UTF8Always
	// UTF8Never leaves the bit clear on every entry.
	UTF8Never
)
