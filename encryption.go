// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipkit

import "github.com/go-zipkit/zipkit/internal/ziprecord"

// EncryptionMethod identifies which cipher, if any, protects an entry's
// body. It mirrors internal/ziprecord.EncryptionMethod
// one-for-one so converting across the package boundary is a plain cast.
type EncryptionMethod int

const (
	EncryptionNone EncryptionMethod = iota
	EncryptionZipCrypto
	EncryptionAES128
	EncryptionAES192
	EncryptionAES256
)

func (m EncryptionMethod) internal() ziprecord.EncryptionMethod { return ziprecord.EncryptionMethod(m) }

func fromInternalEncryption(m ziprecord.EncryptionMethod) EncryptionMethod { return EncryptionMethod(m) }
