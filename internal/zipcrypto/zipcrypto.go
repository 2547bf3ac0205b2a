// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipcrypto implements the two PKWARE-family stream ciphers the
// engine supports: traditional ZipCrypto and WinZip AES (AE-1/AE-2).
// Both are exposed as io.Reader/io.Writer
// wrappers that compose with internal/zipcodec the way the writer and
// reader need: plaintext -> compress -> encrypt on write, the reverse on
// read.
package zipcrypto

import (
	"errors"
	"hash/crc32"
	"io"
)

// ErrAuthenticationFailed is returned when a password check fails, either
// the ZipCrypto 12-byte header check byte or the WinZip AES password
// verification value / HMAC.
var ErrAuthenticationFailed = errors.New("zipkit: authentication failed")

// keys holds the traditional PKWARE encryption state.
type keys struct {
	k0, k1, k2 uint32
}

func newKeys(password []byte) *keys {
	k := &keys{k0: 0x12345678, k1: 0x23456789, k2: 0x34567890}
	for _, b := range password {
		k.update(b)
	}
	return k
}

// crcShift is one raw CRC32 table step, without the pre/post inversion
// hash/crc32's Update applies; ZipCrypto's key schedule wants the bare
// shift.
func crcShift(crc uint32, b byte) uint32 {
	return crc32.IEEETable[byte(crc)^b] ^ (crc >> 8)
}

func (k *keys) update(b byte) {
	k.k0 = crcShift(k.k0, b)
	k.k1 = (k.k1+(k.k0&0xFF))*134775813 + 1
	k.k2 = crcShift(k.k2, byte(k.k1>>24))
}

func (k *keys) streamByte() byte {
	tmp := k.k2 | 2
	return byte((tmp * (tmp ^ 1)) >> 8)
}

// decryptByte decrypts one ciphertext byte, updating the keys with the
// recovered plaintext byte (the keys must always be updated with
// plaintext, never ciphertext).
func (k *keys) decryptByte(c byte) byte {
	p := c ^ k.streamByte()
	k.update(p)
	return p
}

func (k *keys) encryptByte(p byte) byte {
	c := p ^ k.streamByte()
	k.update(p)
	return c
}

// NewDecryptReader wraps r (positioned at the start of the 12-byte
// ZipCrypto header) with a decrypting reader. checkByte is the expected
// last byte of the decrypted header: the CRC32 high byte if it was known
// at encryption time, else the DOS-time high byte. The
// 12-byte header is consumed and verified before any plaintext is
// returned, satisfying the "fails before any plaintext is exposed"
// property.
func NewDecryptReader(r io.Reader, password []byte, checkByte byte) (io.Reader, error) {
	k := newKeys(password)
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	var last byte
	for _, c := range header {
		last = k.decryptByte(c)
	}
	if last != checkByte {
		return nil, ErrAuthenticationFailed
	}
	return &decryptReader{r: r, k: k}, nil
}

type decryptReader struct {
	r io.Reader
	k *keys
}

func (d *decryptReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] = d.k.decryptByte(p[i])
	}
	return n, err
}

// NewEncryptWriter wraps w with an encrypting writer, first emitting the
// 12-byte ZipCrypto header (whose last byte is checkByte, the verification
// byte readers will check against).
func NewEncryptWriter(w io.Writer, password []byte, checkByte byte, randomHeader [11]byte) (io.Writer, error) {
	k := newKeys(password)
	var header [12]byte
	copy(header[:11], randomHeader[:])
	header[11] = checkByte
	for i, c := range header {
		header[i] = k.encryptByte(c)
	}
	if _, err := w.Write(header[:]); err != nil {
		return nil, err
	}
	return &encryptWriter{w: w, k: k}, nil
}

type encryptWriter struct {
	w io.Writer
	k *keys
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	for i, c := range p {
		out[i] = e.k.encryptByte(c)
	}
	return e.w.Write(out)
}
