// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcrypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// WinZip AES wire layout: salt | pv(2) | ciphertext | hmac(10).
const (
	pvLen   = 2
	hmacLen = 10
)

// DeriveKeys runs PBKDF2-HMAC-SHA1(password, salt, 1000, 2*keyLen+2) and
// splits the output into the AES-CTR key, the HMAC-SHA1 key, and the
// 2-byte password-verification value.
func DeriveKeys(password, salt []byte, keyLen int) (cryptKey, macKey, pv []byte) {
	out := pbkdf2.Key(password, salt, 1000, 2*keyLen+2, sha1.New)
	return out[:keyLen], out[keyLen : 2*keyLen], out[2*keyLen:]
}

// ctrStream XORs src into dst using AES-CTR with a little-endian 128-bit
// counter starting at 1, incrementing per 16-byte block.
// WinZip's counter endianness differs from the stdlib crypto/cipher CTR
// (which treats the whole IV as a big-endian counter), so the keystream
// is generated by hand, one AES block at a time.
type ctrStream struct {
	block   [16]byte // unused; the AES cipher is enc
	counter uint64
	enc     interface{ Encrypt(dst, src []byte) }
	ks      [16]byte
	ksUsed  int
}

func newCTRStream(key []byte) (*ctrStream, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ctrStream{counter: 1, enc: c, ksUsed: 16}, nil
}

func (c *ctrStream) next() byte {
	if c.ksUsed == 16 {
		var ctr [16]byte
		binary.LittleEndian.PutUint64(ctr[:8], c.counter)
		c.enc.Encrypt(c.ks[:], ctr[:])
		c.counter++
		c.ksUsed = 0
	}
	b := c.ks[c.ksUsed]
	c.ksUsed++
	return b
}

func (c *ctrStream) xor(dst, src []byte) {
	for i := range src {
		dst[i] = src[i] ^ c.next()
	}
}

// NewAESDecryptReader reads the salt+pv preamble from r, derives keys,
// verifies pv (failing ErrAuthenticationFailed immediately on mismatch),
// and returns a reader over the plaintext plus a function
// that verifies the trailing 10-byte HMAC once the caller has consumed
// exactly cipherLen bytes of plaintext.
func NewAESDecryptReader(r io.Reader, password []byte, keyLen int, cipherLen int64) (plain io.Reader, verify func() error, err error) {
	saltLen := keyLen / 2 // 8/12/16 bytes for 128/192/256-bit keys
	salt := make([]byte, saltLen)
	if _, err = io.ReadFull(r, salt); err != nil {
		return nil, nil, err
	}
	var pv [pvLen]byte
	if _, err = io.ReadFull(r, pv[:]); err != nil {
		return nil, nil, err
	}
	cryptKey, macKey, wantPV := DeriveKeys(password, salt, keyLen)
	if !hmac.Equal(pv[:], wantPV) {
		return nil, nil, ErrAuthenticationFailed
	}
	stream, err := newCTRStream(cryptKey)
	if err != nil {
		return nil, nil, err
	}
	mac := hmac.New(sha1.New, macKey)
	ar := &aesDecryptReader{full: r, r: io.LimitReader(r, cipherLen), stream: stream, mac: mac}
	return ar, ar.verify, nil
}

type aesDecryptReader struct {
	full io.Reader // positioned right after the ciphertext once r is drained
	r    io.Reader
	stream *ctrStream
	mac    interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func (a *aesDecryptReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.mac.Write(p[:n])
		a.stream.xor(p[:n], p[:n])
	}
	return n, err
}

// verify reads the trailing 10-byte HMAC that follows the ciphertext and
// checks it against the first 10 bytes of the running HMAC-SHA1.
// The caller must have fully drained Read first.
func (a *aesDecryptReader) verify() error {
	var trailer [hmacLen]byte
	if _, err := io.ReadFull(a.full, trailer[:]); err != nil {
		return err
	}
	got := a.mac.Sum(nil)[:hmacLen]
	if !hmac.Equal(got, trailer[:]) {
		return ErrAuthenticationFailed
	}
	return nil
}

// NewAESEncryptWriter derives fresh keys from password and salt, writes the
// salt+pv preamble to w, and returns a writer that encrypts plaintext and
// accumulates the HMAC; Trailer() returns the 10-byte authentication tag to
// append after the ciphertext once writing is complete.
func NewAESEncryptWriter(w io.Writer, password, salt []byte, keyLen int) (*AESEncryptWriter, error) {
	cryptKey, macKey, pv := DeriveKeys(password, salt, keyLen)
	if _, err := w.Write(salt); err != nil {
		return nil, err
	}
	if _, err := w.Write(pv); err != nil {
		return nil, err
	}
	stream, err := newCTRStream(cryptKey)
	if err != nil {
		return nil, err
	}
	return &AESEncryptWriter{w: w, stream: stream, mac: hmac.New(sha1.New, macKey)}, nil
}

type AESEncryptWriter struct {
	w      io.Writer
	stream *ctrStream
	mac    interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

func (a *AESEncryptWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	a.stream.xor(out, p)
	a.mac.Write(out)
	return a.w.Write(out)
}

// Trailer returns the 10-byte HMAC authentication tag to append after the
// ciphertext.
func (a *AESEncryptWriter) Trailer() []byte {
	return a.mac.Sum(nil)[:hmacLen]
}
