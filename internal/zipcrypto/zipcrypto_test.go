// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcrypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestKeyScheduleKnownState(t *testing.T) {
	// The three keys start at the PKWARE-defined constants; feeding a
	// password must change all three.
	k := newKeys(nil)
	if k.k0 != 0x12345678 || k.k1 != 0x23456789 || k.k2 != 0x34567890 {
		t.Fatalf("initial keys = %08x %08x %08x", k.k0, k.k1, k.k2)
	}
	k2 := newKeys([]byte("password"))
	if k2.k0 == k.k0 || k2.k1 == k.k1 || k2.k2 == k.k2 {
		t.Fatal("password must perturb every key")
	}
}

func TestZipCryptoRoundTrip(t *testing.T) {
	password := []byte("correct horse")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	const checkByte = 0xA7

	var sink bytes.Buffer
	w, err := NewEncryptWriter(&sink, password, checkByte, [11]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	if err != nil {
		t.Fatalf("NewEncryptWriter: %v", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sink.Len() != 12+len(plaintext) {
		t.Fatalf("ciphertext is %d bytes, want 12-byte header + %d", sink.Len(), len(plaintext))
	}

	r, err := NewDecryptReader(bytes.NewReader(sink.Bytes()), password, checkByte)
	if err != nil {
		t.Fatalf("NewDecryptReader: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestZipCryptoWrongPasswordFailsBeforePlaintext(t *testing.T) {
	var sink bytes.Buffer
	w, _ := NewEncryptWriter(&sink, []byte("right"), 0x42, [11]byte{})
	w.Write([]byte("secret"))

	r, err := NewDecryptReader(bytes.NewReader(sink.Bytes()), []byte("wrong"), 0x42)
	if err == nil {
		// The 1-byte header check passes by chance 1 time in 256; even then
		// the wrong key stream cannot reproduce the plaintext.
		got, _ := io.ReadAll(r)
		if bytes.Equal(got, []byte("secret")) {
			t.Fatal("wrong password produced the original plaintext")
		}
		return
	}
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAESRoundTripAllStrengths(t *testing.T) {
	password := []byte("correct horse battery staple")
	plaintext := bytes.Repeat([]byte("winzip aes payload "), 37) // > several CTR blocks

	for _, keyLen := range []int{16, 24, 32} {
		salt := make([]byte, keyLen/2)
		for i := range salt {
			salt[i] = byte(i * 7)
		}

		var sink bytes.Buffer
		w, err := NewAESEncryptWriter(&sink, password, salt, keyLen)
		if err != nil {
			t.Fatalf("keyLen %d: NewAESEncryptWriter: %v", keyLen, err)
		}
		if _, err := w.Write(plaintext); err != nil {
			t.Fatalf("keyLen %d: Write: %v", keyLen, err)
		}
		sink.Write(w.Trailer())

		wire := sink.Bytes()
		wantLen := len(salt) + pvLen + len(plaintext) + hmacLen
		if len(wire) != wantLen {
			t.Fatalf("keyLen %d: wire is %d bytes, want %d", keyLen, len(wire), wantLen)
		}

		cipherLen := int64(len(plaintext))
		r, verify, err := NewAESDecryptReader(bytes.NewReader(wire), password, keyLen, cipherLen)
		if err != nil {
			t.Fatalf("keyLen %d: NewAESDecryptReader: %v", keyLen, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("keyLen %d: ReadAll: %v", keyLen, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("keyLen %d: round trip mismatch", keyLen)
		}
		if err := verify(); err != nil {
			t.Fatalf("keyLen %d: HMAC verify: %v", keyLen, err)
		}
	}
}

func TestAESWrongPasswordFailsOnPV(t *testing.T) {
	salt := make([]byte, 16)
	var sink bytes.Buffer
	w, _ := NewAESEncryptWriter(&sink, []byte("right"), salt, 32)
	w.Write([]byte("secret"))
	sink.Write(w.Trailer())

	_, _, err := NewAESDecryptReader(bytes.NewReader(sink.Bytes()), []byte("wrong"), 32, 6)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected immediate ErrAuthenticationFailed from the pv check, got %v", err)
	}
}

func TestAESTamperedCiphertextFailsHMAC(t *testing.T) {
	password := []byte("pw")
	plaintext := []byte("authenticated data")
	salt := make([]byte, 16)

	var sink bytes.Buffer
	w, _ := NewAESEncryptWriter(&sink, password, salt, 32)
	w.Write(plaintext)
	sink.Write(w.Trailer())

	wire := sink.Bytes()
	wire[len(salt)+pvLen] ^= 0xFF // flip a ciphertext byte

	r, verify, err := NewAESDecryptReader(bytes.NewReader(wire), password, 32, int64(len(plaintext)))
	if err != nil {
		t.Fatalf("NewAESDecryptReader: %v", err)
	}
	io.Copy(io.Discard, r)
	if err := verify(); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed at stream end, got %v", err)
	}
}

func TestDeriveKeysSplit(t *testing.T) {
	crypt, mac, pv := DeriveKeys([]byte("pw"), []byte("12345678"), 16)
	if len(crypt) != 16 || len(mac) != 16 || len(pv) != 2 {
		t.Fatalf("split lengths %d/%d/%d, want 16/16/2", len(crypt), len(mac), len(pv))
	}
	// Deterministic: same inputs, same derivation.
	crypt2, _, _ := DeriveKeys([]byte("pw"), []byte("12345678"), 16)
	if !bytes.Equal(crypt, crypt2) {
		t.Fatal("PBKDF2 derivation must be deterministic")
	}
}
