// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipbits

import (
	"bytes"
	"testing"
	"time"
)

func TestBufEncodesLittleEndian(t *testing.T) {
	out := make(Buf, 15)
	b := out
	b.U8(0x01)
	b.U16(0x0302)
	b.U32(0x07060504)
	b.U64(0x0F0E0D0C0B0A0908)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(out, want) {
		t.Fatalf("got % x, want % x", []byte(out), want)
	}
}

func TestCountWriter(t *testing.T) {
	var sink bytes.Buffer
	cw := &CountWriter{W: &sink}
	cw.Write([]byte("abcd"))
	cw.Write([]byte("ef"))
	if cw.Count != 6 {
		t.Fatalf("Count = %d, want 6", cw.Count)
	}
}

func TestCRCWriterMatchesKnownValue(t *testing.T) {
	c := NewCRCWriter()
	c.Write([]byte("con"))
	c.Write([]byte("tent"))
	// CRC32("content") is the known constant.
	if got := c.Sum32(); got != 0xFEC530A9 {
		t.Fatalf("Sum32 = %#08x, want 0xFEC530A9", got)
	}
}

func TestDOSTimeRoundTripWithin2s(t *testing.T) {
	// dos_to_unix(unix_to_dos(t)) is within 2 s of t across the whole DOS
	// date range.
	cases := []time.Time{
		time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1999, time.December, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, time.February, 29, 12, 34, 56, 0, time.UTC),
		time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC),
	}
	for _, in := range cases {
		d, tm := TimeToDOSTime(in)
		out := DOSTimeToTime(d, tm)
		diff := in.Sub(out)
		if diff < 0 {
			diff = -diff
		}
		if diff > 2*time.Second {
			t.Errorf("%v -> %v: off by %v", in, out, diff)
		}
	}
}

func TestDOSTimeSaturatesOutOfRangeYears(t *testing.T) {
	d, _ := TimeToDOSTime(time.Date(1975, time.June, 1, 0, 0, 0, 0, time.UTC))
	if year := int(d>>9) + 1980; year != 1980 {
		t.Errorf("pre-1980 year saturates to 1980, got %d", year)
	}
	d, _ = TimeToDOSTime(time.Date(2200, time.June, 1, 0, 0, 0, 0, time.UTC))
	if year := int(d>>9) + 1980; year != 2107 {
		t.Errorf("post-2107 year saturates to 2107, got %d", year)
	}
}
