// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipcodec wraps the three compression methods this engine
// supports (STORE, DEFLATE, BZIP2) behind one small
// Decompressor/Compressor pair of constructors, so the reader and writer
// can dispatch on method without knowing which codec library backs it.
package zipcodec

import (
	"compress/flate"
	"errors"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/go-zipkit/zipkit/internal/ziprecord"
)

// ErrUnsupportedMethod is returned for any compression method this engine
// does not implement.
var ErrUnsupportedMethod = errors.New("zipkit: unsupported compression method")

// NewDecompressor wraps r (the raw compressed body) in a reader that
// yields plaintext for the given method.
func NewDecompressor(method uint16, r io.Reader) (io.Reader, error) {
	switch method {
	case ziprecord.Store:
		return r, nil
	case ziprecord.Deflate:
		return flate.NewReader(r), nil
	case ziprecord.BZIP2:
		return bzip2.NewReader(r, nil)
	default:
		return nil, ErrUnsupportedMethod
	}
}

// Compressor streams plaintext writes into compressed output on w, and
// must be Close()d to flush any internal buffering before the compressed
// size is read back.
type Compressor interface {
	io.WriteCloser
}

// NewCompressor wraps w (the destination for compressed bytes) in a
// compressor for the given method and level (1..9, meaningful only for
// DEFLATE/BZIP2).
func NewCompressor(method uint16, level int, w io.Writer) (Compressor, error) {
	switch method {
	case ziprecord.Store:
		return nopCloser{w}, nil
	case ziprecord.Deflate:
		fw, err := flate.NewWriter(w, flateLevel(level))
		if err != nil {
			return nil, err
		}
		return fw, nil
	case ziprecord.BZIP2:
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2Level(level)})
		if err != nil {
			return nil, err
		}
		return bw, nil
	default:
		return nil, ErrUnsupportedMethod
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func flateLevel(level int) int {
	if level < 1 || level > 9 {
		return flate.DefaultCompression
	}
	return level
}

func bzip2Level(level int) int {
	if level < 1 || level > 9 {
		return 6
	}
	return level
}
