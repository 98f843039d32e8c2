// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor is a wire-message payload codec a connection may negotiate with a server during the
// handshake. The actual OP_COMPRESSED framing that would carry these bytes over the wire is out of
// scope here; Compressor only owns the byte-for-byte transform, the part of "compression" this
// module's server-selection/connection layer actually needs to reason about.
type Compressor interface {
	Name() string
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}

// snappyCompressor implements the "snappy" compressor using google's reference implementation.
type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}

func (snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

// zstdCompressor implements the "zstd" compressor. Encoders/decoders are expensive to build, so
// one of each is kept and reused for the lifetime of the compressor rather than per call.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst), nil
}

func (z *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, dst)
}

// availableCompressors returns every Compressor this build knows how to speak, in the driver's
// default preference order (zstd first: it alone beats snappy on ratio without giving up much
// speed). zstd's encoder/decoder construction can fail (e.g. on an unsupported concurrency
// setting), in which case zstd is silently dropped from the list rather than failing the caller —
// snappy has no such failure mode and is always present.
func availableCompressors() []Compressor {
	compressors := make([]Compressor, 0, 2)
	if z, err := newZstdCompressor(); err == nil {
		compressors = append(compressors, z)
	}
	compressors = append(compressors, snappyCompressor{})
	return compressors
}

// negotiateCompressor picks the first of preferred that the server also advertised in serverSupported
// (the hello response's "compression" array), preserving the client's preference order. It returns
// nil, false when no compressor is shared, in which case the connection must run uncompressed.
func negotiateCompressor(preferred []Compressor, serverSupported []string) (Compressor, bool) {
	supported := make(map[string]struct{}, len(serverSupported))
	for _, name := range serverSupported {
		supported[name] = struct{}{}
	}
	for _, c := range preferred {
		if _, ok := supported[c.Name()]; ok {
			return c, true
		}
	}
	return nil, false
}

// roundTrip compresses src and immediately decompresses the result, returning the recovered bytes.
// Connection setup does not call it; the package's tests use it to check each Compressor.
func roundTrip(c Compressor, src []byte) ([]byte, error) {
	compressed, err := c.Compress(nil, src)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	out, err := c.Decompress(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if !bytes.Equal(out, src) {
		return nil, fmt.Errorf("%s: round trip did not recover the original payload", c.Name())
	}
	return out, nil
}
