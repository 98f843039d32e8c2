// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import "testing"

func TestNegotiateCompressor_PrefersFirstSharedInClientOrder(t *testing.T) {
	preferred := availableCompressors() // zstd, snappy
	if len(preferred) != 2 {
		t.Fatalf("availableCompressors() = %d compressors, want 2 (zstd, snappy)", len(preferred))
	}

	c, ok := negotiateCompressor(preferred, []string{"snappy", "zstd"})
	if !ok {
		t.Fatal("negotiateCompressor: expected a match")
	}
	if c.Name() != "zstd" {
		t.Fatalf("negotiateCompressor = %q, want %q (client preference order wins)", c.Name(), "zstd")
	}
}

func TestNegotiateCompressor_NoSharedCompressor(t *testing.T) {
	preferred := availableCompressors()
	_, ok := negotiateCompressor(preferred, []string{"zlib"})
	if ok {
		t.Fatal("negotiateCompressor: expected no match against an unsupported server list")
	}
}

func TestNegotiateCompressor_EmptyServerListMeansUncompressed(t *testing.T) {
	preferred := availableCompressors()
	_, ok := negotiateCompressor(preferred, nil)
	if ok {
		t.Fatal("negotiateCompressor: a server advertising no compressors must not negotiate one")
	}
}

func TestSnappyCompressor_RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility: " +
		"the quick brown fox jumps over the lazy dog")
	out, err := roundTrip(snappyCompressor{}, payload)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("roundTrip = %q, want %q", out, payload)
	}
}

func TestZstdCompressor_RoundTrip(t *testing.T) {
	z, err := newZstdCompressor()
	if err != nil {
		t.Fatalf("newZstdCompressor: %v", err)
	}
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility: " +
		"the quick brown fox jumps over the lazy dog")
	out, err := roundTrip(z, payload)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatalf("roundTrip = %q, want %q", out, payload)
	}
}
