// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/x509/pkix"
	"testing"
)

func TestX509Strategy_TryFetchDeclinesWithoutCertificate(t *testing.T) {
	s := &X509Strategy{}
	_, ok, err := s.TryFetch(context.Background())
	if err != nil {
		t.Fatalf("TryFetch: %v", err)
	}
	if ok {
		t.Fatal("TryFetch should decline when no certificate PEM is configured")
	}
}

func TestX509Strategy_CacheKeyIsDeterministicAndPassphraseSensitive(t *testing.T) {
	s1 := &X509Strategy{KeyPEM: []byte("same key bytes"), Passphrase: "correct horse"}
	s2 := &X509Strategy{KeyPEM: []byte("same key bytes"), Passphrase: "correct horse"}
	s3 := &X509Strategy{KeyPEM: []byte("same key bytes"), Passphrase: "different"}

	if s1.cacheKey() != s2.cacheKey() {
		t.Fatal("cacheKey must be deterministic for identical key material and passphrase")
	}
	if s1.cacheKey() == s3.cacheKey() {
		t.Fatal("cacheKey must differ when the passphrase differs")
	}
}

func TestSubjectDN_FormatsDistinguishedName(t *testing.T) {
	name := pkix.Name{
		CommonName:         "test-client",
		OrganizationalUnit: []string{"Drivers"},
		Organization:       []string{"MongoDB"},
		Country:            []string{"US"},
	}
	dn := subjectDN(name)
	if dn == "" {
		t.Fatal("subjectDN produced an empty string for a populated Name")
	}
}

func TestKeyCache_StoreAndLookup(t *testing.T) {
	var c keyCache
	var k [32]byte
	k[0] = 1

	if _, ok := c.lookup(k); ok {
		t.Fatal("lookup on an empty cache must report a miss")
	}
	c.store(k, "a decrypted key")
	v, ok := c.lookup(k)
	if !ok || v != "a decrypted key" {
		t.Fatalf("lookup after store = (%v, %v), want (\"a decrypted key\", true)", v, ok)
	}
}
