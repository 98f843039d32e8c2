// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pbkdf2"
)

// X509Strategy is a CredentialStrategy for the MONGODB-X509 mechanism: the "credential" is the
// client certificate itself, and the username the server expects is the certificate's subject DN.
// Parsing and (when the private key is encrypted) decrypting that certificate is the part of the
// mechanism spec.md keeps in scope; presenting it during the TLS handshake is transport detail the
// Non-goals leave to the boolean TLS toggle.
type X509Strategy struct {
	CertPEM []byte
	KeyPEM  []byte

	// Passphrase decrypts KeyPEM when it holds a PKCS#8 EncryptedPrivateKeyInfo block. Left empty
	// for an unencrypted key.
	Passphrase string

	cache keyCache
}

// TryFetch implements CredentialStrategy. The "username" an X.509 strategy contributes is the
// certificate subject's RFC 2253 distinguished name, which is what a MongoDB server compares
// against the X.509 user it has provisioned.
func (s *X509Strategy) TryFetch(ctx context.Context) (*Credentials, bool, error) {
	if len(s.CertPEM) == 0 {
		return nil, false, nil
	}
	cert, err := s.parseCertificate()
	if err != nil {
		return nil, false, fmt.Errorf("auth: parsing X.509 client certificate: %w", err)
	}
	return &Credentials{
		Source:   "$external",
		Username: subjectDN(cert.Subject),
	}, true, nil
}

func (s *X509Strategy) parseCertificate() (*x509.Certificate, error) {
	block, _ := pem.Decode(s.CertPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in client certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// PrivateKey decrypts and returns the client's private key, memoizing the result so a repeated
// handshake against the same certificate doesn't repeat the (deliberately slow) PBES2 key
// derivation every time.
func (s *X509Strategy) PrivateKey() (interface{}, error) {
	cacheKey := s.cacheKey()
	if key, ok := s.cache.lookup(cacheKey); ok {
		return key, nil
	}

	block, _ := pem.Decode(s.KeyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in client private key")
	}

	var key interface{}
	var err error
	if s.Passphrase != "" {
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(s.Passphrase))
	} else {
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("decrypting client private key: %w", err)
	}

	s.cache.store(cacheKey, key)
	return key, nil
}

// cacheKey derives a fixed-length, non-reversible identifier for this strategy's (key material,
// passphrase) pair, so the cache never has to hold the passphrase itself as a map key.
func (s *X509Strategy) cacheKey() [sha256.Size]byte {
	salt := sha256.Sum256(s.KeyPEM)
	derived := pbkdf2.Key([]byte(s.Passphrase), salt[:], 1024, sha256.Size, sha256.New)
	var out [sha256.Size]byte
	copy(out[:], derived)
	return out
}

// subjectDN renders a certificate subject as the RFC 2253 distinguished name string MongoDB
// servers store and compare X.509 usernames against.
func subjectDN(name pkix.Name) string {
	return name.ToRDNSequence().String()
}

type keyCache struct {
	mu      sync.Mutex
	entries map[[sha256.Size]byte]interface{}
}

func (c *keyCache) lookup(k [sha256.Size]byte) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return nil, false
	}
	v, ok := c.entries[k]
	return v, ok
}

func (c *keyCache) store(k [sha256.Size]byte, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[[sha256.Size]byte]interface{})
	}
	c.entries[k] = v
}
