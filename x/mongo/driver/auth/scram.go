// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

// ScramMechanism names which of the two SCRAM hash functions a conversation uses.
type ScramMechanism uint8

// The two SCRAM mechanisms MongoDB supports.
const (
	ScramSHA1 ScramMechanism = iota
	ScramSHA256
)

func (m ScramMechanism) name() string {
	if m == ScramSHA256 {
		return "SCRAM-SHA-256"
	}
	return "SCRAM-SHA-1"
}

// ScramStrategy builds client-side SCRAM conversations for a username/password pair. It owns the
// part of the mechanism spec.md §1 keeps in scope (deriving the conversation, not driving a SASL
// exchange over the wire): constructing an *scram.ClientConversation the handshake layer steps
// through.
type ScramStrategy struct {
	Mechanism ScramMechanism
}

// NewConversation prepares a fresh SCRAM conversation for one authentication attempt. SASLprep is
// applied to the password first, per RFC 5802 and the MongoDB SCRAM spec, using the same
// stringprep profile the teacher's own SCRAM implementation normalizes with. A password SASLprep
// rejects (a handful of bidirectional/control-character inputs) is sent through unmodified instead
// of failing the handshake, matching the MongoDB SCRAM spec's fallback rule.
func (s *ScramStrategy) NewConversation(username, password string) (*scram.ClientConversation, error) {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		prepped = password
	}

	hashGen := scram.SHA1
	if s.Mechanism == ScramSHA256 {
		hashGen = scram.SHA256
	}

	client, err := hashGen.NewClient(username, prepped, "")
	if err != nil {
		return nil, err
	}
	client.WithMinIterations(4096)

	return client.NewConversation(), nil
}
