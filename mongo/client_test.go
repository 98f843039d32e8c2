// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import "testing"

func TestNewClient_ParsesConnStringAndBuildsTopology(t *testing.T) {
	c, err := NewClient("mongodb://user:pass@a:27017,b:27017/mydb?replicaSet=rs0")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.topology == nil {
		t.Fatal("NewClient should have constructed a Topology")
	}
	if c.sessionPool == nil {
		t.Fatal("NewClient should have constructed a session Pool")
	}
	if c.credentials == nil {
		t.Fatal("NewClient should default to a credential chain when none is supplied")
	}
}

func TestNewClient_RejectsInvalidURI(t *testing.T) {
	if _, err := NewClient("not-a-uri"); err == nil {
		t.Fatal("NewClient should reject a URI with no recognized scheme")
	}
}

func TestNewClient_SRVRequiresNoPort(t *testing.T) {
	if _, err := NewClient("mongodb+srv://cluster.example.com:27017"); err == nil {
		t.Fatal("NewClient should reject a mongodb+srv:// URI with an explicit port")
	}
}

func TestNewClient_DefaultsToScramSHA256WhenCredentialsPresent(t *testing.T) {
	c, err := NewClient("mongodb://user:pass@a:27017/mydb")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Scram() == nil {
		t.Fatal("NewClient should default to a SCRAM-SHA-256 conversation builder when a username/password is present")
	}
}

func TestNewClient_NoScramWithoutCredentials(t *testing.T) {
	c, err := NewClient("mongodb://a:27017/mydb")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Scram() != nil {
		t.Fatal("NewClient should not select a SCRAM mechanism when no credentials were supplied")
	}
}
