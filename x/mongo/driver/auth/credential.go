// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth defines the contract point a handshake operation plugs an authentication mechanism
// into, without implementing any mechanism's wire conversation. Credential discovery is a
// CompositeCredentialSource trying a fixed list of CredentialStrategy values in registration
// order — replacing the inheritance-based provider chain with composition, the same shape
// go.mongodb.org/mongo-driver's AWS/GCP credential providers built by hand for one mechanism.
package auth

import (
	"context"
	"errors"
	"os"
)

// Credentials is the minimal set of fields any mechanism's SASL/X.509 conversation needs: a
// principal, a secret, and an optional short-lived session token.
type Credentials struct {
	Source       string
	Username     string
	Password     string
	SessionToken string
}

// CredentialStrategy is one way of discovering credentials: a static value, an environment lookup,
// a cloud metadata endpoint, or a caller-supplied callback. TryFetch reports false, nil when the
// strategy has nothing to offer, so the composite can fall through to the next one without
// treating "not configured" as an error.
type CredentialStrategy interface {
	TryFetch(ctx context.Context) (*Credentials, bool, error)
}

// CompositeCredentialSource tries each Strategy in order and returns the first one that produces
// credentials. It is the chain-of-strategies replacement for a credential-provider inheritance
// hierarchy: adding a new source means appending a Strategy, not subclassing one.
type CompositeCredentialSource struct {
	Strategies []CredentialStrategy
}

// ErrNoCredentials is returned when every strategy in the chain declines to produce credentials.
var ErrNoCredentials = errors.New("auth: no credential strategy produced credentials")

// Fetch runs the chain, returning the first non-empty result.
func (c *CompositeCredentialSource) Fetch(ctx context.Context) (*Credentials, error) {
	for _, s := range c.Strategies {
		creds, ok, err := s.TryFetch(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return creds, nil
		}
	}
	return nil, ErrNoCredentials
}

// StaticStrategy always returns the Credentials it was constructed with; this is the
// SCRAM/user-supplied case, where the URI or client options already carried a username/password.
type StaticStrategy struct {
	Credentials Credentials
}

// TryFetch implements CredentialStrategy.
func (s StaticStrategy) TryFetch(ctx context.Context) (*Credentials, bool, error) {
	if s.Credentials.Username == "" {
		return nil, false, nil
	}
	c := s.Credentials
	return &c, true, nil
}

// EnvironmentAWSStrategy discovers AWS credentials from the standard environment variables
// (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY/AWS_SESSION_TOKEN), the first link MONGODB-AWS's real
// provider chain tries before falling through to an ECS/EC2 metadata endpoint.
type EnvironmentAWSStrategy struct {
	Getenv func(string) string
}

// TryFetch implements CredentialStrategy.
func (s EnvironmentAWSStrategy) TryFetch(ctx context.Context) (*Credentials, bool, error) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	accessKeyID := getenv("AWS_ACCESS_KEY_ID")
	secretAccessKey := getenv("AWS_SECRET_ACCESS_KEY")
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, false, nil
	}
	return &Credentials{
		Source:       "$external",
		Username:     accessKeyID,
		Password:     secretAccessKey,
		SessionToken: getenv("AWS_SESSION_TOKEN"),
	}, true, nil
}
