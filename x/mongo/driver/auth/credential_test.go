// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"testing"
)

func TestCompositeCredentialSource_FallsThroughToNextStrategy(t *testing.T) {
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIDEXAMPLE",
		"AWS_SECRET_ACCESS_KEY": "secret",
	}
	c := &CompositeCredentialSource{
		Strategies: []CredentialStrategy{
			StaticStrategy{},
			EnvironmentAWSStrategy{Getenv: func(k string) string { return env[k] }},
		},
	}
	got, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Username != "AKIDEXAMPLE" || got.Source != "$external" {
		t.Fatalf("Fetch = %+v, want the environment strategy's credentials", got)
	}
}

func TestCompositeCredentialSource_NoStrategyProducesError(t *testing.T) {
	c := &CompositeCredentialSource{
		Strategies: []CredentialStrategy{
			StaticStrategy{},
			EnvironmentAWSStrategy{Getenv: func(string) string { return "" }},
		},
	}
	if _, err := c.Fetch(context.Background()); err != ErrNoCredentials {
		t.Fatalf("Fetch error = %v, want ErrNoCredentials", err)
	}
}

func TestStaticStrategy_PrefersUserSuppliedCredentials(t *testing.T) {
	c := &CompositeCredentialSource{
		Strategies: []CredentialStrategy{
			StaticStrategy{Credentials: Credentials{Username: "scram-user", Password: "pw"}},
			EnvironmentAWSStrategy{Getenv: func(k string) string { return "ignored" }},
		},
	}
	got, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Username != "scram-user" {
		t.Fatal("a static, user-supplied credential must win over a discovered one")
	}
}
