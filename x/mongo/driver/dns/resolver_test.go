// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package dns

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	srvAddrs []*net.SRV
	srvErr   error
	txt      []string
	txtErr   error
}

func (f fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return "", f.srvAddrs, f.srvErr
}

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt, f.txtErr
}

func TestParseHosts_AcceptsTargetsSharingParentDomain(t *testing.T) {
	r := fakeResolver{srvAddrs: []*net.SRV{
		{Target: "host1.cluster.example.com.", Port: 27017},
		{Target: "host2.cluster.example.com.", Port: 27018},
	}}
	hosts, err := ParseHosts(context.Background(), r, "cluster.example.com", "mongodb", true)
	if err != nil {
		t.Fatalf("ParseHosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "host1.cluster.example.com:27017" {
		t.Fatalf("hosts = %v, want both SRV targets resolved", hosts)
	}
}

// TestParseHosts_RejectsSrvHostMismatch covers scenario S5: an SRV target outside the seed
// hostname's parent domain must be rejected rather than silently trusted.
func TestParseHosts_RejectsSrvHostMismatch(t *testing.T) {
	r := fakeResolver{srvAddrs: []*net.SRV{
		{Target: "evil.attacker.net.", Port: 27017},
	}}
	_, err := ParseHosts(context.Background(), r, "cluster.example.com", "mongodb", true)
	if err == nil {
		t.Fatal("expected an SRV target outside the parent domain to be rejected")
	}
}

func TestParseHosts_RejectsTargetEqualToShortSeedHost(t *testing.T) {
	r := fakeResolver{srvAddrs: []*net.SRV{
		{Target: "example.com.", Port: 27017},
	}}
	_, err := ParseHosts(context.Background(), r, "example.com", "mongodb", true)
	if err == nil {
		t.Fatal("a two-label seed host's SRV target must not equal the seed host itself")
	}
}

func TestParseHosts_ThreeLabelParentDropsOnlyLeftmostLabel(t *testing.T) {
	r := fakeResolver{srvAddrs: []*net.SRV{
		{Target: "other.example.com.", Port: 27017},
	}}
	// "test.example.com" has 3 labels; its parent domain is "example.com", so a sibling
	// subdomain under example.com is a valid target even though it isn't under test.example.com.
	hosts, err := ParseHosts(context.Background(), r, "test.example.com", "mongodb", true)
	if err != nil {
		t.Fatalf("ParseHosts: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("hosts = %v, want the sibling-domain target accepted", hosts)
	}
}

func TestParseTXT_ParsesAllowlistedOptions(t *testing.T) {
	r := fakeResolver{txt: []string{"replicaSet=rs0&authSource=admin"}}
	opts, err := ParseTXT(context.Background(), r, "cluster.example.com")
	if err != nil {
		t.Fatalf("ParseTXT: %v", err)
	}
	if opts["replicaset"] != "rs0" || opts["authsource"] != "admin" {
		t.Fatalf("opts = %v, want replicaset/authsource parsed", opts)
	}
}

func TestParseTXT_RejectsDisallowedOption(t *testing.T) {
	r := fakeResolver{txt: []string{"ssl=false"}}
	if _, err := ParseTXT(context.Background(), r, "cluster.example.com"); err == nil {
		t.Fatal("expected a disallowed TXT option to be rejected")
	}
}

func TestParseTXT_RejectsMultipleRecords(t *testing.T) {
	r := fakeResolver{txt: []string{"replicaSet=rs0", "authSource=admin"}}
	if _, err := ParseTXT(context.Background(), r, "cluster.example.com"); err == nil {
		t.Fatal("expected multiple TXT records to be rejected as ambiguous")
	}
}

func TestParseTXT_NoRecordIsNotAnError(t *testing.T) {
	r := fakeResolver{txt: nil}
	opts, err := ParseTXT(context.Background(), r, "cluster.example.com")
	if err != nil || opts != nil {
		t.Fatalf("ParseTXT with no TXT record = %v, %v; want nil, nil", opts, err)
	}
}
