// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connstring

import "testing"

func TestParse_BasicReplicaSet(t *testing.T) {
	cs, err := Parse("mongodb://user:pass@a:27017,b:27017/mydb?replicaSet=rs0&maxPoolSize=50")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cs.SRV {
		t.Fatal("plain mongodb:// must not set SRV")
	}
	if cs.Username != "user" || cs.Password != "pass" || !cs.HasAuth {
		t.Fatalf("userinfo = %q/%q/%v", cs.Username, cs.Password, cs.HasAuth)
	}
	if len(cs.Hosts) != 2 || cs.Hosts[0] != "a:27017" || cs.Hosts[1] != "b:27017" {
		t.Fatalf("Hosts = %v", cs.Hosts)
	}
	if cs.Database != "mydb" {
		t.Fatalf("Database = %q", cs.Database)
	}
	if cs.Options["replicaset"] != "rs0" || cs.Options["maxpoolsize"] != "50" {
		t.Fatalf("Options = %v", cs.Options)
	}
}

func TestParse_SRVRejectsPortedHostAndMultipleHosts(t *testing.T) {
	if _, err := Parse("mongodb+srv://cluster.example.com:27017"); err == nil {
		t.Fatal("mongodb+srv:// must reject a ported host")
	}
	if _, err := Parse("mongodb+srv://a.example.com,b.example.com"); err == nil {
		t.Fatal("mongodb+srv:// must reject more than one host")
	}
}

func TestParse_SRVDefaultsTLSTrue(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster.example.com/mydb")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cs.TLS {
		t.Fatal("mongodb+srv:// must default tls=true when not explicitly disabled")
	}
}

func TestParse_SRVExplicitTLSFalseOverridesDefault(t *testing.T) {
	cs, err := Parse("mongodb+srv://cluster.example.com/?tls=false")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cs.TLS {
		t.Fatal("an explicit tls=false must override the mongodb+srv:// default")
	}
}

func TestParse_LoadBalancedAndSrvMaxHostsAreMutuallyExclusive(t *testing.T) {
	_, err := Parse("mongodb+srv://cluster.example.com/?loadBalanced=true&srvMaxHosts=2")
	if err == nil {
		t.Fatal("loadBalanced and srvMaxHosts must be rejected together")
	}
}

// TestParse_ReserializeRoundTrip covers the §8 round-trip property: parse, reserialize to
// canonical form, parse again, and the option map must come out equal.
func TestParse_ReserializeRoundTrip(t *testing.T) {
	original := "mongodb://u:p@a:27017,b:27017/db?appName=myApp&heartbeatFrequencyMS=5000&replicaSet=rs0"
	first, err := Parse(original)
	if err != nil {
		t.Fatalf("first Parse: %v", err)
	}
	canonical := first.String()

	second, err := Parse(canonical)
	if err != nil {
		t.Fatalf("Parse(canonical): %v", err)
	}

	if len(first.Options) != len(second.Options) {
		t.Fatalf("option map sizes differ: %v vs %v", first.Options, second.Options)
	}
	for k, v := range first.Options {
		if second.Options[k] != v {
			t.Fatalf("option %q = %q after round-trip, want %q", k, second.Options[k], v)
		}
	}
	if first.Username != second.Username || first.Password != second.Password {
		t.Fatal("userinfo must survive a reserialize/reparse round trip")
	}
	if len(first.Hosts) != len(second.Hosts) {
		t.Fatalf("host lists differ: %v vs %v", first.Hosts, second.Hosts)
	}
}

func TestIsRecognizedOption(t *testing.T) {
	if !IsRecognizedOption("ReadPreferenceTags") {
		t.Fatal("readPreferenceTags should be recognized case-insensitively")
	}
	if IsRecognizedOption("someUnknownOption") {
		t.Fatal("an option outside the fixed list should not be reported as recognized")
	}
}
