// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package dns implements the initial seedlist discovery mechanism: resolving a
// mongodb+srv:// connection string's single hostname into a seed list of servers via a DNS SRV
// lookup, and recovering driver options from an accompanying TXT record.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Resolver is the narrow DNS surface this package needs, so tests can substitute a fake without
// touching the real network.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// netResolver adapts *net.Resolver to Resolver.
type netResolver struct {
	r *net.Resolver
}

func (n netResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return n.r.LookupSRV(ctx, service, proto, name)
}

func (n netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return n.r.LookupTXT(ctx, name)
}

// DefaultResolver is backed by net.DefaultResolver.
var DefaultResolver Resolver = netResolver{r: net.DefaultResolver}

// ParseHosts resolves the SRV record for "_<service>._tcp.<name>" and returns the verified host
// list, "host:port" for each target. Every returned hostname must share the parent domain of name
// (as computed by parentOf), per the SRV domain-scoping rule that stops a malicious DNS operator from
// pointing mongodb+srv:// at servers you never authorized (scenario SrvHostMismatch).
func ParseHosts(ctx context.Context, resolver Resolver, name, service string, required bool) ([]string, error) {
	if service == "" {
		service = "mongodb"
	}

	_, addrs, err := resolver.LookupSRV(ctx, service, "tcp", name)
	if err != nil {
		if required {
			return nil, fmt.Errorf("error parsing srv record for %q: %w", name, err)
		}
		return nil, err
	}
	if len(addrs) == 0 && required {
		return nil, fmt.Errorf("no SRV records found for %q", name)
	}

	parentDomain := parentOf(name)
	fewerThanThreeLabels := len(strings.Split(strings.TrimSuffix(name, "."), ".")) < 3
	normalizedName := strings.ToLower(strings.TrimSuffix(name, "."))

	hosts := make([]string, 0, len(addrs))
	for _, rec := range addrs {
		target := strings.TrimSuffix(rec.Target, ".")
		normalizedTarget := strings.ToLower(target)
		if fewerThanThreeLabels && normalizedTarget == normalizedName {
			return nil, fmt.Errorf("SRV record target %q must not equal the seed hostname %q", target, name)
		}
		if !sameParentDomain(target, parentDomain) {
			return nil, fmt.Errorf("SRV record target %q is not a subdomain of %q", target, parentDomain)
		}
		hosts = append(hosts, fmt.Sprintf("%s:%d", target, rec.Port))
	}
	return hosts, nil
}

// parentOf returns the parent domain of name: the hostname minus its leftmost label when name has
// three or more dot-separated labels, else the hostname itself. Every SRV target must share this
// parent domain with the seed hostname (scenario SrvHostMismatch), so a DNS operator who does not
// control the seed host's own domain can't redirect mongodb+srv:// at servers you never authorized.
func parentOf(name string) string {
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	if len(labels) < 3 {
		return strings.ToLower(strings.TrimSuffix(name, "."))
	}
	return strings.ToLower(strings.Join(labels[1:], "."))
}

func sameParentDomain(host, parentDomain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == parentDomain || strings.HasSuffix(host, "."+parentDomain)
}

// allowedTXTOptions is the fixed allowlist of connection-string options a TXT record may set. Any
// other key present in the record is rejected outright: TXT records are attacker-controlled DNS
// data, so the set of options they can influence must be closed, never open-ended.
var allowedTXTOptions = map[string]bool{
	"authsource":  true,
	"replicaset":  true,
	"loadbalanced": true,
}

// ParseTXT resolves the TXT record for name, if any, concatenates its strings, and parses it as a
// "&"-joined key=value option list filtered through allowedTXTOptions. No TXT record (or a
// not-found DNS error) means "no options" and returns nil, nil; more than one TXT record is an
// error.
func ParseTXT(ctx context.Context, resolver Resolver, name string) (map[string]string, error) {
	recs, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs) > 1 {
		return nil, fmt.Errorf("multiple TXT records found for %q: ambiguous option set", name)
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(recs[0], "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid TXT record option %q", pair)
		}
		key := strings.ToLower(kv[0])
		if !allowedTXTOptions[key] {
			return nil, fmt.Errorf("TXT record option %q is not permitted", key)
		}
		out[key] = kv[1]
	}
	return out, nil
}
