// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring parses mongodb:// and mongodb+srv:// connection strings into a ConnString,
// and reserializes one back to canonical form. SRV resolution itself lives in
// x/mongo/driver/dns; this package only recognizes the srv scheme and defers to the caller to
// merge in whatever hosts/options resolution turns up.
package connstring

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	schemeMongoDB    = "mongodb"
	schemeMongoDBSRV = "mongodb+srv"
)

// recognizedOptions is the fixed set of query options this module understands, per the external
// interface's connection-string contract. An option outside this set is kept in Options under its
// lowercased key anyway (unknown options are round-tripped, not dropped) but is not validated.
var recognizedOptions = map[string]bool{
	"replicaset": true, "loadbalanced": true, "tls": true, "appname": true,
	"authsource": true, "authmechanism": true, "readpreference": true,
	"readpreferencetags": true, "maxstalenessseconds": true, "serverselectiontimeoutms": true,
	"connecttimeoutms": true, "sockettimeoutms": true, "maxpoolsize": true, "minpoolsize": true,
	"maxidletimems": true, "waitqueuetimeoutms": true, "heartbeatfrequencyms": true,
	"retryreads": true, "retrywrites": true, "timeoutms": true, "srvservicename": true,
	"srvmaxhosts": true, "tlscertificatekeyfile": true, "tlscertificatekeyfilepassword": true,
}

// ConnString is the parsed form of a mongodb:// or mongodb+srv:// connection string.
type ConnString struct {
	Original string

	SRV      bool
	Hosts    []string // "host" or "host:port"; +srv connection strings carry no ports here
	Username string
	Password string
	HasAuth  bool
	Database string

	// Options holds every recognized query option with its lowercased key and raw string value.
	// readPreferenceTags is repeatable, so its values are "&"-joined in encounter order.
	Options map[string]string

	LoadBalanced bool
	TLS          bool
	TLSSet       bool
	SrvServiceName string
	SrvMaxHosts    int
}

// Parse parses a mongodb:// or mongodb+srv:// connection string.
func Parse(s string) (*ConnString, error) {
	cs := &ConnString{Original: s, Options: make(map[string]string)}

	scheme, rest, err := splitScheme(s)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case schemeMongoDB:
		cs.SRV = false
	case schemeMongoDBSRV:
		cs.SRV = true
	default:
		return nil, fmt.Errorf("connstring: unsupported scheme %q", scheme)
	}

	authority, pathAndQuery := splitOnce(rest, '/')

	userinfo, hostlist := splitUserinfo(authority)
	if userinfo != "" {
		u, p, err := parseUserinfo(userinfo)
		if err != nil {
			return nil, err
		}
		cs.Username, cs.Password, cs.HasAuth = u, p, true
	}

	hosts, err := parseHostList(hostlist, cs.SRV)
	if err != nil {
		return nil, err
	}
	cs.Hosts = hosts

	dbAndQuery := pathAndQuery
	database, query := splitOnce(dbAndQuery, '?')
	if database != "" {
		db, err := url.PathUnescape(database)
		if err != nil {
			return nil, fmt.Errorf("connstring: invalid database %q: %w", database, err)
		}
		cs.Database = db
	}

	if err := parseOptions(cs, query); err != nil {
		return nil, err
	}

	if cs.SRV && !cs.TLSSet {
		cs.TLS = true
		cs.TLSSet = true
		cs.Options["tls"] = "true"
	}
	if cs.SrvServiceName == "" {
		cs.SrvServiceName = "mongodb"
	}

	return cs, nil
}

func splitScheme(s string) (scheme, rest string, err error) {
	const sep = "://"
	i := strings.Index(s, sep)
	if i < 0 {
		return "", "", fmt.Errorf("connstring: %q is missing the \"://\" scheme separator", s)
	}
	return s[:i], s[i+len(sep):], nil
}

func splitOnce(s string, sep byte) (before, after string) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func splitUserinfo(authority string) (userinfo, hostlist string) {
	i := strings.LastIndexByte(authority, '@')
	if i < 0 {
		return "", authority
	}
	return authority[:i], authority[i+1:]
}

func parseUserinfo(userinfo string) (username, password string, err error) {
	u, p := splitOnce(userinfo, ':')
	username, err = url.QueryUnescape(u)
	if err != nil {
		return "", "", fmt.Errorf("connstring: invalid username: %w", err)
	}
	if strings.Contains(userinfo, ":") {
		password, err = url.QueryUnescape(p)
		if err != nil {
			return "", "", fmt.Errorf("connstring: invalid password: %w", err)
		}
	}
	return username, password, nil
}

func parseHostList(hostlist string, srv bool) ([]string, error) {
	if hostlist == "" {
		return nil, fmt.Errorf("connstring: at least one host is required")
	}
	parts := strings.Split(hostlist, ",")
	hosts := make([]string, 0, len(parts))
	for _, h := range parts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if srv && strings.Contains(h, ":") {
			return nil, fmt.Errorf("connstring: mongodb+srv:// hosts must not specify a port, got %q", h)
		}
		hosts = append(hosts, h)
	}
	if srv && len(hosts) != 1 {
		return nil, fmt.Errorf("connstring: mongodb+srv:// requires exactly one host, got %d", len(hosts))
	}
	return hosts, nil
}

func parseOptions(cs *ConnString, query string) error {
	if query == "" {
		return nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("connstring: invalid query options: %w", err)
	}
	for key, vals := range values {
		lower := strings.ToLower(key)
		joined := strings.Join(vals, "&")
		cs.Options[lower] = joined

		switch lower {
		case "loadbalanced":
			cs.LoadBalanced = strings.EqualFold(joined, "true")
		case "tls", "ssl":
			cs.TLS = strings.EqualFold(joined, "true")
			cs.TLSSet = true
		case "srvservicename":
			cs.SrvServiceName = joined
		case "srvmaxhosts":
			n, err := strconv.Atoi(joined)
			if err != nil {
				return fmt.Errorf("connstring: invalid srvMaxHosts %q: %w", joined, err)
			}
			cs.SrvMaxHosts = n
		}
	}
	if cs.LoadBalanced && cs.SRV && cs.SrvMaxHosts > 0 {
		return fmt.Errorf("connstring: loadBalanced and srvMaxHosts are mutually exclusive")
	}
	return nil
}

// String reserializes cs to its canonical mongodb:// or mongodb+srv:// form: every option in
// Options, recognized or not, is emitted sorted by key for a stable, reproducible round trip.
func (cs *ConnString) String() string {
	var b strings.Builder
	if cs.SRV {
		b.WriteString(schemeMongoDBSRV)
	} else {
		b.WriteString(schemeMongoDB)
	}
	b.WriteString("://")

	if cs.HasAuth {
		b.WriteString(url.QueryEscape(cs.Username))
		if cs.Password != "" {
			b.WriteByte(':')
			b.WriteString(url.QueryEscape(cs.Password))
		}
		b.WriteByte('@')
	}
	b.WriteString(strings.Join(cs.Hosts, ","))

	if cs.Database != "" {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(cs.Database))
	}

	if len(cs.Options) > 0 {
		keys := make([]string, 0, len(cs.Options))
		for k := range cs.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(cs.Options[k]))
		}
	}
	return b.String()
}

// IsRecognizedOption reports whether key (case-insensitive) is one of the options this module
// validates, as opposed to one it merely carries through unexamined.
func IsRecognizedOption(key string) bool {
	return recognizedOptions[strings.ToLower(key)]
}
