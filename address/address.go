// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address contains the type for an address of a MongoDB server.
package address

import (
	"net"
	"runtime"
	"strings"
)

// Address is a network address. It can either be an IP address or a DNS name followed optionally
// by a colon and a port number, or a Unix domain socket path that ends in ".sock".
type Address string

// Network returns the network type for this address, "unix" or "tcp".
func (a Address) Network() string {
	switch {
	case strings.HasSuffix(string(a), ".sock"):
		return "unix"
	default:
		return "tcp"
	}
}

// String returns the address as a string.
func (a Address) String() string {
	switch a.Network() {
	case "unix":
		return string(a)
	default:
		if len(a) == 0 {
			return "localhost:27017"
		}
		s := string(a)
		if _, _, err := net.SplitHostPort(s); err != nil && !strings.Contains(s, ":") {
			s += ":27017"
		}
		return s
	}
}

// Canonicalize creates a canonicalized address form the given string. The string is lowercased
// and, for TCP addresses, a port is appended if one is not already present. Unix addresses are
// returned lowercased and otherwise unchanged; platform support for them is not checked here (see
// IsUnixSocketSupported).
func (a Address) Canonicalize() Address {
	s := strings.ToLower(string(a))
	addr := Address(s)

	if addr.Network() == "unix" {
		return addr
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
		port = "27017"
	}
	if host == "" {
		host = "localhost"
	}

	return Address(net.JoinHostPort(host, port))
}

// IsUnixSocketSupported reports whether this platform can dial Unix domain sockets. Only Windows
// lacks the required support in the standard net package's DialContext for "unix" networks used
// here.
func IsUnixSocketSupported() bool {
	return runtime.GOOS != "windows"
}
