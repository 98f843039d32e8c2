// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/mongosdam/mongo-core-driver/address"
	"github.com/mongosdam/mongo-core-driver/description"
	"github.com/mongosdam/mongo-core-driver/x/bsonx/bsoncore"
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// Dialer is used to make the underlying network connection. The wire protocol byte layout itself
// is out of scope for this module (see spec Non-goals); everything past the TCP/TLS/Unix-socket
// byte stream is an opaque request/response exchange of bsoncore.Document values.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts an ordinary function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// DefaultDialer is the Dialer used when no WithDialer option is supplied.
var DefaultDialer Dialer = &net.Dialer{}

// Handshaker performs the MongoDB handshake ("hello"/legacy "isMaster") over a freshly dialed
// connection and returns the resulting server description. Authentication, when required, is
// layered in by whatever Handshaker the caller supplies — this package only defines the contract
// point, per the spec's treatment of authentication mechanisms as a pluggable collaborator.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, exchange Exchanger) (description.Server, error)
}

// HandshakerFunc adapts an ordinary function to the Handshaker interface.
type HandshakerFunc func(ctx context.Context, addr address.Address, exchange Exchanger) (description.Server, error)

// Handshake implements the Handshaker interface.
func (f HandshakerFunc) Handshake(ctx context.Context, addr address.Address, exchange Exchanger) (description.Server, error) {
	return f(ctx, addr, exchange)
}

// Exchanger is the opaque request/response channel a Handshaker and the rest of the driver speak
// over. WriteCommand/ReadReply frame a bsoncore.Document with a 4-byte little-endian length
// prefix; the actual MongoDB wire protocol (opcodes, sections, compression) is explicitly out of
// scope and left as a collaborator a real build would substitute here.
type Exchanger interface {
	WriteCommand(ctx context.Context, cmd bsoncore.Document) error
	ReadReply(ctx context.Context) (bsoncore.Document, error)
}

// connection wraps a single dialed network connection together with the bookkeeping the pool
// needs: which generation it was created under, when it was created, and when it was last used.
type connection struct {
	id         uint64
	addr       address.Address
	nc         net.Conn
	generation uint64

	createdAt time.Time
	lastUsed  time.Time

	idleTimeout time.Duration
	lifeTimeout time.Duration

	desc description.Server

	// compressor is the Compressor negotiated with the server during the handshake, or nil if
	// neither side offered a compressor the other understood.
	compressor Compressor

	closed int32 // atomic

	// serviceID is set in load-balanced mode, where one physical connection can be multiplexed
	// for several logical "services" and invalidation must target only one of them.
	serviceID string
}

type connectionConfig struct {
	dialer         Dialer
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	idleTimeout    time.Duration
	lifeTimeout    time.Duration
	handshaker     Handshaker
	compressors    []Compressor
}

func newConnection(ctx context.Context, addr address.Address, generation uint64, cfg connectionConfig) (*connection, error) {
	dialer := cfg.dialer
	if dialer == nil {
		dialer = DefaultDialer
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	nc, err := dialer.DialContext(dialCtx, addr.Network(), addr.String())
	if err != nil {
		return nil, ConnectionError{Address: addr, Wrapped: err, message: "dial"}
	}

	if cfg.tlsConfig != nil {
		tlsConn := tls.Client(nc, cfg.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			return nil, ConnectionError{Address: addr, Wrapped: err, message: "TLS handshake"}
		}
		nc = tlsConn
	}

	now := time.Now()
	c := &connection{
		id:          nextConnectionID(),
		addr:        addr,
		nc:          nc,
		generation:  generation,
		createdAt:   now,
		lastUsed:    now,
		idleTimeout: cfg.idleTimeout,
		lifeTimeout: cfg.lifeTimeout,
	}

	if cfg.handshaker != nil {
		desc, err := cfg.handshaker.Handshake(ctx, addr, c)
		if err != nil {
			nc.Close()
			return nil, ConnectionError{Address: addr, Wrapped: err, message: "handshake"}
		}
		c.desc = desc
		if compressor, ok := negotiateCompressor(cfg.compressors, desc.Compression); ok {
			c.compressor = compressor
		}
	}

	return c, nil
}

// WriteCommand implements Exchanger.
func (c *connection) WriteCommand(ctx context.Context, cmd bsoncore.Document) error {
	if c.isClosed() {
		return ConnectionError{Address: c.addr, message: "connection is closed"}
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(cmd)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		c.markClosed()
		return ConnectionError{Address: c.addr, Wrapped: err, message: "write length prefix"}
	}
	if _, err := c.nc.Write(cmd); err != nil {
		c.markClosed()
		return ConnectionError{Address: c.addr, Wrapped: err, message: "write command"}
	}
	c.lastUsed = time.Now()
	return nil
}

// ReadReply implements Exchanger.
func (c *connection) ReadReply(ctx context.Context) (bsoncore.Document, error) {
	if c.isClosed() {
		return nil, ConnectionError{Address: c.addr, message: "connection is closed"}
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		c.markClosed()
		return nil, ConnectionError{Address: c.addr, Wrapped: err, message: "read length prefix"}
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		c.markClosed()
		return nil, ConnectionError{Address: c.addr, Wrapped: err, message: "read reply"}
	}
	c.lastUsed = time.Now()
	return bsoncore.Document(buf), nil
}

func (c *connection) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

func (c *connection) markClosed() { atomic.StoreInt32(&c.closed, 1) }

// close tears down the underlying network connection. It is idempotent.
func (c *connection) close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// expired reports whether c has exceeded its idle or lifetime budget and should be discarded
// rather than reused, independent of pool generation.
func (c *connection) expired() bool {
	now := time.Now()
	if c.idleTimeout > 0 && now.Sub(c.lastUsed) > c.idleTimeout {
		return true
	}
	if c.lifeTimeout > 0 && now.Sub(c.createdAt) > c.lifeTimeout {
		return true
	}
	return c.isClosed()
}

// stale reports whether c was created under an older pool generation (or, in load-balanced mode,
// an older generation for its own serviceID) than currentGen.
func (c *connection) stale(currentGen uint64) bool {
	return c.generation < currentGen
}

func (c *connection) String() string {
	return fmt.Sprintf("Connection{ID: %d, Addr: %s, Generation: %d}", c.id, c.addr, c.generation)
}
