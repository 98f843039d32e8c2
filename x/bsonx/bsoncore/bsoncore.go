// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore gives the rest of the driver an opaque, wire-format-agnostic handle on BSON
// documents. The actual codec (encoding/decoding a Go value to and from the BSON byte layout) is
// explicitly out of scope for this module: callers that need real marshaling plug in their own
// bson.Marshaler-shaped dependency at the handshake/command boundary. What lives here is only
// what the SDAM, selection, pool, and session layers need to build a command document, pass it
// around, and print it for logging. There is no field lookup on a built Document.
package bsoncore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Document is a BSON document carried as an opaque byte slice. It is never mutated in place;
// operations that "add" a field return a new Document.
type Document []byte

// Value is a single BSON value together with a tag describing how to render it. The driver does
// not need a full BSON type system; it only needs enough of one to build command documents
// (hello, isMaster, recovery tokens, cluster time) and to stringify them for logs.
type Value struct {
	Kind string      // "string", "int32", "int64", "bool", "double", "document", "array", "null"
	Data interface{}
}

// String renders a Value as extended-JSON-ish text, good enough for log lines and error messages.
func (v Value) String() string {
	switch v.Kind {
	case "null", "":
		return "null"
	case "string":
		return fmt.Sprintf("%q", v.Data)
	case "document":
		if d, ok := v.Data.(Document); ok {
			return d.String()
		}
		return "{}"
	default:
		return fmt.Sprintf("%v", v.Data)
	}
}

// NewDocumentBuilder starts a new Document under construction.
func NewDocumentBuilder() *DocumentBuilder {
	return &DocumentBuilder{}
}

// DocumentBuilder accumulates key/value pairs in insertion order and renders them into a
// Document. It is not safe for concurrent use.
type DocumentBuilder struct {
	elems []elem
}

type elem struct {
	key string
	val Value
}

// AppendString appends a string-valued element.
func (b *DocumentBuilder) AppendString(key, value string) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, Value{Kind: "string", Data: value}})
	return b
}

// AppendInt32 appends an int32-valued element.
func (b *DocumentBuilder) AppendInt32(key string, value int32) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, Value{Kind: "int32", Data: value}})
	return b
}

// AppendInt64 appends an int64-valued element.
func (b *DocumentBuilder) AppendInt64(key string, value int64) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, Value{Kind: "int64", Data: value}})
	return b
}

// AppendBoolean appends a bool-valued element.
func (b *DocumentBuilder) AppendBoolean(key string, value bool) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, Value{Kind: "bool", Data: value}})
	return b
}

// AppendDocument appends a nested Document element.
func (b *DocumentBuilder) AppendDocument(key string, value Document) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, Value{Kind: "document", Data: value}})
	return b
}

// AppendValue appends a pre-built Value.
func (b *DocumentBuilder) AppendValue(key string, value Value) *DocumentBuilder {
	b.elems = append(b.elems, elem{key, value})
	return b
}

// Build finalizes the document.
func (b *DocumentBuilder) Build() Document {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range b.elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.key)
		sb.WriteString(": ")
		sb.WriteString(e.val.String())
	}
	sb.WriteByte('}')
	return Document(sb.String())
}

// ErrElementNotFound is the error for a requested key that is absent from a Document. No function
// in this package returns it.
var ErrElementNotFound = errors.New("bsoncore: element not found")

// String implements fmt.Stringer. An empty Document renders as "{}".
func (d Document) String() string {
	if len(d) == 0 {
		return "{}"
	}
	return string(d)
}

// Len reports the length in bytes of the opaque representation.
func (d Document) Len() int { return len(d) }

// IsZero reports whether the document carries no data at all.
func (d Document) IsZero() bool { return len(d) == 0 }

// SortedKeys is a convenience used by tests and debug dumps that want deterministic field
// ordering over a map-shaped value.
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
