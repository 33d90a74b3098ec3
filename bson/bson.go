// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bson is a library for reading and writing BSON documents and their
// Extended JSON representation. It provides an ordered document type, D, an
// unordered document type, M, and the primitive types that do not map
// directly onto Go's built-in types.
package bson

import (
	"fmt"
	"strings"
)

// E represents a BSON element for a D. It is usually used inside a D.
type E struct {
	Key   string
	Value interface{}
}

// D is an ordered representation of a BSON document. This type should be used
// when the order of the elements matters, such as MongoDB command documents.
type D []E

// Map creates a map from the elements of the D. Duplicate keys keep the last
// value seen.
func (d D) Map() M {
	m := make(M, len(d))
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

// Lookup returns the value of the first element with the given key and a bool
// indicating whether an element with that key exists.
func (d D) Lookup(key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// M is an unordered representation of a BSON document. This type should be
// used when the order of the elements does not matter.
type M map[string]interface{}

// A is an ordered representation of a BSON array.
type A []interface{}

// String implements the fmt.Stringer interface.
func (d D) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %v", e.Key, e.Value)
	}
	b.WriteByte('}')
	return b.String()
}
