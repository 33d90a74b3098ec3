// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// ExtJSONError is returned when Extended JSON input is malformed. Wrapper
// documents are parsed strictly: a wrong value type, a missing sibling key,
// or an extra key is an error, never a silent pass-through.
type ExtJSONError struct {
	Key     string
	Message string
}

// Error implements the error interface.
func (e ExtJSONError) Error() string {
	if e.Key == "" {
		return "invalid extended JSON: " + e.Message
	}
	return fmt.Sprintf("invalid extended JSON %q value: %s", e.Key, e.Message)
}

func extErrf(key, format string, args ...interface{}) error {
	return ExtJSONError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// UnmarshalExtJSON parses an Extended JSON document. All wrapper formats
// produced by MarshalExtJSON in any mode are accepted.
func UnmarshalExtJSON(data []byte) (D, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	value, err := parseJSONValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, extErrf("", "trailing data after document")
	}

	decoded, err := decodeValue(value)
	if err != nil {
		return nil, err
	}
	d, ok := decoded.(D)
	if !ok {
		return nil, extErrf("", "top-level value must be a document, got %T", decoded)
	}
	return d, nil
}

// parseJSONValue builds an order-preserving tree of D / A / scalar values
// from the decoder's token stream. No wrapper interpretation happens here.
func parseJSONValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return parseFromToken(dec, tok)
}

func parseFromToken(dec *json.Decoder, tok json.Token) (interface{}, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var d D
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, extErrf("", "document key is not a string")
				}
				value, err := parseJSONValue(dec)
				if err != nil {
					return nil, err
				}
				d = append(d, E{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return d, nil
		case '[':
			arr := A{}
			for dec.More() {
				value, err := parseJSONValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, value)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		}
		return nil, extErrf("", "unexpected delimiter %v", t)
	case json.Number:
		return parseJSONNumber(t)
	default:
		// string, bool, or nil
		return tok, nil
	}
}

func parseJSONNumber(n json.Number) (interface{}, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return n.Float64()
	}
	i, err := n.Int64()
	if err != nil {
		return n.Float64()
	}
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return int32(i), nil
	}
	return i, nil
}

// decodeValue walks the parsed tree, replacing wrapper documents with their
// BSON types.
func decodeValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case D:
		return decodeDocument(v)
	case A:
		out := make(A, len(v))
		for i, item := range v {
			decoded, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return value, nil
	}
}

var wrapperKeys = map[string]bool{
	"$oid": true, "$date": true, "$regex": true, "$options": true,
	"$binary": true, "$type": true, "$code": true, "$scope": true,
	"$numberLong": true, "$numberDecimal": true, "$numberInt": true,
	"$numberDouble": true, "$timestamp": true, "$minKey": true,
	"$maxKey": true, "$dbPointer": true, "$ref": true, "$id": true,
	"$db": true, "$uuid": true, "$undefined": true, "$symbol": true,
}

func decodeDocument(d D) (interface{}, error) {
	wrapped := false
	for _, e := range d {
		if wrapperKeys[e.Key] {
			wrapped = true
			break
		}
	}
	if !wrapped {
		out := make(D, len(d))
		for i, e := range d {
			decoded, err := decodeValue(e.Value)
			if err != nil {
				return nil, err
			}
			out[i] = E{Key: e.Key, Value: decoded}
		}
		return out, nil
	}
	return decodeWrapper(d)
}

// decodeWrapper interprets a document containing at least one reserved
// $-prefixed key. The document must match one wrapper shape exactly.
func decodeWrapper(d D) (interface{}, error) {
	m := make(map[string]interface{}, len(d))
	for _, e := range d {
		if _, dup := m[e.Key]; dup {
			return nil, extErrf(e.Key, "duplicate key")
		}
		m[e.Key] = e.Value
	}

	first := d[0].Key
	switch first {
	case "$oid":
		s, err := wrappedString(d, m, "$oid")
		if err != nil {
			return nil, err
		}
		oid, err := ObjectIDFromHex(s)
		if err != nil {
			return nil, extErrf("$oid", "%v", err)
		}
		return oid, nil

	case "$numberInt":
		s, err := wrappedString(d, m, "$numberInt")
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, extErrf("$numberInt", "%q is not a 32-bit integer", s)
		}
		return int32(i), nil

	case "$numberLong":
		s, err := wrappedString(d, m, "$numberLong")
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, extErrf("$numberLong", "%q is not a 64-bit integer", s)
		}
		return i, nil

	case "$numberDouble":
		s, err := wrappedString(d, m, "$numberDouble")
		if err != nil {
			return nil, err
		}
		switch s {
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		case "NaN":
			return math.NaN(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, extErrf("$numberDouble", "%q is not a double", s)
		}
		return f, nil

	case "$numberDecimal":
		s, err := wrappedString(d, m, "$numberDecimal")
		if err != nil {
			return nil, err
		}
		dec, err := ParseDecimal128(s)
		if err != nil {
			return nil, extErrf("$numberDecimal", "%v", err)
		}
		return dec, nil

	case "$date":
		if len(d) != 1 {
			return nil, extErrf("$date", "wrapper has %d keys, want 1", len(d))
		}
		return decodeDate(d[0].Value)

	case "$timestamp":
		if len(d) != 1 {
			return nil, extErrf("$timestamp", "wrapper has %d keys, want 1", len(d))
		}
		return decodeTimestamp(d[0].Value)

	case "$regex":
		if len(d) != 2 {
			return nil, extErrf("$regex", "wrapper has %d keys, want $regex and $options", len(d))
		}
		pattern, ok1 := m["$regex"].(string)
		options, ok2 := m["$options"].(string)
		if !ok1 || !ok2 {
			return nil, extErrf("$regex", "$regex and $options must both be strings")
		}
		return Regex{Pattern: pattern, Options: options}, nil

	case "$binary":
		if len(d) != 2 {
			return nil, extErrf("$binary", "wrapper has %d keys, want $binary and $type", len(d))
		}
		payload, ok1 := m["$binary"].(string)
		subtypeHex, ok2 := m["$type"].(string)
		if !ok1 || !ok2 {
			return nil, extErrf("$binary", "$binary and $type must both be strings")
		}
		return decodeBinary(payload, subtypeHex)

	case "$uuid":
		s, err := wrappedString(d, m, "$uuid")
		if err != nil {
			return nil, err
		}
		return decodeUUID(s)

	case "$code":
		code, ok := m["$code"].(string)
		if !ok {
			return nil, extErrf("$code", "value must be a string")
		}
		switch len(d) {
		case 1:
			return JavaScript(code), nil
		case 2:
			scopeRaw, ok := m["$scope"].(D)
			if !ok {
				return nil, extErrf("$scope", "value must be a document")
			}
			scope, err := decodeDocument(scopeRaw)
			if err != nil {
				return nil, err
			}
			scopeD, ok := scope.(D)
			if !ok {
				return nil, extErrf("$scope", "value must be a plain document")
			}
			return CodeWithScope{Code: JavaScript(code), Scope: scopeD}, nil
		}
		return nil, extErrf("$code", "wrapper has %d keys, want $code or $code and $scope", len(d))

	case "$symbol":
		s, err := wrappedString(d, m, "$symbol")
		if err != nil {
			return nil, err
		}
		return Symbol(s), nil

	case "$minKey":
		if err := wrappedOne(d, m, "$minKey"); err != nil {
			return nil, err
		}
		return MinKey{}, nil

	case "$maxKey":
		if err := wrappedOne(d, m, "$maxKey"); err != nil {
			return nil, err
		}
		return MaxKey{}, nil

	case "$undefined":
		if len(d) != 1 {
			return nil, extErrf("$undefined", "wrapper has %d keys, want 1", len(d))
		}
		if b, ok := d[0].Value.(bool); !ok || !b {
			return nil, extErrf("$undefined", "value must be true")
		}
		return Undefined{}, nil

	case "$dbPointer":
		if len(d) != 1 {
			return nil, extErrf("$dbPointer", "wrapper has %d keys, want 1", len(d))
		}
		return decodeDBPointer(d[0].Value)

	case "$ref":
		return decodeDBRef(d, m)
	}

	return nil, extErrf(first, "unexpected reserved key in document")
}

// wrappedString enforces the single-key, string-valued wrapper shape.
func wrappedString(d D, m map[string]interface{}, key string) (string, error) {
	if len(d) != 1 {
		return "", extErrf(key, "wrapper has %d keys, want 1", len(d))
	}
	s, ok := m[key].(string)
	if !ok {
		return "", extErrf(key, "value must be a string, got %T", m[key])
	}
	return s, nil
}

// wrappedOne enforces the {"$minKey": 1} shape.
func wrappedOne(d D, m map[string]interface{}, key string) error {
	if len(d) != 1 {
		return extErrf(key, "wrapper has %d keys, want 1", len(d))
	}
	if i, ok := m[key].(int32); !ok || i != 1 {
		return extErrf(key, "value must be the number 1")
	}
	return nil
}

func decodeDate(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int32:
		return DateTime(v), nil
	case int64:
		return DateTime(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, extErrf("$date", "millisecond value must be integral")
		}
		return DateTime(int64(v)), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, extErrf("$date", "%q is not an ISO-8601 datetime", v)
		}
		return NewDateTimeFromTime(t), nil
	case D:
		inner, err := decodeWrapperExpect(v, "$numberLong")
		if err != nil {
			return nil, err
		}
		return DateTime(inner.(int64)), nil
	}
	return nil, extErrf("$date", "unsupported value type %T", value)
}

// decodeWrapperExpect decodes a nested wrapper and requires it to be of the
// given kind, e.g. the {"$numberLong": ...} inside a canonical $date.
func decodeWrapperExpect(d D, key string) (interface{}, error) {
	if len(d) != 1 || d[0].Key != key {
		return nil, extErrf(key, "expected nested %s wrapper", key)
	}
	return decodeWrapper(d)
}

func decodeTimestamp(value interface{}) (interface{}, error) {
	d, ok := value.(D)
	if !ok || len(d) != 2 {
		return nil, extErrf("$timestamp", "value must be a document with t and i")
	}
	var ts Timestamp
	for _, e := range d {
		u, err := timestampComponent(e.Value)
		if err != nil {
			return nil, err
		}
		switch e.Key {
		case "t":
			ts.T = u
		case "i":
			ts.I = u
		default:
			return nil, extErrf("$timestamp", "unexpected key %q", e.Key)
		}
	}
	return ts, nil
}

func timestampComponent(value interface{}) (uint32, error) {
	var i int64
	switch v := value.(type) {
	case int32:
		i = int64(v)
	case int64:
		i = v
	default:
		return 0, extErrf("$timestamp", "t and i must be integers, got %T", value)
	}
	if i < 0 || i > math.MaxUint32 {
		return 0, extErrf("$timestamp", "component %d out of uint32 range", i)
	}
	return uint32(i), nil
}

func decodeBinary(payload, subtypeHex string) (interface{}, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, extErrf("$binary", "payload is not base64: %v", err)
	}
	if len(subtypeHex) == 1 {
		subtypeHex = "0" + subtypeHex
	}
	sub, err := hex.DecodeString(subtypeHex)
	if err != nil || len(sub) != 1 {
		return nil, extErrf("$type", "%q is not a hex subtype byte", subtypeHex)
	}
	return Binary{Subtype: sub[0], Data: data}, nil
}

func decodeUUID(s string) (interface{}, error) {
	hexOnly := strings.ReplaceAll(s, "-", "")
	if len(s) != 36 || len(hexOnly) != 32 {
		return nil, extErrf("$uuid", "%q is not an RFC 4122 UUID", s)
	}
	data, err := hex.DecodeString(hexOnly)
	if err != nil {
		return nil, extErrf("$uuid", "%q is not an RFC 4122 UUID", s)
	}
	return Binary{Subtype: BinarySubtypeUUID, Data: data}, nil
}

func decodeDBPointer(value interface{}) (interface{}, error) {
	d, ok := value.(D)
	if !ok || len(d) != 2 || d[0].Key != "$ref" || d[1].Key != "$id" {
		return nil, extErrf("$dbPointer", "value must be {$ref, $id}")
	}
	ns, ok := d[0].Value.(string)
	if !ok {
		return nil, extErrf("$dbPointer", "$ref must be a string")
	}
	idRaw, ok := d[1].Value.(D)
	if !ok {
		return nil, extErrf("$dbPointer", "$id must be an $oid wrapper")
	}
	id, err := decodeWrapperExpect(idRaw, "$oid")
	if err != nil {
		return nil, err
	}
	return DBPointer{DB: ns, Pointer: id.(ObjectID)}, nil
}

func decodeDBRef(d D, m map[string]interface{}) (interface{}, error) {
	if len(d) < 2 || len(d) > 3 || d[1].Key != "$id" {
		return nil, extErrf("$ref", "DBRef must be {$ref, $id} or {$ref, $id, $db}")
	}
	coll, ok := m["$ref"].(string)
	if !ok {
		return nil, extErrf("$ref", "value must be a string")
	}
	id, err := decodeValue(d[1].Value)
	if err != nil {
		return nil, err
	}
	ref := DBRef{Collection: coll, ID: id}
	if len(d) == 3 {
		db, ok := m["$db"].(string)
		if d[2].Key != "$db" || !ok {
			return nil, extErrf("$db", "value must be a string")
		}
		ref.DB = db
	}
	return ref, nil
}
