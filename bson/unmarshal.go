// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeError is returned when BSON bytes cannot be decoded into a document.
type DecodeError struct {
	Offset  int
	Message string
}

// Error implements the error interface.
func (e DecodeError) Error() string {
	return fmt.Sprintf("invalid BSON at offset %d: %s", e.Offset, e.Message)
}

func decodeErrf(offset int, format string, args ...interface{}) error {
	return DecodeError{Offset: offset, Message: fmt.Sprintf(format, args...)}
}

// Unmarshal decodes BSON bytes into a D. The entire input must be consumed
// by the top-level document.
func Unmarshal(data []byte) (D, error) {
	d, rest, err := readDocument(data, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErrf(len(data)-len(rest), "%d trailing bytes after document", len(rest))
	}
	return d, nil
}

func readDocument(data []byte, base int) (D, []byte, error) {
	if len(data) < 5 {
		return nil, nil, decodeErrf(base, "document too short: %d bytes", len(data))
	}
	length := int(int32(binary.LittleEndian.Uint32(data)))
	if length < 5 || length > len(data) {
		return nil, nil, decodeErrf(base, "document length %d out of range", length)
	}
	body := data[4 : length-1]
	if data[length-1] != 0 {
		return nil, nil, decodeErrf(base+length-1, "document missing trailing NUL")
	}

	var d D
	offset := 4
	for len(body) > 0 {
		t := body[0]
		body = body[1:]
		offset++

		key, rest, err := readCString(body, base+offset)
		if err != nil {
			return nil, nil, err
		}
		offset += len(key) + 1
		body = rest

		value, rest, err := readValue(t, body, base+offset)
		if err != nil {
			return nil, nil, err
		}
		offset += len(body) - len(rest)
		body = rest

		d = append(d, E{Key: key, Value: value})
	}
	return d, data[length:], nil
}

func readCString(data []byte, base int) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, decodeErrf(base, "unterminated cstring")
}

func readLengthString(data []byte, base int) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, decodeErrf(base, "string header too short")
	}
	length := int(int32(binary.LittleEndian.Uint32(data)))
	if length < 1 || 4+length > len(data) {
		return "", nil, decodeErrf(base, "string length %d out of range", length)
	}
	if data[4+length-1] != 0 {
		return "", nil, decodeErrf(base+4+length-1, "string missing trailing NUL")
	}
	return string(data[4 : 4+length-1]), data[4+length:], nil
}

func need(data []byte, n, base int) error {
	if len(data) < n {
		return decodeErrf(base, "need %d bytes, have %d", n, len(data))
	}
	return nil
}

func readValue(t byte, data []byte, base int) (interface{}, []byte, error) {
	switch t {
	case typeDouble:
		if err := need(data, 8, base); err != nil {
			return nil, nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), data[8:], nil
	case typeString:
		s, rest, err := readLengthString(data, base)
		return s, rest, err
	case typeEmbeddedDoc:
		d, rest, err := readDocument(data, base)
		if err != nil {
			return nil, nil, err
		}
		return maybeDBRef(d), rest, nil
	case typeArray:
		d, rest, err := readDocument(data, base)
		if err != nil {
			return nil, nil, err
		}
		arr := make(A, len(d))
		for i, e := range d {
			arr[i] = e.Value
		}
		return arr, rest, nil
	case typeBinary:
		if err := need(data, 5, base); err != nil {
			return nil, nil, err
		}
		length := int(int32(binary.LittleEndian.Uint32(data)))
		subtype := data[4]
		if length < 0 || 5+length > len(data) {
			return nil, nil, decodeErrf(base, "binary length %d out of range", length)
		}
		payload := make([]byte, length)
		copy(payload, data[5:5+length])
		return Binary{Subtype: subtype, Data: payload}, data[5+length:], nil
	case typeUndefined:
		return Undefined{}, data, nil
	case typeObjectID:
		if err := need(data, 12, base); err != nil {
			return nil, nil, err
		}
		var oid ObjectID
		copy(oid[:], data[:12])
		return oid, data[12:], nil
	case typeBoolean:
		if err := need(data, 1, base); err != nil {
			return nil, nil, err
		}
		switch data[0] {
		case 0:
			return false, data[1:], nil
		case 1:
			return true, data[1:], nil
		}
		return nil, nil, decodeErrf(base, "invalid boolean byte 0x%02x", data[0])
	case typeDateTime:
		if err := need(data, 8, base); err != nil {
			return nil, nil, err
		}
		return DateTime(int64(binary.LittleEndian.Uint64(data))), data[8:], nil
	case typeNull:
		return nil, data, nil
	case typeRegex:
		pattern, rest, err := readCString(data, base)
		if err != nil {
			return nil, nil, err
		}
		options, rest, err := readCString(rest, base)
		if err != nil {
			return nil, nil, err
		}
		return Regex{Pattern: pattern, Options: options}, rest, nil
	case typeDBPointer:
		ns, rest, err := readLengthString(data, base)
		if err != nil {
			return nil, nil, err
		}
		if err := need(rest, 12, base); err != nil {
			return nil, nil, err
		}
		var oid ObjectID
		copy(oid[:], rest[:12])
		return DBPointer{DB: ns, Pointer: oid}, rest[12:], nil
	case typeJavaScript:
		s, rest, err := readLengthString(data, base)
		return JavaScript(s), rest, err
	case typeSymbol:
		s, rest, err := readLengthString(data, base)
		return Symbol(s), rest, err
	case typeCodeWithScope:
		if err := need(data, 4, base); err != nil {
			return nil, nil, err
		}
		total := int(int32(binary.LittleEndian.Uint32(data)))
		if total < 14 || total > len(data) {
			return nil, nil, decodeErrf(base, "code with scope length %d out of range", total)
		}
		code, rest, err := readLengthString(data[4:total], base+4)
		if err != nil {
			return nil, nil, err
		}
		scope, trailing, err := readDocument(rest, base+total-len(rest))
		if err != nil {
			return nil, nil, err
		}
		if len(trailing) != 0 {
			return nil, nil, decodeErrf(base, "code with scope has %d trailing bytes", len(trailing))
		}
		return CodeWithScope{Code: JavaScript(code), Scope: scope}, data[total:], nil
	case typeInt32:
		if err := need(data, 4, base); err != nil {
			return nil, nil, err
		}
		return int32(binary.LittleEndian.Uint32(data)), data[4:], nil
	case typeTimestamp:
		if err := need(data, 8, base); err != nil {
			return nil, nil, err
		}
		i := binary.LittleEndian.Uint32(data)
		ts := binary.LittleEndian.Uint32(data[4:])
		return Timestamp{T: ts, I: i}, data[8:], nil
	case typeInt64:
		if err := need(data, 8, base); err != nil {
			return nil, nil, err
		}
		return int64(binary.LittleEndian.Uint64(data)), data[8:], nil
	case typeDecimal128:
		if err := need(data, 16, base); err != nil {
			return nil, nil, err
		}
		l := binary.LittleEndian.Uint64(data)
		h := binary.LittleEndian.Uint64(data[8:])
		return NewDecimal128(h, l), data[16:], nil
	case typeMinKey:
		return MinKey{}, data, nil
	case typeMaxKey:
		return MaxKey{}, data, nil
	}
	return nil, nil, decodeErrf(base, "unknown element type 0x%02x", t)
}

// maybeDBRef converts a decoded subdocument of the exact shape
// {$ref: <string>, $id: <any>} or {$ref: <string>, $id: <any>, $db: <string>}
// into a DBRef.
func maybeDBRef(d D) interface{} {
	if len(d) != 2 && len(d) != 3 {
		return d
	}
	if d[0].Key != "$ref" || d[1].Key != "$id" {
		return d
	}
	coll, ok := d[0].Value.(string)
	if !ok {
		return d
	}
	ref := DBRef{Collection: coll, ID: d[1].Value}
	if len(d) == 3 {
		db, ok := d[2].Value.(string)
		if d[2].Key != "$db" || !ok {
			return d
		}
		ref.DB = db
	}
	return ref
}
