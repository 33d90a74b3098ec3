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
	"sort"
	"strconv"
	"strings"
	"time"
)

// BSON element types as described in the specification.
const (
	typeDouble        byte = 0x01
	typeString        byte = 0x02
	typeEmbeddedDoc   byte = 0x03
	typeArray         byte = 0x04
	typeBinary        byte = 0x05
	typeUndefined     byte = 0x06
	typeObjectID      byte = 0x07
	typeBoolean       byte = 0x08
	typeDateTime      byte = 0x09
	typeNull          byte = 0x0A
	typeRegex         byte = 0x0B
	typeDBPointer     byte = 0x0C
	typeJavaScript    byte = 0x0D
	typeSymbol        byte = 0x0E
	typeCodeWithScope byte = 0x0F
	typeInt32         byte = 0x10
	typeTimestamp     byte = 0x11
	typeInt64         byte = 0x12
	typeDecimal128    byte = 0x13
	typeMinKey        byte = 0xFF
	typeMaxKey        byte = 0x7F
)

// Marshal converts a document, a D or an M, into its BSON wire
// representation.
func Marshal(doc interface{}) ([]byte, error) {
	d, err := toD(doc)
	if err != nil {
		return nil, err
	}
	return appendDocument(nil, d)
}

func toD(doc interface{}) (D, error) {
	switch v := doc.(type) {
	case D:
		return v, nil
	case M:
		// Sort keys so encoding a map is deterministic.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := make(D, 0, len(v))
		for _, k := range keys {
			d = append(d, E{Key: k, Value: v[k]})
		}
		return d, nil
	case map[string]interface{}:
		return toD(M(v))
	case DBRef:
		return dbrefToD(v), nil
	case nil:
		return nil, fmt.Errorf("cannot marshal nil document")
	default:
		return nil, fmt.Errorf("cannot marshal type %T as a document", doc)
	}
}

func dbrefToD(ref DBRef) D {
	d := D{{"$ref", ref.Collection}, {"$id", ref.ID}}
	if ref.DB != "" {
		d = append(d, E{"$db", ref.DB})
	}
	return d
}

func appendDocument(dst []byte, d D) ([]byte, error) {
	idx := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	var err error
	for _, e := range d {
		if strings.ContainsRune(e.Key, 0) {
			return nil, fmt.Errorf("BSON element key cannot contain a NUL byte: %q", e.Key)
		}
		dst, err = appendElement(dst, e.Key, e.Value)
		if err != nil {
			return nil, err
		}
	}
	dst = append(dst, 0)
	binary.LittleEndian.PutUint32(dst[idx:], uint32(len(dst)-idx))
	return dst, nil
}

func appendHeader(dst []byte, t byte, key string) []byte {
	dst = append(dst, t)
	dst = append(dst, key...)
	return append(dst, 0)
}

func appendString(dst []byte, s string) []byte {
	dst = appendInt32(dst, int32(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0)
}

func appendInt32(dst []byte, i int32) []byte {
	return append(dst, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func appendInt64(dst []byte, i int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(i))
	return append(dst, b[:]...)
}

func appendElement(dst []byte, key string, value interface{}) ([]byte, error) {
	var err error
	switch v := value.(type) {
	case float64:
		dst = appendHeader(dst, typeDouble, key)
		dst = appendInt64(dst, int64(math.Float64bits(v)))
	case float32:
		return appendElement(dst, key, float64(v))
	case string:
		dst = appendHeader(dst, typeString, key)
		dst = appendString(dst, v)
	case D, M, map[string]interface{}, DBRef:
		var sub D
		sub, err = toD(v)
		if err != nil {
			return nil, err
		}
		dst = appendHeader(dst, typeEmbeddedDoc, key)
		dst, err = appendDocument(dst, sub)
		if err != nil {
			return nil, err
		}
	case A:
		dst = appendHeader(dst, typeArray, key)
		arr := make(D, len(v))
		for i, item := range v {
			arr[i] = E{Key: strconv.Itoa(i), Value: item}
		}
		dst, err = appendDocument(dst, arr)
		if err != nil {
			return nil, err
		}
	case []interface{}:
		return appendElement(dst, key, A(v))
	case Binary:
		dst = appendHeader(dst, typeBinary, key)
		dst = appendInt32(dst, int32(len(v.Data)))
		dst = append(dst, v.Subtype)
		dst = append(dst, v.Data...)
	case Undefined:
		dst = appendHeader(dst, typeUndefined, key)
	case ObjectID:
		dst = appendHeader(dst, typeObjectID, key)
		dst = append(dst, v[:]...)
	case bool:
		dst = appendHeader(dst, typeBoolean, key)
		if v {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case DateTime:
		dst = appendHeader(dst, typeDateTime, key)
		dst = appendInt64(dst, int64(v))
	case time.Time:
		return appendElement(dst, key, NewDateTimeFromTime(v))
	case nil, Null:
		dst = appendHeader(dst, typeNull, key)
	case Regex:
		dst = appendHeader(dst, typeRegex, key)
		dst = append(dst, v.Pattern...)
		dst = append(dst, 0)
		dst = append(dst, v.Options...)
		dst = append(dst, 0)
	case DBPointer:
		dst = appendHeader(dst, typeDBPointer, key)
		dst = appendString(dst, v.DB)
		dst = append(dst, v.Pointer[:]...)
	case JavaScript:
		dst = appendHeader(dst, typeJavaScript, key)
		dst = appendString(dst, string(v))
	case Symbol:
		dst = appendHeader(dst, typeSymbol, key)
		dst = appendString(dst, string(v))
	case CodeWithScope:
		dst = appendHeader(dst, typeCodeWithScope, key)
		idx := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		dst = appendString(dst, string(v.Code))
		dst, err = appendDocument(dst, v.Scope)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(dst[idx:], uint32(len(dst)-idx))
	case int32:
		dst = appendHeader(dst, typeInt32, key)
		dst = appendInt32(dst, v)
	case int:
		if int64(v) >= math.MinInt32 && int64(v) <= math.MaxInt32 {
			return appendElement(dst, key, int32(v))
		}
		return appendElement(dst, key, int64(v))
	case Timestamp:
		dst = appendHeader(dst, typeTimestamp, key)
		dst = appendInt32(dst, int32(v.I))
		dst = appendInt32(dst, int32(v.T))
	case int64:
		dst = appendHeader(dst, typeInt64, key)
		dst = appendInt64(dst, v)
	case Decimal128:
		dst = appendHeader(dst, typeDecimal128, key)
		h, l := v.GetBytes()
		dst = appendInt64(dst, int64(l))
		dst = appendInt64(dst, int64(h))
	case MinKey:
		dst = appendHeader(dst, typeMinKey, key)
	case MaxKey:
		dst = appendHeader(dst, typeMaxKey, key)
	default:
		return nil, fmt.Errorf("cannot marshal type %T for key %q", value, key)
	}
	return dst, nil
}
