// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ExtJSONMode controls how values outside JSON's native type system are
// rendered.
type ExtJSONMode int

// Supported Extended JSON output modes.
const (
	// LegacyExtJSON matches the wrapper formats produced by old drivers and
	// mongoexport: {"$date": <ms>}, {"$binary": "<base64>", "$type": "<hex>"}.
	LegacyExtJSON ExtJSONMode = iota
	// RelaxedExtJSON favors readability: native JSON numbers and ISO-8601
	// dates where the value permits it.
	RelaxedExtJSON
	// CanonicalExtJSON preserves type information exactly; every
	// non-native value is wrapped, including int32/int64/double.
	CanonicalExtJSON
)

// MarshalExtJSON renders a document, a D or an M, as Extended JSON in the
// given mode.
func MarshalExtJSON(doc interface{}, mode ExtJSONMode) ([]byte, error) {
	d, err := toD(doc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeExtJSONDocument(&buf, d, mode); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeExtJSONDocument(buf *bytes.Buffer, d D, mode ExtJSONMode) error {
	buf.WriteByte('{')
	for i, e := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, e.Key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeExtJSONValue(buf, e.Value, mode); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func writeWrapped(buf *bytes.Buffer, key string, write func() error) error {
	buf.WriteByte('{')
	if err := writeJSONString(buf, key); err != nil {
		return err
	}
	buf.WriteByte(':')
	if err := write(); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writeWrappedString(buf *bytes.Buffer, key, value string) error {
	return writeWrapped(buf, key, func() error {
		return writeJSONString(buf, value)
	})
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	s := strconv.FormatFloat(f, 'G', -1, 64)
	// Keep "1.0" style output for integral doubles so types survive a
	// relaxed round trip through a JSON parser.
	if !bytes.ContainsAny([]byte(s), ".EI") {
		s += ".0"
	}
	return s
}

func writeExtJSONValue(buf *bytes.Buffer, value interface{}, mode ExtJSONMode) error {
	switch v := value.(type) {
	case nil, Null:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeJSONString(buf, v)
	case D:
		return writeExtJSONDocument(buf, v, mode)
	case M, map[string]interface{}:
		d, err := toD(v)
		if err != nil {
			return err
		}
		return writeExtJSONDocument(buf, d, mode)
	case A:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeExtJSONValue(buf, item, mode); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []interface{}:
		return writeExtJSONValue(buf, A(v), mode)
	case int32:
		if mode == CanonicalExtJSON {
			return writeWrappedString(buf, "$numberInt", strconv.FormatInt(int64(v), 10))
		}
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int:
		return writeExtJSONValue(buf, int64(v), mode)
	case int64:
		if mode == CanonicalExtJSON {
			return writeWrappedString(buf, "$numberLong", strconv.FormatInt(v, 10))
		}
		buf.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if mode == CanonicalExtJSON || math.IsInf(v, 0) || math.IsNaN(v) {
			return writeWrappedString(buf, "$numberDouble", formatDouble(v))
		}
		buf.WriteString(formatDouble(v))
	case Decimal128:
		return writeWrappedString(buf, "$numberDecimal", v.String())
	case ObjectID:
		return writeWrappedString(buf, "$oid", v.Hex())
	case DateTime:
		switch mode {
		case LegacyExtJSON:
			return writeWrapped(buf, "$date", func() error {
				buf.WriteString(strconv.FormatInt(int64(v), 10))
				return nil
			})
		case RelaxedExtJSON:
			// Dates between 1970 and 9999 inclusive render as ISO-8601.
			t := v.Time()
			if v >= 0 && t.Year() <= 9999 {
				return writeWrappedString(buf, "$date", t.Format("2006-01-02T15:04:05.999Z07:00"))
			}
			fallthrough
		default:
			return writeWrapped(buf, "$date", func() error {
				return writeWrappedString(buf, "$numberLong", strconv.FormatInt(int64(v), 10))
			})
		}
	case time.Time:
		return writeExtJSONValue(buf, NewDateTimeFromTime(v), mode)
	case Binary:
		if v.Subtype == BinarySubtypeUUID && len(v.Data) == 16 && mode != CanonicalExtJSON {
			return writeWrappedString(buf, "$uuid", formatUUID(v.Data))
		}
		buf.WriteByte('{')
		writeJSONString(buf, "$binary")
		buf.WriteByte(':')
		if err := writeJSONString(buf, base64.StdEncoding.EncodeToString(v.Data)); err != nil {
			return err
		}
		buf.WriteByte(',')
		writeJSONString(buf, "$type")
		buf.WriteByte(':')
		if err := writeJSONString(buf, fmt.Sprintf("%02x", v.Subtype)); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Regex:
		buf.WriteByte('{')
		writeJSONString(buf, "$regex")
		buf.WriteByte(':')
		if err := writeJSONString(buf, v.Pattern); err != nil {
			return err
		}
		buf.WriteByte(',')
		writeJSONString(buf, "$options")
		buf.WriteByte(':')
		if err := writeJSONString(buf, v.Options); err != nil {
			return err
		}
		buf.WriteByte('}')
	case JavaScript:
		return writeWrappedString(buf, "$code", string(v))
	case CodeWithScope:
		buf.WriteByte('{')
		writeJSONString(buf, "$code")
		buf.WriteByte(':')
		if err := writeJSONString(buf, string(v.Code)); err != nil {
			return err
		}
		buf.WriteByte(',')
		writeJSONString(buf, "$scope")
		buf.WriteByte(':')
		if err := writeExtJSONDocument(buf, v.Scope, mode); err != nil {
			return err
		}
		buf.WriteByte('}')
	case Symbol:
		return writeWrappedString(buf, "$symbol", string(v))
	case Timestamp:
		return writeWrapped(buf, "$timestamp", func() error {
			fmt.Fprintf(buf, `{"t":%d,"i":%d}`, v.T, v.I)
			return nil
		})
	case DBPointer:
		return writeWrapped(buf, "$dbPointer", func() error {
			buf.WriteByte('{')
			writeJSONString(buf, "$ref")
			buf.WriteByte(':')
			if err := writeJSONString(buf, v.DB); err != nil {
				return err
			}
			buf.WriteByte(',')
			writeJSONString(buf, "$id")
			buf.WriteByte(':')
			if err := writeWrappedString(buf, "$oid", v.Pointer.Hex()); err != nil {
				return err
			}
			buf.WriteByte('}')
			return nil
		})
	case DBRef:
		return writeExtJSONDocument(buf, dbrefToD(v), mode)
	case Undefined:
		buf.WriteString(`{"$undefined":true}`)
	case MinKey:
		buf.WriteString(`{"$minKey":1}`)
	case MaxKey:
		buf.WriteString(`{"$maxKey":1}`)
	default:
		return fmt.Errorf("cannot marshal type %T as extended JSON", value)
	}
	return nil
}

func formatUUID(data []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", data[0:4], data[4:6], data[6:8], data[8:10], data[10:16])
}
