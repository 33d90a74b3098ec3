// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"time"
)

// Binary represents a BSON binary value.
type Binary struct {
	Subtype byte
	Data    []byte
}

// Equal compares bp to bp2 and returns true if they are equal.
func (bp Binary) Equal(bp2 Binary) bool {
	if bp.Subtype != bp2.Subtype {
		return false
	}
	if len(bp.Data) != len(bp2.Data) {
		return false
	}
	for i := range bp.Data {
		if bp.Data[i] != bp2.Data[i] {
			return false
		}
	}
	return true
}

// BinarySubtypeUUID is the BSON binary subtype a UUID is encoded as.
const BinarySubtypeUUID byte = 4

// DateTime represents a BSON datetime value as milliseconds since the Unix
// epoch.
type DateTime int64

// Time returns the date as a time.Time.
func (d DateTime) Time() time.Time {
	return time.Unix(int64(d)/1000, int64(d)%1000*1000000).UTC()
}

// NewDateTimeFromTime creates a new DateTime from a time.Time, truncating to
// millisecond precision.
func NewDateTimeFromTime(t time.Time) DateTime {
	return DateTime(t.Unix()*1000 + int64(t.Nanosecond()/1000000))
}

// Timestamp represents a BSON timestamp value.
type Timestamp struct {
	T uint32
	I uint32
}

// After reports whether the timestamp tp occurs after tp2.
func (tp Timestamp) After(tp2 Timestamp) bool {
	return tp.T > tp2.T || (tp.T == tp2.T && tp.I > tp2.I)
}

// CompareTimestamp returns an integer comparing two timestamps, the result
// will be 0 if tp == tp2, -1 if tp < tp2, and +1 if tp > tp2.
func CompareTimestamp(tp, tp2 Timestamp) int {
	switch {
	case tp.T > tp2.T:
		return 1
	case tp.T < tp2.T:
		return -1
	case tp.I > tp2.I:
		return 1
	case tp.I < tp2.I:
		return -1
	}
	return 0
}

// Regex represents a BSON regex value.
type Regex struct {
	Pattern string
	Options string
}

func (rp Regex) String() string {
	return fmt.Sprintf(`{"pattern": "%s", "options": "%s"}`, rp.Pattern, rp.Options)
}

// JavaScript represents a BSON JavaScript code value.
type JavaScript string

// CodeWithScope represents a BSON JavaScript code with scope value.
type CodeWithScope struct {
	Code  JavaScript
	Scope D
}

// Symbol represents a BSON symbol value.
type Symbol string

// DBPointer represents a BSON dbpointer value.
type DBPointer struct {
	DB      string
	Pointer ObjectID
}

func (d DBPointer) String() string {
	return fmt.Sprintf(`{"db": "%s", "pointer": "%s"}`, d.DB, d.Pointer.Hex())
}

// DBRef represents a database reference to a document by its id.
type DBRef struct {
	Collection string
	ID         interface{}
	DB         string
}

// Undefined represents the BSON undefined value.
type Undefined struct{}

// Null represents the BSON null value.
type Null struct{}

// MinKey represents the BSON minkey value.
type MinKey struct{}

// MaxKey represents the BSON maxkey value.
type MaxKey struct{}
