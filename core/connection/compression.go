// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompressorID identifies the algorithm a payload was compressed with.
type CompressorID uint8

// These constants are the ids of the supported compressors.
const (
	CompressorNoOp   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZlib   CompressorID = 2
)

// DefaultZlibLevel is the compression level used when none is configured.
const DefaultZlibLevel = 6

// Compressor is implemented by types that can compress and decompress
// payloads.
type Compressor interface {
	compressBytes(src []byte) ([]byte, error)
	uncompressBytes(src []byte, uncompressedSize int32) ([]byte, error)
	compressorID() CompressorID
	name() string
}

// CreateSnappy creates a snappy compressor.
func CreateSnappy() Compressor {
	return &snappyCompressor{}
}

type snappyCompressor struct{}

func (s *snappyCompressor) compressBytes(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (s *snappyCompressor) uncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	dest := make([]byte, 0, uncompressedSize)
	return snappy.Decode(dest, src)
}

func (s *snappyCompressor) compressorID() CompressorID { return CompressorSnappy }

func (s *snappyCompressor) name() string { return "snappy" }

// CreateZlib creates a zlib compressor with the given level.
func CreateZlib(level int) (Compressor, error) {
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return nil, errors.Errorf("invalid zlib compression level: %d", level)
	}
	if level == zlib.DefaultCompression {
		level = DefaultZlibLevel
	}
	return &zlibCompressor{level: level}, nil
}

type zlibCompressor struct {
	level int
}

func (z *zlibCompressor) compressBytes(src []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := zlib.NewWriterLevel(&b, z.level)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (z *zlibCompressor) uncompressBytes(src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	dest := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, dest); err != nil {
		return nil, err
	}
	return dest, nil
}

func (z *zlibCompressor) compressorID() CompressorID { return CompressorZlib }

func (z *zlibCompressor) name() string { return "zlib" }

// Payloads travel framed as a one byte compressor id, the little-endian
// int32 size of the uncompressed payload, and the payload bytes.
const payloadHeaderLen = 5

func compressPayload(payload []byte, c Compressor) ([]byte, error) {
	framed := make([]byte, payloadHeaderLen, payloadHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(framed[1:], uint32(len(payload)))

	if c == nil {
		framed[0] = byte(CompressorNoOp)
		return append(framed, payload...), nil
	}

	framed[0] = byte(c.compressorID())
	compressed, err := c.compressBytes(payload)
	if err != nil {
		return nil, err
	}
	return append(framed, compressed...), nil
}

func decompressPayload(framed []byte) ([]byte, error) {
	if len(framed) < payloadHeaderLen {
		return nil, errors.New("compressed payload header is truncated")
	}
	id := CompressorID(framed[0])
	size := int32(binary.LittleEndian.Uint32(framed[1:]))
	if size < 0 {
		return nil, errors.Errorf("invalid uncompressed payload size: %d", size)
	}
	payload := framed[payloadHeaderLen:]

	switch id {
	case CompressorNoOp:
		return payload, nil
	case CompressorSnappy:
		return (&snappyCompressor{}).uncompressBytes(payload, size)
	case CompressorZlib:
		return (&zlibCompressor{}).uncompressBytes(payload, size)
	default:
		return nil, errors.Errorf("unknown compressor id: %d", id)
	}
}
