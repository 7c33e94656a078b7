// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress stores shell-state blobs compactly. Full environment
// snapshots are text-heavy and compress well with zstd; diffs are small
// and written often, so they get the cheaper lz4 block format. Tiny
// blobs are stored as-is.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies how a blob was compressed. Tags are persisted next to
// the blob, so the numeric values are a storage format contract.
type Tag uint8

const (
	None Tag = 0
	LZ4  Tag = 1
	Zstd Tag = 2
)

// String returns the tag name.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

const (
	// MinCompressSize is the size below which blobs are stored raw.
	MinCompressSize = 256

	// ZstdThreshold is the size at or above which zstd is preferred.
	ZstdThreshold = 16 * 1024
)

var errIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder: " + err.Error())
	}
}

// Choose returns the tag Compress would try first for a blob of n bytes.
func Choose(n int) Tag {
	switch {
	case n < MinCompressSize:
		return None
	case n < ZstdThreshold:
		return LZ4
	default:
		return Zstd
	}
}

// Compress encodes data with the algorithm picked by Choose. When the
// chosen algorithm does not shrink the input, data is returned unchanged
// with tag None.
func Compress(data []byte) ([]byte, Tag, error) {
	tag := Choose(len(data))
	var (
		out []byte
		err error
	)
	switch tag {
	case None:
		return data, None, nil
	case LZ4:
		out, err = compressLZ4(data)
	case Zstd:
		out, err = compressZstd(data)
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, None, err
	}
	return out, tag, nil
}

// Decompress reverses Compress. rawSize must be the original length.
func Decompress(data []byte, tag Tag, rawSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(data) != rawSize {
			return nil, fmt.Errorf("raw blob is %d bytes, expected %d", len(data), rawSize)
		}
		return data, nil
	case LZ4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %s", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return out[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
