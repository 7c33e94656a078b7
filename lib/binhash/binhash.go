// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Digest is a SHA-256 digest.
type Digest [sha256.Size]byte

// String returns the lowercase hex form printed by sha256sum.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	reader := NewReader(file)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return reader.Sum(), nil
}

// ParseDigest parses a 64-character hex digest.
func ParseDigest(text string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Reader hashes everything read through it.
type Reader struct {
	source io.Reader
	hasher hash.Hash
	size   int64
}

func NewReader(source io.Reader) *Reader {
	return &Reader{source: source, hasher: sha256.New()}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	r.hasher.Write(p[:n])
	r.size += int64(n)
	return n, err
}

// Sum is the digest of the bytes read so far.
func (r *Reader) Sum() Digest {
	var digest Digest
	r.hasher.Sum(digest[:0])
	return digest
}

// Size is the number of bytes read so far.
func (r *Reader) Size() int64 { return r.size }

// FindDigest returns the first digest in sha256sum-style output: a
// line whose first field is 64 hex characters.
func FindDigest(output []byte) (Digest, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) == 0 || len(fields[0]) != 2*sha256.Size {
			continue
		}
		if digest, err := ParseDigest(string(fields[0])); err == nil {
			return digest, true
		}
	}
	return Digest{}, false
}
