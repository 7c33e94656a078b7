// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256 of "hello world\n", as printed by sha256sum.
const helloDigest = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"

func TestHashFileMatchesSha256sum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost-helper")
	if err := os.WriteFile(path, []byte("hello world\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	digest, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if digest.String() != helloDigest {
		t.Errorf("digest = %s, want %s", digest, helloDigest)
	}
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("HashFile of a missing file succeeded")
	}
}

func TestReaderHashesWhatPassesThrough(t *testing.T) {
	reader := NewReader(strings.NewReader("hello world\n"))
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world\n" || reader.Size() != int64(len(data)) {
		t.Errorf("read %q, size %d", data, reader.Size())
	}
	if reader.Sum().String() != helloDigest {
		t.Errorf("Sum = %s", reader.Sum())
	}
}

func TestFindDigest(t *testing.T) {
	output := []byte("installed\n" + helloDigest + "  /home/dev/.outpost/bin/outpost-helper\n")
	digest, ok := FindDigest(output)
	if !ok || digest.String() != helloDigest {
		t.Errorf("FindDigest = %s, %v", digest, ok)
	}
	if _, ok := FindDigest([]byte("installed\n")); ok {
		t.Error("found a digest in output without one")
	}
	if _, ok := FindDigest([]byte(strings.Repeat("z", 64) + "  file\n")); ok {
		t.Error("accepted a non-hex digest")
	}
}

func TestParseDigestRejectsWrongLength(t *testing.T) {
	if _, err := ParseDigest("abcd"); err == nil {
		t.Error("ParseDigest accepted a short digest")
	}
	if _, err := ParseDigest(helloDigest); err != nil {
		t.Errorf("ParseDigest(%s) = %v", helloDigest, err)
	}
}
