// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shellstate models a shell's environment as immutable,
// content-addressed snapshots and the deltas between them.
//
// A [ShellState] is a full snapshot: working directory, environment
// variables, aliases and function definitions for one shell type. A
// [ShellStateDiff] is a delta from a snapshot identified by a base hash
// and an ordered chain of earlier diff hashes. A [ShellStatePtr] names a
// logical state as that (base, chain) pair; resolving it means loading
// the base and applying each diff in order.
//
// Hashes are hex BLAKE3 digests of the deterministic CBOR encoding, so
// two equal snapshots always share a hash regardless of which process
// produced them.
package shellstate

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/outpost/lib/codec"
)

// FormatVersion is the snapshot encoding version written by this build.
const FormatVersion = "1"

// Shell types understood by the diff registry.
const (
	ShellBash = "bash"
	ShellZsh  = "zsh"
	ShellSh   = "sh"
)

// ShellState is a full environment snapshot. Treat values as immutable
// once hashed or stored; every function in this package that changes a
// state returns a copy.
type ShellState struct {
	Version   string            `cbor:"version" json:"version"`
	ShellType string            `cbor:"shelltype" json:"shelltype"`
	Cwd       string            `cbor:"cwd" json:"cwd"`
	Vars      map[string]string `cbor:"vars,omitempty" json:"vars,omitempty"`
	Aliases   map[string]string `cbor:"aliases,omitempty" json:"aliases,omitempty"`
	Funcs     map[string]string `cbor:"funcs,omitempty" json:"funcs,omitempty"`

	// Error is set by the helper when capture partially failed; the
	// snapshot is still usable.
	Error string `cbor:"error,omitempty" json:"error,omitempty"`
}

// Clone returns a deep copy. Clone(nil) is nil.
func (s *ShellState) Clone() *ShellState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Vars = maps.Clone(s.Vars)
	clone.Aliases = maps.Clone(s.Aliases)
	clone.Funcs = maps.Clone(s.Funcs)
	return &clone
}

// Equal compares two states structurally. Nil and empty maps are equal.
func (s *ShellState) Equal(other *ShellState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Version == other.Version &&
		s.ShellType == other.ShellType &&
		s.Cwd == other.Cwd &&
		maps.Equal(s.Vars, other.Vars) &&
		maps.Equal(s.Aliases, other.Aliases) &&
		maps.Equal(s.Funcs, other.Funcs)
}

// Encode returns the deterministic CBOR bytes and their hash.
func (s *ShellState) Encode() ([]byte, string, error) {
	data, err := codec.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encoding shell state: %w", err)
	}
	return data, hashBytes(data), nil
}

// Hash returns the BaseHash identifying this snapshot.
func (s *ShellState) Hash() (string, error) {
	_, hash, err := s.Encode()
	return hash, err
}

// DecodeState parses bytes produced by Encode.
func DecodeState(data []byte) (*ShellState, error) {
	var state ShellState
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding shell state: %w", err)
	}
	return &state, nil
}

// ShellStatePtr names a logical state: a base snapshot plus the ordered
// diffs applied on top of it.
type ShellStatePtr struct {
	BaseHash    string   `cbor:"basehash" json:"basehash"`
	DiffHashArr []string `cbor:"diffhasharr,omitempty" json:"diffhasharr,omitempty"`
}

// IsEmpty reports whether the pointer names no state at all.
func (p *ShellStatePtr) IsEmpty() bool {
	return p == nil || p.BaseHash == ""
}

// Equal compares base and chain. Two empty pointers are equal.
func (p *ShellStatePtr) Equal(other *ShellStatePtr) bool {
	if p.IsEmpty() || other.IsEmpty() {
		return p.IsEmpty() && other.IsEmpty()
	}
	return p.BaseHash == other.BaseHash && slices.Equal(p.DiffHashArr, other.DiffHashArr)
}

// Clone returns a copy that shares nothing with p.
func (p *ShellStatePtr) Clone() *ShellStatePtr {
	if p == nil {
		return nil
	}
	return &ShellStatePtr{BaseHash: p.BaseHash, DiffHashArr: slices.Clone(p.DiffHashArr)}
}

// Append returns a new pointer with diffHash added to the chain.
func (p *ShellStatePtr) Append(diffHash string) *ShellStatePtr {
	next := p.Clone()
	next.DiffHashArr = append(next.DiffHashArr, diffHash)
	return next
}

func (p *ShellStatePtr) String() string {
	if p.IsEmpty() {
		return "<empty>"
	}
	if len(p.DiffHashArr) == 0 {
		return shortHash(p.BaseHash)
	}
	short := make([]string, len(p.DiffHashArr))
	for i, hash := range p.DiffHashArr {
		short[i] = shortHash(hash)
	}
	return shortHash(p.BaseHash) + "+" + strings.Join(short, "+")
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func hashBytes(data []byte) string {
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:])
}
