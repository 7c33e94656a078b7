// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shellstate

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/outpost/lib/codec"
)

// ShellStateDiff is a delta from the state named by (BaseHash,
// DiffHashArr) to a newer state of the same shell type. A nil Cwd or
// Version means unchanged; a non-nil pointer to "" clears the field.
type ShellStateDiff struct {
	Version     *string  `cbor:"version,omitempty" json:"version,omitempty"`
	ShellType   string   `cbor:"shelltype" json:"shelltype"`
	BaseHash    string   `cbor:"basehash" json:"basehash"`
	DiffHashArr []string `cbor:"diffhasharr,omitempty" json:"diffhasharr,omitempty"`
	Cwd         *string  `cbor:"cwd,omitempty" json:"cwd,omitempty"`

	VarsSet      map[string]string `cbor:"varsset,omitempty" json:"varsset,omitempty"`
	VarsUnset    []string          `cbor:"varsunset,omitempty" json:"varsunset,omitempty"`
	AliasesSet   map[string]string `cbor:"aliasesset,omitempty" json:"aliasesset,omitempty"`
	AliasesUnset []string          `cbor:"aliasesunset,omitempty" json:"aliasesunset,omitempty"`
	FuncsSet     map[string]string `cbor:"funcsset,omitempty" json:"funcsset,omitempty"`
	FuncsUnset   []string          `cbor:"funcsunset,omitempty" json:"funcsunset,omitempty"`
}

// Ptr returns the pointer this diff was computed against.
func (d *ShellStateDiff) Ptr() *ShellStatePtr {
	return &ShellStatePtr{BaseHash: d.BaseHash, DiffHashArr: slices.Clone(d.DiffHashArr)}
}

// IsEmpty reports whether applying d changes nothing.
func (d *ShellStateDiff) IsEmpty() bool {
	return d.Version == nil && d.Cwd == nil &&
		len(d.VarsSet) == 0 && len(d.VarsUnset) == 0 &&
		len(d.AliasesSet) == 0 && len(d.AliasesUnset) == 0 &&
		len(d.FuncsSet) == 0 && len(d.FuncsUnset) == 0
}

// Encode returns the deterministic CBOR bytes and the DiffHash.
func (d *ShellStateDiff) Encode() ([]byte, string, error) {
	data, err := codec.Marshal(d)
	if err != nil {
		return nil, "", fmt.Errorf("encoding shell state diff: %w", err)
	}
	return data, hashBytes(data), nil
}

// DecodeDiff parses bytes produced by ShellStateDiff.Encode.
func DecodeDiff(data []byte) (*ShellStateDiff, error) {
	var diff ShellStateDiff
	if err := codec.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("decoding shell state diff: %w", err)
	}
	return &diff, nil
}

// Algorithm computes and applies diffs for one shell type.
type Algorithm interface {
	Diff(old, new *ShellState) (*ShellStateDiff, error)
	Apply(old *ShellState, diff *ShellStateDiff) (*ShellState, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Algorithm{
		ShellBash: mapAlgorithm{},
		ShellZsh:  mapAlgorithm{},
		ShellSh:   mapAlgorithm{},
	}
)

// Register installs the algorithm for a shell type, replacing any
// existing one.
func Register(shellType string, algorithm Algorithm) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[shellType] = algorithm
}

// AlgorithmFor returns the diff algorithm for shellType.
func AlgorithmFor(shellType string) (Algorithm, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	algorithm, ok := registry[shellType]
	if !ok {
		return nil, fmt.Errorf("no state diff algorithm for shell type %q", shellType)
	}
	return algorithm, nil
}

// MakeDiff diffs two states of the same shell type and labels the
// result with basePtr, the pointer that resolves to old.
func MakeDiff(old, new *ShellState, basePtr *ShellStatePtr) (*ShellStateDiff, error) {
	if old == nil || new == nil {
		return nil, fmt.Errorf("diffing shell state: nil state")
	}
	if old.ShellType != new.ShellType {
		return nil, fmt.Errorf("diffing shell state: shell type mismatch (%q vs %q)", old.ShellType, new.ShellType)
	}
	algorithm, err := AlgorithmFor(old.ShellType)
	if err != nil {
		return nil, err
	}
	diff, err := algorithm.Diff(old, new)
	if err != nil {
		return nil, err
	}
	if basePtr != nil {
		diff.BaseHash = basePtr.BaseHash
		diff.DiffHashArr = slices.Clone(basePtr.DiffHashArr)
	}
	return diff, nil
}

// ApplyDiff applies diff to old using old's shell type.
func ApplyDiff(old *ShellState, diff *ShellStateDiff) (*ShellState, error) {
	if old == nil || diff == nil {
		return nil, fmt.Errorf("applying shell state diff: nil input")
	}
	if old.ShellType != diff.ShellType {
		return nil, fmt.Errorf("applying shell state diff: shell type mismatch (state %q, diff %q)", old.ShellType, diff.ShellType)
	}
	algorithm, err := AlgorithmFor(old.ShellType)
	if err != nil {
		return nil, err
	}
	return algorithm.Apply(old, diff)
}

// mapAlgorithm diffs the var, alias and function tables key by key.
// bash, zsh and sh snapshots share the same representation so they
// share the algorithm.
type mapAlgorithm struct{}

func (mapAlgorithm) Diff(old, new *ShellState) (*ShellStateDiff, error) {
	diff := &ShellStateDiff{ShellType: new.ShellType}
	if old.Version != new.Version {
		diff.Version = &new.Version
	}
	if old.Cwd != new.Cwd {
		diff.Cwd = &new.Cwd
	}
	diff.VarsSet, diff.VarsUnset = diffMap(old.Vars, new.Vars)
	diff.AliasesSet, diff.AliasesUnset = diffMap(old.Aliases, new.Aliases)
	diff.FuncsSet, diff.FuncsUnset = diffMap(old.Funcs, new.Funcs)
	return diff, nil
}

func (mapAlgorithm) Apply(old *ShellState, diff *ShellStateDiff) (*ShellState, error) {
	result := old.Clone()
	result.Error = ""
	if diff.Version != nil {
		result.Version = *diff.Version
	}
	if diff.Cwd != nil {
		result.Cwd = *diff.Cwd
	}
	result.Vars = applyMap(result.Vars, diff.VarsSet, diff.VarsUnset)
	result.Aliases = applyMap(result.Aliases, diff.AliasesSet, diff.AliasesUnset)
	result.Funcs = applyMap(result.Funcs, diff.FuncsSet, diff.FuncsUnset)
	return result, nil
}

func diffMap(old, new map[string]string) (map[string]string, []string) {
	var set map[string]string
	for key, value := range new {
		if previous, ok := old[key]; ok && previous == value {
			continue
		}
		if set == nil {
			set = make(map[string]string)
		}
		set[key] = value
	}
	var unset []string
	for key := range old {
		if _, ok := new[key]; !ok {
			unset = append(unset, key)
		}
	}
	sort.Strings(unset)
	return set, unset
}

func applyMap(base, set map[string]string, unset []string) map[string]string {
	if len(set) == 0 && len(unset) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]string, len(set))
	}
	for _, key := range unset {
		delete(base, key)
	}
	maps.Copy(base, set)
	if len(base) == 0 {
		return nil
	}
	return base
}
