// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shellstate_test

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/outpost/shellstate"
)

func bashState(cwd string, vars map[string]string) *shellstate.ShellState {
	return &shellstate.ShellState{
		Version:   shellstate.FormatVersion,
		ShellType: shellstate.ShellBash,
		Cwd:       cwd,
		Vars:      vars,
		Aliases:   map[string]string{"ll": "ls -l"},
		Funcs:     map[string]string{"greet": "greet () \n{ \n    echo hi\n}"},
	}
}

func TestHashIsContentAddressed(t *testing.T) {
	first := bashState("/home/a", map[string]string{"A": "1", "B": "2"})
	second := bashState("/home/a", map[string]string{"B": "2", "A": "1"})
	firstHash, err := first.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	secondHash, err := second.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if firstHash != secondHash {
		t.Errorf("equal states hash differently: %s vs %s", firstHash, secondHash)
	}
	if len(firstHash) != 64 {
		t.Errorf("hash %q is not a hex BLAKE3-256 digest", firstHash)
	}

	third := bashState("/tmp", first.Vars)
	thirdHash, _ := third.Hash()
	if thirdHash == firstHash {
		t.Error("cwd change did not change the hash")
	}
}

func TestDecodeState(t *testing.T) {
	original := bashState("/srv", map[string]string{"PATH": "/usr/bin"})
	data, _, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := shellstate.DecodeState(data)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if !decoded.Equal(original) {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
}

func randomMap(rng *rand.Rand, prefix string) map[string]string {
	m := make(map[string]string)
	for i := range rng.IntN(12) {
		m[fmt.Sprintf("%s%d", prefix, rng.IntN(16))] = fmt.Sprintf("v%d-%d", i, rng.IntN(4))
	}
	return m
}

func TestDiffRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iteration := range 500 {
		a := &shellstate.ShellState{
			Version:   shellstate.FormatVersion,
			ShellType: shellstate.ShellZsh,
			Cwd:       fmt.Sprintf("/d%d", rng.IntN(3)),
			Vars:      randomMap(rng, "V"),
			Aliases:   randomMap(rng, "a"),
			Funcs:     randomMap(rng, "f"),
		}
		b := &shellstate.ShellState{
			Version:   []string{shellstate.FormatVersion, ""}[rng.IntN(2)],
			ShellType: shellstate.ShellZsh,
			Cwd:       []string{"", "/d0", "/d1"}[rng.IntN(3)],
			Vars:      randomMap(rng, "V"),
			Aliases:   randomMap(rng, "a"),
			Funcs:     randomMap(rng, "f"),
		}
		diff, err := shellstate.MakeDiff(a, b, nil)
		if err != nil {
			t.Fatalf("iteration %d: MakeDiff: %v", iteration, err)
		}
		applied, err := shellstate.ApplyDiff(a, diff)
		if err != nil {
			t.Fatalf("iteration %d: ApplyDiff: %v", iteration, err)
		}
		if !applied.Equal(b) {
			t.Fatalf("iteration %d: Apply(A, Diff(A,B)) = %+v, want %+v", iteration, applied, b)
		}
	}
}

func TestDiffRoundTripClearsCwdAndVersion(t *testing.T) {
	a := bashState("/a", map[string]string{"X": "1"})
	a.Version = "1"
	b := a.Clone()
	b.Cwd = ""
	b.Version = ""

	diff, err := shellstate.MakeDiff(a, b, nil)
	if err != nil {
		t.Fatalf("MakeDiff: %v", err)
	}
	if diff.IsEmpty() {
		t.Fatal("diff that clears cwd and version is empty")
	}
	encoded, _, err := diff.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := shellstate.DecodeDiff(encoded)
	if err != nil {
		t.Fatalf("DecodeDiff: %v", err)
	}
	applied, err := shellstate.ApplyDiff(a, decoded)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if !applied.Equal(b) {
		t.Errorf("Apply = cwd %q version %q, want both empty", applied.Cwd, applied.Version)
	}

	unchanged, err := shellstate.MakeDiff(a, a.Clone(), nil)
	if err != nil {
		t.Fatalf("MakeDiff: %v", err)
	}
	if !unchanged.IsEmpty() {
		t.Errorf("diff between equal states = %+v, want empty", unchanged)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	a := bashState("/a", map[string]string{"X": "1"})
	b := bashState("/b", map[string]string{"Y": "2"})
	diff, err := shellstate.MakeDiff(a, b, &shellstate.ShellStatePtr{BaseHash: "base", DiffHashArr: []string{"d1"}})
	if err != nil {
		t.Fatalf("MakeDiff: %v", err)
	}
	if diff.BaseHash != "base" || !slices.Equal(diff.DiffHashArr, []string{"d1"}) {
		t.Errorf("diff not labeled with base pointer: %+v", diff)
	}
	if _, err := shellstate.ApplyDiff(a, diff); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if a.Cwd != "/a" || a.Vars["X"] != "1" || len(a.Vars) != 1 {
		t.Errorf("ApplyDiff mutated its input: %+v", a)
	}
}

func TestShellTypeMismatch(t *testing.T) {
	bash := bashState("/", nil)
	zsh := bash.Clone()
	zsh.ShellType = shellstate.ShellZsh
	if _, err := shellstate.MakeDiff(bash, zsh, nil); err == nil {
		t.Error("MakeDiff accepted mismatched shell types")
	}
	cwd := "/x"
	diff := &shellstate.ShellStateDiff{ShellType: shellstate.ShellZsh, Cwd: &cwd}
	if _, err := shellstate.ApplyDiff(bash, diff); err == nil {
		t.Error("ApplyDiff accepted mismatched shell types")
	}
	fish := bash.Clone()
	fish.ShellType = "fish"
	if _, err := shellstate.MakeDiff(fish, fish, nil); err == nil {
		t.Error("MakeDiff accepted an unregistered shell type")
	}
}

func TestSanitize(t *testing.T) {
	state := bashState("/", map[string]string{"HOME": "/root", "SHLVL": "2"})
	injected := shellstate.InjectMarkers(state, "0.4.0")
	for _, name := range []string{"OUTPOST", "OUTPOST_VERSION", "TERM_PROGRAM", "TERM_PROGRAM_VERSION"} {
		if _, ok := injected.Vars[name]; !ok {
			t.Errorf("InjectMarkers did not set %s", name)
		}
	}
	if _, ok := state.Vars["OUTPOST"]; ok {
		t.Error("InjectMarkers mutated its input")
	}

	clean := shellstate.Sanitize(injected)
	if len(clean.Vars) != 1 || clean.Vars["HOME"] != "/root" {
		t.Errorf("Sanitize left %v", clean.Vars)
	}

	foreign := bashState("/", map[string]string{
		"OUTPOST":              "1",
		"TERM_PROGRAM":         "iTerm.app",
		"TERM_PROGRAM_VERSION": "3.5",
	})
	clean = shellstate.Sanitize(foreign)
	if clean.Vars["TERM_PROGRAM"] != "iTerm.app" || clean.Vars["TERM_PROGRAM_VERSION"] != "3.5" {
		t.Errorf("Sanitize removed a foreign TERM_PROGRAM: %v", clean.Vars)
	}
	if _, ok := clean.Vars["OUTPOST"]; ok {
		t.Error("Sanitize kept OUTPOST")
	}
}

func TestFeStateOf(t *testing.T) {
	state := bashState("/work", map[string]string{"VIRTUAL_ENV": "/venv", "SECRET": "x"})
	fe := shellstate.FeStateOf(state)
	if fe["cwd"] != "/work" || fe["VIRTUAL_ENV"] != "/venv" {
		t.Errorf("FeStateOf = %v", fe)
	}
	if _, ok := fe["SECRET"]; ok {
		t.Error("FeStateOf copied a variable outside the whitelist")
	}
	if got := strings.Join(fe.Keys(), ","); got != "VIRTUAL_ENV,cwd" {
		t.Errorf("Keys = %s", got)
	}
}

func TestDescribeDiff(t *testing.T) {
	old := bashState("/a", map[string]string{"KEEP": "1", "GONE": "x"})
	new := old.Clone()
	new.Cwd = "/my dir"
	new.Vars = map[string]string{"KEEP": "1", "ADDED": "it's"}
	new.Aliases = map[string]string{"gs": "git status"}
	new.Funcs = nil

	want := []string{
		"cd '/my dir'",
		`export ADDED='it'\''s'`,
		"unset GONE",
		"alias gs='git status'",
		"unalias ll",
		"unset -f greet",
	}
	if got := shellstate.DescribeDiff(old, new); !slices.Equal(got, want) {
		t.Errorf("DescribeDiff =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestIsReturnStateCommand(t *testing.T) {
	tests := map[string]bool{
		"cd /tmp":                     true,
		"ls -l && cd ..":              true,
		"export FOO=bar":              true,
		"FOO=bar":                     true,
		"FOO=bar make":                false,
		"source ~/.bashrc":            true,
		". venv/bin/activate":         true,
		"greet() { echo hi; }":        true,
		"ls -la":                      false,
		"echo cd":                     false,
		"git commit -m 'x'; unset Y":  true,
		"":                            false,
	}
	for commandLine, want := range tests {
		if got := shellstate.IsReturnStateCommand(commandLine); got != want {
			t.Errorf("IsReturnStateCommand(%q) = %v, want %v", commandLine, got, want)
		}
	}
}

func TestPtr(t *testing.T) {
	var empty *shellstate.ShellStatePtr
	if !empty.IsEmpty() || !empty.Equal(&shellstate.ShellStatePtr{}) {
		t.Error("nil and zero pointers should both be empty and equal")
	}
	base := &shellstate.ShellStatePtr{BaseHash: "b"}
	next := base.Append("d1")
	if len(base.DiffHashArr) != 0 {
		t.Error("Append mutated the receiver")
	}
	if next.Equal(base) || !next.Equal(&shellstate.ShellStatePtr{BaseHash: "b", DiffHashArr: []string{"d1"}}) {
		t.Errorf("Append produced %+v", next)
	}
}
