// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Semver
		fail  bool
	}{
		{input: "0.4.0", want: Semver{Major: 0, Minor: 4, Patch: 0}},
		{input: "v1.2.3", want: Semver{Major: 1, Minor: 2, Patch: 3}},
		{input: "0.4.0-dev", want: Semver{Minor: 4, Pre: "dev"}},
		{input: "2.0.1+abc", want: Semver{Major: 2, Patch: 1, Pre: "abc"}},
		{input: "1.2", fail: true},
		{input: "a.b.c", fail: true},
		{input: "", fail: true},
	}
	for _, test := range tests {
		got, err := Parse(test.input)
		if test.fail {
			if err == nil {
				t.Errorf("Parse(%q) = %v, want error", test.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("Parse(%q) = %+v, want %+v", test.input, got, test.want)
		}
	}
}

func TestCompatible(t *testing.T) {
	if err := Compatible("0.4.0-dev", "v0.4.7"); err != nil {
		t.Errorf("same minor: %v", err)
	}
	if err := Compatible("0.4.0", "0.5.0"); err == nil {
		t.Error("minor mismatch accepted")
	}
	if err := Compatible("1.0.0", "0.9.9"); err == nil {
		t.Error("major mismatch accepted")
	}
	if err := Compatible("0.4.0", "garbage"); err == nil {
		t.Error("unparseable helper version accepted")
	}
}

func TestInfoIncludesVersion(t *testing.T) {
	saved := GitDirty
	defer func() { GitDirty = saved }()
	GitDirty = "true"
	if info := Info(); info[:len(Version)] != Version {
		t.Errorf("Info() = %q, want prefix %q", info, Version)
	}
}
