// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shellstate

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// DescribeDiff renders the change from old to new as shell-like lines,
// one per changed item, in a stable order: cwd, exports, unsets,
// aliases, unaliases, functions, function removals.
func DescribeDiff(old, new *ShellState) []string {
	if old == nil || new == nil {
		return nil
	}
	var lines []string
	if old.Cwd != new.Cwd {
		lines = append(lines, "cd "+quote(new.Cwd))
	}
	set, unset := diffMap(old.Vars, new.Vars)
	for _, name := range sortedKeys(set) {
		lines = append(lines, fmt.Sprintf("export %s=%s", name, quote(set[name])))
	}
	for _, name := range unset {
		lines = append(lines, "unset "+name)
	}
	set, unset = diffMap(old.Aliases, new.Aliases)
	for _, name := range sortedKeys(set) {
		lines = append(lines, fmt.Sprintf("alias %s=%s", name, quote(set[name])))
	}
	for _, name := range unset {
		lines = append(lines, "unalias "+name)
	}
	set, unset = diffMap(old.Funcs, new.Funcs)
	for _, name := range sortedKeys(set) {
		lines = append(lines, "function "+name)
	}
	for _, name := range unset {
		lines = append(lines, "unset -f "+name)
	}
	return lines
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// quote single-quotes s unless it is made only of characters that need
// no quoting.
func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("/._-+:=,@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var returnStateWords = map[string]bool{
	"cd":       true,
	"export":   true,
	"unset":    true,
	"alias":    true,
	"unalias":  true,
	"source":   true,
	".":        true,
	"set":      true,
	"function": true,
	"pushd":    true,
	"popd":     true,
	"declare":  true,
	"typeset":  true,
	"shopt":    true,
}

// IsReturnStateCommand guesses whether commandLine may change shell
// state: any command in a simple list (split on ;, && and ||) starting
// with a state-changing builtin, a bare assignment, or a function
// definition.
func IsReturnStateCommand(commandLine string) bool {
	if strings.Contains(commandLine, "() {") || strings.Contains(commandLine, "(){") {
		return true
	}
	for _, part := range splitSimpleCommands(commandLine) {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		word := fields[0]
		if returnStateWords[word] {
			return true
		}
		if isAssignment(word) && len(fields) == 1 {
			return true
		}
	}
	return false
}

func splitSimpleCommands(commandLine string) []string {
	replacer := strings.NewReplacer("&&", ";", "||", ";", "\n", ";")
	return strings.Split(replacer.Replace(commandLine), ";")
}

func isAssignment(word string) bool {
	index := strings.IndexByte(word, '=')
	if index <= 0 {
		return false
	}
	for i, r := range word[:index] {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
