// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shellstate

import "sort"

// Environment markers injected into every command so that programs can
// tell they run under outpost.
const (
	MarkerVar         = "OUTPOST"
	MarkerVersionVar  = "OUTPOST_VERSION"
	TermProgramVar    = "TERM_PROGRAM"
	TermProgramVerVar = "TERM_PROGRAM_VERSION"
	TermProgramName   = "outpost"
)

// volatileVars change on every shell invocation and never describe
// state a user set. The helper drops them at capture time and Sanitize
// drops them from anything it is handed.
var volatileVars = map[string]bool{
	"_":      true,
	"PWD":    true,
	"OLDPWD": true,
	"SHLVL":  true,
}

// IsVolatileVar reports whether name is excluded from snapshots.
func IsVolatileVar(name string) bool {
	return volatileVars[name]
}

// InjectMarkers returns a copy of state with the outpost markers set.
func InjectMarkers(state *ShellState, version string) *ShellState {
	result := state.Clone()
	if result.Vars == nil {
		result.Vars = make(map[string]string)
	}
	result.Vars[MarkerVar] = "1"
	result.Vars[MarkerVersionVar] = version
	result.Vars[TermProgramVar] = TermProgramName
	result.Vars[TermProgramVerVar] = version
	return result
}

// Sanitize returns a copy of state with injected markers and volatile
// variables removed, ready to be persisted. TERM_PROGRAM and its
// version are only removed when they name outpost, so a value the user
// inherited from another terminal survives.
func Sanitize(state *ShellState) *ShellState {
	if state == nil {
		return nil
	}
	result := state.Clone()
	if result.Vars == nil {
		return result
	}
	delete(result.Vars, MarkerVar)
	delete(result.Vars, MarkerVersionVar)
	if result.Vars[TermProgramVar] == TermProgramName {
		delete(result.Vars, TermProgramVar)
		delete(result.Vars, TermProgramVerVar)
	}
	for name := range volatileVars {
		delete(result.Vars, name)
	}
	if len(result.Vars) == 0 {
		result.Vars = nil
	}
	return result
}

// OverrideEnv returns a copy of state with cwd (when non-empty) and the
// given variables replaced. Used for ephemeral commands whose overrides
// must never reach the store.
func OverrideEnv(state *ShellState, cwd string, env map[string]string) *ShellState {
	result := state.Clone()
	if cwd != "" {
		result.Cwd = cwd
	}
	if len(env) > 0 && result.Vars == nil {
		result.Vars = make(map[string]string, len(env))
	}
	for name, value := range env {
		result.Vars[name] = value
	}
	return result
}

// feStateVars is the whitelist of variables copied into the front-end
// summary.
var feStateVars = []string{
	"VIRTUAL_ENV",
	"CONDA_DEFAULT_ENV",
	"KUBECONFIG",
	"AWS_PROFILE",
	"GOPATH",
}

// FeState is the small summary of a state kept beside each remote
// instance for display without resolving the full snapshot.
type FeState map[string]string

// FeStateOf extracts cwd and the whitelisted variables.
func FeStateOf(state *ShellState) FeState {
	if state == nil {
		return FeState{}
	}
	fe := FeState{"cwd": state.Cwd}
	for _, name := range feStateVars {
		if value, ok := state.Vars[name]; ok {
			fe[name] = value
		}
	}
	return fe
}

// Keys returns the keys in sorted order.
func (fe FeState) Keys() []string {
	keys := make([]string, 0, len(fe))
	for key := range fe {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
