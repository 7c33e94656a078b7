// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestReport(t *testing.T) {
	var out bytes.Buffer
	if code := report(&out, errors.New("boom")); code != 1 {
		t.Errorf("plain error exit code = %d, want 1", code)
	}
	if out.String() != "error: boom\n" {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	wrapped := fmt.Errorf("running: %w", &ExitError{Code: 3})
	if code := report(&out, wrapped); code != 3 {
		t.Errorf("ExitError code = %d, want 3", code)
	}
	if out.Len() != 0 {
		t.Errorf("silent ExitError printed %q", out.String())
	}
}
