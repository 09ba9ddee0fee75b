// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistration(t *testing.T) {
	if _, err := NewUint64Metric("/test/registration", "a metric"); err != nil {
		t.Fatalf("NewUint64Metric failed: %v", err)
	}
	if _, err := NewUint64Metric("/test/registration", "again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration: got %v, want ErrNameInUse", err)
	}
	for _, name := range []string{"", "test", "/Test", "/test/with space"} {
		if _, err := NewUint64Metric(name, "bad"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q): got %v, want ErrInvalidName", name, err)
		}
	}
	if _, err := NewUint64Metric("/test/nofield", "bad", NewField("empty")); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("field without values: got %v", err)
	}
}

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatalf("newFieldMapper failed: %v", err)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			key := m.lookup(a, b)
			if seen[key] {
				t.Errorf("key %d reused for (%s, %s)", key, a, b)
			}
			seen[key] = true
			if got, want := m.keyToMultiField(key), []string{a, b}; !cmp.Equal(got, want) {
				t.Errorf("keyToMultiField(%d) = %v, want %v", key, got, want)
			}
		}
	}
}

func TestIncrementAndExport(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/export/faults", "Faults handled.", NewField("result", "ok", "error"))
	m.Increment("ok")
	m.IncrementBy(3, "error")
	plain := MustCreateNewUint64Metric("/test/export/flushes", "Flushes.")
	plain.Increment()

	if got := m.Value("error"); got != 3 {
		t.Errorf("Value(error) = %d, want 3", got)
	}

	want := map[string]uint64{
		"/test/export/faults{result=ok}":    1,
		"/test/export/faults{result=error}": 3,
		"/test/export/flushes":              1,
	}
	if diff := cmp.Diff(want, Snapshot("/test/export/")); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, "/test/export/"); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()
	for _, line := range []string{
		"# TYPE vmcore_test_export_faults counter",
		`vmcore_test_export_faults{result="error"} 3`,
		"vmcore_test_export_flushes 1",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("output missing %q:\n%s", line, out)
		}
	}
	if strings.Index(out, "faults") > strings.Index(out, "flushes") {
		t.Errorf("metrics not sorted by name:\n%s", out)
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/panics", "p", NewField("op", "a"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}
