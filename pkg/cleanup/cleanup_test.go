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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func build(order *[]string, release bool) func() error {
	cu := Make(func() { *order = append(*order, "make") })
	cu.Add(func() { *order = append(*order, "add") })
	defer cu.Clean()
	if release {
		return cu.Release()
	}
	return nil
}

func TestClean(t *testing.T) {
	var order []string
	build(&order, false)
	if diff := cmp.Diff([]string{"add", "make"}, order); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	undo := build(&order, true)
	if len(order) != 0 {
		t.Fatalf("released steps ran: %v", order)
	}
	if err := undo(); err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if diff := cmp.Diff([]string{"add", "make"}, order); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanErrors(t *testing.T) {
	errFirst := errors.New("first")
	errLast := errors.New("last")
	var ran []int
	cu := Make(func() { ran = append(ran, 1) })
	cu.AddErr(func() error {
		ran = append(ran, 2)
		return errFirst
	})
	cu.AddErr(func() error {
		ran = append(ran, 3)
		return errLast
	})

	err := cu.Clean()
	if !errors.Is(err, errFirst) || !errors.Is(err, errLast) {
		t.Errorf("Clean() = %v, want both errors", err)
	}
	if diff := cmp.Diff([]int{3, 2, 1}, ran); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	if err := cu.Clean(); err != nil {
		t.Errorf("second Clean() = %v", err)
	}
	if len(ran) != 3 {
		t.Errorf("steps ran twice: %v", ran)
	}
}
