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

package vm

import (
	"fmt"
	"strings"
)

// FaultFlags describes the access that caused a page fault.
type FaultFlags uint32

const (
	// FaultWrite is set for write accesses.
	FaultWrite FaultFlags = 1 << iota

	// FaultUser is set for accesses from user mode.
	FaultUser

	// FaultInstruction is set for instruction fetches.
	FaultInstruction

	// FaultSoftware is set for faults requested by software rather than
	// taken by the MMU, such as bulk commits.
	FaultSoftware

	// FaultNoAllocate asks the backing object to return only pages that
	// are already present, without allocating or copying.
	FaultNoAllocate
)

var faultFlagNames = []struct {
	flag FaultFlags
	name string
}{
	{FaultWrite, "write"},
	{FaultUser, "user"},
	{FaultInstruction, "instruction"},
	{FaultSoftware, "software"},
	{FaultNoAllocate, "noalloc"},
}

// Write returns true for write faults.
func (f FaultFlags) Write() bool { return f&FaultWrite != 0 }

// Read returns true for faults that are neither writes nor instruction
// fetches.
func (f FaultFlags) Read() bool { return f&(FaultWrite|FaultInstruction) == 0 }

// String implements fmt.Stringer.
func (f FaultFlags) String() string {
	var names []string
	if f.Read() {
		names = append(names, "read")
	}
	for _, n := range faultFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if rest := f &^ (FaultNoAllocate<<1 - 1); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// ParseFaultFlags parses a list of flag names separated by '|' or ','.
// "read" is accepted and contributes no bits.
func ParseFaultFlags(s string) (FaultFlags, error) {
	var f FaultFlags
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		tok = strings.ToLower(tok)
		switch tok {
		case "read":
			continue
		case "exec", "execute":
			f |= FaultInstruction
			continue
		}
		found := false
		for _, n := range faultFlagNames {
			if n.name == tok {
				f |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown fault flag %q", tok)
		}
	}
	return f, nil
}
