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

package hostarch

import (
	"fmt"
	"strings"
)

// CachePolicy is the cache attribute of a translation. It is fixed when a
// mapping is created.
type CachePolicy uint8

const (
	// CachePolicyCached is ordinary write-back cacheable memory. It must be
	// the zero value.
	//
	// - x86: Write-back (WB)
	//
	// - ARM64: Normal write-back cacheable
	CachePolicyCached CachePolicy = iota

	// CachePolicyWriteCombining is write-combining memory.
	//
	// - x86: Write-combining (WC)
	//
	// - ARM64: Normal non-cacheable
	CachePolicyWriteCombining

	// CachePolicyUncached is strongly ordered, uncacheable memory.
	//
	// - x86: Uncacheable (UC)
	//
	// - ARM64: Device-nGnRnE
	CachePolicyUncached

	// CachePolicyUncachedDevice is uncacheable device memory that also
	// forbids early write acknowledgement.
	//
	// - x86: Uncacheable (UC)
	//
	// - ARM64: Device-nGnRE
	CachePolicyUncachedDevice

	// NumCachePolicies is the number of cache policies.
	NumCachePolicies
)

// String implements fmt.Stringer.String.
func (cp CachePolicy) String() string {
	switch cp {
	case CachePolicyCached:
		return "Cached"
	case CachePolicyWriteCombining:
		return "WriteCombining"
	case CachePolicyUncached:
		return "Uncached"
	case CachePolicyUncachedDevice:
		return "UncachedDevice"
	default:
		return fmt.Sprintf("%d", cp)
	}
}

// ShortString returns a two-character string representation of cp.
func (cp CachePolicy) ShortString() string {
	switch cp {
	case CachePolicyCached:
		return "WB"
	case CachePolicyWriteCombining:
		return "WC"
	case CachePolicyUncached:
		return "UC"
	case CachePolicyUncachedDevice:
		return "UD"
	default:
		return fmt.Sprintf("%02d", cp)
	}
}

// MMUFlags are the architecture-neutral flags of a translation: access
// permissions plus a cache-policy sub-field.
type MMUFlags uint32

const (
	// MMUFlagPermRead permits reads.
	MMUFlagPermRead MMUFlags = 1 << iota

	// MMUFlagPermWrite permits writes.
	MMUFlagPermWrite

	// MMUFlagPermExecute permits instruction fetches.
	MMUFlagPermExecute

	// MMUFlagPermUser permits access from user mode.
	MMUFlagPermUser
)

const (
	mmuCacheShift = 8

	// MMUFlagsPermMask covers the access permissions that make a translation
	// usable. MMUFlagPermUser is a qualifier and is not included.
	MMUFlagsPermMask = MMUFlagPermRead | MMUFlagPermWrite | MMUFlagPermExecute

	// MMUFlagsCacheMask covers the cache-policy sub-field.
	MMUFlagsCacheMask MMUFlags = 0x7 << mmuCacheShift

	// MMUFlagsValidMask covers all defined bits.
	MMUFlagsValidMask = MMUFlagsPermMask | MMUFlagPermUser | MMUFlagsCacheMask
)

// Convenience combinations.
const (
	MMUFlagsRead      = MMUFlagPermRead
	MMUFlagsReadWrite = MMUFlagPermRead | MMUFlagPermWrite
	MMUFlagsReadExec  = MMUFlagPermRead | MMUFlagPermExecute
	MMUFlagsAnyAccess = MMUFlagsPermMask
)

// HasAccess returns true if f grants any of read, write or execute.
func (f MMUFlags) HasAccess() bool {
	return f&MMUFlagsPermMask != 0
}

// Read returns true if f permits reads.
func (f MMUFlags) Read() bool { return f&MMUFlagPermRead != 0 }

// Write returns true if f permits writes.
func (f MMUFlags) Write() bool { return f&MMUFlagPermWrite != 0 }

// Execute returns true if f permits instruction fetches.
func (f MMUFlags) Execute() bool { return f&MMUFlagPermExecute != 0 }

// User returns true if f permits user-mode access.
func (f MMUFlags) User() bool { return f&MMUFlagPermUser != 0 }

// CachePolicy returns the cache-policy sub-field of f.
func (f MMUFlags) CachePolicy() CachePolicy {
	return CachePolicy((f & MMUFlagsCacheMask) >> mmuCacheShift)
}

// WithCachePolicy returns f with its cache-policy sub-field replaced by cp.
func (f MMUFlags) WithCachePolicy(cp CachePolicy) MMUFlags {
	return (f &^ MMUFlagsCacheMask) | (MMUFlags(cp)<<mmuCacheShift)&MMUFlagsCacheMask
}

// Perms returns f without the cache-policy sub-field.
func (f MMUFlags) Perms() MMUFlags {
	return f &^ MMUFlagsCacheMask
}

// SupersetOf returns true if f grants every permission granted by f2. The
// cache-policy sub-field is ignored.
func (f MMUFlags) SupersetOf(f2 MMUFlags) bool {
	return f.Perms()&f2.Perms() == f2.Perms()
}

// String returns a compact "rwxu" representation followed by the cache
// policy, e.g. "rw-u WB".
func (f MMUFlags) String() string {
	var b strings.Builder
	b.WriteByte(flagChar(f.Read(), 'r'))
	b.WriteByte(flagChar(f.Write(), 'w'))
	b.WriteByte(flagChar(f.Execute(), 'x'))
	b.WriteByte(flagChar(f.User(), 'u'))
	b.WriteByte(' ')
	b.WriteString(f.CachePolicy().ShortString())
	return b.String()
}

func flagChar(set bool, c byte) byte {
	if set {
		return c
	}
	return '-'
}

// ParseMMUFlags parses a permission string made of the characters 'r', 'w',
// 'x' and 'u' in any order; '-' is ignored. The empty string is no access.
func ParseMMUFlags(s string) (MMUFlags, error) {
	var f MMUFlags
	for _, c := range s {
		switch c {
		case 'r', 'R':
			f |= MMUFlagPermRead
		case 'w', 'W':
			f |= MMUFlagPermWrite
		case 'x', 'X':
			f |= MMUFlagPermExecute
		case 'u', 'U':
			f |= MMUFlagPermUser
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission character %q in %q", c, s)
		}
	}
	return f, nil
}
