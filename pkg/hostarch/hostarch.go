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

// Package hostarch describes the page geometry, addresses and MMU permission
// flags shared by the address-space core and its page-table drivers.
package hostarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the page size used by simulated address
	// spaces. It is fixed at 4K regardless of the host.
	PageShift = 12

	// PageSize is the page size used by simulated address spaces.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge page size.
	HugePageShift = 21

	// HugePageSize is the huge page size.
	HugePageSize = 1 << HugePageShift
)

// HostPageSize returns the page size of the host running the simulator. It is
// only used for diagnostics; address spaces always use PageSize.
func HostPageSize() int {
	return unix.Getpagesize()
}

// PagesIn returns the number of pages in length bytes, rounding up.
func PagesIn(length uint64) int {
	return int((length + PageSize - 1) >> PageShift)
}
