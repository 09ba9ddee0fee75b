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
	"errors"

	"gvisor.dev/vmcore/pkg/metric"
)

var (
	pageFaults = metric.MustCreateNewUint64Metric("/vm/page_faults", "Page faults handled, by result.",
		metric.NewField("result",
			// Successful faults.
			"mapped", "upgraded", "replaced", "spurious",
			// Failed faults.
			"denied", "out_of_range", "bad_state", "no_memory", "internal", "error"))

	splits = metric.MustCreateNewUint64Metric("/vm/splits", "Mappings reshaped by a partial protect or unmap.",
		metric.NewField("op", "protect", "unmap"))

	coalescerFlushes = metric.MustCreateNewUint64Metric("/vm/coalescer_flushes", "Batched hardware map calls issued by MapRange.")

	regionsDestroyed = metric.MustCreateNewUint64Metric("/vm/regions_destroyed", "Areas and mappings destroyed.")
)

// faultResult counts a failed fault.
func faultResult(err error) {
	result := "error"
	switch {
	case errors.Is(err, ErrAccessDenied):
		result = "denied"
	case errors.Is(err, ErrOutOfRange):
		result = "out_of_range"
	case errors.Is(err, ErrBadState):
		result = "bad_state"
	case errors.Is(err, ErrNoMemory):
		result = "no_memory"
	case errors.Is(err, ErrInternal):
		result = "internal"
	}
	pageFaults.Increment(result)
}
