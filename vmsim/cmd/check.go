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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/vmcore/vmsim/cmd/util"
	"gvisor.dev/vmcore/vmsim/scenario"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate scenario files without running them"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check <scenario>... - parses each scenario file and checks its names, references, flags and expectations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	bad := 0
	for _, path := range f.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			bad++
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: %q, %d objects, %d areas, %d mappings, %d steps, %d threads\n",
			path, sc.Name, len(sc.Objects), len(sc.Areas), len(sc.Mappings), len(sc.Steps), len(sc.Threads))
	}
	if bad > 0 {
		return util.Errorf("%d of %d scenario files are invalid", bad, f.NArg())
	}
	return subcommands.ExitSuccess
}
