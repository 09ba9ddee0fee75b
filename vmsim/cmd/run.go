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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/vmsim/cmd/util"
	"gvisor.dev/vmcore/vmsim/config"
	"gvisor.dev/vmcore/vmsim/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	dump    bool
	metrics bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios against a fresh address space"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario>... - runs each scenario file (.toml or .yaml) and reports steps whose outcome differs from the expected one.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dump, "dump", true, "dump the address space after each scenario")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format after all scenarios")
	f.DurationVar(&r.timeout, "timeout", time.Minute, "time limit for each scenario")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	failed := 0
	for _, path := range f.Args() {
		ok, err := r.runOne(ctx, conf, path)
		if err != nil {
			return util.Errorf("%s: %v", path, err)
		}
		if !ok {
			failed++
		}
	}
	if r.metrics {
		if err := metric.WriteText(os.Stdout, "/vm/"); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenarios failed", failed, f.NArg())
	}
	return subcommands.ExitSuccess
}

func (r *Run) runOne(ctx context.Context, conf *config.Config, path string) (bool, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return false, err
	}
	runner, err := scenario.New(conf, sc, os.Stdout)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			util.Errorf("%s: teardown: %v", path, err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := runner.Run(ctx)
	if err != nil {
		return false, err
	}
	if r.dump {
		if err := runner.AddressSpace().Dump(os.Stdout); err != nil {
			return false, err
		}
	}
	for _, msg := range res.Failures {
		fmt.Fprintf(os.Stdout, "FAIL %s: %s\n", sc.Name, msg)
	}
	if !res.OK() {
		return false, nil
	}
	util.Infof("PASS %s: %d steps", sc.Name, res.Steps)
	return true, nil
}
