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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/subcommands"

	"gvisor.dev/vmcore/vmsim/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	conf, err := config.NewFromFlags(flagSet)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

// execute parses args with the command's flags and runs it.
func execute(t *testing.T, c subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	return c.Execute(context.Background(), f, testConfig(t))
}

func scenarios(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("..", "scenario", "testdata", "*"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no scenarios found: %v", err)
	}
	return files
}

func TestCheck(t *testing.T) {
	if got := execute(t, new(Check), scenarios(t)...); got != subcommands.ExitSuccess {
		t.Errorf("check = %v, want %v", got, subcommands.ExitSuccess)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("steps:\n  - op: fly\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := execute(t, new(Check), bad); got != subcommands.ExitFailure {
		t.Errorf("check of invalid file = %v, want %v", got, subcommands.ExitFailure)
	}
	if got := execute(t, new(Check)); got != subcommands.ExitUsageError {
		t.Errorf("check without arguments = %v, want %v", got, subcommands.ExitUsageError)
	}
}

func TestRun(t *testing.T) {
	args := append([]string{"-dump=false", "-metrics"}, scenarios(t)...)
	if got := execute(t, new(Run), args...); got != subcommands.ExitSuccess {
		t.Errorf("run = %v, want %v", got, subcommands.ExitSuccess)
	}
}

func TestRunFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail.toml")
	data := `
[[objects]]
name = "o"
size = 0x1000

[[mappings]]
name = "m"
object = "o"
offset = 0x1000
size = 0x1000
flags = "r"

[[steps]]
op = "fault"
addr = 0x1000
flags = "write"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if got := execute(t, new(Run), path); got != subcommands.ExitFailure {
		t.Errorf("run = %v, want %v", got, subcommands.ExitFailure)
	}
}

func TestMetricMetadata(t *testing.T) {
	if got := execute(t, new(MetricMetadata), "-prefix=/vm/"); got != subcommands.ExitSuccess {
		t.Errorf("metric-metadata = %v, want %v", got, subcommands.ExitSuccess)
	}
}
