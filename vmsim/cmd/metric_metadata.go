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

	"github.com/google/subcommands"

	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/vmsim/cmd/util"
)

// MetricMetadata implements subcommands.Command for the "metric-metadata"
// command.
type MetricMetadata struct {
	prefix string
}

// Name implements subcommands.Command.Name.
func (*MetricMetadata) Name() string {
	return "metric-metadata"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricMetadata) Synopsis() string {
	return "list the metrics exported by vmsim"
}

// Usage implements subcommands.Command.Usage.
func (*MetricMetadata) Usage() string {
	return `metric-metadata [-prefix=/vm/] - prints every registered metric in Prometheus text format, with zero values.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MetricMetadata) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.prefix, "prefix", "/", "only list metrics whose name starts with this prefix")
}

// Execute implements subcommands.Command.Execute.
func (m *MetricMetadata) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := metric.WriteText(os.Stdout, m.prefix); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
