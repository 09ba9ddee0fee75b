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
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// namespace prefixes every exported metric name.
const namespace = "vmcore"

// PrometheusName converts a metric name such as "/vm/page_faults" into its
// Prometheus form "vmcore_vm_page_faults".
func PrometheusName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

func ptr[T any](v T) *T {
	return &v
}

// family returns the Prometheus representation of m.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: ptr(PrometheusName(m.name)),
		Help: ptr(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		var labels []*dto.LabelPair
		for i, v := range m.fieldMapper.keyToMultiField(key) {
			labels = append(labels, &dto.LabelPair{
				Name:  ptr(m.fieldMapper.fields[i].name),
				Value: ptr(v),
			})
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels,
			Counter: &dto.Counter{Value: ptr(float64(m.fields[key].Load()))},
		})
	}
	return mf
}

// WriteText writes every registered metric whose name starts with prefix to
// w in the Prometheus text exposition format, ordered by name.
func WriteText(w io.Writer, prefix string) error {
	allMetricsMu.Lock()
	var ms []*Uint64Metric
	for name, m := range allMetrics {
		if strings.HasPrefix(name, prefix) {
			ms = append(ms, m)
		}
	}
	allMetricsMu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	for _, m := range ms {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}

// Snapshot returns the current value of every field combination of every
// registered metric whose name starts with prefix. Keys are the metric name
// followed by "{field=value,...}" when the metric has fields.
func Snapshot(prefix string) map[string]uint64 {
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	snap := make(map[string]uint64)
	for name, m := range allMetrics {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for key := range m.fields {
			snap[name+m.labelSuffix(key)] = m.fields[key].Load()
		}
	}
	return snap
}

func (m *Uint64Metric) labelSuffix(key int) string {
	if len(m.fieldMapper.fields) == 0 {
		return ""
	}
	var parts []string
	for i, v := range m.fieldMapper.keyToMultiField(key) {
		parts = append(parts, m.fieldMapper.fields[i].name+"="+v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
