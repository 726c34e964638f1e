// Copyright 2022 The gVisor Authors.
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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PrometheusName converts a metric name such as "/gmmu/maps" to the
// Prometheus name "gmmu_maps".
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

var (
	helpEscaper  = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
	labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)
)

func writeHeader(w *bufio.Writer, name, help, typ string) {
	if help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", name, helpEscaper.Replace(help))
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

// writeLabels writes {k="v",...} for the fields of key, followed by extra
// label pairs.
func writeLabels(w *bufio.Writer, m fieldMapper, key int, extra ...string) {
	values := m.keyToMultiField(key)
	if len(values) == 0 && len(extra) == 0 {
		return
	}
	w.WriteByte('{')
	sep := ""
	for i, v := range values {
		fmt.Fprintf(w, `%s%s="%s"`, sep, m.fields[i].name, labelEscaper.Replace(v))
		sep = ","
	}
	for i := 0; i+1 < len(extra); i += 2 {
		fmt.Fprintf(w, `%s%s="%s"`, sep, extra[i], labelEscaper.Replace(extra[i+1]))
		sep = ","
	}
	w.WriteByte('}')
}

func (m *Uint64Metric) writeTo(w *bufio.Writer) {
	name := PrometheusName(m.name)
	typ := "gauge"
	if m.metadata.Cumulative {
		typ = "counter"
	}
	writeHeader(w, name, m.metadata.Description, typ)
	for key := range m.fields {
		w.WriteString(name)
		writeLabels(w, m.fieldMapper, key)
		fmt.Fprintf(w, " %d\n", m.fields[key].Load())
	}
}

func (d *DistributionMetric) writeTo(w *bufio.Writer) {
	name := PrometheusName(d.name)
	writeHeader(w, name, d.description, "histogram")
	n := d.bucketer.NumFiniteBuckets()
	for key, buckets := range d.samples {
		// The underflow bucket counts towards every finite bucket.
		cumulative := buckets[0].Load()
		for i := 0; i < n; i++ {
			cumulative += buckets[i+1].Load()
			w.WriteString(name + "_bucket")
			writeLabels(w, d.fieldsToKey, key, "le", fmt.Sprintf("%d", d.bucketer.LowerBound(i+1)))
			fmt.Fprintf(w, " %d\n", cumulative)
		}
		cumulative += buckets[n+1].Load()
		w.WriteString(name + "_bucket")
		writeLabels(w, d.fieldsToKey, key, "le", "+Inf")
		fmt.Fprintf(w, " %d\n", cumulative)

		w.WriteString(name + "_sum")
		writeLabels(w, d.fieldsToKey, key)
		fmt.Fprintf(w, " %d\n", d.sums[key].Load())

		w.WriteString(name + "_count")
		writeLabels(w, d.fieldsToKey, key)
		fmt.Fprintf(w, " %d\n", cumulative)
	}
}

// WritePrometheusText writes every registered metric to out in the
// Prometheus text exposition format, ordered by name.
func WritePrometheusText(out io.Writer) error {
	allMetrics.mu.Lock()
	type writer interface{ writeTo(*bufio.Writer) }
	byName := make(map[string]writer, len(allMetrics.uint64Metrics)+len(allMetrics.distributionMetrics))
	for name, m := range allMetrics.uint64Metrics {
		byName[name] = m
	}
	for name, d := range allMetrics.distributionMetrics {
		byName[name] = d
	}
	allMetrics.mu.Unlock()

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	w := bufio.NewWriter(out)
	for _, name := range names {
		byName[name].writeTo(w)
	}
	return w.Flush()
}
