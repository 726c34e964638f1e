// Copyright 2023 The gVisor Authors.
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
	"bytes"
	"fmt"
	"strings"

	"github.com/prometheus/common/expfmt"
)

// MetricData is Prometheus-formatted metric data, as written by
// WritePrometheusText.
type MetricData string

// Snapshot returns the current value of every registered metric.
func Snapshot() (MetricData, error) {
	var buf bytes.Buffer
	if err := WritePrometheusText(&buf); err != nil {
		return "", err
	}
	return MetricData(buf.String()), nil
}

// GetPrometheusInteger returns the integer value of the counter or gauge
// metricName whose labels include wantLabels. Exactly one data point must
// match.
func (m MetricData) GetPrometheusInteger(metricName string, wantLabels map[string]string) (int64, error) {
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(strings.NewReader(string(m)))
	if err != nil {
		return 0, err
	}
	metricData, found := parsed[metricName]
	if !found {
		return 0, fmt.Errorf("metric %q not found", metricName)
	}
	foundIndex := -1
	for i, data := range metricData.GetMetric() {
		dataLabels := make(map[string]string, len(data.GetLabel()))
		for _, label := range data.GetLabel() {
			dataLabels[label.GetName()] = label.GetValue()
		}
		allMatching := true
		for wantLabel, wantValue := range wantLabels {
			if dataLabels[wantLabel] != wantValue {
				allMatching = false
				break
			}
		}
		if !allMatching {
			continue
		}
		if foundIndex != -1 {
			return 0, fmt.Errorf("found multiple data points of %q matching labels %v", metricName, wantLabels)
		}
		foundIndex = i
	}
	if foundIndex == -1 {
		return 0, fmt.Errorf("no data point of %q matches labels %v", metricName, wantLabels)
	}
	data := metricData.GetMetric()[foundIndex]
	switch {
	case data.GetCounter() != nil:
		return int64(data.GetCounter().GetValue()), nil
	case data.GetGauge() != nil:
		return int64(data.GetGauge().GetValue()), nil
	case data.GetUntyped() != nil:
		return int64(data.GetUntyped().GetValue()), nil
	default:
		return 0, fmt.Errorf("metric %q is not an integer metric", metricName)
	}
}
