// Copyright 2018 The gVisor Authors.
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
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	testCounter = MustCreateNewUint64Metric("/test/counter", Uint64Metadata{
		Cumulative:  true,
		Description: "A counter.",
	})
	testFielded = MustCreateNewUint64Metric("/test/fielded", Uint64Metadata{
		Cumulative:  true,
		Description: "A counter with fields.",
		Fields: []Field{
			NewField("op", []string{"map", "unmap"}),
			NewField("class", []string{"small", "big"}),
		},
	})
	testGauge = MustCreateNewUint64Metric("/test/gauge", Uint64Metadata{
		Description: "A gauge.\nWith two lines.",
	})
	testLatency = MustCreateNewDistributionMetric("/test/latency", NewExponentialBucketer(3, 10, 0, 1), "A distribution.", NewField("op", []string{"flush"}))
)

func TestRegistrationErrors(t *testing.T) {
	if _, err := NewUint64Metric("/test/counter", Uint64Metadata{}); err != ErrNameInUse {
		t.Errorf("duplicate registration = %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/test/nofields", Uint64Metadata{Fields: []Field{NewField("x", nil)}}); err != ErrFieldHasNoAllowedValues {
		t.Errorf("empty field = %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(NewField("a", []string{"x", "y"}), NewField("b", []string{"1", "2", "3"}))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	for key := 0; key < m.numFieldCombinations; key++ {
		values := m.keyToMultiField(key)
		if got := m.lookup(values...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", values, got, key)
		}
	}
	defer func() {
		if recover() == nil {
			t.Errorf("lookup of a disallowed value did not panic")
		}
	}()
	m.lookup("x", "4")
}

func TestUint64Metric(t *testing.T) {
	before := testFielded.Value("unmap", "big")
	testFielded.Increment("unmap", "big")
	testFielded.IncrementBy(4, "unmap", "big")
	if got := testFielded.Value("unmap", "big") - before; got != 5 {
		t.Errorf("Value delta = %d, want 5", got)
	}

	testGauge.Increment()
	testGauge.Increment()
	testGauge.Decrement()
	if got := testGauge.Value(); got != 1 {
		t.Errorf("gauge Value() = %d, want 1", got)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Decrement of a counter did not panic")
		}
	}()
	testCounter.Decrement()
}

func TestBucketer(t *testing.T) {
	b := NewExponentialBucketer(3, 10, 0, 1)
	for _, tc := range []struct {
		sample int64
		want   int
	}{
		{-1, -1},
		{0, 0},
		{9, 0},
		{10, 1},
		{29, 2},
		{30, 3},
		{1000, 3},
	} {
		if got := b.BucketIndex(tc.sample); got != tc.want {
			t.Errorf("BucketIndex(%d) = %d, want %d", tc.sample, got, tc.want)
		}
	}
}

func TestPrometheusText(t *testing.T) {
	testCounter.IncrementBy(3)
	testLatency.AddSample(5, "flush")
	testLatency.AddSample(15, "flush")
	testLatency.AddSample(500, "flush")

	var buf bytes.Buffer
	if err := WritePrometheusText(&buf); err != nil {
		t.Fatalf("WritePrometheusText: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("exposition does not parse: %v\n%s", err, buf.String())
	}

	types := make(map[string]string)
	for name, f := range families {
		if strings.HasPrefix(name, "test_") {
			types[name] = f.GetType().String()
		}
	}
	want := map[string]string{
		"test_counter": "COUNTER",
		"test_fielded": "COUNTER",
		"test_gauge":   "GAUGE",
		"test_latency": "HISTOGRAM",
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("metric types mismatch (-want +got):\n%s", diff)
	}
	if got := len(families["test_fielded"].GetMetric()); got != 4 {
		t.Errorf("test_fielded has %d data points, want 4", got)
	}
	if got := families["test_gauge"].GetHelp(); got != "A gauge.\nWith two lines." {
		t.Errorf("test_gauge help = %q", got)
	}

	h := families["test_latency"].GetMetric()[0].GetHistogram()
	if got := h.GetSampleCount(); got != testLatency.Count("flush") {
		t.Errorf("histogram count = %d, want %d", got, testLatency.Count("flush"))
	}
	var cumulative []uint64
	for _, b := range h.GetBucket() {
		if math.IsInf(b.GetUpperBound(), 1) {
			continue
		}
		cumulative = append(cumulative, b.GetCumulativeCount())
	}
	if diff := cmp.Diff([]uint64{1, 2, 2}, cumulative); diff != "" {
		t.Errorf("bucket counts mismatch (-want +got):\n%s", diff)
	}

	data, err := Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, err := data.GetPrometheusInteger("test_counter", nil)
	if err != nil {
		t.Fatalf("GetPrometheusInteger: %v", err)
	}
	if got != int64(testCounter.Value()) {
		t.Errorf("GetPrometheusInteger(test_counter) = %d, want %d", got, testCounter.Value())
	}
	if _, err := data.GetPrometheusInteger("test_fielded", map[string]string{"op": "map"}); err == nil {
		t.Errorf("ambiguous label match succeeded")
	}
}

func TestTimedOperation(t *testing.T) {
	before := testLatency.Count("flush")
	op := testLatency.Start("flush")
	time.Sleep(time.Millisecond)
	op.Finish()
	if got := testLatency.Count("flush") - before; got != 1 {
		t.Errorf("Count delta = %d, want 1", got)
	}
}
