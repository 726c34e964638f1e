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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered at init time under a path-like name such as
// "/gmmu/maps" and exported in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"tegra.dev/nvgpu/pkg/atomicbitops"
	"tegra.dev/nvgpu/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// fieldMapper maps multi-dimensional field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key of the given field values. It panics if the number
// of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		allowed := m.fields[i].allowedValues
		for valIdx, allowedVal := range allowed {
			if val == allowedVal {
				remaining /= len(allowed)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// labels returns the field values of key as a name to value map.
func (m fieldMapper) labels(key int) map[string]string {
	if len(m.fields) == 0 {
		return nil
	}
	labels := make(map[string]string, len(m.fields))
	for i, v := range m.keyToMultiField(key) {
		labels[m.fields[i].name] = v
	}
	return labels
}

// Uint64Metadata describes a Uint64Metric.
type Uint64Metadata struct {
	// Cumulative is true for counters, which only increase. Gauges may
	// also decrease.
	Cumulative bool

	// Description is the help text of the metric.
	Description string

	// Fields break the metric down by value.
	Fields []Field
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name     string
	metadata Uint64Metadata

	// fields holds one value per field combination.
	fields []atomicbitops.Uint64

	fieldMapper fieldMapper
}

// registry holds every registered metric.
type registry struct {
	mu sync.Mutex

	// +checklocks:mu
	uint64Metrics map[string]*Uint64Metric

	// +checklocks:mu
	distributionMetrics map[string]*DistributionMetric
}

var allMetrics = registry{
	uint64Metrics:       make(map[string]*Uint64Metric),
	distributionMetrics: make(map[string]*DistributionMetric),
}

// +checklocks:r.mu
func (r *registry) inUse(name string) bool {
	_, u := r.uint64Metrics[name]
	_, d := r.distributionMetrics[name]
	return u || d
}

// NewUint64Metric creates and registers a new metric with the given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, metadata Uint64Metadata) (*Uint64Metric, error) {
	f, err := newFieldMapper(metadata.Fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.inUse(name) {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		metadata:    metadata,
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numFieldCombinations),
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, metadata Uint64Metadata) *Uint64Metric {
	m, err := NewUint64Metric(name, metadata)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Decrement decrements the metric field by 1. It panics on cumulative
// metrics.
func (m *Uint64Metric) Decrement(fieldValues ...string) {
	if m.metadata.Cumulative {
		panic(fmt.Sprintf("Decrement of cumulative metric %q", m.name))
	}
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(^uint64(0))
}

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	// This is only called once and never expected to return a different value.
	NumFiniteBuckets() int

	// LowerBound takes the index of a bucket (within [0, NumBuckets()]) and
	// returns the inclusive lower bound of that bucket.
	// The upper bound of a bucket is the lower bound of the next bucket.
	// The last bucket (with `bucketIndex == NumFiniteBuckets()`) is infinite,
	// i.e. it has no upper bound (but it still has a lower bound).
	LowerBound(bucketIndex int) int64

	// BucketIndex takes a sample and returns the index of the bucket that the
	// sample should fall into.
	// Must return either:
	//   - A value within [0, NumBuckets() -1] if the sample falls within a
	//     finite bucket
	//   - NumBuckets() if the sample falls within the last (infinite) bucket
	//   - '-1' if the sample is lower than what any bucket can represent.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer, with the first bucket starting
// with 0 as lowest bound with `Width` width, and each subsequent bucket being
// wider by a scaled exponentially-growing series, until `NumFiniteBuckets`
// buckets exist.
type ExponentialBucketer struct {
	numFiniteBuckets int
	width            float64
	scale            float64
	growth           float64

	// maxSample is the max sample value which can be represented in a finite
	// bucket.
	maxSample int64

	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow
	// bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		width:            float64(width),
		scale:            scale,
		growth:           growth,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(b.width*float64(i) + b.scale*math.Pow(b.growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	switch {
	case sample < 0:
		return -1
	case sample > b.maxSample:
		return b.numFiniteBuckets
	}
	// The first bound greater than sample ends the sample's bucket.
	return sort.Search(b.numFiniteBuckets+1, func(i int) bool {
		return b.lowerBounds[i] > sample
	}) - 1
}

var _ Bucketer = (*ExponentialBucketer)(nil)

// Minimum number of buckets for NewDurationBucketer.
const durationMinBuckets = 3

// NewDurationBucketer returns a Bucketer well-suited for measuring durations in
// nanoseconds. minDuration and maxDuration are conservative estimates of the
// minimum and maximum durations expected to be accurately measured.
func NewDurationBucketer(numFiniteBuckets int, minDuration, maxDuration time.Duration) Bucketer {
	if numFiniteBuckets < durationMinBuckets {
		panic(fmt.Sprintf("duration bucketer must have at least %d buckets, got %d", durationMinBuckets, numFiniteBuckets))
	}
	minNs := minDuration.Nanoseconds()
	exponentCoversNs := float64(maxDuration.Nanoseconds()-int64(numFiniteBuckets-durationMinBuckets)*minNs) / float64(minNs)
	exponent := math.Log(exponentCoversNs) / math.Log(float64(numFiniteBuckets-durationMinBuckets))
	minNs = int64(float64(minNs) / exponent)
	return NewExponentialBucketer(numFiniteBuckets, uint64(minNs), float64(minNs), exponent)
}

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	name        string
	description string
	bucketer    Bucketer
	fieldsToKey fieldMapper

	// samples holds, per field combination, the number of samples in each
	// bucket. Index 0 is the underflow bucket and the last index is the
	// infinite bucket.
	samples [][]atomicbitops.Uint64

	// sums holds the sum of samples per field combination.
	sums []atomicbitops.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) (*DistributionMetric, error) {
	fieldsToKey, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.inUse(name) {
		return nil, ErrNameInUse
	}
	samples := make([][]atomicbitops.Uint64, fieldsToKey.numFieldCombinations)
	for i := range samples {
		samples[i] = make([]atomicbitops.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	d := &DistributionMetric{
		name:        name,
		description: description,
		bucketer:    bucketer,
		fieldsToKey: fieldsToKey,
		samples:     samples,
		sums:        make([]atomicbitops.Int64, fieldsToKey.numFieldCombinations),
	}
	allMetrics.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fieldsToKey.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// Count returns the number of samples recorded for the given fields.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	buckets := d.samples[d.fieldsToKey.lookup(fields...)]
	var n uint64
	for i := range buckets {
		n += buckets[i].Load()
	}
	return n
}

// TimedOperation is started by StartTimer and records its duration into a
// DistributionMetric when finished.
type TimedOperation struct {
	metric *DistributionMetric
	start  time.Time
	fields []string
}

// Start starts a timer measurement for the given fields.
func (d *DistributionMetric) Start(fields ...string) TimedOperation {
	return TimedOperation{
		metric: d,
		start:  time.Now(),
		fields: fields,
	}
}

// Finish records the time elapsed since Start.
func (o TimedOperation) Finish() {
	o.metric.AddSample(time.Since(o.start).Nanoseconds(), o.fields...)
}
