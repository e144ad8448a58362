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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not start with '/'.
	ErrInvalidName = errors.New("metric name must start with '/'")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
//
// All metrics must be cumulative, meaning that their values will only
// increase over time, unless they are gauges.
type Uint64Metric struct {
	name        string
	description string
	gauge       bool
	value       atomic.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Set sets the value of a gauge.
//
// Precondition: m was created with NewUint64Gauge.
func (m *Uint64Metric) Set(v uint64) {
	if !m.gauge {
		panic(fmt.Sprintf("Set called on cumulative metric %s", m.name))
	}
	m.value.Store(v)
}

// Registry is a set of named metrics.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Uint64Metric)}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func (r *Registry) NewUint64Metric(name, description string) (*Uint64Metric, error) {
	return r.register(name, description, false)
}

// NewUint64Gauge creates and registers a gauge that may move in both
// directions.
func (r *Registry) NewUint64Gauge(name, description string) (*Uint64Metric, error) {
	return r.register(name, description, true)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Gauge(name, description string) *Uint64Metric {
	m, err := r.NewUint64Gauge(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (r *Registry) register(name, description string, gauge bool) (*Uint64Metric, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{name: name, description: description, gauge: gauge}
	r.metrics[name] = m
	return m, nil
}

// Values returns a snapshot of all metric values keyed by name.
func (r *Registry) Values() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make(map[string]uint64, len(r.metrics))
	for name, m := range r.metrics {
		vals[name] = m.Value()
	}
	return vals
}

// promName converts "/mm/hotadd/success" into "hvmm_mm_hotadd_success".
func promName(name string) string {
	return "hvmm" + strings.NewReplacer("/", "_", "-", "_").Replace(name)
}

// WriteText writes every metric in the Prometheus text exposition format,
// sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		r.mu.Lock()
		m := r.metrics[name]
		r.mu.Unlock()

		v := float64(m.Value())
		mf := &dto.MetricFamily{
			Name: proto.String(promName(m.name)),
			Help: proto.String(m.description),
		}
		if m.gauge {
			mf.Type = dto.MetricType_GAUGE.Enum()
			mf.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
		} else {
			mf.Type = dto.MetricType_COUNTER.Enum()
			mf.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", name, err)
		}
	}
	return nil
}
