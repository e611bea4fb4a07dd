// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
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

package benchmark

import (
	"math"
	"time"
)

// Kind names the operation a sample measures
type Kind string

const (
	KindReport           Kind = "ereport"
	KindQuotePreparation Kind = "quote-preparation"
	KindQuote            Kind = "quote"
	KindEndToEnd         Kind = "end-to-end"
	KindCreate           Kind = "create"
	KindDestroy          Kind = "destroy"
	KindLifecycle        Kind = "create+destroy"
)

// Sample is the measurement of a single iteration
type Sample struct {
	Kind    Kind
	Start   time.Time
	End     time.Time
	Success bool
}

func (s Sample) Elapsed() time.Duration {
	d := s.End.Sub(s.Start)
	if d < 0 {
		return 0
	}
	return d
}

// Accumulator folds samples into running aggregates without keeping them
type Accumulator struct {
	kind      Kind
	attempted int
	successes int
	total     time.Duration
	min       time.Duration
	max       time.Duration
	mean      float64
	m2        float64
}

func NewAccumulator(kind Kind) *Accumulator {
	return &Accumulator{kind: kind}
}

func (a *Accumulator) Add(s Sample) {
	d := s.Elapsed()

	a.attempted++
	if s.Success {
		a.successes++
	}
	a.total += d
	if a.attempted == 1 || d < a.min {
		a.min = d
	}
	if d > a.max {
		a.max = d
	}

	// Welford's online variance
	x := float64(d)
	delta := x - a.mean
	a.mean += delta / float64(a.attempted)
	a.m2 += delta * (x - a.mean)
}

// Stats computes the aggregate over all attempted iterations
func (a *Accumulator) Stats() AggregateStats {
	s := AggregateStats{
		Kind:      a.kind,
		Attempted: a.attempted,
		Successes: a.successes,
		Total:     a.total,
		Min:       a.min,
		Max:       a.max,
	}
	if a.attempted > 0 {
		s.Average = a.total / time.Duration(a.attempted)
	}
	if a.attempted > 1 {
		s.StdDev = time.Duration(math.Sqrt(a.m2 / float64(a.attempted-1)))
	}
	return s
}

// AggregateStats summarizes one kind of operation of a phase. Durations
// are serialized as nanoseconds.
type AggregateStats struct {
	Kind      Kind          `json:"kind" cbor:"0,keyasint"`
	Attempted int           `json:"attempted" cbor:"1,keyasint"`
	Successes int           `json:"successes" cbor:"2,keyasint"`
	Total     time.Duration `json:"total" cbor:"3,keyasint"`
	Average   time.Duration `json:"average" cbor:"4,keyasint"`
	Min       time.Duration `json:"min" cbor:"5,keyasint"`
	Max       time.Duration `json:"max" cbor:"6,keyasint"`
	StdDev    time.Duration `json:"stddev" cbor:"7,keyasint"`
}

func (s AggregateStats) Failures() int {
	return s.Attempted - s.Successes
}

// Throughput returns attempted operations per second
func (s AggregateStats) Throughput() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Attempted) / s.Total.Seconds()
}
