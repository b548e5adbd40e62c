// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedian keeps an approximate median of a stream of values, using a fixed-size
// uniform reservoir sample.
//
// It is not safe for concurrent use.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a StreamingMedian that keeps at most maxNumSamples samples.
func NewStreamingMedian(maxNumSamples int) *StreamingMedian {
	return &StreamingMedian{
		maxNumSamples: max(maxNumSamples, 1),
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Add a value to the stream.
func (m *StreamingMedian) Add(x float64) {
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x.
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Count returns the number of values seen.
func (m *StreamingMedian) Count() int { return m.samplesSeen }

// Median returns the approximate median, or 0 if no value was seen.
func (m *StreamingMedian) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset forgets all values seen.
func (m *StreamingMedian) Reset() {
	m.samples = m.samples[:0]
	m.samplesSeen = 0
}
