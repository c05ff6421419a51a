// Copyright 2025 UMH Systems GmbH
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


package latency

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
)

// Window is a sliding window of round trip durations keyed by the time
// they were recorded.
type Window struct {
	samples *expiremap.ExpireMap[time.Time, time.Duration]
}

// NewWindow keeps samples for ttl.
func NewWindow(ttl time.Duration) *Window {
	return &Window{samples: expiremap.NewEx[time.Time, time.Duration](ttl, ttl)}
}

// Record stores one sample.
func (w *Window) Record(d time.Duration) {
	w.samples.Set(time.Now(), d)
}

// Stats summarises the samples currently in the window.
func (w *Window) Stats() models.Latency {
	return CalculateLatency(w.samples)
}

// CalculateLatency computes min, max, average and the 95th and 99th
// percentile of the durations in latencies.
func CalculateLatency(latencies *expiremap.ExpireMap[time.Time, time.Duration]) models.Latency {
	var (
		minimum, maximum time.Duration
		sumNs            int64
		durations        []time.Duration
	)

	latencies.Range(func(_ time.Time, value time.Duration) bool {
		if minimum == 0 || value < minimum {
			minimum = value
		}
		if value > maximum {
			maximum = value
		}
		sumNs += value.Nanoseconds()
		durations = append(durations, value)
		return true
	})

	items := len(durations)
	if items == 0 {
		return models.Latency{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return models.Latency{
		Min: float64(minimum),
		Max: float64(maximum),
		P95: float64(durations[percentileIndex(items, 0.95)]),
		P99: float64(durations[percentileIndex(items, 0.99)]),
		Avg: float64(sumNs / int64(items)),
	}
}

func percentileIndex(items int, p float64) int {
	idx := int(float64(items) * p)
	if idx >= items {
		idx = items - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
