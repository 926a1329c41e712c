// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package localstore

import "github.com/prometheus/client_golang/prometheus"

var stats = metrics{
	pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "localstore",
		Name:      "pending_batches",
		Help:      "Number of write batches of the current user not yet acknowledged",
	}),

	activeTargets: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "localstore",
		Name:      "active_targets",
		Help:      "Number of queries currently allocated a target",
	}),

	gcEvictions: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "localstore",
		Name:      "gc_evictions_total",
		Help:      "Number of documents evicted from the remote document cache",
	}),
}

type metrics struct {
	pendingBatches prometheus.Gauge
	activeTargets  prometheus.Gauge
	gcEvictions    prometheus.Counter
}

func init() {
	prometheus.MustRegister(stats.pendingBatches)
	prometheus.MustRegister(stats.activeTargets)
	prometheus.MustRegister(stats.gcEvictions)
}
