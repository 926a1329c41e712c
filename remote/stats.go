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

package remote

import (
	"docsync.dev/gcerrors"
	"github.com/prometheus/client_golang/prometheus"
)

var stats = metrics{
	writes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "writes_total",
		Help:      "Number of committed mutation batches by result code",
	}, []string{
		"status",
	}),

	onlineState: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "online_state",
		Help:      "Online state of the most recently changed client: 0 unknown, 1 online, 2 offline",
	}),
}

type metrics struct {
	writes      *prometheus.CounterVec
	onlineState prometheus.Gauge
}

func init() {
	prometheus.MustRegister(stats.writes)
	prometheus.MustRegister(stats.onlineState)
}

func (m *metrics) writeDone(err error) {
	m.writes.WithLabelValues(gcerrors.Code(err).String()).Inc()
}
