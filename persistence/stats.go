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

package persistence

import (
	"docsync.dev/gcerrors"
	"github.com/prometheus/client_golang/prometheus"
)

var stats = metrics{
	leaseAcquired: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "persistence",
		Name:      "lease_acquired_total",
		Help:      "Number of times this process acquired an owner lease",
	}),

	leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "persistence",
		Name:      "lease_lost_total",
		Help:      "Number of times a held owner lease was found taken over",
	}),

	transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "persistence",
		Name:      "transactions_total",
		Help:      "Number of lease-checked transactions by action and result code",
	}, []string{
		"action",
		"status",
	}),
}

type metrics struct {
	leaseAcquired prometheus.Counter
	leaseLost     prometheus.Counter
	transactions  *prometheus.CounterVec
}

func init() {
	prometheus.MustRegister(stats.leaseAcquired)
	prometheus.MustRegister(stats.leaseLost)
	prometheus.MustRegister(stats.transactions)
}

func (m *metrics) transactionDone(action string, err error) {
	m.transactions.WithLabelValues(action, gcerrors.Code(err).String()).Inc()
}
