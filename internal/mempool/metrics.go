// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolTxCount prometheus.Gauge

	prometheusMetricsInitOnce sync.Once
)

// initPrometheusMetrics registers the pool metrics with the default registry.
// It is safe to call any number of times.
func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(func() {
		poolTxCount = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Subsystem: "mempool",
			Name:      "txs",
			Help:      "Number of transactions in the pool",
		})
	})
}
