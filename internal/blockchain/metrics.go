// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chainTipHeight       *prometheus.GaugeVec
	utxoCacheSize        *prometheus.GaugeVec
	utxoCacheMaxSize     *prometheus.GaugeVec
	utxoCacheHitRatio    *prometheus.GaugeVec
	blocksConnected      *prometheus.CounterVec
	blocksDisconnected   *prometheus.CounterVec
	reorgsTotal          prometheus.Counter
	invalidBlocksTotal   prometheus.Counter
	flushDuration        *prometheus.HistogramVec
	blockConnectDuration *prometheus.HistogramVec
	prunedFilesTotal     prometheus.Counter
	blockFilesBytes      prometheus.Gauge
	snapshotValidated    prometheus.Gauge

	prometheusMetricsInitOnce sync.Once
)

// initPrometheusMetrics registers the chain state metrics with the default
// registry.  It is safe to call any number of times.
func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	chainTipHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "tip_height",
			Help:      "Height of the tip of each chain state",
		},
		[]string{"chainstate"},
	)

	utxoCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "utxo_cache_bytes",
			Help:      "Estimated memory usage of each utxo cache",
		},
		[]string{"chainstate"},
	)

	utxoCacheMaxSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "utxo_cache_max_bytes",
			Help:      "Memory budget of each utxo cache",
		},
		[]string{"chainstate"},
	)

	utxoCacheHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "utxo_cache_hit_ratio",
			Help:      "Percentage of utxo lookups served by each cache",
		},
		[]string{"chainstate"},
	)

	blocksConnected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dcrchain",
			Name:      "blocks_connected_total",
			Help:      "Number of blocks connected to each chain state",
		},
		[]string{"chainstate"},
	)

	blocksDisconnected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dcrchain",
			Name:      "blocks_disconnected_total",
			Help:      "Number of blocks disconnected from each chain state",
		},
		[]string{"chainstate"},
	)

	reorgsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dcrchain",
			Name:      "reorganizations_total",
			Help:      "Number of chain reorganizations",
		},
	)

	invalidBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dcrchain",
			Name:      "invalid_blocks_total",
			Help:      "Number of blocks that failed validation",
		},
	)

	flushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dcrchain",
			Name:      "flush_duration_seconds",
			Help:      "Duration of chain state flushes to disk",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"chainstate"},
	)

	blockConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dcrchain",
			Name:      "block_connect_duration_seconds",
			Help:      "Duration of connecting a single block",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"chainstate"},
	)

	prunedFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dcrchain",
			Name:      "pruned_block_files_total",
			Help:      "Number of block and undo file pairs removed by pruning",
		},
	)

	blockFilesBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "block_files_bytes",
			Help:      "Total size of the block and undo files",
		},
	)

	snapshotValidated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dcrchain",
			Name:      "snapshot_validated",
			Help:      "Whether the active snapshot was validated in the background",
		},
	)
}

// updateCacheMetrics records the current utxo cache figures of the chain
// state.
func (cs *ChainState) updateCacheMetrics() {
	utxoCacheSize.WithLabelValues(cs.name).Set(float64(cs.coins.TotalSize()))
	utxoCacheMaxSize.WithLabelValues(cs.name).Set(float64(cs.coins.MaxSize()))
	utxoCacheHitRatio.WithLabelValues(cs.name).Set(cs.coins.HitRatio())
}
