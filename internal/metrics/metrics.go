// Package metrics exposes prometheus counters/histograms for chain and
// mempool events, grounded on
// goodnatureofminers-blockinsight7000-backend/internal/metrics's
// promauto counter/histogram vectors and Observe(...) helper shape.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btcnode",
		Subsystem: "chain",
		Name:      "blocks_added_total",
		Help:      "Count of blocks admitted to storage, labelled active or sidechain.",
	}, []string{"status"})

	reorgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btcnode",
		Subsystem: "chain",
		Name:      "reorgs_total",
		Help:      "Count of chain reorganizations.",
	}, []string{})

	reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "btcnode",
		Subsystem: "chain",
		Name:      "reorg_depth_blocks",
		Help:      "Number of blocks revoked per reorg.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	orphanBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcnode",
		Subsystem: "chain",
		Name:      "orphan_blocks",
		Help:      "Blocks currently held in the orphan-block pool.",
	})

	addBlockDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "btcnode",
		Subsystem: "chain",
		Name:      "add_block_duration_seconds",
		Help:      "Duration of BlockChain.Add calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	mempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcnode",
		Subsystem: "mempool",
		Name:      "size",
		Help:      "Accepted transactions currently held in the mempool.",
	})

	orphanTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcnode",
		Subsystem: "mempool",
		Name:      "orphan_txs",
		Help:      "Transactions currently held in the orphan-tx pool.",
	})

	verifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "btcnode",
		Subsystem: "mempool",
		Name:      "verify_duration_seconds",
		Help:      "Duration of mempool transaction verification.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
)

// ObserveBlockAdded records an AddAccepted block's admission outcome:
// "active" if it moved the active tip, "sidechain" otherwise. Rejected,
// pending, and known outcomes are counted by ObserveAddBlock instead,
// since they never reach blocks_added_total's "admitted" definition.
func ObserveBlockAdded(status string) {
	blocksAddedTotal.WithLabelValues(status).Inc()
}

// ObserveAddBlock records BlockChain.Add's duration and outcome.
func ObserveAddBlock(status string, started time.Time) {
	addBlockDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// ObserveReorg records a completed reorg of the given depth (blocks
// revoked off the abandoned branch).
func ObserveReorg(depth int) {
	reorgsTotal.WithLabelValues().Inc()
	reorgDepth.Observe(float64(depth))
}

// SetOrphanBlocks reports the current orphan-block pool size.
func SetOrphanBlocks(n int) {
	orphanBlocks.Set(float64(n))
}

// SetMempoolSize reports the current accepted-transaction count.
func SetMempoolSize(n int) {
	mempoolSize.Set(float64(n))
}

// SetOrphanTxs reports the current orphan-tx pool size.
func SetOrphanTxs(n int) {
	orphanTxs.Set(float64(n))
}

// ObserveVerify records mempool verification duration and outcome:
// "accepted", "orphan", or "rejected".
func ObserveVerify(outcome string, started time.Time) {
	verifyDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}
