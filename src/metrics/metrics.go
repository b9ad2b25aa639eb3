// Package metrics exposes prometheus instruments for both telemetry tiers.
// Instruments are registered on the default registry at init and served by
// the ops service's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesConnected tracks the number of live node sessions on a shard
	NodesConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_nodes_connected",
			Help: "Number of live node websocket sessions on this shard",
		},
	)

	// FeedsConnected tracks the number of live feed sessions on the core
	FeedsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_feeds_connected",
			Help: "Number of live feed websocket sessions on this core",
		},
	)

	// ShardsConnected tracks the number of live shard links on the core
	ShardsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_shards_connected",
			Help: "Number of live shard links on this core",
		},
	)

	// ChainNodes tracks the number of admitted nodes per chain on the core
	ChainNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_chain_nodes",
			Help: "Number of admitted nodes per chain",
		},
		[]string{"chain"},
	)

	// MessagesIngested counts decoded node submissions by payload kind
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_messages_ingested_total",
			Help: "Total number of node telemetry messages decoded, by payload kind",
		},
		[]string{"kind"},
	)

	// MessagesDropped counts node submissions dropped before aggregation
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_messages_dropped_total",
			Help: "Total number of node telemetry messages dropped, by reason",
		},
		[]string{"reason"},
	)

	// ChangeSetsSent counts changesets flushed to the core by this shard
	ChangeSetsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_changesets_sent_total",
			Help: "Total number of changesets flushed over the core link",
		},
	)

	// EntriesCoalesced counts node events absorbed into an already pending
	// entry instead of widening a changeset
	EntriesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_entries_coalesced_total",
			Help: "Total number of node events merged into pending changeset entries",
		},
	)

	// ChangeSetsApplied counts changesets the core registry has applied
	ChangeSetsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_changesets_applied_total",
			Help: "Total number of changesets applied by the chain registry",
		},
	)

	// NodesRejected counts node additions refused by chain quota
	NodesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_nodes_rejected_total",
			Help: "Total number of node additions rejected, by chain",
		},
		[]string{"chain"},
	)

	// FeedMessagesDropped counts feed queue overflows
	FeedMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_feed_messages_dropped_total",
			Help: "Total number of outbound feed messages dropped to slow consumers",
		},
	)

	// LinkReconnects counts shard link re-establishments
	LinkReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_link_reconnects_total",
			Help: "Total number of times the core link was re-established",
		},
	)
)

// RecordMessageIngested increments the ingest counter for a payload kind.
func RecordMessageIngested(kind string) {
	MessagesIngested.WithLabelValues(kind).Inc()
}

// RecordMessageDropped increments the drop counter for a reason.
func RecordMessageDropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordNodeConnected increments the live node session gauge.
func RecordNodeConnected() {
	NodesConnected.Inc()
}

// RecordNodeDisconnected decrements the live node session gauge.
func RecordNodeDisconnected() {
	NodesConnected.Dec()
}

// RecordFeedConnected increments the live feed session gauge.
func RecordFeedConnected() {
	FeedsConnected.Inc()
}

// RecordFeedDisconnected decrements the live feed session gauge.
func RecordFeedDisconnected() {
	FeedsConnected.Dec()
}

// RecordShardConnected increments the live shard link gauge.
func RecordShardConnected() {
	ShardsConnected.Inc()
}

// RecordShardDisconnected decrements the live shard link gauge.
func RecordShardDisconnected() {
	ShardsConnected.Dec()
}

// SetChainNodeCount sets the admitted node count for a chain.
func SetChainNodeCount(chain string, count int) {
	ChainNodes.WithLabelValues(chain).Set(float64(count))
}

// RecordChainRemoved drops the gauge for a chain whose last node left.
func RecordChainRemoved(chain string) {
	ChainNodes.DeleteLabelValues(chain)
}

// RecordChangeSetSent increments the flushed changeset counter.
func RecordChangeSetSent() {
	ChangeSetsSent.Inc()
}

// RecordEntriesCoalesced adds to the coalesced entry counter.
func RecordEntriesCoalesced(count int) {
	if count > 0 {
		EntriesCoalesced.Add(float64(count))
	}
}

// RecordChangeSetApplied increments the applied changeset counter.
func RecordChangeSetApplied() {
	ChangeSetsApplied.Inc()
}

// RecordNodeRejected increments the quota rejection counter for a chain.
func RecordNodeRejected(chain string) {
	NodesRejected.WithLabelValues(chain).Inc()
}

// RecordFeedMessageDropped increments the feed overflow counter.
func RecordFeedMessageDropped() {
	FeedMessagesDropped.Inc()
}

// RecordLinkReconnect increments the link re-establishment counter.
func RecordLinkReconnect() {
	LinkReconnects.Inc()
}
