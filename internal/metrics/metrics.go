// Package metrics holds the prometheus collectors the core's
// components report into; it owns no HTTP server (cmd/cosmicconnectd
// exposes them via promhttp.Handler on /metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameBuildInfo     = "cosmicconnect_build_info"
	MetricNameLinksActive   = "cosmicconnect_links_active"
	MetricNamePacketsSent   = "cosmicconnect_packets_sent_total"
	MetricNamePacketsRecv   = "cosmicconnect_packets_received_total"
	MetricNamePacketsDrop   = "cosmicconnect_packets_dropped_total"
	MetricNamePayloadBytes  = "cosmicconnect_payload_bytes_total"
	MetricNamePairOutcomes  = "cosmicconnect_pairing_outcomes_total"
	MetricNameDiscoveryPeer = "cosmicconnect_discovery_peers_seen_total"

	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelPacket    = "type"
	LabelReason    = "reason"
	LabelOutcome   = "outcome"
	LabelDirection = "direction"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the cosmicconnectd binary",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	LinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameLinksActive,
			Help: "Number of currently authenticated links across all devices",
		},
	)

	PacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePacketsSent,
			Help: "Packets sent, by packet type",
		},
		[]string{LabelPacket},
	)

	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePacketsRecv,
			Help: "Packets received, by packet type",
		},
		[]string{LabelPacket},
	)

	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePacketsDrop,
			Help: "Packets dropped before dispatch, by reason",
		},
		[]string{LabelReason},
	)

	PayloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePayloadBytes,
			Help: "Bytes transferred over payload side-channels, by direction",
		},
		[]string{LabelDirection},
	)

	PairingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePairOutcomes,
			Help: "Pairing attempts, by outcome (paired, timed_out_or_rejected, unpaired)",
		},
		[]string{LabelOutcome},
	)

	DiscoveryPeersSeen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameDiscoveryPeer,
			Help: "Identity broadcasts accepted past the per-peer rate limit",
		},
	)
)
