package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ReplicationLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmq_replication_lag_bytes",
			Help: "Bytes committed on the primary but not yet acknowledged by the peer",
		},
		[]string{"peer"},
	)

	PeerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mmq_replication_peer_state",
			Help: "Peer state (0=reconnecting, 1=connected, 2=unreachable, 3=needs_snapshot, 4=diverged)",
		},
		[]string{"peer"},
	)

	ReplicationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmq_replication_errors_total",
			Help: "Total replication errors per peer",
		},
		[]string{"peer", "kind"}, // dial, session, ack_timeout, divergence, snapshot
	)
)
