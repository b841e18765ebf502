package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Replica state values.
const (
	ReplicaStateHealthy  = 0
	ReplicaStateCooldown = 1
)

var (
	// ReplicaState tracks whether an asset replica is in rotation.
	ReplicaState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_state",
			Help:      "Replica state (0=healthy, 1=cooling down)",
		},
		[]string{"asset"},
	)

	// ReplicaCooldowns counts how often a replica was taken out of rotation.
	ReplicaCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_cooldowns_total",
			Help:      "Total times a replica entered cooldown",
		},
		[]string{"asset"},
	)

	// ReplicaSelections counts balancer picks per replica.
	ReplicaSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_selections_total",
			Help:      "Total times a replica was selected",
		},
		[]string{"asset", "balance"},
	)
)

// RecordCooldown marks a replica as cooling down.
func RecordCooldown(assetID string) {
	ReplicaCooldowns.WithLabelValues(SanitizeLabel(assetID)).Inc()
	ReplicaState.WithLabelValues(SanitizeLabel(assetID)).Set(ReplicaStateCooldown)
}

// RecordHealthy marks a replica as back in rotation.
func RecordHealthy(assetID string) {
	ReplicaState.WithLabelValues(SanitizeLabel(assetID)).Set(ReplicaStateHealthy)
}
