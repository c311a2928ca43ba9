// Package metrics holds the Prometheus collectors of the control plane.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	OutcomePlaced     = "placed"
	OutcomeNoHost     = "no_host"
	OutcomeDuplicate  = "duplicate"
	OutcomeSucceeded  = "succeeded"
	OutcomeRolledBack = "rolled_back"

	AffinityWarm = "warm"
	AffinityCold = "cold"
	AffinityNone = "none"

	MigrationRemoveServer = "remove_server"
	MigrationEvacuateRack = "evacuate_rack"
)

var (
	placementsTotal *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	cacheMissTotal  *prometheus.CounterVec
	migrationsTotal *prometheus.CounterVec
	migratedTotal   *prometheus.CounterVec

	// initOnce ensures InitMetrics is only executed once
	initOnce sync.Once
	initErr  error
)

// InitMetrics registers every collector with the registry. It is safe to call
// more than once; only the first registry is used. Until it is called every
// Record function is a no-op.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		placements := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aggiestack",
				Name:      "placements_total",
				Help:      "Instance placement attempts by outcome and cache affinity",
			},
			[]string{"outcome", "affinity"},
		)
		evictions := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aggiestack",
				Name:      "image_cache_evictions_total",
				Help:      "Images evicted from rack caches",
			},
			[]string{"rack"},
		)
		misses := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aggiestack",
				Name:      "image_cache_misses_total",
				Help:      "Image cache misses per rack",
			},
			[]string{"rack"},
		)
		migrations := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aggiestack",
				Name:      "migrations_total",
				Help:      "Migration batches by kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		migrated := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aggiestack",
				Name:      "migrated_instances_total",
				Help:      "Instances moved by committed migration batches",
			},
			[]string{"kind"},
		)

		for name, c := range map[string]prometheus.Collector{
			"placements_total":            placements,
			"image_cache_evictions_total": evictions,
			"image_cache_misses_total":    misses,
			"migrations_total":            migrations,
			"migrated_instances_total":    migrated,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}

		placementsTotal = placements
		evictionsTotal = evictions
		cacheMissTotal = misses
		migrationsTotal = migrations
		migratedTotal = migrated
	})

	return initErr
}

// RecordPlacement counts one placement attempt.
func RecordPlacement(outcome, affinity string) {
	if placementsTotal == nil {
		return
	}
	placementsTotal.WithLabelValues(outcome, affinity).Inc()
}

// RecordEviction counts one LRU eviction on rack.
func RecordEviction(rack string) {
	if evictionsTotal == nil {
		return
	}
	evictionsTotal.WithLabelValues(rack).Inc()
}

// RecordCacheMiss counts one cache miss on rack.
func RecordCacheMiss(rack string) {
	if cacheMissTotal == nil {
		return
	}
	cacheMissTotal.WithLabelValues(rack).Inc()
}

// RecordMigration counts one migration batch and, on success, the instances it moved.
func RecordMigration(kind, outcome string, moved int) {
	if migrationsTotal == nil {
		return
	}
	migrationsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeSucceeded && moved > 0 {
		migratedTotal.WithLabelValues(kind).Add(float64(moved))
	}
}
