package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	// Before InitMetrics every recorder is a no-op.
	RecordPlacement(OutcomePlaced, AffinityWarm)
	RecordMigration(MigrationRemoveServer, OutcomeSucceeded, 3)

	reg := prometheus.NewRegistry()
	require.NoError(t, InitMetrics(reg))
	require.NoError(t, InitMetrics(prometheus.NewRegistry()))

	RecordPlacement(OutcomePlaced, AffinityWarm)
	RecordPlacement(OutcomePlaced, AffinityWarm)
	RecordPlacement(OutcomeNoHost, AffinityCold)
	RecordEviction("r1")
	RecordCacheMiss("r1")
	RecordMigration(MigrationRemoveServer, OutcomeSucceeded, 3)
	RecordMigration(MigrationEvacuateRack, OutcomeRolledBack, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(placementsTotal.WithLabelValues(OutcomePlaced, AffinityWarm)))
	assert.Equal(t, 1.0, testutil.ToFloat64(placementsTotal.WithLabelValues(OutcomeNoHost, AffinityCold)))
	assert.Equal(t, 1.0, testutil.ToFloat64(evictionsTotal.WithLabelValues("r1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cacheMissTotal.WithLabelValues("r1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(migratedTotal.WithLabelValues(MigrationRemoveServer)))
	assert.Equal(t, 0.0, testutil.ToFloat64(migratedTotal.WithLabelValues(MigrationEvacuateRack)))
	assert.Equal(t, 1.0, testutil.ToFloat64(migrationsTotal.WithLabelValues(MigrationEvacuateRack, OutcomeRolledBack)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
