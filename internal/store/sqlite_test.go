package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_UpsertIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	r := &model.MeasurementReport{
		OpportunityID: "opp-1",
		Provider:      model.ProviderSolar,
		Status:        model.StatusPending,
		Address:       model.Address{Street: "123 Main St", City: "Austin", State: "TX", ZipCode: "78701"},
	}

	first, err := s.Upsert(ctx, r)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	// Same opportunity+provider again: updates in place, no second row.
	r2 := &model.MeasurementReport{
		OpportunityID: "opp-1",
		Provider:      model.ProviderSolar,
		Status:        model.StatusDelivered,
		Address:       r.Address,
	}
	second, err := s.Upsert(ctx, r2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.StatusDelivered, second.Status)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestSQLiteStore_UpsertDistinctProviders(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, p := range []model.Provider{model.ProviderSolar, model.ProviderEagleView} {
		_, err := s.Upsert(ctx, &model.MeasurementReport{
			OpportunityID: "opp-1",
			Provider:      p,
			Status:        model.StatusPending,
		})
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestSQLiteStore_RoundTripMeasurement(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	m := &model.CanonicalMeasurement{
		PredominantPitch: "6/12",
		PitchDegrees:     26.57,
		FacetCount:       4,
		Complexity:       model.ComplexitySimple,
		WasteFactor:      0.10,
	}
	m.SetArea(2400)
	m.Linear.Eave = model.LinearMeasurement{LengthFt: 160, Confidence: model.ConfidenceEstimated, Source: "calculated"}

	delivered := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	stored, err := s.Upsert(ctx, &model.MeasurementReport{
		OpportunityID: "opp-m",
		Provider:      model.ProviderEagleView,
		Status:        model.StatusDelivered,
		ExternalID:    "ev-1001",
		Measurement:   m,
		DeliveredAt:   &delivered,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Measurement)
	assert.Equal(t, 2400.0, got.Measurement.TotalRoofArea)
	assert.Equal(t, 24.0, got.Measurement.TotalRoofSquares)
	assert.Equal(t, "6/12", got.Measurement.PredominantPitch)
	assert.Equal(t, model.ConfidenceEstimated, got.Measurement.Linear.Eave.Confidence)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(delivered))
}

func TestSQLiteStore_FindByExternalRef(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	stored, err := s.Upsert(ctx, &model.MeasurementReport{
		OpportunityID: "opp-2",
		Provider:      model.ProviderQuickMeasure,
		Status:        model.StatusOrdered,
		ExternalID:    "qm-order-77",
		JobID:         "job-abc",
	})
	require.NoError(t, err)

	for _, ref := range []string{"qm-order-77", "job-abc", stored.ID} {
		got, err := s.FindByExternalRef(ctx, ref)
		require.NoError(t, err)
		require.NotNil(t, got, "ref %s", ref)
		assert.Equal(t, stored.ID, got.ID)
	}

	missing, err := s.FindByExternalRef(ctx, "no-such-ref")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_ListOutstandingRespectsQuietPeriod(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recent := now.Add(-2 * time.Minute)
	stale := now.Add(-10 * time.Minute)

	_, err := s.Upsert(ctx, &model.MeasurementReport{
		OpportunityID: "opp-recent",
		Provider:      model.ProviderEagleView,
		Status:        model.StatusOrdered,
		OrderedAt:     &recent,
	})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, &model.MeasurementReport{
		OpportunityID: "opp-stale",
		Provider:      model.ProviderEagleView,
		Status:        model.StatusProcessing,
		OrderedAt:     &stale,
	})
	require.NoError(t, err)

	// Delivered reports never surface regardless of age.
	_, err = s.Upsert(ctx, &model.MeasurementReport{
		OpportunityID: "opp-done",
		Provider:      model.ProviderEagleView,
		Status:        model.StatusDelivered,
		OrderedAt:     &stale,
	})
	require.NoError(t, err)

	cutoff := now.Add(-5 * time.Minute)
	outstanding, err := s.ListOutstanding(ctx, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, "opp-stale", outstanding[0].OpportunityID)
}

func TestSQLiteStore_ListOutstandingHonorsLimit(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	for _, opp := range []string{"a", "b", "c"} {
		_, err := s.Upsert(ctx, &model.MeasurementReport{
			OpportunityID: opp,
			Provider:      model.ProviderEagleView,
			Status:        model.StatusOrdered,
			OrderedAt:     &old,
		})
		require.NoError(t, err)
	}

	outstanding, err := s.ListOutstanding(ctx, time.Now(), 2)
	require.NoError(t, err)
	assert.Len(t, outstanding, 2)
}
