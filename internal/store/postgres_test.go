package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM measurement_reports WHERE id = \$1`).
		WithArgs("nonexistent-report").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "nonexistent-report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get report")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByOpportunityProvider_NotFoundIsNil(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM measurement_reports WHERE opportunity_id = \$1 AND provider = \$2`).
		WithArgs("opp-1", "EAGLEVIEW").
		WillReturnError(pgx.ErrNoRows)

	r, err := s.GetByOpportunityProvider(context.Background(), "opp-1", model.ProviderEagleView)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByExternalRef_NotFoundIsNil(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM measurement_reports`).
		WithArgs("ev-order-404").
		WillReturnError(pgx.ErrNoRows)

	r, err := s.FindByExternalRef(context.Background(), "ev-order-404")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now()
	anyArgs := make([]interface{}, 22)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectQuery(`INSERT INTO measurement_reports .* ON CONFLICT \(opportunity_id, provider\) DO UPDATE SET`).
		WithArgs(anyArgs...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("generated-id", now, now))

	r := &model.MeasurementReport{
		OpportunityID: "opp-9",
		Provider:      model.ProviderSolar,
		Status:        model.StatusPending,
	}
	stored, err := s.Upsert(context.Background(), r)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, now, stored.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListOutstanding_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cutoff := time.Now().Add(-5 * time.Minute)
	mock.ExpectQuery(`SELECT .* FROM measurement_reports\s+WHERE order_status IN \('ORDERED', 'PROCESSING'\)`).
		WithArgs(cutoff, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	reports, err := s.ListOutstanding(context.Background(), cutoff, 50)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"provider", "order_status", "count", "avg_area", "avg_squares", "avg_facets"}).
		AddRow("EAGLEVIEW", "DELIVERED", 3, ptrF(2400.0), ptrF(24.0), ptrF(6.0)).
		AddRow("EAGLEVIEW", "ORDERED", 2, nil, nil, nil).
		AddRow("GOOGLE_SOLAR", "DELIVERED", 5, ptrF(1800.0), ptrF(18.0), ptrF(4.0))
	mock.ExpectQuery(`SELECT provider, order_status, COUNT\(\*\)`).WillReturnRows(rows)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	require.Len(t, stats.Providers, 2)

	ev := stats.Providers[0]
	assert.Equal(t, model.ProviderEagleView, ev.Provider)
	assert.Equal(t, 3, ev.CountsByStatus[model.StatusDelivered])
	assert.Equal(t, 2, ev.CountsByStatus[model.StatusOrdered])
	assert.Equal(t, 2400.0, ev.AvgArea)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptrF(v float64) *float64 { return &v }
