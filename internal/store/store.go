package store

import (
	"context"
	"time"

	"github.com/panda-crm/measure-engine/internal/model"
)

// ProviderStats aggregates reports for one provider.
type ProviderStats struct {
	Provider       model.Provider            `json:"provider"`
	CountsByStatus map[model.OrderStatus]int `json:"counts_by_status"`
	AvgArea        float64                   `json:"avg_area"`
	AvgSquares     float64                   `json:"avg_squares"`
	AvgFacets      float64                   `json:"avg_facets"`
}

// ReportStats is the group-by aggregation over all measurement reports.
type ReportStats struct {
	Total     int             `json:"total"`
	Providers []ProviderStats `json:"providers"`
}

// Store defines persistence for measurement reports. Writes are upserts keyed
// by (opportunity, provider): a retry for the same pair replaces the prior
// attempt rather than duplicating it.
type Store interface {
	// Upsert writes the report keyed by (opportunity_id, provider) and
	// returns the stored row (id and created_at filled on first insert).
	Upsert(ctx context.Context, r *model.MeasurementReport) (*model.MeasurementReport, error)

	// Update persists changed fields of an existing report by id.
	Update(ctx context.Context, r *model.MeasurementReport) error

	Get(ctx context.Context, id string) (*model.MeasurementReport, error)
	GetByOpportunityProvider(ctx context.Context, opportunityID string, p model.Provider) (*model.MeasurementReport, error)

	// FindByExternalRef resolves a report from a webhook key: the provider's
	// external id, the secondary job id, or our own report id.
	FindByExternalRef(ctx context.Context, ref string) (*model.MeasurementReport, error)

	// ListOutstanding returns non-terminal submitted reports (ORDERED or
	// PROCESSING) ordered before the cutoff, oldest first, up to limit.
	ListOutstanding(ctx context.Context, orderedBefore time.Time, limit int) ([]model.MeasurementReport, error)

	Stats(ctx context.Context) (*ReportStats, error)

	Migrate(ctx context.Context) error
	Close() error
}
