// Package sfsync pushes delivered measurement summaries to the Salesforce
// opportunity the report was ordered for.
package sfsync

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/pkg/salesforce"
)

// Pusher syncs measurement fields onto Opportunity records.
type Pusher struct {
	client salesforce.Client
}

// New creates a Pusher.
func New(client salesforce.Client) *Pusher {
	return &Pusher{client: client}
}

// Push writes the report's measurement summary to its opportunity. Reports
// without a delivered measurement or an opportunity are skipped.
func (p *Pusher) Push(ctx context.Context, r *model.MeasurementReport) error {
	if r.OpportunityID == "" {
		return nil
	}
	if r.Status != model.StatusDelivered || r.Measurement == nil {
		return eris.Errorf("sfsync: report %s has no delivered measurement", r.ID)
	}

	if err := salesforce.UpdateOpportunity(ctx, p.client, r.OpportunityID, Fields(r)); err != nil {
		return eris.Wrap(err, "sfsync: push measurement")
	}
	return nil
}

// Fields maps a delivered report to the Opportunity measurement fields.
func Fields(r *model.MeasurementReport) map[string]any {
	m := r.Measurement
	fields := map[string]any{
		"Roof_Area__c":              m.TotalRoofArea,
		"Roof_Squares__c":           m.TotalRoofSquares,
		"Roof_Pitch__c":             m.PredominantPitch,
		"Roof_Complexity__c":        string(m.Complexity),
		"Roof_Waste_Factor__c":      m.WasteFactor,
		"Measurement_Provider__c":   string(r.Provider),
		"Measurement_Confidence__c": m.Confidence,
	}
	if r.DeliveredAt != nil {
		fields["Measurement_Delivered__c"] = r.DeliveredAt.UTC()
	}
	if r.PDFRef != "" {
		fields["Measurement_Report_Ref__c"] = r.PDFRef
	}
	if m.LowConfidence {
		fields["Measurement_Low_Confidence__c"] = true
	}
	return fields
}

// Hook adapts Push into a fire-and-forget delivery callback. Failures are
// logged; the report row keeps the measurement, so a sync can be replayed.
func (p *Pusher) Hook() func(ctx context.Context, r *model.MeasurementReport) {
	return func(ctx context.Context, r *model.MeasurementReport) {
		if err := p.Push(ctx, r); err != nil {
			zap.L().Error("salesforce sync failed",
				zap.String("report_id", r.ID),
				zap.String("opportunity_id", r.OpportunityID),
				zap.Error(err),
			)
		}
	}
}
