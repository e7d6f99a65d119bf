package sfsync

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/pkg/salesforce"
)

type mockSF struct {
	updates []struct {
		sobject string
		id      string
		fields  map[string]any
	}
	updateErr error
}

func (m *mockSF) Query(context.Context, string, any) error { return nil }

func (m *mockSF) InsertOne(context.Context, string, map[string]any) (string, error) {
	return "", nil
}

func (m *mockSF) UpdateOne(_ context.Context, sObjectName, id string, fields map[string]any) error {
	m.updates = append(m.updates, struct {
		sobject string
		id      string
		fields  map[string]any
	}{sObjectName, id, fields})
	return m.updateErr
}

func (m *mockSF) UpdateCollection(context.Context, string, []salesforce.CollectionRecord) ([]salesforce.CollectionResult, error) {
	return nil, nil
}

func deliveredReport() *model.MeasurementReport {
	delivered := time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)
	return &model.MeasurementReport{
		ID:            "rep-1",
		OpportunityID: "006xx1",
		Provider:      model.ProviderEagleView,
		Status:        model.StatusDelivered,
		DeliveredAt:   &delivered,
		PDFRef:        "roof-artifacts/reports/rep-1/report.pdf",
		Measurement: &model.CanonicalMeasurement{
			TotalRoofArea:    2400,
			TotalRoofSquares: 24,
			PredominantPitch: "6/12",
			Complexity:       model.ComplexitySimple,
			WasteFactor:      0.10,
			Confidence:       0.95,
		},
	}
}

func TestPushUpdatesOpportunity(t *testing.T) {
	sf := &mockSF{}
	p := New(sf)

	err := p.Push(context.Background(), deliveredReport())
	require.NoError(t, err)
	require.Len(t, sf.updates, 1)
	assert.Equal(t, "Opportunity", sf.updates[0].sobject)
	assert.Equal(t, "006xx1", sf.updates[0].id)

	fields := sf.updates[0].fields
	assert.Equal(t, 2400.0, fields["Roof_Area__c"])
	assert.Equal(t, 24.0, fields["Roof_Squares__c"])
	assert.Equal(t, "6/12", fields["Roof_Pitch__c"])
	assert.Equal(t, "EAGLEVIEW", fields["Measurement_Provider__c"])
	assert.Equal(t, "roof-artifacts/reports/rep-1/report.pdf", fields["Measurement_Report_Ref__c"])
	assert.NotContains(t, fields, "Measurement_Low_Confidence__c")
}

func TestPushFlagsLowConfidence(t *testing.T) {
	sf := &mockSF{}
	r := deliveredReport()
	r.Measurement.LowConfidence = true

	require.NoError(t, New(sf).Push(context.Background(), r))
	assert.Equal(t, true, sf.updates[0].fields["Measurement_Low_Confidence__c"])
}

func TestPushSkipsReportWithoutOpportunity(t *testing.T) {
	sf := &mockSF{}
	r := deliveredReport()
	r.OpportunityID = ""

	require.NoError(t, New(sf).Push(context.Background(), r))
	assert.Empty(t, sf.updates)
}

func TestPushRejectsUndeliveredReport(t *testing.T) {
	sf := &mockSF{}
	r := deliveredReport()
	r.Status = model.StatusProcessing

	err := New(sf).Push(context.Background(), r)
	require.Error(t, err)
	assert.Empty(t, sf.updates)
}

func TestHookSwallowsErrors(t *testing.T) {
	sf := &mockSF{updateErr: eris.New("session expired")}
	hook := New(sf).Hook()

	// Must not panic or propagate.
	hook(context.Background(), deliveredReport())
	assert.Len(t, sf.updates, 1)
}
