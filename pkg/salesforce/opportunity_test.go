package salesforce

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	queryResult   []Opportunity
	queryErr      error
	lastSoql      string
	updateCalls   []CollectionRecord
	updateErr     error
	bulkBatches   [][]CollectionRecord
	bulkResults   []CollectionResult
	bulkErr       error
	insertedID    string
	insertedSObjs []string
}

func (m *mockClient) Query(_ context.Context, soql string, out any) error {
	m.lastSoql = soql
	if m.queryErr != nil {
		return m.queryErr
	}
	*(out.(*[]Opportunity)) = m.queryResult
	return nil
}

func (m *mockClient) InsertOne(_ context.Context, sObjectName string, _ map[string]any) (string, error) {
	m.insertedSObjs = append(m.insertedSObjs, sObjectName)
	return m.insertedID, nil
}

func (m *mockClient) UpdateOne(_ context.Context, _ string, id string, fields map[string]any) error {
	m.updateCalls = append(m.updateCalls, CollectionRecord{ID: id, Fields: fields})
	return m.updateErr
}

func (m *mockClient) UpdateCollection(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
	m.bulkBatches = append(m.bulkBatches, records)
	if m.bulkErr != nil {
		return nil, m.bulkErr
	}
	if m.bulkResults != nil {
		return m.bulkResults, nil
	}
	results := make([]CollectionResult, len(records))
	for i, r := range records {
		results[i] = CollectionResult{ID: r.ID, Success: true}
	}
	return results, nil
}

func TestFindOpportunityByID(t *testing.T) {
	c := &mockClient{queryResult: []Opportunity{{ID: "006xx1", Name: "Roof Replacement - Smith"}}}

	opp, err := FindOpportunityByID(context.Background(), c, "006xx1")
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "Roof Replacement - Smith", opp.Name)
	assert.Contains(t, c.lastSoql, "FROM Opportunity WHERE Id = '006xx1'")
}

func TestFindOpportunityByIDNotFound(t *testing.T) {
	c := &mockClient{}

	opp, err := FindOpportunityByID(context.Background(), c, "006xx9")
	require.NoError(t, err)
	assert.Nil(t, opp)
}

func TestFindOpportunityByIDEscapesQuotes(t *testing.T) {
	c := &mockClient{}

	_, err := FindOpportunityByID(context.Background(), c, "006'; DELETE")
	require.NoError(t, err)
	assert.Contains(t, c.lastSoql, `\'`)
}

func TestUpdateOpportunity(t *testing.T) {
	c := &mockClient{}

	err := UpdateOpportunity(context.Background(), c, "006xx1", map[string]any{"Roof_Area__c": 2400.0})
	require.NoError(t, err)
	require.Len(t, c.updateCalls, 1)
	assert.Equal(t, "006xx1", c.updateCalls[0].ID)
	assert.Equal(t, 2400.0, c.updateCalls[0].Fields["Roof_Area__c"])
}

func TestUpdateOpportunityRequiresID(t *testing.T) {
	err := UpdateOpportunity(context.Background(), &mockClient{}, "", map[string]any{"Roof_Area__c": 1.0})
	require.Error(t, err)
}

func TestUpdateOpportunityRequiresFields(t *testing.T) {
	err := UpdateOpportunity(context.Background(), &mockClient{}, "006xx1", nil)
	require.Error(t, err)
}

func TestBulkUpdateOpportunitiesBatches(t *testing.T) {
	c := &mockClient{}
	updates := make([]OpportunityUpdate, 250)
	for i := range updates {
		updates[i] = OpportunityUpdate{ID: "006", Fields: map[string]any{"Roof_Squares__c": 24.0}}
	}

	results, err := BulkUpdateOpportunities(context.Background(), c, updates)
	require.NoError(t, err)
	assert.Len(t, results, 250)
	require.Len(t, c.bulkBatches, 2)
	assert.Len(t, c.bulkBatches[0], 200)
	assert.Len(t, c.bulkBatches[1], 50)
}

func TestBulkUpdateOpportunitiesEmpty(t *testing.T) {
	c := &mockClient{}

	results, err := BulkUpdateOpportunities(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Empty(t, c.bulkBatches)
}

func TestBulkUpdateOpportunitiesError(t *testing.T) {
	c := &mockClient{bulkErr: eris.New("api limit exceeded")}

	_, err := BulkUpdateOpportunities(context.Background(), c, []OpportunityUpdate{{ID: "006", Fields: map[string]any{"x": 1}}})
	require.Error(t, err)
}
