package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// maxBatchSize is the Salesforce Collections API limit per request.
const maxBatchSize = 200

// Opportunity represents the Salesforce Opportunity fields measurement
// ordering reads.
type Opportunity struct {
	ID           string  `json:"Id" salesforce:"Id"`
	Name         string  `json:"Name" salesforce:"Name"`
	AccountID    string  `json:"AccountId" salesforce:"AccountId"`
	StageName    string  `json:"StageName" salesforce:"StageName"`
	Street       string  `json:"Job_Street__c" salesforce:"Job_Street__c"`
	City         string  `json:"Job_City__c" salesforce:"Job_City__c"`
	State        string  `json:"Job_State__c" salesforce:"Job_State__c"`
	PostalCode   string  `json:"Job_Zip__c" salesforce:"Job_Zip__c"`
	RoofAreaSqFt float64 `json:"Roof_Area__c" salesforce:"Roof_Area__c"`
	RoofSquares  float64 `json:"Roof_Squares__c" salesforce:"Roof_Squares__c"`
}

// opportunityFields are the SOQL fields selected for Opportunity queries.
var opportunityFields = []string{
	"Id", "Name", "AccountId", "StageName",
	"Job_Street__c", "Job_City__c", "Job_State__c", "Job_Zip__c",
	"Roof_Area__c", "Roof_Squares__c",
}

// FindOpportunityByID queries Salesforce for an Opportunity by its ID.
// Returns nil if none is found.
func FindOpportunityByID(ctx context.Context, c Client, id string) (*Opportunity, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Opportunity WHERE Id = '%s' LIMIT 1",
		strings.Join(opportunityFields, ", "),
		escapeSoql(id),
	)

	var opps []Opportunity
	if err := c.Query(ctx, soql, &opps); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find opportunity by id %s", id))
	}
	if len(opps) == 0 {
		return nil, nil
	}
	return &opps[0], nil
}

// UpdateOpportunity updates an Opportunity record with the given fields.
func UpdateOpportunity(ctx context.Context, c Client, opportunityID string, fields map[string]any) error {
	if opportunityID == "" {
		return eris.New("sf: opportunity id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Opportunity", opportunityID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update opportunity %s", opportunityID))
	}
	return nil
}

// OpportunityUpdate holds an opportunity ID and the fields to update.
type OpportunityUpdate struct {
	ID     string
	Fields map[string]any
}

// BulkUpdateOpportunities splits updates into batches of 200 (SF Collections
// API limit) and sends them via UpdateCollection.
func BulkUpdateOpportunities(ctx context.Context, c Client, updates []OpportunityUpdate) ([]CollectionResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	var allResults []CollectionResult

	for start := 0; start < len(updates); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]

		records := make([]CollectionRecord, len(batch))
		for i, u := range batch {
			records[i] = CollectionRecord(u)
		}

		results, err := c.UpdateCollection(ctx, "Opportunity", records)
		if err != nil {
			return allResults, eris.Wrap(err, fmt.Sprintf("sf: bulk update opportunities batch %d-%d", start, end))
		}
		allResults = append(allResults, results...)
	}

	return allResults, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
