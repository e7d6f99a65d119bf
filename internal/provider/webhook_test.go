package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs(json.RawMessage(`{
		"referenceId": "rep-1",
		"orderId": "qm-555",
		"status": "COMPLETED"
	}`))
	assert.Equal(t, []string{"rep-1", "qm-555"}, refs, "referenceId looked up first")
}

func TestExtractRefs_CaseInsensitiveAndNumeric(t *testing.T) {
	refs := ExtractRefs(json.RawMessage(`{"OrderId": 8675309, "JobId": "job-2"}`))
	assert.Equal(t, []string{"8675309", "job-2"}, refs)
}

func TestExtractRefs_DropsDuplicates(t *testing.T) {
	refs := ExtractRefs(json.RawMessage(`{"referenceId": "rep-1", "id": "rep-1"}`))
	assert.Equal(t, []string{"rep-1"}, refs)
}

func TestExtractRefs_NoRefs(t *testing.T) {
	assert.Empty(t, ExtractRefs(json.RawMessage(`{"status": "PENDING"}`)))
	assert.Empty(t, ExtractRefs(json.RawMessage(`not json`)))
	assert.Empty(t, ExtractRefs(json.RawMessage(`{"orderId": null}`)))
}

func TestLooseFields(t *testing.T) {
	fields, err := decodeLooseJSON(json.RawMessage(`{
		"Status": "Completed",
		"RoofArea": "2400.5",
		"Measurements": {"ridgeLength": 45}
	}`))
	assert.NoError(t, err)

	assert.Equal(t, "Completed", fields.str("status"))
	assert.InDelta(t, 2400.5, fields.num("roofArea"), 0.001)

	child, ok := fields.child("measurements")
	assert.True(t, ok)
	assert.InDelta(t, 45, child.num("RidgeLength"), 0.001)

	_, ok = fields.child("status")
	assert.False(t, ok, "scalar is not a child object")
}
