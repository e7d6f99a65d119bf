package model

import (
	"encoding/json"
	"time"
)

// Provider identifies a measurement source.
type Provider string

const (
	ProviderEagleView    Provider = "EAGLEVIEW"    // ordered report, capture request + job polling
	ProviderQuickMeasure Provider = "QUICKMEASURE" // ordered report, webhook delivery
	ProviderAerial       Provider = "NAIP"         // free public imagery pipeline
	ProviderPandaML      Provider = "PANDA_ML"     // ML-enhanced segmentation
	ProviderSolar        Provider = "GOOGLE_SOLAR" // instant solar building insights
	ProviderManual       Provider = "MANUAL"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderEagleView, ProviderQuickMeasure, ProviderAerial,
		ProviderPandaML, ProviderSolar, ProviderManual:
		return true
	}
	return false
}

// ReportType is the coarse product tier ordered from a provider.
type ReportType string

const (
	ReportTypeFull        ReportType = "full"
	ReportTypeResidential ReportType = "residential"
	ReportTypeCommercial  ReportType = "commercial"
	ReportTypeInstant     ReportType = "instant"
)

// Address holds the property location for a measurement request.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

// MeasurementReport is one measurement attempt for an (opportunity, provider)
// pair. At most one non-terminal report may be outstanding per pair; the store
// upserts on that key so a retry replaces rather than duplicates.
type MeasurementReport struct {
	ID         string     `json:"id"`
	Provider   Provider   `json:"provider"`
	ReportType ReportType `json:"report_type"`

	Status OrderStatus `json:"order_status"`

	Address   Address  `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	OpportunityID string `json:"opportunity_id"`
	AccountID     string `json:"account_id,omitempty"`
	OrderedByID   string `json:"ordered_by_id,omitempty"` // optional; absence is valid

	// ExternalID is the provider's identifier for the order (capture request,
	// order number, etc.). JobID is the secondary resource id for providers
	// that split capture and processing.
	ExternalID string `json:"external_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`

	Measurement *CanonicalMeasurement `json:"measurement,omitempty"`

	// Artifact references are durable object-store keys, not provider URLs.
	PDFRef  string `json:"pdf_ref,omitempty"`
	XMLRef  string `json:"xml_ref,omitempty"`
	JSONRef string `json:"json_ref,omitempty"`

	// RawPayload retains the provider's last response verbatim for audit.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	OrderedAt   *time.Time `json:"ordered_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OrderInput is a request to acquire a measurement for a property.
type OrderInput struct {
	OpportunityID string     `json:"opportunity_id"`
	AccountID     string     `json:"account_id,omitempty"`
	OrderedByID   string     `json:"ordered_by_id,omitempty"`
	Address       Address    `json:"address"`
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	Provider      Provider   `json:"provider"`
	ReportType    ReportType `json:"report_type"`
}
