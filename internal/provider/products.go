package provider

import "github.com/panda-crm/measure-engine/internal/model"

// productCodes is a provider's wire identifiers for one report tier.
type productCodes struct {
	Product  string
	Delivery string
}

// quickMeasureProducts maps report tiers to QuickMeasure product and delivery
// codes. Unknown tiers order the standard residential product.
var quickMeasureProducts = map[model.ReportType]productCodes{
	model.ReportTypeFull:        {Product: "QM-FULL", Delivery: "EXPRESS"},
	model.ReportTypeResidential: {Product: "QM-RES", Delivery: "STANDARD"},
	model.ReportTypeCommercial:  {Product: "QM-COM", Delivery: "STANDARD"},
	model.ReportTypeInstant:     {Product: "QM-RES", Delivery: "EXPRESS"},
}

func quickMeasureProduct(t model.ReportType) productCodes {
	if codes, ok := quickMeasureProducts[t]; ok {
		return codes
	}
	return quickMeasureProducts[model.ReportTypeResidential]
}

// eagleViewProducts maps report tiers to EagleView product ids. EagleView
// uses numeric product ids plus a delivery tier string.
var eagleViewProducts = map[model.ReportType]productCodes{
	model.ReportTypeFull:        {Product: "31", Delivery: "Express"},
	model.ReportTypeResidential: {Product: "32", Delivery: "Regular"},
	model.ReportTypeCommercial:  {Product: "44", Delivery: "Regular"},
	model.ReportTypeInstant:     {Product: "32", Delivery: "Express"},
}

func eagleViewProduct(t model.ReportType) productCodes {
	if codes, ok := eagleViewProducts[t]; ok {
		return codes
	}
	return eagleViewProducts[model.ReportTypeResidential]
}
