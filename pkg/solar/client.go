// Package solar wraps the Google Solar API buildingInsights endpoint, which
// returns per-segment roof geometry derived from aerial imagery.
package solar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://solar.googleapis.com/v1"

// ErrNoCoverage indicates the Solar API has no building data at the location.
var ErrNoCoverage = eris.New("solar: no building found at location")

// Client performs Google Solar API operations.
type Client interface {
	BuildingInsights(ctx context.Context, lat, lng float64) (*BuildingInsights, error)
	HasCoverage(ctx context.Context, lat, lng float64) (bool, error)
}

// BuildingInsights is the buildingInsights:findClosest response, trimmed to
// the fields roof measurement uses.
type BuildingInsights struct {
	Name           string         `json:"name"`
	Center         LatLng         `json:"center"`
	ImageryDate    Date           `json:"imageryDate"`
	ImageryQuality string         `json:"imageryQuality"` // HIGH, MEDIUM, LOW
	SolarPotential SolarPotential `json:"solarPotential"`
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Date is a calendar date.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// SolarPotential holds the roof geometry portion of the response.
type SolarPotential struct {
	WholeRoofStats   SizeAndSunshineStats `json:"wholeRoofStats"`
	RoofSegmentStats []RoofSegment        `json:"roofSegmentStats"`
}

// SizeAndSunshineStats holds aggregate area for a roof or segment.
type SizeAndSunshineStats struct {
	AreaMeters2       float64 `json:"areaMeters2"`
	GroundAreaMeters2 float64 `json:"groundAreaMeters2"`
}

// RoofSegment is one planar roof section.
type RoofSegment struct {
	PitchDegrees   float64              `json:"pitchDegrees"`
	AzimuthDegrees float64              `json:"azimuthDegrees"`
	Stats          SizeAndSunshineStats `json:"stats"`
	Center         LatLng               `json:"center"`
	PlaneHeightM   float64              `json:"planeHeightAtCenterMeters"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Solar API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BuildingInsights fetches roof geometry for the building closest to the
// coordinates. Returns ErrNoCoverage when no building is known there.
func (c *httpClient) BuildingInsights(ctx context.Context, lat, lng float64) (*BuildingInsights, error) {
	params := url.Values{
		"location.latitude":  {fmt.Sprintf("%.6f", lat)},
		"location.longitude": {fmt.Sprintf("%.6f", lng)},
		"requiredQuality":    {"MEDIUM"},
		"key":                {c.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/buildingInsights:findClosest?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "solar: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "solar: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "solar: read response")
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoCoverage
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("solar: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var insights BuildingInsights
	if err := json.Unmarshal(body, &insights); err != nil {
		return nil, eris.Wrap(err, "solar: unmarshal response")
	}
	return &insights, nil
}

// HasCoverage reports whether the Solar API knows a building at the location.
func (c *httpClient) HasCoverage(ctx context.Context, lat, lng float64) (bool, error) {
	_, err := c.BuildingInsights(ctx, lat, lng)
	if errors.Is(err, ErrNoCoverage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
