// Package geocode resolves property addresses to rooftop coordinates via the
// Census Geocoder (primary) and Google Geocoding API (fallback), with an
// optional database-backed cache.
package geocode

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// Client geocodes a single property address.
type Client interface {
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
}

// AddressInput is an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude  float64
	Longitude float64
	Source    string // "census", "google", or "cache"
	Quality   string // "rooftop", "range", "approximate"
	Matched   bool
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithGoogleAPIKey enables the Google Geocoding API as a fallback.
func WithGoogleAPIKey(key string) Option {
	return func(g *geocoder) {
		g.googleKey = key
	}
}

// WithHTTPClient sets a custom HTTP client for both Census and Google requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit for upstream calls.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		g.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// WithCache stores results in the given cache, consulted before any upstream
// call. Negative results are cached too.
func WithCache(c Cache) Option {
	return func(g *geocoder) {
		g.cache = c
	}
}

// WithBaseURLs overrides the upstream endpoints, for tests.
func WithBaseURLs(censusURL, googleURL string) Option {
	return func(g *geocoder) {
		if censusURL != "" {
			g.censusURL = censusURL
		}
		if googleURL != "" {
			g.googleURL = googleURL
		}
	}
}

type geocoder struct {
	httpClient *http.Client
	googleKey  string
	limiter    *rate.Limiter
	cache      Cache
	censusURL  string
	googleURL  string
}

// NewClient creates a geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		censusURL:  censusOneLineURL,
		googleURL:  googleGeocodeURL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Geocode resolves one address: cache, then Census, then Google if configured.
// An address no provider matches returns Matched=false, not an error.
func (g *geocoder) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	addr = normalizeAddress(addr)
	key := cacheKey(addr)

	if g.cache != nil {
		if cached, err := g.cache.Lookup(ctx, key); err == nil && cached != nil {
			cached.Source = "cache"
			return cached, nil
		}
	}

	result, censusErr := g.geocodeCensus(ctx, addr)
	if censusErr == nil && result.Matched {
		g.storeCache(ctx, key, result)
		return result, nil
	}

	if g.googleKey != "" {
		googleResult, googleErr := g.geocodeGoogle(ctx, addr)
		if googleErr == nil && googleResult.Matched {
			g.storeCache(ctx, key, googleResult)
			return googleResult, nil
		}
	}

	noMatch := &Result{Matched: false}
	g.storeCache(ctx, key, noMatch)
	return noMatch, nil
}

func (g *geocoder) storeCache(ctx context.Context, key string, r *Result) {
	if g.cache != nil {
		_ = g.cache.Store(ctx, key, r)
	}
}

// stripDiacritics removes combining marks so "Peña Blvd" and "Pena Blvd" key
// identically.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeField(s string) string {
	out, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

func normalizeAddress(addr AddressInput) AddressInput {
	return AddressInput{
		Street:  normalizeField(addr.Street),
		City:    normalizeField(addr.City),
		State:   strings.ToUpper(normalizeField(addr.State)),
		ZipCode: normalizeField(addr.ZipCode),
	}
}

func formatOneLine(addr AddressInput) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{addr.Street, addr.City, addr.State, addr.ZipCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
