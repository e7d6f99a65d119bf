// Package fallback selects the best available no-cost measurement source for
// a location. Sources are probed for coverage in parallel, then tried in
// preference order; a low-confidence result falls through to the next source
// and the higher-confidence estimate wins.
package fallback

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/panda-crm/measure-engine/internal/config"
	"github.com/panda-crm/measure-engine/internal/model"
)

// ErrNoSource means no registered source covers the location.
var ErrNoSource = eris.New("fallback: no measurement source covers location")

// Request identifies the property to estimate.
type Request struct {
	ReportID  string
	Latitude  float64
	Longitude float64
	Address   model.Address
}

// Estimate is one source's measurement output.
type Estimate struct {
	Provider    model.Provider
	Measurement *model.CanonicalMeasurement
	ImageKey    string
	PDFRef      string
}

// Source is a no-cost measurement backend.
type Source interface {
	Name() string
	Provider() model.Provider

	// HasCoverage reports whether the source can measure the location.
	HasCoverage(ctx context.Context, lat, lng float64) (bool, error)

	Measure(ctx context.Context, req Request) (*Estimate, error)
}

// Selector routes instant-measurement requests across sources.
type Selector struct {
	sources []Source // preference order
	cfg     config.FallbackConfig
}

// NewSelector creates a Selector. Sources are tried in the order given.
func NewSelector(cfg config.FallbackConfig, sources ...Source) *Selector {
	return &Selector{sources: sources, cfg: cfg}
}

// Select probes all sources for coverage concurrently, then measures with the
// first covered source in preference order. When that result's confidence is
// below the configured threshold, later covered sources are tried too and the
// highest-confidence estimate is returned, flagged low-confidence if still
// under the threshold.
func (s *Selector) Select(ctx context.Context, req Request) (*Estimate, error) {
	covered, err := s.probeCoverage(ctx, req.Latitude, req.Longitude)
	if err != nil {
		return nil, err
	}

	var best *Estimate
	for i, src := range s.sources {
		if !covered[i] {
			continue
		}

		est, err := src.Measure(ctx, req)
		if err != nil {
			zap.L().Warn("fallback source failed, trying next",
				zap.String("source", src.Name()),
				zap.String("report_id", req.ReportID),
				zap.Error(err),
			)
			continue
		}

		if best == nil || est.Measurement.Confidence > best.Measurement.Confidence {
			best = est
		}
		if best.Measurement.Confidence >= s.cfg.MLConfidenceThreshold {
			break
		}
	}

	if best == nil {
		return nil, ErrNoSource
	}

	if best.Measurement.Confidence < s.cfg.MLConfidenceThreshold {
		best.Measurement.LowConfidence = true
		best.Measurement.Warnings = append(best.Measurement.Warnings,
			"measurement confidence below threshold; consider ordering a provider report")
	}
	return best, nil
}

// probeCoverage checks every source concurrently. A probe error counts as no
// coverage so one flaky source cannot block the others.
func (s *Selector) probeCoverage(ctx context.Context, lat, lng float64) ([]bool, error) {
	timeout := time.Duration(s.cfg.CoverageTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	covered := make([]bool, len(s.sources))
	g, gctx := errgroup.WithContext(probeCtx)
	for i, src := range s.sources {
		g.Go(func() error {
			ok, err := src.HasCoverage(gctx, lat, lng)
			if err != nil {
				zap.L().Warn("coverage probe failed",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				return nil
			}
			covered[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "fallback: probe coverage")
	}
	return covered, nil
}
