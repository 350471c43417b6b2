package analysis

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"

	"github.com/kjstillabower/trendy-lights/internal/config"
	ee "github.com/kjstillabower/trendy-lights/internal/earthengine"
	"github.com/kjstillabower/trendy-lights/internal/models"
)

// Analyzer runs the trend computations against an Earth Engine client.
type Analyzer struct {
	client ee.Client
	params Params
}

// NewAnalyzer returns an Analyzer running params' call chains through client.
func NewAnalyzer(client ee.Client, params Params) *Analyzer {
	return &Analyzer{client: client, params: params}
}

// ParamsFromConfig copies the analysis settings out of cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		ImageCollection: cfg.ImageCollection,
		Band:            cfg.Band,
		ReferenceStart:  cfg.ReferenceStart,
		ReferenceEnd:    cfg.ReferenceEnd,
		SeriesStart:     cfg.SeriesStart,
		SeriesEnd:       cfg.SeriesEnd,
		ReductionScale:  cfg.ReductionScale,
		CountriesAsset:  cfg.CountriesAsset,
		CountryProperty: cfg.CountryProperty,
		Countries:       cfg.Countries,
		VisMin:          cfg.VisMin,
		VisMax:          cfg.VisMax,
		VisPalette:      cfg.VisPalette,
	}
}

// Params returns the parameters the analyzer was built with.
func (a *Analyzer) Params() Params {
	return a.params
}

// TrendMap creates a fresh tiled map of the trend image.
func (a *Analyzer) TrendMap(ctx context.Context) (models.MapCredentials, error) {
	return a.client.CreateMap(ctx, TrendMapExpr(a.params), a.params.VisParams())
}

// PolygonTimeSeries computes the cumulative anomaly series over geom.
func (a *Analyzer) PolygonTimeSeries(ctx context.Context, geom orb.Geometry) ([]models.Point, error) {
	expr, err := TimeSeriesExpr(a.params, geom)
	if err != nil {
		return nil, err
	}
	raw, err := a.client.ComputeValue(ctx, expr)
	if err != nil {
		return nil, err
	}
	return DecodeSeries(raw, a.params.Band)
}

type seriesResult struct {
	Features []struct {
		Properties map[string]json.RawMessage `json:"properties"`
	} `json:"features"`
}

// DecodeSeries turns the FeatureCollection produced by TimeSeriesExpr into
// [time, value] points. Missing or null band values stay null.
func DecodeSeries(raw json.RawMessage, band string) ([]models.Point, error) {
	var res seriesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse time series: %w", err)
	}

	points := make([]models.Point, 0, len(res.Features))
	for i, f := range res.Features {
		var t *float64
		if rawTime, ok := f.Properties[timeStart]; ok {
			if err := json.Unmarshal(rawTime, &t); err != nil {
				return nil, fmt.Errorf("parse time series feature %d time: %w", i, err)
			}
		}
		if t == nil {
			return nil, fmt.Errorf("parse time series feature %d: missing %s", i, timeStart)
		}

		var v *float64
		if rawValue, ok := f.Properties[band]; ok {
			if err := json.Unmarshal(rawValue, &v); err != nil {
				return nil, fmt.Errorf("parse time series feature %d %s: %w", i, band, err)
			}
		}
		points = append(points, models.Point{Time: int64(*t), Value: v})
	}
	return points, nil
}
