// Package analysis builds the vegetation-index trend computations evaluated by
// Earth Engine: a map of mean anomaly against a reference period, and the
// cumulative anomaly time series for a single polygon.
package analysis

import (
	"fmt"

	"github.com/paulmach/orb"

	ee "github.com/kjstillabower/trendy-lights/internal/earthengine"
)

const timeStart = "system:time_start"

// Params selects the dataset, periods and rendering of the analysis.
type Params struct {
	ImageCollection string
	Band            string
	ReferenceStart  string
	ReferenceEnd    string
	SeriesStart     string
	SeriesEnd       string
	ReductionScale  float64

	// CountriesAsset, when set, clips the trend map to the features of this
	// table whose CountryProperty is in Countries.
	CountriesAsset  string
	CountryProperty string
	Countries       []string

	VisMin     float64
	VisMax     float64
	VisPalette []string
}

// MeanBand is the band name produced by the mean reducer over Band.
func (p Params) MeanBand() string {
	return p.Band + "_mean"
}

// VisParams renders the trend map.
func (p Params) VisParams() ee.VisParams {
	return ee.VisParams{
		Bands:   []string{p.MeanBand()},
		Min:     p.VisMin,
		Max:     p.VisMax,
		Palette: p.VisPalette,
	}
}

// TrendMapExpr is the mean anomaly of the series period relative to the mean
// of the reference period, optionally clipped to a set of countries.
func TrendMapExpr(p Params) *ee.Expr {
	fit := ee.Invoke("ImageCollection.reduce", ee.Args{
		"collection": anomalies(p),
		"reducer":    ee.Invoke("Reducer.mean", nil),
	})
	if p.CountriesAsset == "" {
		return fit
	}

	countries := ee.Invoke("Collection.loadTable", ee.Args{"tableId": ee.Const(p.CountriesAsset)})
	if len(p.Countries) > 0 {
		countries = ee.Invoke("Collection.filter", ee.Args{
			"collection": countries,
			"filter": ee.Invoke("Filter.inList", ee.Args{
				"leftField":  ee.Const(p.CountryProperty),
				"rightValue": ee.Const(p.Countries),
			}),
		})
	}
	return ee.Invoke("Image.clipToCollection", ee.Args{
		"input":      fit,
		"collection": countries,
	})
}

// TimeSeriesExpr evaluates to a FeatureCollection with one feature per image
// of the cumulative anomaly series. Each feature carries system:time_start
// and the mean of Band over geom.
func TimeSeriesExpr(p Params, geom orb.Geometry) (*ee.Expr, error) {
	geometry, err := GeometryExpr(geom)
	if err != nil {
		return nil, err
	}

	// Seed the running sum with a zero image stamped with the first series time.
	time0 := getProperty(ee.Invoke("Collection.first", ee.Args{"collection": series(p)}), timeStart)
	zero := ee.Invoke("Image.select", ee.Args{
		"input":         setProperty(ee.Invoke("Image.constant", ee.Args{"value": ee.Const(0)}), timeStart, time0),
		"bandSelectors": ee.Const([]int{0}),
		"newNames":      ee.Const([]string{p.Band}),
	})

	const img, acc = "_MAPPING_VAR_0_0", "_MAPPING_VAR_0_1"
	previous := ee.Invoke("List.get", ee.Args{"list": ee.ArgRef(acc), "index": ee.Const(-1)})
	added := setProperty(
		ee.Invoke("Image.add", ee.Args{"image1": ee.ArgRef(img), "image2": previous}),
		timeStart, getProperty(ee.ArgRef(img), timeStart),
	)
	cumulative := ee.Invoke("ImageCollection.fromImages", ee.Args{
		"images": ee.Invoke("Collection.iterate", ee.Args{
			"collection": anomalies(p),
			"function": ee.Func([]string{img, acc}, ee.Invoke("List.add", ee.Args{
				"list":    ee.ArgRef(acc),
				"element": added,
			})),
			"first": ee.Array(zero),
		}),
	})

	reduction := ee.Invoke("Image.reduceRegion", ee.Args{
		"image":    ee.ArgRef(img),
		"reducer":  ee.Invoke("Reducer.mean", nil),
		"geometry": geometry,
		"scale":    ee.Const(p.ReductionScale),
	})
	toFeature := ee.Func([]string{img}, ee.Invoke("Feature", ee.Args{
		"geometry": ee.Const(nil),
		"metadata": ee.Dict(ee.Args{
			p.Band:    ee.Invoke("Dictionary.get", ee.Args{"dictionary": reduction, "key": ee.Const(p.Band)}),
			timeStart: getProperty(ee.ArgRef(img), timeStart),
		}),
	}))

	return ee.Invoke("Collection.map", ee.Args{
		"collection":    cumulative,
		"baseAlgorithm": toFeature,
	}), nil
}

// GeometryExpr converts a polygonal geometry into a server-side geometry.
func GeometryExpr(geom orb.Geometry) (*ee.Expr, error) {
	switch g := geom.(type) {
	case orb.Polygon:
		return ee.Invoke("GeometryConstructors.Polygon", ee.Args{
			"coordinates": ee.Const(g),
			"evenOdd":     ee.Const(true),
		}), nil
	case orb.MultiPolygon:
		return ee.Invoke("GeometryConstructors.MultiPolygon", ee.Args{
			"coordinates": ee.Const(g),
			"evenOdd":     ee.Const(true),
		}), nil
	case nil:
		return nil, fmt.Errorf("geometry is nil")
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", g.GeoJSONType())
	}
}

// anomalies is every series image minus the reference mean, keeping the
// image timestamp.
func anomalies(p Params) *ee.Expr {
	refMean := selectBand(ee.Invoke("reduce.mean", ee.Args{"collection": reference(p)}), p.Band)

	const img = "_MAPPING_VAR_0_0"
	return ee.Invoke("Collection.map", ee.Args{
		"collection": series(p),
		"baseAlgorithm": ee.Func([]string{img}, setProperty(
			ee.Invoke("Image.subtract", ee.Args{
				"image1": selectBand(ee.ArgRef(img), p.Band),
				"image2": refMean,
			}),
			timeStart, getProperty(ee.ArgRef(img), timeStart),
		)),
	})
}

func reference(p Params) *ee.Expr {
	return sortByTime(filterDate(loadCollection(p), p.ReferenceStart, p.ReferenceEnd))
}

func series(p Params) *ee.Expr {
	return sortByTime(filterDate(loadCollection(p), p.SeriesStart, p.SeriesEnd))
}

func loadCollection(p Params) *ee.Expr {
	return ee.Invoke("ImageCollection.load", ee.Args{"id": ee.Const(p.ImageCollection)})
}

func filterDate(collection *ee.Expr, start, end string) *ee.Expr {
	return ee.Invoke("Collection.filter", ee.Args{
		"collection": collection,
		"filter": ee.Invoke("Filter.dateRangeContains", ee.Args{
			"leftValue":  ee.Invoke("DateRange", ee.Args{"start": ee.Const(start), "end": ee.Const(end)}),
			"rightField": ee.Const(timeStart),
		}),
	})
}

func sortByTime(collection *ee.Expr) *ee.Expr {
	return ee.Invoke("Collection.limit", ee.Args{
		"collection": collection,
		"key":        ee.Const(timeStart),
	})
}

func selectBand(image *ee.Expr, band string) *ee.Expr {
	return ee.Invoke("Image.select", ee.Args{
		"input":         image,
		"bandSelectors": ee.Const([]string{band}),
	})
}

func getProperty(object *ee.Expr, name string) *ee.Expr {
	return ee.Invoke("Element.get", ee.Args{"object": object, "property": ee.Const(name)})
}

func setProperty(object *ee.Expr, name string, value *ee.Expr) *ee.Expr {
	return ee.Invoke("Element.set", ee.Args{"object": object, "key": ee.Const(name), "value": value})
}
