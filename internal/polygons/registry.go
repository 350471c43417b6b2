// Package polygons exposes the GeoJSON polygon files the app draws and
// analyses. A polygon's ID is its file name without the .json extension.
package polygons

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/kjstillabower/trendy-lights/internal/observability"
)

const fileExt = ".json"

var (
	// ErrUnknownPolygon is returned for IDs that are not in the registry.
	ErrUnknownPolygon = errors.New("unknown polygon")
	// ErrMalformedPolygon is returned when a polygon file cannot be used.
	ErrMalformedPolygon = errors.New("malformed polygon file")
)

// Registry holds the set of polygon IDs found in a directory.
type Registry struct {
	dir string

	mu  sync.RWMutex
	ids []string
	set map[string]struct{}
}

// Load scans dir once and returns a registry of the *.json files in it.
func Load(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan re-reads the directory listing.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read polygon dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if id == "" {
			continue
		}
		ids = append(ids, id)
		set[id] = struct{}{}
	}
	sort.Strings(ids)

	r.mu.Lock()
	r.ids = ids
	r.set = set
	r.mu.Unlock()

	observability.PolygonsKnown.Set(float64(len(ids)))
	return nil
}

// Dir returns the directory the registry reads from.
func (r *Registry) Dir() string {
	return r.dir
}

// IDs returns the sorted polygon IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Has reports whether id is a known polygon.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[id]
	return ok
}

// Len returns the number of known polygons.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Feature reads and parses the file for id. The file may hold a Feature, a
// FeatureCollection or a bare geometry; collections are merged into one
// MultiPolygon. Only polygonal geometries are accepted.
func (r *Registry) Feature(id string) (*geojson.Feature, error) {
	if !r.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolygon, id)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, id+fileExt))
	if err != nil {
		return nil, fmt.Errorf("read polygon %s: %w", id, err)
	}
	f, err := parseFeature(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMalformedPolygon, id+fileExt, err)
	}
	return f, nil
}

// Geometry is Feature(id).Geometry.
func (r *Registry) Geometry(id string) (orb.Geometry, error) {
	f, err := r.Feature(id)
	if err != nil {
		return nil, err
	}
	return f.Geometry, nil
}

func parseFeature(data []byte) (*geojson.Feature, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var f *geojson.Feature
	switch head.Type {
	case "Feature":
		parsed, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature: %w", err)
		}
		f = parsed
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("parse feature collection: %w", err)
		}
		merged, err := mergePolygons(fc.Features)
		if err != nil {
			return nil, err
		}
		f = geojson.NewFeature(merged)
		if len(fc.Features) > 0 {
			f.Properties = fc.Features[0].Properties.Clone()
		}
	case "":
		return nil, errors.New("missing geojson type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("parse geometry: %w", err)
		}
		f = geojson.NewFeature(g.Geometry())
	}

	switch f.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return f, nil
	case nil:
		return nil, errors.New("feature has no geometry")
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", f.Geometry.GeoJSONType())
	}
}

func mergePolygons(features []*geojson.Feature) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	for i, feat := range features {
		switch g := feat.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		case nil:
			return nil, fmt.Errorf("feature %d has no geometry", i)
		default:
			return nil, fmt.Errorf("feature %d: unsupported geometry type %s", i, g.GeoJSONType())
		}
	}
	if len(mp) == 0 {
		return nil, errors.New("feature collection has no polygons")
	}
	return mp, nil
}
