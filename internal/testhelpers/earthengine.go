// Package testhelpers provides fakes shared by tests across packages.
package testhelpers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/kjstillabower/trendy-lights/internal/models"
)

// FakeProject is the project the fake Earth Engine accepts.
const FakeProject = "trendy-lights-test"

// FakeEarthEngine is an httptest server speaking the subset of the Earth
// Engine REST API used by this service.
type FakeEarthEngine struct {
	Server *httptest.Server

	mu            sync.Mutex
	computeResult json.RawMessage
	mapName       string
	failures      []fakeFailure
	delay         time.Duration
	computeCalls  int
	mapCalls      int
	lastBody      map[string]any
	lastHeader    http.Header
}

type fakeFailure struct {
	status  int
	message string
}

// NewFakeEarthEngine starts a fake server closed when the test ends. By
// default value:compute returns a two-point series and maps returns a map name.
func NewFakeEarthEngine(t testing.TB) *FakeEarthEngine {
	t.Helper()
	f := &FakeEarthEngine{
		computeResult: SeriesResult("EVI",
			models.Point{Time: 1325376000000, Value: Float(12.5)},
			models.Point{Time: 1326758400000, Value: Float(-3)},
		),
		mapName: "projects/" + FakeProject + "/maps/fake-map-id",
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/projects/{project}/value:compute", f.handle(func() any {
		f.computeCalls++
		return map[string]json.RawMessage{"result": f.computeResult}
	})).Methods(http.MethodPost)
	r.HandleFunc("/v1/projects/{project}/maps", f.handle(func() any {
		f.mapCalls++
		return map[string]string{"name": f.mapName}
	})).Methods(http.MethodPost)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeEarthEngine) handle(respond func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		f.lastBody = decoded
		f.lastHeader = r.Header.Clone()
		delay := f.delay
		project := mux.Vars(r)["project"]
		var failure *fakeFailure
		if len(f.failures) > 0 {
			failure = &f.failures[0]
			f.failures = f.failures[1:]
		}
		var resp any
		if failure == nil && project == FakeProject {
			resp = respond()
		}
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		switch {
		case project != FakeProject:
			writeFakeError(w, http.StatusNotFound, "Project '"+project+"' not found.", "NOT_FOUND")
		case failure != nil:
			writeFakeError(w, failure.status, failure.message, http.StatusText(failure.status))
		default:
			_ = json.NewEncoder(w).Encode(resp)
		}
	}
}

func writeFakeError(w http.ResponseWriter, status int, message, code string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  strings.ToUpper(strings.ReplaceAll(code, " ", "_")),
		},
	})
}

// URL returns the base URL to configure the client with.
func (f *FakeEarthEngine) URL() string {
	return f.Server.URL
}

// SetComputeResult replaces the value:compute result.
func (f *FakeEarthEngine) SetComputeResult(result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computeResult = result
}

// FailNext makes the next n calls fail with status and message.
func (f *FakeEarthEngine) FailNext(n, status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures = append(f.failures, fakeFailure{status: status, message: message})
	}
}

// SetDelay delays every response by d.
func (f *FakeEarthEngine) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// ComputeCalls returns the number of successful value:compute calls.
func (f *FakeEarthEngine) ComputeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computeCalls
}

// MapCalls returns the number of successful maps calls.
func (f *FakeEarthEngine) MapCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapCalls
}

// LastBody returns the decoded body of the most recent request.
func (f *FakeEarthEngine) LastBody() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

// LastHeader returns the headers of the most recent request.
func (f *FakeEarthEngine) LastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader
}

// SeriesResult renders points the way Earth Engine returns a mapped
// FeatureCollection of per-image reductions.
func SeriesResult(band string, points ...models.Point) json.RawMessage {
	features := make([]map[string]any, 0, len(points))
	for i, p := range points {
		props := map[string]any{"system:time_start": p.Time, band: nil}
		if p.Value != nil {
			props[band] = *p.Value
		}
		features = append(features, map[string]any{
			"type":       "Feature",
			"geometry":   nil,
			"id":         strconv.Itoa(i),
			"properties": props,
		})
	}
	data, _ := json.Marshal(map[string]any{
		"type":     "FeatureCollection",
		"columns":  map[string]string{},
		"features": features,
	})
	return data
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
