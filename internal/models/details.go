package models

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Point is one sample of a polygon time series: the image start time in
// milliseconds since the epoch and the reduced value for the region.
// Value is nil when the region was fully masked for that image.
type Point struct {
	Time  int64
	Value *float64
}

// MarshalJSON encodes the point as a two-element array [time, value].
func (p Point) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	b.WriteString(strconv.FormatInt(p.Time, 10))
	b.WriteByte(',')
	if p.Value == nil {
		b.WriteString("null")
	} else {
		b.WriteString(strconv.FormatFloat(*p.Value, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes a [time, value] pair.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []*float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode point: %w", err)
	}
	if len(pair) != 2 || pair[0] == nil {
		return fmt.Errorf("decode point: want [time, value], got %s", data)
	}
	p.Time = int64(*pair[0])
	p.Value = pair[1]
	return nil
}

// DetailRecord is the payload returned by the details endpoint and stored in
// the cache. A record carries either a time series or an error, never both.
type DetailRecord struct {
	WikiURL    string  `json:"wikiUrl,omitempty"`
	TimeSeries []Point `json:"timeSeries,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// MarshalJSON writes timeSeries (possibly empty) whenever Error is unset and
// omits it otherwise.
func (d DetailRecord) MarshalJSON() ([]byte, error) {
	out := struct {
		WikiURL    string   `json:"wikiUrl,omitempty"`
		TimeSeries *[]Point `json:"timeSeries,omitempty"`
		Error      string   `json:"error,omitempty"`
	}{WikiURL: d.WikiURL, Error: d.Error}
	if d.Error == "" {
		series := d.TimeSeries
		if series == nil {
			series = []Point{}
		}
		out.TimeSeries = &series
	}
	return json.Marshal(out)
}

// MapCredentials identify a rendered Earth Engine map for the browser's tile layer.
type MapCredentials struct {
	MapID   string `json:"mapid"`
	Token   string `json:"token"`
	TileURL string `json:"tileUrl"`
}
