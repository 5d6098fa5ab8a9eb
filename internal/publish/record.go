package publish

import (
	"encoding/json"
	"time"

	"rtkbridge/internal/gps"
)

// Record is the published form of a fix. File targets contain exactly one
// Record, indented by two spaces.
type Record struct {
	Timestamp  string  `json:"timestamp"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Quality    int     `json:"quality"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	RawNMEA    string  `json:"raw_nmea"`
}

func NewRecord(fix gps.Fix) Record {
	ts := ""
	if !fix.Time.IsZero() {
		ts = fix.Time.UTC().Format(time.RFC3339Nano)
	}
	return Record{
		Timestamp:  ts,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Altitude:   fix.Altitude,
		Quality:    fix.Quality,
		Satellites: fix.Satellites,
		HDOP:       fix.HDOP,
		RawNMEA:    fix.Raw,
	}
}

func (r Record) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
