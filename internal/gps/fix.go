package gps

import "time"

// Fix quality indicators as reported in GGA field 6. Receivers may emit
// other codes; they are passed through unchanged.
const (
	QualityInvalid  = 0
	QualityGPS      = 1
	QualityDGPS     = 2
	QualityRTKFixed = 4
	QualityRTKFloat = 5
)

// Fix is one decoded position. It is a value type: copies never share
// state, so a Fix handed to another goroutine cannot change underneath it.
type Fix struct {
	Time       time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`  // decimal degrees, south negative
	Longitude  float64   `json:"longitude"` // decimal degrees, west negative
	Altitude   float64   `json:"altitude"`  // meters above MSL
	Quality    int       `json:"quality"`
	Satellites int       `json:"satellites"`
	HDOP       float64   `json:"hdop"`
	Raw        string    `json:"raw_nmea"`
}

// QualityName returns a short label for the fix quality code.
func QualityName(q int) string {
	switch q {
	case QualityInvalid:
		return "invalid"
	case QualityGPS:
		return "gps"
	case QualityDGPS:
		return "dgps"
	case 3:
		return "pps"
	case QualityRTKFixed:
		return "rtk-fixed"
	case QualityRTKFloat:
		return "rtk-float"
	case 6:
		return "estimated"
	default:
		return "unknown"
	}
}
