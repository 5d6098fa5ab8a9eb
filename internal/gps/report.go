package gps

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ReportOptions controls the fixed parts of the GGA report sent upstream.
type ReportOptions struct {
	// Talker is the two-letter talker id; empty means "GN".
	Talker string
	// GeoidSep is the geoid separation written into field 11 (meters).
	GeoidSep float64
}

// DefaultReportOptions matches what most casters accept from a rover.
var DefaultReportOptions = ReportOptions{Talker: "GN", GeoidSep: -3.6}

// FormatGGA builds a GGA sentence from fix with nowUTC as the sentence time,
// terminated by CRLF:
//
//	$GNGGA,HHMMSS.sss,DDMM.MMMMM,N,DDDMM.MMMMM,E,q,ss,h.hh,a.a,M,g.g,M,,*CS
func FormatGGA(fix Fix, nowUTC time.Time, opts ReportOptions) string {
	talker := strings.TrimSpace(opts.Talker)
	if talker == "" {
		talker = "GN"
	}

	latHemi, lonHemi := hemispheres(fix)
	body := fmt.Sprintf("%sGGA,%s,%s,%s,%s,%s,%d,%02d,%.2f,%.1f,M,%s,M,,",
		talker,
		nowUTC.UTC().Format("150405.000"),
		formatDegMin(fix.Latitude, 2), latHemi,
		formatDegMin(fix.Longitude, 3), lonHemi,
		fix.Quality,
		fix.Satellites,
		fix.HDOP,
		fix.Altitude,
		strconv.FormatFloat(opts.GeoidSep, 'f', 1, 64),
	)
	return frame(body)
}

// FormatRMC builds an active RMC sentence for fix with the given speed over
// ground (knots) and course (degrees true).
func FormatRMC(fix Fix, nowUTC time.Time, talker string, speedKt, courseDeg float64) string {
	talker = strings.TrimSpace(talker)
	if talker == "" {
		talker = "GN"
	}
	latHemi, lonHemi := hemispheres(fix)
	t := nowUTC.UTC()
	body := fmt.Sprintf("%sRMC,%s,A,%s,%s,%s,%s,%.3f,%.1f,%s,,,A",
		talker,
		t.Format("150405.000"),
		formatDegMin(fix.Latitude, 2), latHemi,
		formatDegMin(fix.Longitude, 3), lonHemi,
		speedKt,
		courseDeg,
		t.Format("020106"),
	)
	return frame(body)
}

func frame(body string) string {
	return fmt.Sprintf("$%s*%02X\r\n", body, Checksum(body))
}

func hemispheres(fix Fix) (lat, lon string) {
	lat, lon = "N", "E"
	if fix.Latitude < 0 {
		lat = "S"
	}
	if fix.Longitude < 0 {
		lon = "W"
	}
	return lat, lon
}

// formatDegMin renders |v| as degrees (padded to degWidth) immediately
// followed by minutes with five decimals. Rounding is done on the whole
// value so minutes never print as 60.
func formatDegMin(v float64, degWidth int) string {
	const scale = 100000
	total := int64(math.Round(math.Abs(v) * 60 * scale))
	deg := total / (60 * scale)
	rem := total % (60 * scale)
	return fmt.Sprintf("%0*d%02d.%05d", degWidth, deg, rem/scale, rem%scale)
}
