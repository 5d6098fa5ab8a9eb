package gps

import (
	"fmt"
	"math"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, Checksum(payload))
}

const (
	ggaHefei = "GNGGA,023634.00,3149.301528,N,11706.920684,E,4,20,0.7,61.0,M,-3.6,M,1.0,0000"
	rmcHefei = "GNRMC,023634.00,A,3149.301528,N,11706.920684,E,0.021,12.5,140925,003.1,W,A"
)

func TestParse_GGA(t *testing.T) {
	now := time.Date(2025, 9, 14, 2, 36, 34, 0, time.UTC)
	line := nmeaLine(ggaHefei)
	fix, ok := ParseAt(line, now)
	if !ok {
		t.Fatalf("expected fix from %q", line)
	}
	if math.Abs(fix.Latitude-31.8216921) > 1e-6 {
		t.Fatalf("lat=%v want 31.8216921", fix.Latitude)
	}
	if math.Abs(fix.Longitude-117.1153447) > 1e-6 {
		t.Fatalf("lon=%v want 117.1153447", fix.Longitude)
	}
	if fix.Quality != QualityRTKFixed {
		t.Fatalf("quality=%d want %d", fix.Quality, QualityRTKFixed)
	}
	if fix.Satellites != 20 {
		t.Fatalf("satellites=%d want 20", fix.Satellites)
	}
	if math.Abs(fix.HDOP-0.7) > 1e-9 {
		t.Fatalf("hdop=%v want 0.7", fix.HDOP)
	}
	if math.Abs(fix.Altitude-61.0) > 1e-9 {
		t.Fatalf("alt=%v want 61.0", fix.Altitude)
	}
	if !fix.Time.Equal(now) {
		t.Fatalf("time=%v want %v", fix.Time, now)
	}
	if fix.Raw != line {
		t.Fatalf("raw=%q want %q", fix.Raw, line)
	}
}

func TestParse_RMCDefaults(t *testing.T) {
	fix, ok := Parse(nmeaLine(rmcHefei))
	if !ok {
		t.Fatalf("expected fix")
	}
	if math.Abs(fix.Latitude-31.8216921) > 1e-6 || math.Abs(fix.Longitude-117.1153447) > 1e-6 {
		t.Fatalf("lat/lon=%v,%v", fix.Latitude, fix.Longitude)
	}
	if fix.Quality != 1 || fix.Satellites != 0 || fix.HDOP != 0 || fix.Altitude != 0 {
		t.Fatalf("unexpected defaults: %+v", fix)
	}
}

func TestParse_RMCVoidRejected(t *testing.T) {
	line := nmeaLine("GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	if _, ok := Parse(line); ok {
		t.Fatalf("expected void RMC to be rejected")
	}
}

func TestParse_Hemispheres(t *testing.T) {
	line := nmeaLine("GPGGA,123519,3352.1280,S,15112.5580,W,1,08,0.9,545.4,M,46.9,M,,")
	fix, ok := Parse(line)
	if !ok {
		t.Fatalf("expected fix")
	}
	if fix.Latitude >= 0 || fix.Longitude >= 0 {
		t.Fatalf("expected negative lat/lon, got %v,%v", fix.Latitude, fix.Longitude)
	}
	if math.Abs(fix.Latitude-(-(33 + 52.128/60))) > 1e-9 {
		t.Fatalf("lat=%v", fix.Latitude)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"Empty", ""},
		{"NoDollar", "GNGGA,1,2,3*00"},
		{"NoChecksum", "$" + ggaHefei},
		{"ShortChecksum", "$" + ggaHefei + "*4"},
		{"OtherType", nmeaLine("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1")},
		{"ShortGGA", nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M")},
		{"ShortRMC", nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4")},
		{"BadLat", nmeaLine("GNGGA,123519,48x7.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")},
		{"BadQuality", nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,x,08,0.9,545.4,M,46.9,M,,")},
		{"BadAltitude", nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,5a5.4,M,46.9,M,,")},
		{"MinutesOutOfRange", nmeaLine("GNGGA,123519,4867.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if fix, ok := Parse(tc.line); ok {
				t.Fatalf("expected no fix, got %+v", fix)
			}
		})
	}
}

func TestParse_EmptyFieldsDecodeAsZero(t *testing.T) {
	// A receiver without a position emits blank fields and quality 0.
	fix, ok := Parse(nmeaLine("GNGGA,000001.00,,,,,0,00,,,M,,M,,"))
	if !ok {
		t.Fatalf("expected fix")
	}
	if fix.Quality != QualityInvalid || fix.Latitude != 0 || fix.Longitude != 0 {
		t.Fatalf("unexpected fix: %+v", fix)
	}
}

func TestParse_ChecksumSensitivity(t *testing.T) {
	good := nmeaLine(ggaHefei)
	if _, ok := Parse(good); !ok {
		t.Fatalf("expected good line to parse")
	}
	star := len(good) - 3
	for i := star + 1; i < len(good); i++ {
		mut := []byte(good)
		if mut[i] == '0' {
			mut[i] = '1'
		} else {
			mut[i] = '0'
		}
		if _, ok := Parse(string(mut)); ok {
			t.Fatalf("mutated checksum byte %d still parsed: %q", i, mut)
		}
	}
	if _, ok := Parse(good); !ok {
		t.Fatalf("restored line no longer parses")
	}
}

func TestParse_PayloadSensitivity(t *testing.T) {
	good := nmeaLine(ggaHefei)
	mut := []byte(good)
	mut[10] ^= 0x01
	if _, ok := Parse(string(mut)); ok {
		t.Fatalf("payload mutation not detected")
	}
}

func TestParse_ChecksumCaseInsensitive(t *testing.T) {
	payload := "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	line := fmt.Sprintf("$%s*%02x", payload, Checksum(payload))
	if !ValidChecksum(line) {
		t.Fatalf("lowercase checksum rejected: %q", line)
	}
}

func TestParse_TrailingWhitespace(t *testing.T) {
	if _, ok := Parse(nmeaLine(ggaHefei) + "\r\n"); !ok {
		t.Fatalf("expected CRLF-terminated line to parse")
	}
}

func TestParseLatLon(t *testing.T) {
	cases := []struct {
		v, hemi string
		want    float64
	}{
		{"3149.301528", "N", 31.8216921333},
		{"11706.920684", "E", 117.1153447333},
		{"4807.038", "N", 48.1173},
		{"01131.000", "E", 11.516666667},
		{"0000.5000", "S", -0.0083333333},
		{"17959.9999", "W", -179.9999983333},
	}
	for _, tc := range cases {
		got, ok := parseLatLon(tc.v, tc.hemi)
		if !ok {
			t.Fatalf("parseLatLon(%q,%q) failed", tc.v, tc.hemi)
		}
		if math.Abs(got-tc.want) > 1e-8 {
			t.Fatalf("parseLatLon(%q,%q)=%v want %v", tc.v, tc.hemi, got, tc.want)
		}
	}
}

// The go-nmea decoder is an independent implementation of the same
// coordinate rules; both must agree on well-formed input.
func TestParse_AgreesWithGoNMEA(t *testing.T) {
	lines := []string{
		nmeaLine(ggaHefei),
		nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
		nmeaLine("GNGGA,101010.00,3352.1280,S,15112.5580,W,2,11,1.2,12.3,M,20.1,M,,"),
		nmeaLine(rmcHefei),
	}
	for _, line := range lines {
		fix, ok := Parse(line)
		if !ok {
			t.Fatalf("Parse(%q) failed", line)
		}
		s, err := nmea.Parse(line)
		if err != nil {
			t.Fatalf("go-nmea Parse(%q): %v", line, err)
		}
		var lat, lon float64
		switch m := s.(type) {
		case nmea.GGA:
			lat, lon = m.Latitude, m.Longitude
			if int(m.NumSatellites) != fix.Satellites {
				t.Fatalf("satellites=%d go-nmea=%d", fix.Satellites, m.NumSatellites)
			}
			if math.Abs(m.Altitude-fix.Altitude) > 1e-9 {
				t.Fatalf("altitude=%v go-nmea=%v", fix.Altitude, m.Altitude)
			}
		case nmea.RMC:
			lat, lon = m.Latitude, m.Longitude
		default:
			t.Fatalf("unexpected go-nmea type %T", s)
		}
		if math.Abs(lat-fix.Latitude) > 1e-9 || math.Abs(lon-fix.Longitude) > 1e-9 {
			t.Fatalf("%q: lat/lon=%v,%v go-nmea=%v,%v", line, fix.Latitude, fix.Longitude, lat, lon)
		}
	}
}

func TestQualityName(t *testing.T) {
	cases := map[int]string{
		QualityInvalid:  "invalid",
		QualityGPS:      "gps",
		QualityRTKFixed: "rtk-fixed",
		QualityRTKFloat: "rtk-float",
		9:               "unknown",
	}
	for q, want := range cases {
		if got := QualityName(q); got != want {
			t.Fatalf("QualityName(%d)=%q want %q", q, got, want)
		}
	}
}
