package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ggaMinFields = 15
	rmcMinFields = 12
)

type sentence struct {
	Type string
	// Fields is the comma-split NMEA payload (excluding $ and checksum).
	Fields []string
}

// Parse decodes one NMEA line into a Fix stamped with the current UTC time.
// It reports false for anything that is not a checksum-valid, well-formed
// GGA or RMC sentence; that is a normal outcome, not an error.
func Parse(line string) (Fix, bool) {
	return ParseAt(line, time.Now().UTC())
}

// ParseAt is Parse with an explicit capture time.
func ParseAt(line string, nowUTC time.Time) (Fix, bool) {
	line = strings.TrimSpace(line)
	s, err := parseSentence(line)
	if err != nil {
		return Fix{}, false
	}
	var (
		fix Fix
		ok  bool
	)
	switch s.Type {
	case "GGA":
		fix, ok = decodeGGA(s.Fields)
	case "RMC":
		fix, ok = decodeRMC(s.Fields)
	default:
		return Fix{}, false
	}
	if !ok {
		return Fix{}, false
	}
	fix.Time = nowUTC
	fix.Raw = line
	return fix, true
}

// Checksum XORs every byte of body. body is the text strictly between the
// leading '$' and the '*' marker.
func Checksum(body string) byte {
	ck := byte(0)
	for i := 0; i < len(body); i++ {
		ck ^= body[i]
	}
	return ck
}

// ValidChecksum reports whether line carries a correct trailing checksum.
func ValidChecksum(line string) bool {
	_, err := parseSentence(strings.TrimSpace(line))
	return err == nil
}

func parseSentence(line string) (sentence, error) {
	if line == "" {
		return sentence{}, fmt.Errorf("nmea: empty")
	}
	if !strings.HasPrefix(line, "$") {
		return sentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return sentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return sentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return sentence{}, fmt.Errorf("nmea: bad checksum")
	}
	if Checksum(payload) != want[0] {
		return sentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return sentence{}, fmt.Errorf("nmea: short type")
	}
	// Accept GNxxx/GPxxx, etc; normalize to last 3 chars.
	t := typeField[len(typeField)-3:]
	return sentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// GGA: Global Positioning System Fix Data
// Fields:
//
//	0: talker+type
//	1: time
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
//
// 10: units (M)
// 11: geoid separation
// 12: units (M)
// 13: age of differential data
// 14: reference station id
func decodeGGA(f []string) (Fix, bool) {
	if len(f) < ggaMinFields {
		return Fix{}, false
	}
	lat, ok := parseLatLon(f[2], f[3])
	if !ok {
		return Fix{}, false
	}
	lon, ok := parseLatLon(f[4], f[5])
	if !ok {
		return Fix{}, false
	}
	quality, ok := parseInt(f[6])
	if !ok {
		return Fix{}, false
	}
	sats, ok := parseInt(f[7])
	if !ok {
		return Fix{}, false
	}
	hdop, ok := parseFloat(f[8])
	if !ok {
		return Fix{}, false
	}
	alt, ok := parseFloat(f[9])
	if !ok {
		return Fix{}, false
	}
	return Fix{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Quality:    quality,
		Satellites: sats,
		HDOP:       hdop,
	}, true
}

// RMC: Recommended Minimum Specific GNSS Data
// Fields (NMEA 0183 v2.3):
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
//
// 10: magnetic variation
// 11: E/W
func decodeRMC(f []string) (Fix, bool) {
	if len(f) < rmcMinFields {
		return Fix{}, false
	}
	if strings.TrimSpace(f[2]) != "A" {
		return Fix{}, false
	}
	lat, ok := parseLatLon(f[3], f[4])
	if !ok {
		return Fix{}, false
	}
	lon, ok := parseLatLon(f[5], f[6])
	if !ok {
		return Fix{}, false
	}
	// RMC carries no altitude, satellite count or HDOP.
	return Fix{
		Latitude:  lat,
		Longitude: lon,
		Quality:   QualityGPS,
	}, true
}

// parseInt and parseFloat treat an empty field as zero; receivers leave
// fields blank when they have nothing to report.
func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
// An empty value decodes as 0 (no position yet).
//
// For latitude (N/S): ddmm.mmmm
// For longitude (E/W): dddmm.mmmm
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" {
		return 0, true
	}

	// Split degrees/minutes at the decimal point by taking the last two digits of the integer part as minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	degPart := intPart[:len(intPart)-2]
	minPart := v[len(intPart)-2:]

	deg, err := strconv.Atoi(degPart)
	if err != nil || deg < 0 {
		return 0, false
	}
	mins, err := strconv.ParseFloat(minPart, 64)
	if err != nil || mins < 0 || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
