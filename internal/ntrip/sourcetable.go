package ntrip

import (
	"strings"
)

// commonMountpoints is tried in order when a caster answers with a source
// table that lists no streams at all.
var commonMountpoints = []string{"RTCM33_GRC", "RTCM33_GRCEJ", "RTCM3", "RTCM32"}

// The common list is skipped when one of these is already configured.
var primaryMountpoints = []string{"RTCM33_GRC", "RTCM33_GRCEJ"}

// ParseSourceTable returns the mountpoint names of every STR entry in text,
// in the order the caster listed them.
//
//	STR;<mountpoint>;<identifier>;<format>;<format-details>;...
func ParseSourceTable(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "STR;") {
			continue
		}
		parts := strings.Split(line, ";")
		if len(parts) < 2 {
			continue
		}
		mp := strings.TrimSpace(parts[1])
		if mp == "" {
			continue
		}
		out = append(out, mp)
	}
	return out
}

func isPrimaryMountpoint(mp string) bool {
	for _, c := range primaryMountpoints {
		if c == mp {
			return true
		}
	}
	return false
}
