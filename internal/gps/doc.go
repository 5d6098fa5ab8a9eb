// Package gps decodes NMEA 0183 position sentences from a GNSS receiver.
//
// Only the two sentences that carry a position are handled:
// - GGA for position, fix quality, satellites, HDOP and altitude
// - RMC for position when the receiver reports an active fix
//
// The package also builds the GGA position report an NTRIP caster expects
// from a rover (FormatGGA).
package gps
