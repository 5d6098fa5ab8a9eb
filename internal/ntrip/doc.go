// Package ntrip implements the rover side of an NTRIP v1 session: the
// GET handshake against a caster mountpoint, source-table fallback, GGA
// position reports sent upstream and raw RTCM bytes read back.
//
// The client never decodes RTCM; correction bytes are handed to the caller
// exactly as they arrive on the socket.
package ntrip
