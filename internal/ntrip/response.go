package ntrip

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

type responseKind int

const (
	respUnknown responseKind = iota
	respStream
	respSourceTable
	respUnauthorized
)

func (k responseKind) String() string {
	switch k {
	case respStream:
		return "stream"
	case respSourceTable:
		return "sourcetable"
	case respUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

type response struct {
	kind   responseKind
	status string
	// body is the text after the header block (the source table, if any).
	body string
	// rest holds stream bytes that arrived together with the header.
	rest []byte
}

const maxResponseBytes = 256 * 1024

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// readResponse reads the caster's answer to a GET until the header block is
// complete (plus the full table for SOURCETABLE answers), the peer closes,
// or conn's deadline passes.
func readResponse(conn net.Conn) (response, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	var readErr error
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if responseComplete(buf) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if len(buf) >= maxResponseBytes {
			break
		}
	}
	if len(buf) == 0 {
		if readErr == nil {
			readErr = errors.New("empty response")
		}
		return response{}, fmt.Errorf("ntrip no response: %w", readErr)
	}
	return classify(buf), nil
}

func responseComplete(buf []byte) bool {
	eol := bytes.Index(buf, crlf)
	if eol < 0 {
		return false
	}
	status := buf[:eol]
	// v1 casters may start streaming right after the status line.
	if bytes.HasPrefix(status, []byte("ICY 200")) {
		return true
	}
	end := bytes.Index(buf, crlfcrlf)
	if end < 0 {
		return false
	}
	if bytes.Contains(bytes.ToUpper(buf[:end]), []byte("SOURCETABLE")) {
		return bytes.Contains(buf[end:], []byte("ENDSOURCETABLE"))
	}
	return true
}

func classify(buf []byte) response {
	headerEnd := len(buf)
	statusOnly := false
	if bytes.HasPrefix(buf, []byte("ICY 200")) {
		if i := bytes.Index(buf, crlf); i >= 0 {
			headerEnd = i + len(crlf)
			if bytes.HasPrefix(buf[headerEnd:], crlf) {
				headerEnd += len(crlf)
			} else {
				statusOnly = true
			}
		}
	} else if i := bytes.Index(buf, crlfcrlf); i >= 0 {
		headerEnd = i + len(crlfcrlf)
	}

	header := string(buf[:headerEnd])
	status := header
	if i := strings.Index(header, "\r\n"); i >= 0 {
		status = header[:i]
	}
	status = strings.TrimSpace(status)

	res := response{status: status, body: string(buf[headerEnd:])}
	switch {
	case strings.Contains(header, "ICY 200 OK"):
		res.kind = respStream
	case strings.HasPrefix(status, "HTTP/1.") && strings.Contains(status, " 200") &&
		strings.Contains(strings.ToLower(header), "gnss/data"):
		res.kind = respStream
	case strings.Contains(strings.ToUpper(header), "SOURCETABLE"):
		res.kind = respSourceTable
	case strings.Contains(status, "401") || strings.Contains(status, "403"):
		res.kind = respUnauthorized
	default:
		res.kind = respUnknown
	}
	if res.kind == respStream {
		rest := buf[headerEnd:]
		if statusOnly {
			// The blank line may trail the status line by a packet.
			rest = bytes.TrimPrefix(rest, crlf)
		}
		if len(rest) > 0 {
			res.rest = append([]byte(nil), rest...)
		}
		res.body = ""
	}
	return res
}
