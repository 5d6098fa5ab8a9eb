package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogBuffer_JoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("first li"))
	_, _ = b.Write([]byte("ne\nsecond\r\n\nthi"))

	lines, _ := b.Snapshot(0)
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second" {
		t.Fatalf("lines=%q", lines)
	}
	_, _ = b.Write([]byte("rd\n"))
	lines, _ = b.Snapshot(0)
	if len(lines) != 3 || lines[2] != "third" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLogBuffer_DropsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		_, _ = b.Write([]byte(l + "\n"))
	}
	lines, dropped := b.Snapshot(10)
	if dropped != 2 {
		t.Fatalf("dropped=%d want 2", dropped)
	}
	if strings.Join(lines, ",") != "c,d,e" {
		t.Fatalf("lines=%q", lines)
	}
	if tail, _ := b.Snapshot(1); len(tail) != 1 || tail[0] != "e" {
		t.Fatalf("tail=%q", tail)
	}
}

func TestLogBuffer_Handler(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("ntrip connected\nlink open\n"))
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "?tail=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out LogsResponse
	err = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Lines) != 1 || out.Lines[0] != "link open" {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp, err = http.Get(ts.URL + "?format=text")
	if err != nil {
		t.Fatalf("get text: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ntrip connected\nlink open\n" {
		t.Fatalf("text body=%q", body)
	}

	resp, err = http.Get(ts.URL + "?tail=0")
	if err != nil {
		t.Fatalf("get bad tail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tail status=%d want 400", resp.StatusCode)
	}
}

func TestLogBuffer_HandlerMatch(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = io.WriteString(b, "ntrip connected mountpoint=RTCM3\nlink opened tcp://127.0.0.1:9999\nntrip reconnect ok\n")

	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/logs?match=ntrip", nil))
	var resp LogsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Lines) != 2 || !strings.HasPrefix(resp.Lines[1], "ntrip reconnect") {
		t.Fatalf("lines=%q", resp.Lines)
	}
	if all, _ := b.Snapshot(0); len(all) != 3 {
		t.Fatalf("filter mutated buffer: %q", all)
	}
}
