package main

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"rtkbridge/internal/replay"
)

type fakeSource struct {
	chunks [][]byte
}

func (f *fakeSource) Connect(context.Context, int) error { return nil }
func (f *fakeSource) SendReport(string) bool             { return true }
func (f *fakeSource) Disconnect()                        {}
func (f *fakeSource) Connected() bool                    { return true }
func (f *fakeSource) Mountpoint() string                 { return "RTCM3" }

func (f *fakeSource) ReceiveCorrection(time.Duration) []byte {
	if len(f.chunks) == 0 {
		return nil
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c
}

func TestCapturingSource_WritesChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcm.log")
	w, err := replay.OpenWriter(path, "")
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	src := &capturingSource{
		CorrectionSource: &fakeSource{chunks: [][]byte{{0xD3, 0x01}, {0xD3, 0x02}}},
		w:                w,
		log:              log.New(io.Discard, "", 0),
	}
	for i := 0; i < 3; i++ {
		src.ReceiveCorrection(time.Millisecond)
	}
	if src.Mountpoint() != "RTCM3" {
		t.Fatalf("embedded source not forwarded")
	}
	_ = w.Close()

	recs, err := replay.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) != 3 || recs[1].Data[1] != 0x01 || recs[2].Data[1] != 0x02 {
		t.Fatalf("records=%+v", recs)
	}

	// Writes after Close fail but the data still flows through.
	src.CorrectionSource = &fakeSource{chunks: [][]byte{{0xD3, 0x03}}}
	if got := src.ReceiveCorrection(time.Millisecond); len(got) != 2 || !src.failed {
		t.Fatalf("got=%x failed=%v", got, src.failed)
	}
}
