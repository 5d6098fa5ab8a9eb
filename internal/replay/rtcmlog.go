// Package replay captures the caster's correction stream to a text log and
// plays it back with the original timing.
package replay

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - "START" begins a session; following times are relative to it.
//   - Data lines are <t_ns>,<hex>: nanoseconds since START and the raw
//     correction bytes of one read.

type Record struct {
	At time.Duration
	// Data is nil for a START marker.
	Data []byte
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) ([]Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		tsStr, hexStr, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("capture line %d: missing comma", lineNo)
		}
		tsNs, err := strconv.ParseInt(strings.TrimSpace(tsStr), 10, 64)
		if err != nil || tsNs < 0 {
			return nil, fmt.Errorf("capture line %d: bad timestamp %q", lineNo, tsStr)
		}
		b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(hexStr), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("capture line %d: %w", lineNo, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("capture line %d: empty payload", lineNo)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Data: b})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Writer appends one capture session to a file. It is safe for concurrent
// use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// OpenWriter appends a new session to path, creating it if needed. label is
// written as a comment after START.
func OpenWriter(path string, label string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	header := "START\n"
	if label != "" {
		header += "# " + label + "\n"
	}
	if _, err := bw.WriteString(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) Write(now time.Time, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(data))
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

// SleepFunc waits for d and reports false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Play calls cb for every data record, waiting out the recorded gaps
// divided by speed. START markers reset the origin. With loop, playback
// restarts until ctx ends or cb fails.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleep SleepFunc, cb func(data []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay speed must be > 0")
	}
	if cb == nil {
		return errors.New("replay callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}
	if sleep == nil {
		sleep = sleepCtx
	}

	for {
		var lastAt time.Duration
		haveLast := false
		for _, r := range records {
			if r.Data == nil {
				haveLast = false
				continue
			}
			if haveLast {
				if wait := time.Duration(float64(r.At-lastAt) / speed); wait > 0 {
					if !sleep(ctx, wait) {
						return ctx.Err()
					}
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := cb(r.Data); err != nil {
				return err
			}
			lastAt = r.At
			haveLast = true
		}
		if !loop {
			return nil
		}
	}
}
