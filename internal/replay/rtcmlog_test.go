package replay

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) bool {
	f.slept = append(f.slept, d)
	return true
}

func TestCapture_RoundTripInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcm.log")
	w, err := OpenWriter(path, "mountpoint=HeFei")
	if err != nil {
		t.Fatalf("OpenWriter() error: %v", err)
	}
	in := [][]byte{{0xD3, 0x00, 0x13, 0x3E}, {0xD3, 0x00, 0x1C, 0x43, 0x50}}
	now := time.Now()
	for i, b := range in {
		if err := w.Write(now.Add(time.Duration(i)*time.Second), b); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if err := w.Write(now, nil); err != nil {
		t.Fatalf("empty Write() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.Write(now, in[0]); err == nil {
		t.Fatalf("expected error writing after Close")
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(recs) != 3 || recs[0].Data != nil {
		t.Fatalf("records=%+v", recs)
	}

	fs := &fakeSleeper{}
	var out [][]byte
	err = Play(context.Background(), recs, 2.0, false, fs.sleep, func(b []byte) error {
		out = append(out, append([]byte(nil), b...))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("data mismatch\n got: %x\nwant: %x", out, in)
	}
	if len(fs.slept) != 1 || fs.slept[0] != 500*time.Millisecond {
		t.Fatalf("slept=%v want [500ms]", fs.slept)
	}
}

func TestOpenWriter_AppendsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcm.log")
	for i := 0; i < 2; i++ {
		w, err := OpenWriter(path, "")
		if err != nil {
			t.Fatalf("OpenWriter() error: %v", err)
		}
		_ = w.Write(time.Now(), []byte{byte(i + 1)})
		_ = w.Close()
	}
	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(recs) != 4 || recs[2].Data != nil || recs[3].Data[0] != 2 {
		t.Fatalf("records=%+v", recs)
	}
}

func TestRead_Errors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "comma", in: "START\n123\n", want: "capture line 2: missing comma"},
		{name: "timestamp", in: "-5,d3\n", want: `capture line 1: bad timestamp "-5"`},
		{name: "empty", in: "1,\n", want: "capture line 1: empty payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.in))
			if err == nil || err.Error() != tc.want {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestPlay_StopsOnContextAndCallbackError(t *testing.T) {
	recs := []Record{{}, {At: 0, Data: []byte{1}}, {At: time.Hour, Data: []byte{2}}}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Play(ctx, recs, 1, true, nil, func([]byte) error {
		calls++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	boom := errors.New("boom")
	err = Play(context.Background(), recs, 1, false, (&fakeSleeper{}).sleep, func([]byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if err := Play(context.Background(), nil, 1, false, nil, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for no records")
	}
}
