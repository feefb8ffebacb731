package recorder

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ravipangali7/DASHCAM/internal/session"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec, err := New(filepath.Join(dir, "media"), filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec, filepath.Join(dir, "media")
}

func TestStoreListGet(t *testing.T) {
	rec, mediaDir := newTestRecorder(t)

	d := session.Download{
		Device:   "013800138000",
		Channel:  3,
		Start:    "260820090000",
		End:      "260820090100",
		Data:     []byte("fake-h264-elementary-stream"),
		Chunks:   4,
		Received: time.Date(2026, 8, 20, 9, 2, 0, 0, time.UTC),
	}
	rec.Store(d)

	wantPath := filepath.Join(mediaDir, "013800138000_ch3_260820090000.h264")
	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("media file: %v", err)
	}
	if !bytes.Equal(got, d.Data) {
		t.Errorf("media file content = %q", got)
	}

	list, err := rec.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("recordings = %d, want 1", len(list))
	}
	r := list[0]
	if r.Device != d.Device || r.Channel != 3 || r.Start != d.Start || r.End != d.End {
		t.Errorf("recording = %+v", r)
	}
	if r.Bytes != int64(len(d.Data)) || r.Chunks != 4 {
		t.Errorf("size fields = %d bytes %d chunks", r.Bytes, r.Chunks)
	}
	if r.Path != wantPath {
		t.Errorf("path = %q, want %q", r.Path, wantPath)
	}
	if !r.Received.Equal(d.Received) {
		t.Errorf("received = %s", r.Received)
	}

	byID, err := rec.Get(r.ID)
	if err != nil {
		t.Fatalf("Get(%d): %v", r.ID, err)
	}
	if byID.Path != wantPath {
		t.Errorf("Get path = %q", byID.Path)
	}

	if _, err := rec.Get(99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestRedownloadReplacesRow(t *testing.T) {
	rec, _ := newTestRecorder(t)

	d := session.Download{
		Device:   "013800138000",
		Channel:  1,
		Start:    "260820100000",
		Data:     []byte("first"),
		Chunks:   1,
		Received: time.Now(),
	}
	rec.Store(d)

	d.Data = []byte("second-longer-capture")
	d.Chunks = 2
	rec.Store(d)

	list, err := rec.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("recordings = %d, want the replaced row only", len(list))
	}
	if list[0].Bytes != int64(len("second-longer-capture")) || list[0].Chunks != 2 {
		t.Errorf("replaced row = %+v", list[0])
	}

	got, err := os.ReadFile(list[0].Path)
	if err != nil {
		t.Fatalf("media file: %v", err)
	}
	if string(got) != "second-longer-capture" {
		t.Errorf("media file = %q", got)
	}
}

func TestDistinctClipsKeepOwnRows(t *testing.T) {
	rec, _ := newTestRecorder(t)

	base := session.Download{Device: "013800138000", Data: []byte("x"), Chunks: 1, Received: time.Now()}
	a := base
	a.Channel, a.Start = 1, "260820100000"
	b := base
	b.Channel, b.Start = 2, "260820100000"
	c := base
	c.Channel, c.Start = 1, "260820110000"
	rec.Store(a)
	rec.Store(b)
	rec.Store(c)

	list, err := rec.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("recordings = %d, want 3", len(list))
	}
}

func TestFileSafe(t *testing.T) {
	cases := map[string]string{
		"013800138000":   "013800138000",
		"":               "unknown",
		"../../etc":      "______etc",
		"26 08/20:00.00": "26_08_20_00_00",
	}
	for in, want := range cases {
		if got := fileSafe(in); got != want {
			t.Errorf("fileSafe(%q) = %q, want %q", in, got, want)
		}
	}
}
