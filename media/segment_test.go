package media

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSegmentTransfer(t *testing.T) {
	t.Parallel()

	seg := NewSegment("video", Track{Name: "video", Kind: KindVideo}, io.NopCloser(strings.NewReader("payload")))

	moved, err := seg.Transfer()
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if moved.Init != "video" || moved.Track.Name != "video" {
		t.Errorf("metadata not carried: %+v", moved)
	}

	if _, err := seg.Stream(); !errors.Is(err, ErrTransferred) {
		t.Errorf("sender Stream: got %v, want ErrTransferred", err)
	}
	if _, err := seg.Transfer(); !errors.Is(err, ErrTransferred) {
		t.Errorf("second Transfer: got %v, want ErrTransferred", err)
	}

	r, err := moved.Stream()
	if err != nil {
		t.Fatalf("receiver Stream: %v", err)
	}
	b, _ := io.ReadAll(r)
	if string(b) != "payload" {
		t.Errorf("payload: got %q, want %q", b, "payload")
	}
}

func TestInitTransfer(t *testing.T) {
	t.Parallel()

	in := NewInit("video", []byte{1, 2, 3})
	moved, err := in.Transfer()
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, err := in.Data(); !errors.Is(err, ErrTransferred) {
		t.Errorf("sender Data: got %v, want ErrTransferred", err)
	}
	data, err := moved.Data()
	if err != nil || len(data) != 3 {
		t.Errorf("receiver Data: got %v, %v", data, err)
	}
}

func TestDecodedFrameCloseOnce(t *testing.T) {
	t.Parallel()

	releases := 0
	f := NewDecodedFrame(nil, 4, 4, 0, func() { releases++ })

	if !f.Close() {
		t.Error("first Close should release")
	}
	if f.Close() {
		t.Error("second Close should not release")
	}
	if releases != 1 {
		t.Errorf("releases: got %d, want 1", releases)
	}
	if !f.Closed() {
		t.Error("Closed should be true")
	}
}

func TestSampleTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dts       int64
		timescale uint32
		want      time.Duration
	}{
		{90000, 90000, time.Second},
		{1500, 1000, 1500 * time.Millisecond},
		{33366, 1_000_000, 33366 * time.Microsecond},
		{5, 0, 0},
	}
	for _, tt := range tests {
		got := Sample{DTS: tt.dts, Timescale: tt.timescale}.Timestamp()
		if got != tt.want {
			t.Errorf("Timestamp(%d/%d): got %v, want %v", tt.dts, tt.timescale, got, tt.want)
		}
	}
}
