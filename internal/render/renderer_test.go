package render

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/prism-player/internal/mp4"
	"github.com/zsiec/prism-player/media"
)

// fakeDecoder emits one frame per chunk synchronously from Decode, unless
// fail reports that chunk should produce an error instead.
type fakeDecoder struct {
	cb    DecoderCallbacks
	state DecoderState
	fail  func(i int) bool
	order func(ts []time.Duration) []time.Duration

	mu       sync.Mutex
	n        int
	held     []time.Duration
	releases *sync.Map
	cfg      DecoderConfig
}

func (d *fakeDecoder) Configure(cfg DecoderConfig) error {
	d.cfg = cfg
	d.state = StateConfigured
	return nil
}

func (d *fakeDecoder) Decode(c Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConfigured {
		return ErrNotConfigured
	}
	i := d.n
	d.n++
	if d.fail != nil && d.fail(i) {
		d.cb.Error(&media.DecodeError{Timestamp: c.Timestamp, Err: errors.New("corrupt")})
		return nil
	}
	if d.order != nil {
		d.held = append(d.held, c.Timestamp)
		if len(d.held) < 2 {
			return nil
		}
		for _, ts := range d.order(d.held) {
			d.emit(ts)
		}
		d.held = nil
		return nil
	}
	d.emit(c.Timestamp)
	return nil
}

func (d *fakeDecoder) emit(ts time.Duration) {
	var count atomic.Int32
	d.releases.Store(ts, &count)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	d.cb.Output(media.NewDecodedFrame(img, 4, 4, ts, func() { count.Add(1) }))
}

func (d *fakeDecoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ts := range d.held {
		d.emit(ts)
	}
	d.held = nil
	return nil
}

func (d *fakeDecoder) State() DecoderState { return d.state }

func (d *fakeDecoder) Close() error {
	d.state = StateClosed
	return nil
}

type fakeSurface struct {
	mu            sync.Mutex
	width, height int
	draws         []time.Duration
}

func (s *fakeSurface) Resize(w, h int) {
	s.mu.Lock()
	s.width, s.height = w, h
	s.mu.Unlock()
}

func (s *fakeSurface) Draw(f *media.DecodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws = append(s.draws, f.Timestamp)
	return nil
}

func (s *fakeSurface) drawn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.draws)
}

// immediateRefresher never waits.
type immediateRefresher struct{}

func (immediateRefresher) Wait(ctx context.Context) error { return ctx.Err() }
func (immediateRefresher) Stop()                          {}

// gateRefresher blocks presentation until open is closed.
type gateRefresher struct{ open chan struct{} }

func (g gateRefresher) Wait(ctx context.Context) error {
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (gateRefresher) Stop() {}

var h264Track = &media.Track{Name: "video", Codec: "avc1.42E01E", Kind: media.KindVideo, Timescale: 1_000_000, Width: 640, Height: 360}

func videoFrames(n int) []media.Frame {
	entry := mp4.SampleEntryFor(*h264Track, []byte{0x01, 0x42, 0xE0, 0x1E})
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame{
			Track:       h264Track,
			SampleEntry: entry,
			Sample: media.Sample{
				Data:      []byte{0, 0, 0, 1, byte(i)},
				DTS:       int64(i) * 33_333,
				IsSync:    i%30 == 0,
				Timescale: 1_000_000,
			},
		}
	}
	return frames
}

func feed(frames []media.Frame) <-chan media.Frame {
	ch := make(chan media.Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return ch
}

func newFake(releases *sync.Map, created *atomic.Pointer[fakeDecoder]) NewDecoderFunc {
	return func(cb DecoderCallbacks) (Decoder, error) {
		d := &fakeDecoder{cb: cb, releases: releases}
		created.Store(d)
		return d, nil
	}
}

func checkReleasedOnce(t *testing.T, releases *sync.Map) int {
	t.Helper()
	n := 0
	releases.Range(func(k, v any) bool {
		n++
		if got := v.(*atomic.Int32).Load(); got != 1 {
			t.Errorf("frame %v released %d times, want 1", k, got)
		}
		return true
	})
	return n
}

func TestRendererPresentsAllFrames(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	var dec atomic.Pointer[fakeDecoder]
	surface := &fakeSurface{}
	r := NewRenderer(surface, Options{
		Refresher:  immediateRefresher{},
		NewDecoder: newFake(&releases, &dec),
	})

	if err := r.Run(context.Background(), feed(videoFrames(10))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := r.Stats()
	if st.Submitted != 10 || st.Decoded != 10 {
		t.Errorf("submitted/decoded: got %d/%d, want 10/10", st.Submitted, st.Decoded)
	}
	if st.Presented+st.Dropped != 10 {
		t.Errorf("presented+dropped: got %d, want 10", st.Presented+st.Dropped)
	}
	if st.Pending != 0 {
		t.Errorf("pending after Run: got %d, want 0", st.Pending)
	}
	if surface.width != 4 || surface.height != 4 {
		t.Errorf("surface size: got %dx%d, want 4x4", surface.width, surface.height)
	}
	if n := checkReleasedOnce(t, &releases); n != 10 {
		t.Errorf("frames produced: got %d, want 10", n)
	}

	d := dec.Load()
	if d.cfg.Codec != "avc1.42E01E" || d.cfg.CodedWidth != 640 || !d.cfg.OptimizeForLatency {
		t.Errorf("decoder config: got %+v", d.cfg)
	}
	if len(d.cfg.Description) != 4 {
		t.Errorf("description: got %x", d.cfg.Description)
	}
	if d.State() != StateClosed {
		t.Errorf("decoder state after Run: got %v, want closed", d.State())
	}
}

func TestRendererDropsAtCeiling(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	var dec atomic.Pointer[fakeDecoder]
	surface := &fakeSurface{}
	gate := gateRefresher{open: make(chan struct{})}
	r := NewRenderer(surface, Options{
		MaxPending: 4,
		Refresher:  gate,
		NewDecoder: newFake(&releases, &dec),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan media.Frame)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, frames) }()

	for _, f := range videoFrames(20) {
		frames <- f
		if p := r.Stats().Pending; p > 4 {
			t.Fatalf("pending exceeded ceiling: %d", p)
		}
	}

	// Presentation is gated, so exactly the ceiling was admitted.
	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Decoded < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := r.Stats()
	if st.Pending != 4 {
		t.Errorf("pending: got %d, want 4", st.Pending)
	}
	if st.Dropped != 16 {
		t.Errorf("dropped: got %d, want 16", st.Dropped)
	}

	close(gate.open)
	close(frames)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	st = r.Stats()
	if st.Presented != 4 {
		t.Errorf("presented: got %d, want 4", st.Presented)
	}
	if surface.drawn() != 4 {
		t.Errorf("draws: got %d, want 4", surface.drawn())
	}
	// Admitted frames are presented oldest first.
	for i, ts := range surface.draws {
		if want := time.Duration(i) * 33_333 * time.Microsecond; ts != want {
			t.Errorf("draw %d: got %v, want %v", i, ts, want)
		}
	}
	checkReleasedOnce(t, &releases)
}

func TestRendererUnsupportedCodec(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	var dec atomic.Pointer[fakeDecoder]
	surface := &fakeSurface{}
	r := NewRenderer(surface, Options{
		Refresher:  immediateRefresher{},
		NewDecoder: newFake(&releases, &dec),
	})

	frames := videoFrames(3)
	noDesc := mp4.VisualSampleEntry("avc1", 640, 360, mp4.Box("btrt", make([]byte, 12)))
	for i := range frames {
		frames[i].SampleEntry = noDesc
	}

	err := r.Run(context.Background(), feed(frames))
	var uc *media.UnsupportedCodecError
	if !errors.As(err, &uc) {
		t.Fatalf("Run: got %v, want UnsupportedCodecError", err)
	}
	if uc.Track != "video" || uc.Codec != "avc1.42E01E" {
		t.Errorf("error fields: got %+v", uc)
	}
	if !errors.Is(err, media.ErrMissingCodecDescription) {
		t.Errorf("error should wrap ErrMissingCodecDescription: %v", err)
	}
	if st := r.Stats(); st.Submitted != 0 || st.Pending != 0 {
		t.Errorf("no frame should be admitted: %+v", st)
	}
	if dec.Load() != nil {
		t.Error("decoder should not be created")
	}
	if surface.drawn() != 0 {
		t.Error("surface should not be drawn")
	}
}

func TestRendererRejectsAudioTrack(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	var dec atomic.Pointer[fakeDecoder]
	r := NewRenderer(&fakeSurface{}, Options{
		Refresher:  immediateRefresher{},
		NewDecoder: newFake(&releases, &dec),
	})

	audio := &media.Track{Name: "audio0", Codec: "opus", Kind: media.KindAudio}
	err := r.Run(context.Background(), feed([]media.Frame{{Track: audio, Sample: media.Sample{Data: []byte{1}}}}))
	if !errors.Is(err, media.ErrNotVideoTrack) {
		t.Errorf("Run: got %v, want ErrNotVideoTrack", err)
	}
}

func TestRendererDecodeErrorsContinue(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	surface := &fakeSurface{}
	r := NewRenderer(surface, Options{
		Refresher: immediateRefresher{},
		NewDecoder: func(cb DecoderCallbacks) (Decoder, error) {
			return &fakeDecoder{cb: cb, releases: &releases, fail: func(i int) bool { return i%5 == 4 }}, nil
		},
	})

	if err := r.Run(context.Background(), feed(videoFrames(100))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := r.Stats()
	if st.DecodeErrors != 20 {
		t.Errorf("decode errors: got %d, want 20", st.DecodeErrors)
	}
	if st.Decoded != 80 {
		t.Errorf("decoded: got %d, want 80", st.Decoded)
	}
	if st.Presented+st.Dropped != 80 {
		t.Errorf("presented+dropped: got %d, want 80", st.Presented+st.Dropped)
	}
	if st.Pending < 0 || st.Pending > DefaultMaxPending {
		t.Errorf("pending out of range: %d", st.Pending)
	}
	surface.mu.Lock()
	draws := slices.Clone(surface.draws)
	surface.mu.Unlock()
	if int64(len(draws)) != st.Presented {
		t.Errorf("draws: got %d, want %d presented", len(draws), st.Presented)
	}
	if !slices.IsSorted(draws) {
		t.Errorf("draws out of order: %v", draws)
	}
	checkReleasedOnce(t, &releases)
}

func TestRendererToleratesReordering(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	surface := &fakeSurface{}
	swap := func(ts []time.Duration) []time.Duration {
		return []time.Duration{ts[1], ts[0]}
	}
	r := NewRenderer(surface, Options{
		Refresher: immediateRefresher{},
		NewDecoder: func(cb DecoderCallbacks) (Decoder, error) {
			return &fakeDecoder{cb: cb, releases: &releases, order: swap}, nil
		},
	})

	if err := r.Run(context.Background(), feed(videoFrames(6))); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := r.Stats()
	if st.Decoded != 6 {
		t.Errorf("decoded: got %d, want 6", st.Decoded)
	}
	if st.Reordered != 3 {
		t.Errorf("reordered: got %d, want 3", st.Reordered)
	}
	if st.DecodeErrors != 0 {
		t.Errorf("reordering should not be an error: %d", st.DecodeErrors)
	}
	checkReleasedOnce(t, &releases)
}

func TestRendererCancelReleasesQueued(t *testing.T) {
	t.Parallel()

	var releases sync.Map
	var dec atomic.Pointer[fakeDecoder]
	gate := gateRefresher{open: make(chan struct{})}
	r := NewRenderer(&fakeSurface{}, Options{
		MaxPending: 8,
		Refresher:  gate,
		NewDecoder: newFake(&releases, &dec),
	})

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan media.Frame)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, frames) }()

	for _, f := range videoFrames(5) {
		frames <- f
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}

	if st := r.Stats(); st.Pending != 0 || st.Presented != 0 {
		t.Errorf("after cancel: got %+v", st)
	}
	if n := checkReleasedOnce(t, &releases); n != 5 {
		t.Errorf("frames produced: got %d, want 5", n)
	}
}

func TestDecoderStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    DecoderState
		want string
	}{
		{StateUnconfigured, "unconfigured"},
		{StateConfigured, "configured"},
		{StateClosed, "closed"},
		{DecoderState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d: got %q, want %q", tt.s, got, tt.want)
		}
	}
	if ChunkKey.String() != "key" || ChunkDelta.String() != "delta" {
		t.Error("chunk type strings")
	}
}
