package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/prism-player/media"
	"github.com/zsiec/prism-player/ringbuf"
)

// constDecoder returns frames of a constant value, failing when the packet
// starts with 0xFF.
type constDecoder struct {
	frames, channels, rate int
}

func (d constDecoder) Decode(packet []byte) (PCM, error) {
	if packet[0] == 0xFF {
		return PCM{}, errors.New("corrupt")
	}
	s := make([]float32, d.frames*d.channels)
	for i := range s {
		s[i] = float32(packet[0]) / 100
	}
	return PCM{Samples: s, Channels: d.channels, SampleRate: d.rate}, nil
}

var opusTrack = &media.Track{Name: "audio0", Codec: "opus", Kind: media.KindAudio, SampleRate: 48000, Channels: 2}

func audioFrames(payloads ...byte) <-chan media.Frame {
	ch := make(chan media.Frame, len(payloads))
	for i, b := range payloads {
		ch <- media.Frame{Track: opusTrack, Sample: media.Sample{Data: []byte{b}, DTS: int64(i) * 20_000, Timescale: 1_000_000}}
	}
	close(ch)
	return ch
}

func TestProducerWritesRing(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(2, 4800)
	prod, _ := ring.Producer()
	p := NewProducer(prod, 48000, nil)
	p.SetDecoderFactory(func(string) (Decoder, error) {
		return constDecoder{frames: 960, channels: 2, rate: 48000}, nil
	})

	if err := p.Run(context.Background(), audioFrames(10, 0xFF, 20)); err != nil {
		t.Fatal(err)
	}

	st := p.Stats()
	if st.Packets != 3 || st.DecodeErrors != 1 || st.Written != 1920 || st.Overflow != 0 {
		t.Errorf("stats: got %+v", st)
	}
	if ring.Len() != 1920 {
		t.Errorf("ring len: got %d, want 1920", ring.Len())
	}

	cons, _ := ring.Consumer()
	dst := [][]float32{make([]float32, 961), make([]float32, 961)}
	cons.Read(dst)
	if dst[0][0] != 0.1 || dst[1][959] != 0.1 || dst[0][960] != 0.2 {
		t.Errorf("samples: got %v %v %v", dst[0][0], dst[1][959], dst[0][960])
	}
}

func TestProducerCountsOverflow(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(2, 1000)
	prod, _ := ring.Producer()
	p := NewProducer(prod, 48000, nil)
	p.SetDecoderFactory(func(string) (Decoder, error) {
		return constDecoder{frames: 960, channels: 2, rate: 48000}, nil
	})

	p.Run(context.Background(), audioFrames(1, 2))

	st := p.Stats()
	if st.Written != 1000 || st.Overflow != 920 {
		t.Errorf("written/overflow: got %d/%d, want 1000/920", st.Written, st.Overflow)
	}
	if ring.Stats().Overflow != 920 {
		t.Errorf("ring overflow: got %d, want 920", ring.Stats().Overflow)
	}
}

func TestProducerUpmixesAndResamples(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(2, 4800)
	prod, _ := ring.Producer()
	p := NewProducer(prod, 48000, nil)
	p.SetDecoderFactory(func(string) (Decoder, error) {
		// 20 ms of mono at 16 kHz.
		return constDecoder{frames: 320, channels: 1, rate: 16000}, nil
	})

	p.Run(context.Background(), audioFrames(50))

	if ring.Len() != 960 {
		t.Fatalf("ring len: got %d, want 960", ring.Len())
	}
	cons, _ := ring.Consumer()
	dst := [][]float32{make([]float32, 960), make([]float32, 960)}
	cons.Read(dst)
	if dst[0][500] != 0.5 || dst[1][500] != 0.5 {
		t.Errorf("upmixed sample: got %v/%v, want 0.5", dst[0][500], dst[1][500])
	}
}

func TestProducerDiscardsUnsupportedCodec(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(2, 100)
	prod, _ := ring.Producer()
	p := NewProducer(prod, 48000, nil)

	aac := &media.Track{Name: "audio0", Codec: "mp4a.40.2", Kind: media.KindAudio}
	ch := make(chan media.Frame, 2)
	ch <- media.Frame{Track: aac, Sample: media.Sample{Data: []byte{1}}}
	ch <- media.Frame{Track: aac, Sample: media.Sample{Data: []byte{2}}}
	close(ch)

	if err := p.Run(context.Background(), ch); err != nil {
		t.Fatalf("unsupported codec should not be fatal: %v", err)
	}
	if st := p.Stats(); st.Discarded != 2 || st.Written != 0 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestDecoderFor(t *testing.T) {
	t.Parallel()

	if _, err := DecoderFor("opus"); err != nil {
		t.Errorf("opus: %v", err)
	}
	if _, err := DecoderFor("mp4a.40.2"); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("mp4a: got %v, want ErrUnsupportedCodec", err)
	}
	if _, err := NewOpusDecoder().Decode(nil); !errors.Is(err, ErrEmptyPacket) {
		t.Errorf("empty packet: got %v, want ErrEmptyPacket", err)
	}
}

func TestPacketDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		packet []byte
		want   time.Duration
	}{
		// SILK NB 10 ms, one frame
		{[]byte{0 << 3}, 10 * time.Millisecond},
		// SILK WB 20 ms, one frame
		{[]byte{9 << 3}, 20 * time.Millisecond},
		// SILK 60 ms, two frames
		{[]byte{3<<3 | 1}, 120 * time.Millisecond},
		// hybrid FB 20 ms
		{[]byte{15 << 3}, 20 * time.Millisecond},
		// CELT FB 20 ms, signalled count of 3
		{[]byte{31<<3 | 3, 3}, 60 * time.Millisecond},
		// CELT 2.5 ms
		{[]byte{16 << 3}, 2500 * time.Microsecond},
		// code 3 without count byte
		{[]byte{31<<3 | 3}, 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := PacketDuration(tt.packet); got != tt.want {
			t.Errorf("packet %x: got %v, want %v", tt.packet, got, tt.want)
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0, 1, 1}
	if out := resample(in, 2, 48000, 48000); len(out) != 4 {
		t.Errorf("same rate: got %d samples", len(out))
	}

	ramp := []float32{0, 1, 2, 3}
	out := resample(ramp, 1, 8000, 16000)
	if len(out) != 8 {
		t.Fatalf("upsample: got %d samples, want 8", len(out))
	}
	if out[1] != 0.5 || out[2] != 1 || out[7] != 3 {
		t.Errorf("upsample: got %v", out)
	}

	if out := resample(ramp, 1, 16000, 8000); len(out) != 2 || out[1] != 2 {
		t.Errorf("downsample: got %v", out)
	}
}

type recordOutput struct {
	calls  int
	frames int
	last   [][]float32
}

func (r *recordOutput) WriteSamples(planar [][]float32) error {
	r.calls++
	r.frames += len(planar[0])
	r.last = make([][]float32, len(planar))
	for i := range planar {
		r.last[i] = append([]float32(nil), planar[i]...)
	}
	return nil
}

func TestSinkSubstitutesSilence(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(2, 4800)
	prod, _ := ring.Producer()
	cons, _ := ring.Consumer()

	out := &recordOutput{}
	s := NewSink(cons, 48000, 10*time.Millisecond, out, nil)

	prod.Write([][]float32{{0.5, 0.5, 0.5}, {-0.5, -0.5, -0.5}})
	if err := s.Pull(); err != nil {
		t.Fatal(err)
	}
	if out.frames != 480 {
		t.Errorf("frames: got %d, want 480", out.frames)
	}
	if out.last[0][2] != 0.5 || out.last[1][2] != -0.5 {
		t.Errorf("ring samples not forwarded: %v %v", out.last[0][2], out.last[1][2])
	}
	if out.last[0][3] != 0 || out.last[1][479] != 0 {
		t.Error("shortfall should be silence")
	}
	if st := s.Stats(); st.Silence != 477 || st.Frames != 480 {
		t.Errorf("stats: got %+v", st)
	}

	// Stale samples from the previous pull must not leak into silence.
	if err := s.Pull(); err != nil {
		t.Fatal(err)
	}
	if out.last[0][0] != 0 {
		t.Errorf("second pull: got %v, want silence", out.last[0][0])
	}
}

func TestSinkRunStops(t *testing.T) {
	t.Parallel()

	ring := ringbuf.New(1, 100)
	cons, _ := ring.Consumer()
	out := &recordOutput{}
	s := NewSink(cons, 1000, time.Millisecond, out, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if out.calls == 0 {
		t.Error("sink never pulled")
	}
}

func TestPCMWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewPCMWriter(&buf)
	if err := w.WriteSamples([][]float32{{1, 2}, {-1, -2}}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 16 {
		t.Fatalf("bytes: got %d, want 16", buf.Len())
	}
	want := []float32{1, -1, 2, -2}
	for i, v := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf.Bytes()[i*4:]))
		if got != v {
			t.Errorf("sample %d: got %v, want %v", i, got, v)
		}
	}
}
