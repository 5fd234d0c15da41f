package audio

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/prism-player/ringbuf"
)

// DefaultPeriod is the sink's pull interval.
const DefaultPeriod = 10 * time.Millisecond

// Output receives planar audio from the sink, one slice per channel.
type Output interface {
	WriteSamples(planar [][]float32) error
}

// SinkStats is a point-in-time snapshot of sink counters.
type SinkStats struct {
	Frames  int64 `json:"frames"`
	Silence int64 `json:"silence"`
	Errors  int64 `json:"errors"`
}

// Sink is the ring's consumer. Every period it pulls one period of frames
// and substitutes silence for whatever the ring cannot supply.
type Sink struct {
	log    *slog.Logger
	ring   *ringbuf.Consumer
	out    Output
	buf    [][]float32
	period time.Duration

	frames  atomic.Int64
	silence atomic.Int64
	errors  atomic.Int64
}

// NewSink pulls sampleRate*period frames per period from ring into out.
func NewSink(ring *ringbuf.Consumer, sampleRate int, period time.Duration, out Output, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	n := ringbuf.CapacityFor(sampleRate, period)
	buf := make([][]float32, ring.Buffer().Channels())
	for i := range buf {
		buf[i] = make([]float32, n)
	}
	return &Sink{
		log:    log.With("component", "audio-sink"),
		ring:   ring,
		out:    out,
		buf:    buf,
		period: period,
	}
}

// Stats returns the sink's counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Frames:  s.frames.Load(),
		Silence: s.silence.Load(),
		Errors:  s.errors.Load(),
	}
}

// Pull reads one period from the ring and hands it to the output.
func (s *Sink) Pull() error {
	n := s.ring.Read(s.buf)
	for _, ch := range s.buf {
		clear(ch[n:])
	}
	s.frames.Add(int64(len(s.buf[0])))
	s.silence.Add(int64(len(s.buf[0]) - n))
	if err := s.out.WriteSamples(s.buf); err != nil {
		s.errors.Add(1)
		return err
	}
	return nil
}

// Run pulls every period until ctx is done. Output errors are logged and
// do not stop the sink.
func (s *Sink) Run(ctx context.Context) error {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Pull(); err != nil {
				s.log.Warn("audio output failed", "error", err)
			}
		}
	}
}

// PCMWriter is an Output writing interleaved little-endian float32 samples,
// the layout ffplay reads with -f f32le.
type PCMWriter struct {
	w   io.Writer
	buf []byte
}

// NewPCMWriter wraps w.
func NewPCMWriter(w io.Writer) *PCMWriter {
	return &PCMWriter{w: w}
}

// WriteSamples interleaves planar and writes it.
func (p *PCMWriter) WriteSamples(planar [][]float32) error {
	if len(planar) == 0 {
		return nil
	}
	frames := len(planar[0])
	size := frames * len(planar) * 4
	if cap(p.buf) < size {
		p.buf = make([]byte, size)
	}
	b := p.buf[:size]
	off := 0
	for i := 0; i < frames; i++ {
		for _, ch := range planar {
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(ch[i]))
			off += 4
		}
	}
	_, err := p.w.Write(b)
	return err
}

// Discard is an Output that drops everything.
var Discard Output = discard{}

type discard struct{}

func (discard) WriteSamples([][]float32) error { return nil }
