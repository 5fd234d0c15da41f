package audio

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/prism-player/media"
	"github.com/zsiec/prism-player/ringbuf"
)

// ProducerStats is a point-in-time snapshot of producer counters.
type ProducerStats struct {
	Packets      int64 `json:"packets"`
	DecodeErrors int64 `json:"decodeErrors"`
	Discarded    int64 `json:"discarded"`
	Written      int64 `json:"written"`
	Overflow     int64 `json:"overflow"`
}

// Producer decodes one audio track into the ring. It holds the ring's
// producer role for its lifetime.
type Producer struct {
	log        *slog.Logger
	ring       *ringbuf.Producer
	sampleRate int
	newDecoder func(codec string) (Decoder, error)

	packets      atomic.Int64
	decodeErrors atomic.Int64
	discarded    atomic.Int64
	written      atomic.Int64
	overflow     atomic.Int64
}

// NewProducer writes into ring at sampleRate. If log is nil, slog.Default()
// is used.
func NewProducer(ring *ringbuf.Producer, sampleRate int, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{
		log:        log.With("component", "audio-producer"),
		ring:       ring,
		sampleRate: sampleRate,
		newDecoder: DecoderFor,
	}
}

// SetDecoderFactory replaces the codec lookup.
func (p *Producer) SetDecoderFactory(fn func(codec string) (Decoder, error)) {
	p.newDecoder = fn
}

// Stats returns the producer's counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Packets:      p.packets.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		Discarded:    p.discarded.Load(),
		Written:      p.written.Load(),
		Overflow:     p.overflow.Load(),
	}
}

// Run decodes frames until the channel closes or ctx is done. A codec with
// no decoder is logged once and its frames are discarded; it is not fatal.
func (p *Producer) Run(ctx context.Context, frames <-chan media.Frame) error {
	var dec Decoder
	var unsupported bool
	channels := p.ring.Buffer().Channels()

	for {
		var f media.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case f, ok = <-frames:
			if !ok {
				return nil
			}
		}
		p.packets.Add(1)

		if dec == nil && !unsupported {
			var codec string
			if f.Track != nil {
				codec = f.Track.Codec
			}
			d, err := p.newDecoder(codec)
			if err != nil {
				unsupported = true
				p.log.Warn("audio codec not decodable, discarding track", "codec", codec, "error", err)
			} else {
				dec = d
			}
		}
		if unsupported {
			p.discarded.Add(1)
			continue
		}

		pcm, err := dec.Decode(f.Sample.Data)
		if err != nil {
			p.decodeErrors.Add(1)
			p.log.Debug("audio decode failed", "error", &media.DecodeError{Timestamp: f.Sample.Timestamp(), Err: err})
			continue
		}
		p.write(pcm, channels)
	}
}

func (p *Producer) write(pcm PCM, channels int) {
	if pcm.Channels < 1 {
		return
	}
	samples := resample(pcm.Samples, pcm.Channels, pcm.SampleRate, p.sampleRate)
	src := pcm.Channels
	if src == 1 && channels > 1 {
		samples = upmix(samples, channels)
		src = channels
	}
	want := len(samples) / src
	n := p.ring.WriteInterleaved(samples, src)
	p.written.Add(int64(n))
	if n < want {
		p.overflow.Add(int64(want - n))
	}
}
