// Package audio decodes audio frames into the shared ring and drains the
// ring at the output's real-time rate.
package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/opus"
)

// Audio decoding errors.
var (
	ErrUnsupportedCodec = errors.New("audio: unsupported codec")
	ErrEmptyPacket      = errors.New("audio: empty packet")
	ErrMalformedPacket  = errors.New("audio: malformed packet")
	ErrNoRing           = errors.New("audio: no ring buffer configured")
)

// Opus packets carry at most 120 ms of audio.
const maxOpusSamples = 48000 * 120 / 1000

// PCM is one decoded packet, interleaved.
type PCM struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// Frames returns the number of sample frames in p.
func (p PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Decoder turns one compressed packet into PCM.
type Decoder interface {
	Decode(packet []byte) (PCM, error)
}

// DecoderFor returns a decoder for an RFC 6381 audio codec string.
func DecoderFor(codec string) (Decoder, error) {
	prefix, _, _ := strings.Cut(codec, ".")
	if strings.EqualFold(prefix, "opus") {
		return NewOpusDecoder(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

// OpusDecoder decodes Opus packets with pion/opus.
type OpusDecoder struct {
	dec opus.Decoder
	out []byte
}

// NewOpusDecoder creates an Opus decoder.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, maxOpusSamples*2*2),
	}
}

// Decode decodes one packet.
func (d *OpusDecoder) Decode(packet []byte) (PCM, error) {
	if len(packet) == 0 {
		return PCM{}, ErrEmptyPacket
	}
	bandwidth, isStereo, err := d.dec.Decode(packet, d.out)
	if err != nil {
		return PCM{}, fmt.Errorf("opus decode: %w", err)
	}

	channels := 1
	if isStereo {
		channels = 2
	}
	rate := bandwidth.SampleRate()
	n := int(PacketDuration(packet).Microseconds()) * rate / 1_000_000 * channels
	if n <= 0 {
		return PCM{}, ErrMalformedPacket
	}
	if limit := len(d.out) / 2; n > limit {
		n = limit - limit%channels
	}

	samples := make([]float32, n)
	for i := range samples {
		v := int16(d.out[i*2]) | int16(d.out[i*2+1])<<8
		samples[i] = float32(v) / 32768
	}
	return PCM{Samples: samples, Channels: channels, SampleRate: rate}, nil
}
