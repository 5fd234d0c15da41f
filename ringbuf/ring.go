// Package ringbuf implements the fixed-capacity, multi-channel audio ring
// shared between exactly one producer goroutine and one consumer goroutine.
//
// Samples live in one contiguous float32 arena laid out planar: channel c
// occupies [c*capacity, (c+1)*capacity). Both cursors are free-running
// frame counters and are only reduced modulo capacity when indexing. The
// producer is the sole writer of the write cursor and the consumer the sole
// writer of the read cursor, so no mutex is needed.
//
// Overflow policy: a write that does not fit is truncated. The producer
// copies as many frames as are free, discards the rest and counts them as
// overflow. Unread frames are never overwritten and the producer never
// blocks.
package ringbuf

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrRoleTaken is returned when a producer or consumer role is claimed twice.
var ErrRoleTaken = errors.New("ringbuf: role already claimed")

// Stats is a point-in-time snapshot of ring activity, in frames per channel.
type Stats struct {
	Written  uint64 `json:"written"`
	Read     uint64 `json:"read"`
	Overflow uint64 `json:"overflow"`
	Underrun uint64 `json:"underrun"`
}

// Buffer is the shared ring. Obtain its two roles with Producer and Consumer.
type Buffer struct {
	channels int
	capacity uint64
	arena    []float32

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64

	overflow atomic.Uint64
	underrun atomic.Uint64

	producerClaimed atomic.Bool
	consumerClaimed atomic.Bool
}

// New allocates a ring holding capacity frames for each of channels.
func New(channels, capacity int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		channels: channels,
		capacity: uint64(capacity),
		arena:    make([]float32, channels*capacity),
	}
}

// CapacityFor returns the number of frames covering window at sampleRate.
func CapacityFor(sampleRate int, window time.Duration) int {
	n := int(int64(sampleRate) * int64(window) / int64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return b.channels }

// Capacity returns the per-channel capacity in frames.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Len returns the number of frames written but not yet read.
func (b *Buffer) Len() int {
	r := b.readIdx.Load()
	w := b.writeIdx.Load()
	return int(w - r)
}

// Stats returns cumulative counters.
func (b *Buffer) Stats() Stats {
	r := b.readIdx.Load()
	return Stats{
		Written:  b.writeIdx.Load(),
		Read:     r,
		Overflow: b.overflow.Load(),
		Underrun: b.underrun.Load(),
	}
}

// Producer claims the write role. It fails if the role was already claimed.
func (b *Buffer) Producer() (*Producer, error) {
	if !b.producerClaimed.CompareAndSwap(false, true) {
		return nil, ErrRoleTaken
	}
	return &Producer{b: b}, nil
}

// Consumer claims the read role. It fails if the role was already claimed.
func (b *Buffer) Consumer() (*Consumer, error) {
	if !b.consumerClaimed.CompareAndSwap(false, true) {
		return nil, ErrRoleTaken
	}
	return &Consumer{b: b}, nil
}

func (b *Buffer) channel(c int) []float32 {
	off := uint64(c) * b.capacity
	return b.arena[off : off+b.capacity]
}

// Producer is the single writer of a Buffer.
type Producer struct {
	b *Buffer
}

// Buffer returns the ring this producer writes to.
func (p *Producer) Buffer() *Buffer { return p.b }

// free returns the write cursor and the number of frames that fit.
func (p *Producer) free() (uint64, uint64) {
	w := p.b.writeIdx.Load()
	r := p.b.readIdx.Load()
	return w, p.b.capacity - (w - r)
}

// Write appends planar frames, one slice per channel. All slices are
// expected to have the same length; missing channels are written as
// silence and extra ones are ignored. It returns the number of frames
// written.
func (p *Producer) Write(planar [][]float32) int {
	n := 0
	for _, ch := range planar {
		if len(ch) > n {
			n = len(ch)
		}
	}
	if n == 0 {
		return 0
	}

	w, free := p.free()
	fit := uint64(n)
	if fit > free {
		p.b.overflow.Add(fit - free)
		fit = free
	}
	if fit == 0 {
		return 0
	}

	for c := 0; c < p.b.channels; c++ {
		dst := p.b.channel(c)
		var src []float32
		if c < len(planar) {
			src = planar[c]
		}
		for i := uint64(0); i < fit; i++ {
			var v float32
			if i < uint64(len(src)) {
				v = src[i]
			}
			dst[(w+i)%p.b.capacity] = v
		}
	}

	p.b.writeIdx.Store(w + fit)
	return int(fit)
}

// WriteInterleaved appends frames interleaved with the given channel count
// (L R L R ... for stereo). Channels beyond the ring's count are dropped
// and missing ones are filled with silence.
func (p *Producer) WriteInterleaved(samples []float32, channels int) int {
	if channels < 1 {
		return 0
	}
	n := uint64(len(samples) / channels)
	if n == 0 {
		return 0
	}

	w, free := p.free()
	fit := n
	if fit > free {
		p.b.overflow.Add(fit - free)
		fit = free
	}
	if fit == 0 {
		return 0
	}

	for c := 0; c < p.b.channels; c++ {
		dst := p.b.channel(c)
		for i := uint64(0); i < fit; i++ {
			var v float32
			if c < channels {
				v = samples[i*uint64(channels)+uint64(c)]
			}
			dst[(w+i)%p.b.capacity] = v
		}
	}

	p.b.writeIdx.Store(w + fit)
	return int(fit)
}

// Consumer is the single reader of a Buffer.
type Consumer struct {
	b *Buffer
}

// Buffer returns the ring this consumer reads from.
func (c *Consumer) Buffer() *Buffer { return c.b }

// Read drains up to len(dst[0]) frames into dst, one slice per channel. It
// never waits: an empty ring yields 0. Frames requested but unavailable are
// counted as underrun so the caller can substitute silence. Slices in dst
// beyond the ring's channel count receive silence for the frames read.
func (c *Consumer) Read(dst [][]float32) int {
	if len(dst) == 0 || len(dst[0]) == 0 {
		return 0
	}
	want := uint64(len(dst[0]))

	r := c.b.readIdx.Load()
	w := c.b.writeIdx.Load()
	avail := w - r

	n := want
	if n > avail {
		c.b.underrun.Add(n - avail)
		n = avail
	}
	if n == 0 {
		return 0
	}

	for ch := 0; ch < len(dst) && ch < c.b.channels; ch++ {
		src := c.b.channel(ch)
		out := dst[ch]
		for i := uint64(0); i < n && i < uint64(len(out)); i++ {
			out[i] = src[(r+i)%c.b.capacity]
		}
	}
	for ch := c.b.channels; ch < len(dst); ch++ {
		clear(dst[ch][:min(n, uint64(len(dst[ch])))])
	}

	c.b.readIdx.Store(r + n)
	return int(n)
}
