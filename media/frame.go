// Package media defines the core types that flow through the player, from
// demuxed samples through decode and presentation.
package media

import (
	"image"
	"sync/atomic"
	"time"
)

// Kind distinguishes the media carried by a track.
type Kind int

// Track kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// Track describes one elementary stream as advertised by the catalog.
type Track struct {
	Name       string
	Codec      string // RFC 6381 codec string, e.g. "avc1.64001F" or "opus"
	Kind       Kind
	Timescale  uint32 // ticks per second of Sample.DTS
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Sample is one coded access unit. It is immutable once produced by the
// timeline.
type Sample struct {
	Data      []byte
	DTS       int64
	IsSync    bool
	Timescale uint32
}

// Timestamp converts DTS to wall time using the sample's timescale.
func (s Sample) Timestamp() time.Duration {
	if s.Timescale == 0 {
		return 0
	}
	sec := s.DTS / int64(s.Timescale)
	rem := s.DTS % int64(s.Timescale)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(s.Timescale)
}

// Frame pairs a Sample with the track and sample entry it belongs to. It is
// the unit the timeline yields to the decode pipelines.
type Frame struct {
	Track       *Track
	SampleEntry []byte // raw sample-entry box (e.g. "avc1" with an avcC child)
	Sample      Sample
}

// DecodedFrame is the displayable output of one video sample. Its backing
// resource is scarce: whoever holds the frame must Close it exactly once,
// either after drawing it or when discarding it.
type DecodedFrame struct {
	Image         image.Image
	DisplayWidth  int
	DisplayHeight int
	Timestamp     time.Duration

	release func()
	closed  atomic.Bool
}

// NewDecodedFrame wraps img as a frame. release, if non-nil, is called once
// when the frame is closed.
func NewDecodedFrame(img image.Image, width, height int, ts time.Duration, release func()) *DecodedFrame {
	return &DecodedFrame{
		Image:         img,
		DisplayWidth:  width,
		DisplayHeight: height,
		Timestamp:     ts,
		release:       release,
	}
}

// Close releases the frame's backing resource. Only the first call releases;
// it reports whether this call was the one that did.
func (f *DecodedFrame) Close() bool {
	if !f.closed.CompareAndSwap(false, true) {
		return false
	}
	if f.release != nil {
		f.release()
	}
	f.Image = nil
	return true
}

// Closed reports whether the frame has been released.
func (f *DecodedFrame) Closed() bool {
	return f.closed.Load()
}

// Surface is the drawable target video frames are presented on.
type Surface interface {
	// Resize sets the surface's pixel dimensions.
	Resize(width, height int)
	// Draw blits the frame at the origin, scaled to its display size.
	Draw(frame *DecodedFrame) error
}
