// Package message defines the messages the controller sends to the decode
// worker. Bulk buffers travel as move-only handles: the sender transfers
// them before sending and keeps no access afterwards.
package message

import (
	"github.com/zsiec/prism-player/media"
	"github.com/zsiec/prism-player/ringbuf"
)

// Message is one of Config, Init, Segment or Shutdown.
type Message interface {
	kind() string
}

// Config is sent exactly once, before any other message.
type Config struct {
	Audio *AudioConfig
	Video *VideoConfig
}

// AudioConfig carries the negotiated audio parameters and the ring the
// worker writes decoded audio into.
type AudioConfig struct {
	Channels   int
	SampleRate int
	Ring       *ringbuf.Buffer
}

// VideoConfig carries the drawing surface. It is present only when the
// session has a video track.
type VideoConfig struct {
	Surface media.Surface
}

// Init carries a named init track's sample entry.
type Init struct {
	Init *media.Init
}

// Segment carries one segment's byte stream.
type Segment struct {
	Segment *media.Segment
}

// Shutdown stops the worker. With Drain set, queued segments are played
// out first; otherwise in-flight work is abandoned.
type Shutdown struct {
	Drain bool
}

func (Config) kind() string   { return "config" }
func (Init) kind() string     { return "init" }
func (Segment) kind() string  { return "segment" }
func (Shutdown) kind() string { return "shutdown" }

// Kind names a message for logging.
func Kind(m Message) string {
	if m == nil {
		return "nil"
	}
	return m.kind()
}
