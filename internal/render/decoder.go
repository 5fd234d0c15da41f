package render

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/prism-player/media"
)

// Decoder errors.
var (
	ErrDecoderClosed = errors.New("render: decoder closed")
	ErrNotConfigured = errors.New("render: decoder not configured")
)

// ChunkType marks whether a chunk can be decoded on its own.
type ChunkType int

const (
	ChunkKey ChunkType = iota
	ChunkDelta
)

func (t ChunkType) String() string {
	if t == ChunkKey {
		return "key"
	}
	return "delta"
}

// Chunk is one compressed video access unit handed to a Decoder.
type Chunk struct {
	Type      ChunkType
	Timestamp time.Duration
	Data      []byte
}

// DecoderConfig is derived from the first frame of a track.
type DecoderConfig struct {
	Codec              string
	CodedWidth         int
	CodedHeight        int
	Description        []byte // payload of the avcC/hvcC/vpcC/av1C box
	OptimizeForLatency bool
}

// DecoderState is the decoder lifecycle: Unconfigured -> Configured -> Closed.
type DecoderState int

const (
	StateUnconfigured DecoderState = iota
	StateConfigured
	StateClosed
)

func (s DecoderState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DecoderCallbacks receive a decoder's asynchronous results. An
// implementation must not invoke them concurrently.
type DecoderCallbacks struct {
	// Output receives each decoded frame. The receiver owns the frame.
	Output func(*media.DecodedFrame)
	// Error reports a per-chunk decode failure.
	Error func(error)
}

// Decoder turns compressed chunks into frames. Decode must not block: a
// chunk the decoder cannot accept is rejected with an error, and results
// arrive through the callbacks.
type Decoder interface {
	Configure(cfg DecoderConfig) error
	Decode(chunk Chunk) error
	// Flush blocks until every submitted chunk has produced an output or
	// an error.
	Flush(ctx context.Context) error
	State() DecoderState
	Close() error
}

// NewDecoderFunc creates a Decoder that reports through cb.
type NewDecoderFunc func(cb DecoderCallbacks) (Decoder, error)
