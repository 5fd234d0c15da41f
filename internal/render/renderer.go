// Package render decodes one video track and presents the decoded frames on
// a surface at the display's refresh cadence.
//
// Decoded frames wait for presentation in a bounded queue. The number of
// frames admitted but not yet presented never exceeds the renderer's
// ceiling; a frame that arrives at the ceiling is released immediately and
// counted as dropped. Queued frames are never evicted, so the newest frame
// is the one that loses.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/internal/mp4"
	"github.com/zsiec/prism-player/media"
)

// DefaultMaxPending is the default ceiling on decoded frames awaiting
// presentation.
const DefaultMaxPending = 16

// Options configures a Renderer.
type Options struct {
	// MaxPending is the admission ceiling. Zero means DefaultMaxPending.
	MaxPending int
	// Refresher paces presentation. Nil means a 60 Hz ticker.
	Refresher Refresher
	// NewDecoder creates the track's decoder on its first frame.
	NewDecoder NewDecoderFunc
	Log        *slog.Logger
}

// Stats is a point-in-time snapshot of renderer counters.
type Stats struct {
	Submitted     int64         `json:"submitted"`
	Decoded       int64         `json:"decoded"`
	Presented     int64         `json:"presented"`
	Dropped       int64         `json:"dropped"`
	DecodeErrors  int64         `json:"decodeErrors"`
	Reordered     int64         `json:"reordered"`
	Pending       int64         `json:"pending"`
	LastTimestamp time.Duration `json:"lastTimestamp"`
}

// Renderer runs the decode/render pipeline for a single video track.
type Renderer struct {
	log        *slog.Logger
	surface    media.Surface
	newDecoder NewDecoderFunc
	refresher  Refresher
	maxPending int64

	// queue capacity equals maxPending, so admission never blocks.
	queue   chan *media.DecodedFrame
	pending atomic.Int64

	// mu serializes admission against shutdown.
	mu      sync.Mutex
	stopped bool
	decoder Decoder

	submitted    atomic.Int64
	decoded      atomic.Int64
	presented    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
	reordered    atomic.Int64
	lastTS       atomic.Int64
	hasLastTS    atomic.Bool
}

// NewRenderer creates a renderer drawing onto surface.
func NewRenderer(surface media.Surface, opts Options) *Renderer {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Refresher == nil {
		opts.Refresher = NewTickerRefresher(DefaultRefreshInterval)
	}
	return &Renderer{
		log:        opts.Log.With("component", "renderer"),
		surface:    surface,
		newDecoder: opts.NewDecoder,
		refresher:  opts.Refresher,
		maxPending: int64(opts.MaxPending),
		queue:      make(chan *media.DecodedFrame, opts.MaxPending),
	}
}

// Stats returns the renderer's counters.
func (r *Renderer) Stats() Stats {
	return Stats{
		Submitted:     r.submitted.Load(),
		Decoded:       r.decoded.Load(),
		Presented:     r.presented.Load(),
		Dropped:       r.dropped.Load(),
		DecodeErrors:  r.decodeErrors.Load(),
		Reordered:     r.reordered.Load(),
		Pending:       r.pending.Load(),
		LastTimestamp: time.Duration(r.lastTS.Load()),
	}
}

// Run decodes frames until the channel closes, then presents whatever the
// decoder still holds and returns nil. Cancelling ctx abandons in-flight
// decodes. A track that cannot be configured returns a
// *media.UnsupportedCodecError before any frame is admitted.
func (r *Renderer) Run(ctx context.Context, frames <-chan media.Frame) error {
	defer r.refresher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	upstreamDone := make(chan struct{})

	g.Go(func() error {
		if err := r.decodeLoop(gctx, frames); err != nil {
			return err
		}
		close(upstreamDone)
		return nil
	})
	g.Go(func() error {
		return r.presentLoop(gctx, upstreamDone)
	})

	err := g.Wait()
	r.shutdown()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Renderer) decodeLoop(ctx context.Context, frames <-chan media.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return r.flush(ctx)
			}
			if err := r.submit(f); err != nil {
				return err
			}
		}
	}
}

func (r *Renderer) flush(ctx context.Context) error {
	r.mu.Lock()
	dec := r.decoder
	r.mu.Unlock()
	if dec == nil || dec.State() != StateConfigured {
		return nil
	}
	if err := dec.Flush(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn("decoder flush failed", "error", err)
	}
	return ctx.Err()
}

// submit configures the decoder on the first frame and hands the sample
// over as a chunk.
func (r *Renderer) submit(f media.Frame) error {
	r.mu.Lock()
	dec := r.decoder
	r.mu.Unlock()

	if dec == nil || dec.State() == StateUnconfigured {
		var err error
		if dec, err = r.configure(f); err != nil {
			return err
		}
	}
	if dec.State() == StateClosed {
		return fmt.Errorf("track %q: %w", f.Track.Name, ErrDecoderClosed)
	}

	ct := ChunkDelta
	if f.Sample.IsSync {
		ct = ChunkKey
	}
	ts := f.Sample.Timestamp()
	r.submitted.Add(1)
	if err := dec.Decode(Chunk{Type: ct, Timestamp: ts, Data: f.Sample.Data}); err != nil {
		r.decodeError(&media.DecodeError{Timestamp: ts, Err: err})
	}
	return nil
}

func (r *Renderer) configure(f media.Frame) (Decoder, error) {
	var track media.Track
	if f.Track != nil {
		track = *f.Track
	}
	if track.Kind != media.KindVideo {
		return nil, &media.UnsupportedCodecError{Track: track.Name, Codec: track.Codec, Err: media.ErrNotVideoTrack}
	}
	desc, box, err := mp4.Description(f.SampleEntry)
	if err != nil {
		return nil, &media.UnsupportedCodecError{Track: track.Name, Codec: track.Codec, Err: media.ErrMissingCodecDescription}
	}
	if r.newDecoder == nil {
		return nil, &media.UnsupportedCodecError{Track: track.Name, Codec: track.Codec, Err: errors.New("no decoder available")}
	}

	r.mu.Lock()
	dec := r.decoder
	r.mu.Unlock()
	if dec == nil {
		dec, err = r.newDecoder(DecoderCallbacks{Output: r.admit, Error: r.decodeError})
		if err != nil {
			return nil, &media.UnsupportedCodecError{Track: track.Name, Codec: track.Codec, Err: err}
		}
		r.mu.Lock()
		r.decoder = dec
		r.mu.Unlock()
	}

	cfg := DecoderConfig{
		Codec:              track.Codec,
		CodedWidth:         track.Width,
		CodedHeight:        track.Height,
		Description:        desc,
		OptimizeForLatency: true,
	}
	if err := dec.Configure(cfg); err != nil {
		return nil, &media.UnsupportedCodecError{Track: track.Name, Codec: track.Codec, Err: err}
	}
	r.log.Info("decoder configured",
		"track", track.Name,
		"codec", track.Codec,
		"box", box,
		"width", track.Width,
		"height", track.Height,
	)
	return dec, nil
}

// admit is the decoder's output callback.
func (r *Renderer) admit(f *media.DecodedFrame) {
	r.decoded.Add(1)
	ts := int64(f.Timestamp)
	prev := r.lastTS.Swap(ts)
	if r.hasLastTS.Swap(true) && ts < prev {
		r.reordered.Add(1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		f.Close()
		return
	}
	if r.pending.Load() >= r.maxPending {
		f.Close()
		n := r.dropped.Add(1)
		r.log.Warn("render queue full, dropping frame",
			"timestamp", f.Timestamp,
			"pending", r.maxPending,
			"dropped", n,
		)
		return
	}
	r.pending.Add(1)
	r.queue <- f
}

// decodeError is the decoder's error callback.
func (r *Renderer) decodeError(err error) {
	r.decodeErrors.Add(1)
	r.log.Warn("decode failed", "error", err)
}

func (r *Renderer) presentLoop(ctx context.Context, upstreamDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.queue:
			if err := r.present(ctx, f); err != nil {
				return err
			}
		case <-upstreamDone:
			// The decoder has been flushed; present what it left behind.
			for {
				select {
				case f := <-r.queue:
					if err := r.present(ctx, f); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (r *Renderer) present(ctx context.Context, f *media.DecodedFrame) error {
	if err := r.refresher.Wait(ctx); err != nil {
		r.release(f)
		return err
	}
	r.surface.Resize(f.DisplayWidth, f.DisplayHeight)
	if err := r.surface.Draw(f); err != nil {
		r.log.Warn("draw failed", "timestamp", f.Timestamp, "error", err)
	} else {
		r.presented.Add(1)
	}
	r.release(f)
	return nil
}

func (r *Renderer) release(f *media.DecodedFrame) {
	r.pending.Add(-1)
	f.Close()
}

// shutdown stops admission, closes the decoder and releases queued frames.
func (r *Renderer) shutdown() {
	r.mu.Lock()
	r.stopped = true
	dec := r.decoder
	r.mu.Unlock()

	if dec != nil {
		if err := dec.Close(); err != nil {
			r.log.Debug("decoder close", "error", err)
		}
	}
	for {
		select {
		case f := <-r.queue:
			r.release(f)
		default:
			return
		}
	}
}
