// Package player is the pipeline controller. A Backend negotiates the
// session's audio format, allocates the shared audio ring, starts the decode
// worker and forwards init data and segments to it.
//
// Init and Segment take ownership of the handles passed to them: the
// caller's handle is poisoned before the send, so any later use of it
// returns media.ErrTransferred.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/internal/message"
	"github.com/zsiec/prism-player/internal/mp4"
	"github.com/zsiec/prism-player/internal/worker"
	"github.com/zsiec/prism-player/media"
	"github.com/zsiec/prism-player/ringbuf"
)

// DefaultRingWindow is the real-time span the audio ring holds.
const DefaultRingWindow = 100 * time.Millisecond

// minRingChannels is the smallest channel count the ring is allocated with.
const minRingChannels = 2

// ErrUnknownTrack is returned for a track name the catalog does not list.
var ErrUnknownTrack = errors.New("player: unknown track")

// Config configures a Backend.
type Config struct {
	Catalog *catalog.Root
	// Surface receives video. It is forwarded only when the catalog has a
	// video track.
	Surface media.Surface
	// RingWindow sizes the audio ring. Zero means DefaultRingWindow.
	RingWindow time.Duration
	Worker     worker.Options
	Log        *slog.Logger
}

// Backend is one playback session.
type Backend struct {
	id     string
	log    *slog.Logger
	root   *catalog.Root
	worker *worker.Worker
	audio  *AudioParams
	ring   *ringbuf.Buffer

	closed atomic.Bool
	done   chan struct{}
	runErr error
}

// New negotiates the session, starts the worker under ctx and sends it the
// configuration. Catalog tracks that carry their decoder configuration
// inline, rather than naming an init track, get a synthesized init.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RingWindow <= 0 {
		cfg.RingWindow = DefaultRingWindow
	}
	if cfg.Catalog == nil {
		cfg.Catalog = &catalog.Root{}
	}

	params, err := Negotiate(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := cfg.Log.With("component", "player", "session", id)

	b := &Backend{
		id:    id,
		log:   log,
		root:  cfg.Catalog,
		audio: params,
		done:  make(chan struct{}),
	}

	msg := configMessage(cfg, params)
	if msg.Audio != nil {
		b.ring = msg.Audio.Ring
	}

	wopts := cfg.Worker
	wopts.Log = cfg.Log.With("session", id)
	b.worker = worker.New(wopts)
	go func() {
		defer close(b.done)
		b.runErr = b.worker.Run(ctx)
	}()

	if err := b.worker.Send(ctx, msg); err != nil {
		b.abort()
		return nil, fmt.Errorf("send config: %w", err)
	}

	attrs := []any{"tracks", len(cfg.Catalog.Tracks), "video", msg.Video != nil}
	if params != nil {
		attrs = append(attrs,
			"sampleRate", params.SampleRate,
			"channels", params.Channels,
			"ringFrames", b.ring.Capacity(),
		)
	}
	log.Info("session configured", attrs...)

	if err := b.sendCatalogInits(ctx); err != nil {
		b.abort()
		return nil, err
	}
	return b, nil
}

// configMessage builds the worker's one-time configuration, allocating the
// ring when the session has audio.
func configMessage(cfg Config, params *AudioParams) message.Config {
	var msg message.Config
	if params != nil {
		ring := ringbuf.New(max(minRingChannels, params.Channels), ringbuf.CapacityFor(params.SampleRate, cfg.RingWindow))
		msg.Audio = &message.AudioConfig{
			Channels:   params.Channels,
			SampleRate: params.SampleRate,
			Ring:       ring,
		}
	}
	if HasVideo(cfg.Catalog) && cfg.Surface != nil {
		msg.Video = &message.VideoConfig{Surface: cfg.Surface}
	}
	return msg
}

func (b *Backend) sendCatalogInits(ctx context.Context) error {
	for _, t := range b.root.Tracks {
		if t.InitTrack != "" {
			continue
		}
		mt := t.MediaTrack()
		if mt.Kind == media.KindUnknown {
			continue
		}
		desc, err := t.DecoderConfig()
		if err != nil {
			b.log.Warn("catalog initData unusable", "track", t.Name, "error", err)
			continue
		}
		in := media.NewInit(t.Name, mp4.SampleEntryFor(mt, desc))
		if err := b.worker.Send(ctx, message.Init{Init: in}); err != nil {
			return fmt.Errorf("send init %q: %w", t.Name, err)
		}
	}
	return nil
}

// ID returns the session identifier used in logs.
func (b *Backend) ID() string { return b.id }

// Audio returns the negotiated audio format, if the session has audio.
func (b *Backend) Audio() (AudioParams, bool) {
	if b.audio == nil {
		return AudioParams{}, false
	}
	return *b.audio, true
}

// Ring returns the shared audio ring, or nil when the session has no audio.
// The audio output claims its consumer role.
func (b *Backend) Ring() *ringbuf.Buffer { return b.ring }

// Errors delivers fatal per-track errors.
func (b *Backend) Errors() <-chan error { return b.worker.Errors() }

// Done is closed once the worker has stopped.
func (b *Backend) Done() <-chan struct{} { return b.done }

// Stats returns the worker's pipeline counters.
func (b *Backend) Stats() worker.Stats { return b.worker.Stats() }

// Init forwards a track's init data, taking ownership of in.
func (b *Backend) Init(ctx context.Context, in *media.Init) error {
	if b.closed.Load() {
		return media.ErrClosed
	}
	moved, err := in.Transfer()
	if err != nil {
		return err
	}
	return b.worker.Send(ctx, message.Init{Init: moved})
}

// Segment forwards a segment, taking ownership of its stream. A segment the
// worker never accepts is closed.
func (b *Backend) Segment(ctx context.Context, seg *media.Segment) error {
	if b.closed.Load() {
		return media.ErrClosed
	}
	moved, err := seg.Transfer()
	if err != nil {
		return err
	}
	if err := b.worker.Send(ctx, message.Segment{Segment: moved}); err != nil {
		moved.Close()
		return err
	}
	return nil
}

// NewSegment wraps stream as a segment of the named catalog track.
func (b *Backend) NewSegment(track string, stream io.ReadCloser) (*media.Segment, error) {
	for _, t := range b.root.Tracks {
		if t.Name != track {
			continue
		}
		init := t.InitTrack
		if init == "" {
			init = t.Name
		}
		return media.NewSegment(init, t.MediaTrack(), stream), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
}

// Close abandons in-flight work and waits for the worker to stop. Later
// calls on the backend return media.ErrClosed.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return media.ErrClosed
	}
	return b.abort()
}

// Finish plays out every segment already sent, then stops the worker. If
// ctx ends before the shutdown is delivered, in-flight work is abandoned as
// with Close. If it ends while draining, Finish returns without waiting and
// the worker stops once the context given to New is done.
func (b *Backend) Finish(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return media.ErrClosed
	}
	if err := b.worker.Send(ctx, message.Shutdown{Drain: true}); err != nil {
		if errors.Is(err, media.ErrClosed) {
			<-b.done
			return b.runErr
		}
		b.abort()
		return err
	}
	select {
	case <-b.done:
		b.log.Info("session finished")
		return b.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort stops the worker without draining and waits for it.
func (b *Backend) abort() error {
	if err := b.worker.Send(context.Background(), message.Shutdown{}); err != nil && !errors.Is(err, media.ErrClosed) {
		b.log.Warn("shutdown not delivered", "error", err)
	}
	<-b.done
	b.log.Info("session closed")
	return b.runErr
}
