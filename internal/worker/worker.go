// Package worker is the decode/render execution context. It receives
// messages from the controller, sequences segments through the timeline and
// runs one pipeline goroutine per track.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/internal/audio"
	"github.com/zsiec/prism-player/internal/message"
	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/internal/timeline"
	"github.com/zsiec/prism-player/media"
)

// Channel depths for the controller link.
const (
	messageBuffer = 64
	errorBuffer   = 16
)

// Options configures the worker's pipelines.
type Options struct {
	// MaxPending is the video admission ceiling.
	MaxPending int
	// RefreshInterval paces presentation. Zero means 60 Hz.
	RefreshInterval time.Duration
	// NewDecoder creates video decoders.
	NewDecoder render.NewDecoderFunc
	Log        *slog.Logger
}

// Stats is a point-in-time snapshot of every pipeline.
type Stats struct {
	Video    map[string]render.Stats        `json:"video"`
	Audio    map[string]audio.ProducerStats `json:"audio"`
	Timeline map[string]timeline.Stats      `json:"timeline"`
}

// Worker owns the timeline and the per-track pipelines.
type Worker struct {
	log  *slog.Logger
	opts Options

	msgs    chan message.Message
	errs    chan error
	closing atomic.Bool
	done    chan struct{}

	timeline *timeline.Timeline
	config   *message.Config

	mu         sync.Mutex
	components map[string]*timeline.Component
	renderers  map[string]*render.Renderer
	producers  map[string]*audio.Producer
	hasVideo   bool
}

// New creates a worker. Start it with Run.
func New(opts Options) *Worker {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Worker{
		log:        opts.Log.With("component", "worker"),
		opts:       opts,
		msgs:       make(chan message.Message, messageBuffer),
		errs:       make(chan error, errorBuffer),
		done:       make(chan struct{}),
		timeline:   timeline.New(opts.Log),
		components: make(map[string]*timeline.Component),
		renderers:  make(map[string]*render.Renderer),
		producers:  make(map[string]*audio.Producer),
	}
}

// Send delivers msg to the worker. After a Shutdown has been sent, further
// sends return media.ErrClosed.
func (w *Worker) Send(ctx context.Context, msg message.Message) error {
	_, shutdown := msg.(message.Shutdown)
	if shutdown {
		if !w.closing.CompareAndSwap(false, true) {
			return media.ErrClosed
		}
	} else if w.closing.Load() {
		return media.ErrClosed
	}

	select {
	case <-w.done:
		return media.ErrClosed
	default:
	}
	select {
	case w.msgs <- msg:
		return nil
	case <-w.done:
		return media.ErrClosed
	case <-ctx.Done():
		if shutdown {
			// Undelivered, so a later Shutdown may still be sent.
			w.closing.Store(false)
		}
		return ctx.Err()
	}
}

// Errors delivers fatal per-track errors. It is closed when Run returns.
func (w *Worker) Errors() <-chan error { return w.errs }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run processes messages until Shutdown or ctx is done, then waits for
// every pipeline to exit.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer close(w.errs)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	drain := w.loop(ctx, pctx, &g)

	w.timeline.Close()
	if !drain {
		cancel()
	}
	err := g.Wait()
	w.log.Info("worker stopped", "drained", drain)
	return err
}

// loop dispatches messages and reports whether shutdown asked for a drain.
func (w *Worker) loop(ctx, pctx context.Context, g *errgroup.Group) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg := <-w.msgs:
			switch m := msg.(type) {
			case message.Config:
				w.configure(m)
			case message.Init:
				w.init(m)
			case message.Segment:
				w.segment(pctx, g, m)
			case message.Shutdown:
				w.discardQueued()
				return m.Drain
			default:
				w.log.Warn("unknown message", "kind", message.Kind(msg))
			}
		}
	}
}

// discardQueued closes segments that raced a shutdown.
func (w *Worker) discardQueued() {
	for {
		select {
		case msg := <-w.msgs:
			if m, ok := msg.(message.Segment); ok && m.Segment != nil {
				m.Segment.Close()
			}
		default:
			return
		}
	}
}

func (w *Worker) configure(m message.Config) {
	if w.config != nil {
		w.log.Warn("duplicate config ignored")
		return
	}
	w.config = &m
	attrs := []any{"video", m.Video != nil}
	if m.Audio != nil {
		attrs = append(attrs, "sampleRate", m.Audio.SampleRate, "channels", m.Audio.Channels)
	}
	w.log.Info("configured", attrs...)
}

func (w *Worker) init(m message.Init) {
	if m.Init == nil {
		return
	}
	data, err := m.Init.Data()
	if err != nil {
		w.log.Warn("init message unusable", "name", m.Init.Name, "error", err)
		return
	}
	w.timeline.Init(m.Init.Name, data)
}

func (w *Worker) segment(ctx context.Context, g *errgroup.Group, m message.Segment) {
	seg := m.Segment
	if seg == nil {
		return
	}
	comp, created, err := w.timeline.Component(seg.Track)
	if err != nil {
		seg.Close()
		return
	}
	if created {
		w.mu.Lock()
		w.components[seg.Track.Name] = comp
		w.mu.Unlock()
		g.Go(func() error { return comp.Run(ctx) })
		w.startPipeline(ctx, g, comp)
	}
	if err := comp.Push(ctx, seg); err != nil {
		seg.Close()
		if !errors.Is(err, context.Canceled) {
			w.log.Warn("segment dropped", "track", seg.Track.Name, "error", err)
		}
	}
}

// startPipeline attaches the consumer for a new component's frames. Tracks
// nothing can play are drained so the timeline never stalls.
func (w *Worker) startPipeline(ctx context.Context, g *errgroup.Group, comp *timeline.Component) {
	track := comp.Track()
	log := w.log.With("track", track.Name)

	switch track.Kind {
	case media.KindVideo:
		if w.config == nil || w.config.Video == nil {
			log.Warn("video track without a surface, discarding")
			break
		}
		w.mu.Lock()
		first := !w.hasVideo
		w.hasVideo = true
		w.mu.Unlock()
		if !first {
			log.Warn("surface already in use by another video track, discarding")
			break
		}
		r := render.NewRenderer(w.config.Video.Surface, render.Options{
			MaxPending: w.opts.MaxPending,
			Refresher:  render.NewTickerRefresher(w.opts.RefreshInterval),
			NewDecoder: w.opts.NewDecoder,
			Log:        log,
		})
		w.mu.Lock()
		w.renderers[track.Name] = r
		w.mu.Unlock()
		g.Go(func() error {
			if err := r.Run(ctx, comp.Frames()); err != nil {
				w.report(track.Name, err)
			}
			discard(comp.Frames())
			return nil
		})
		return

	case media.KindAudio:
		if w.config == nil || w.config.Audio == nil || w.config.Audio.Ring == nil {
			log.Warn("audio track without a ring, discarding", "error", audio.ErrNoRing)
			break
		}
		ring, err := w.config.Audio.Ring.Producer()
		if err != nil {
			log.Warn("ring producer already held by another track, discarding", "error", err)
			break
		}
		p := audio.NewProducer(ring, w.config.Audio.SampleRate, log)
		w.mu.Lock()
		w.producers[track.Name] = p
		w.mu.Unlock()
		g.Go(func() error {
			if err := p.Run(ctx, comp.Frames()); err != nil {
				w.report(track.Name, err)
			}
			discard(comp.Frames())
			return nil
		})
		return
	}

	g.Go(func() error {
		discard(comp.Frames())
		return nil
	})
}

// report forwards a fatal track error to the controller without blocking.
func (w *Worker) report(track string, err error) {
	w.log.Error("track pipeline failed", "track", track, "error", err)
	select {
	case w.errs <- err:
	default:
		w.log.Warn("error channel full, dropping", "track", track)
	}
}

func discard(frames <-chan media.Frame) {
	for range frames {
	}
}

// Stats returns a snapshot of every pipeline.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{
		Video:    make(map[string]render.Stats, len(w.renderers)),
		Audio:    make(map[string]audio.ProducerStats, len(w.producers)),
		Timeline: make(map[string]timeline.Stats, len(w.components)),
	}
	for name, r := range w.renderers {
		st.Video[name] = r.Stats()
	}
	for name, p := range w.producers {
		st.Audio[name] = p.Stats()
	}
	for name, c := range w.components {
		st.Timeline[name] = c.Stats()
	}
	return st
}
