// Package timeline turns init data and segments into ordered per-track
// frame sequences for the decode pipelines.
package timeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/mp4"
	"github.com/zsiec/prism-player/media"
)

// Channel depths. Frames block the segment reader when a pipeline falls
// behind; segments queue ahead of the reader.
const (
	frameBuffer   = 8
	segmentBuffer = 32
)

// ErrMissingInit is returned for a segment whose init track never arrived
// before the timeline closed.
var ErrMissingInit = errors.New("timeline: init track missing")

// Timeline owns one Component per track plus the init-track registry the
// components resolve sample entries from.
type Timeline struct {
	log   *slog.Logger
	inits *Registry

	mu         sync.Mutex
	components map[string]*Component
	closed     bool
}

// New creates an empty timeline. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Timeline {
	if log == nil {
		log = slog.Default()
	}
	return &Timeline{
		log:        log.With("component", "timeline"),
		inits:      NewRegistry(log),
		components: make(map[string]*Component),
	}
}

// Init registers the sample entry for an init track.
func (t *Timeline) Init(name string, data []byte) {
	t.inits.Set(name, data)
}

// Component returns the component for track, creating it on first use.
// created reports whether this call created it; the caller must then Run it.
func (t *Timeline) Component(track media.Track) (c *Component, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, media.ErrClosed
	}
	if c, ok := t.components[track.Name]; ok {
		return c, false, nil
	}
	tr := track
	c = &Component{
		track:    &tr,
		log:      t.log.With("track", track.Name, "kind", track.Kind.String()),
		inits:    t.inits,
		segments: make(chan *media.Segment, segmentBuffer),
		frames:   make(chan media.Frame, frameBuffer),
		stop:     make(chan struct{}),
	}
	t.components[track.Name] = c
	return c, true, nil
}

// Close stops accepting segments. Each component drains the segments it
// already holds and then closes its frame channel.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, c := range t.components {
		c.closeSegments()
	}
}

// Component sequences the segments of a single track into frames.
type Component struct {
	track *media.Track
	log   *slog.Logger
	inits *Registry

	segments chan *media.Segment
	frames   chan media.Frame
	stop     chan struct{}
	stopOnce sync.Once

	segmentsRead atomic.Int64
	framesOut    atomic.Int64
	parseErrors  atomic.Int64
}

// Track returns the track this component sequences.
func (c *Component) Track() media.Track { return *c.track }

// Frames is closed once every queued segment has been emitted.
func (c *Component) Frames() <-chan media.Frame { return c.frames }

// Push queues seg for this component, blocking while the queue is full.
func (c *Component) Push(ctx context.Context, seg *media.Segment) error {
	select {
	case <-c.stop:
		return media.ErrClosed
	default:
	}
	select {
	case c.segments <- seg:
		return nil
	case <-c.stop:
		return media.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Component) closeSegments() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run emits the frames of each queued segment in arrival order until the
// timeline is closed and the queue drained, or ctx is done. Segments that
// fail to parse are logged and skipped; the frames read before the failure
// are kept.
func (c *Component) Run(ctx context.Context) error {
	defer close(c.frames)
	for {
		var seg *media.Segment
		select {
		case <-ctx.Done():
			c.discard()
			return nil
		case seg = <-c.segments:
		case <-c.stop:
			select {
			case seg = <-c.segments:
			default:
				return nil
			}
		}
		if err := c.emit(ctx, seg); err != nil {
			if ctx.Err() != nil {
				c.discard()
				return nil
			}
			c.parseErrors.Add(1)
			c.log.Warn("segment skipped", "error", err)
		}
	}
}

// discard closes any segments still queued after cancellation.
func (c *Component) discard() {
	for {
		select {
		case seg := <-c.segments:
			seg.Close()
		default:
			return
		}
	}
}

func (c *Component) emit(ctx context.Context, seg *media.Segment) error {
	defer seg.Close()

	stream, err := seg.Stream()
	if err != nil {
		return err
	}
	initName := seg.Init
	if initName == "" {
		initName = c.track.Name
	}
	entry, err := c.waitInit(ctx, initName)
	if err != nil {
		return err
	}
	c.segmentsRead.Add(1)

	r := moq.NewReader(stream)
	for {
		obj, err := r.ReadObject()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment for init %q: %w", initName, err)
		}
		if len(obj.VideoConfig) > 0 && c.track.Kind == media.KindVideo {
			entry = c.refreshEntry(entry, obj.VideoConfig)
		}
		f := media.Frame{
			Track:       c.track,
			SampleEntry: entry,
			Sample: media.Sample{
				Data:      obj.Payload,
				DTS:       int64(obj.CaptureTimestamp),
				IsSync:    obj.IsKeyframe(),
				Timescale: moq.CaptureTimescale,
			},
		}
		select {
		case c.frames <- f:
			c.framesOut.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitInit blocks until the named init arrives. Once the timeline is
// closed no more inits can arrive, so a missing one fails immediately.
func (c *Component) waitInit(ctx context.Context, name string) ([]byte, error) {
	if entry, ok := c.inits.Get(name); ok {
		return entry, nil
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-wctx.Done():
		}
	}()

	entry, err := c.inits.Wait(wctx, name)
	if err != nil && ctx.Err() == nil {
		if entry, ok := c.inits.Get(name); ok {
			return entry, nil
		}
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrMissingInit, name, strings.Join(c.inits.Names(), ", "))
	}
	return entry, err
}

// refreshEntry rebuilds the sample entry when an in-band video config
// differs from the one entry already carries.
func (c *Component) refreshEntry(entry, config []byte) []byte {
	if desc, _, err := mp4.Description(entry); err == nil && bytes.Equal(desc, config) {
		return entry
	}
	c.log.Debug("in-band video config", "bytes", len(config))
	return mp4.SampleEntryFor(*c.track, config)
}

// Stats is a point-in-time snapshot of a component's counters.
type Stats struct {
	Segments    int64 `json:"segments"`
	Frames      int64 `json:"frames"`
	ParseErrors int64 `json:"parseErrors"`
}

// Stats returns the component's counters.
func (c *Component) Stats() Stats {
	return Stats{
		Segments:    c.segmentsRead.Load(),
		Frames:      c.framesOut.Load(),
		ParseErrors: c.parseErrors.Load(),
	}
}
