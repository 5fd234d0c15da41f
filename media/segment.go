package media

import (
	"io"
	"sync/atomic"
)

// Segment is a track-scoped fragment of media data. It is a move-only
// handle: Transfer hands the underlying stream to a new Segment and leaves
// the original unusable, so the sender keeps no access after a send.
type Segment struct {
	Init  string // name of the init track this segment's samples refer to
	Track Track

	stream atomic.Pointer[io.ReadCloser]
}

// NewSegment wraps stream as a Segment owned by the caller.
func NewSegment(init string, track Track, stream io.ReadCloser) *Segment {
	s := &Segment{Init: init, Track: track}
	s.stream.Store(&stream)
	return s
}

// Transfer moves ownership of the byte stream into a new Segment.
func (s *Segment) Transfer() (*Segment, error) {
	p := s.stream.Swap(nil)
	if p == nil {
		return nil, ErrTransferred
	}
	out := &Segment{Init: s.Init, Track: s.Track}
	out.stream.Store(p)
	return out, nil
}

// Stream returns the segment's byte stream, or ErrTransferred if ownership
// has moved elsewhere.
func (s *Segment) Stream() (io.ReadCloser, error) {
	p := s.stream.Load()
	if p == nil {
		return nil, ErrTransferred
	}
	return *p, nil
}

// Close closes the stream if this handle still owns it.
func (s *Segment) Close() error {
	p := s.stream.Swap(nil)
	if p == nil {
		return nil
	}
	return (*p).Close()
}

// Init carries one-time initialization bytes for a named track. Like
// Segment it is move-only.
type Init struct {
	Name string

	data atomic.Pointer[[]byte]
}

// NewInit wraps data. The caller must not retain data after handing the
// Init to a send operation.
func NewInit(name string, data []byte) *Init {
	in := &Init{Name: name}
	in.data.Store(&data)
	return in
}

// Transfer moves the init bytes into a new Init.
func (in *Init) Transfer() (*Init, error) {
	p := in.data.Swap(nil)
	if p == nil {
		return nil, ErrTransferred
	}
	out := &Init{Name: in.Name}
	out.data.Store(p)
	return out, nil
}

// Data returns the init bytes, or ErrTransferred after a transfer.
func (in *Init) Data() ([]byte, error) {
	p := in.data.Load()
	if p == nil {
		return nil, ErrTransferred
	}
	return *p, nil
}
