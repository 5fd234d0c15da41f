package moq

import (
	"bufio"
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// StreamTypeSubgroupSIDExt is the subgroup stream type with an explicit
// Subgroup ID in the header and per-object extension headers
// (draft-ietf-moq-transport-15). It is the only type prism publishes.
const StreamTypeSubgroupSIDExt uint64 = 0x0d

// LOC header extension IDs (draft-ietf-moq-loc-01).
const (
	ExtCaptureTimestamp  uint64 = 2  // even: varint value = microseconds
	ExtVideoFrameMarking uint64 = 4  // even: varint value = RFC 9626 flags
	ExtVideoConfig       uint64 = 13 // odd: length-prefixed byte string
)

// RFC 9626 Video Frame Marking flags (non-scalable).
const (
	FrameMarkingKeyframe    uint64 = 0xE0 // S=1, E=1, I=1
	FrameMarkingNonKeyframe uint64 = 0xC0 // S=1, E=1, I=0

	frameMarkingIndependent uint64 = 0x20
)

// CaptureTimescale is the tick rate of ExtCaptureTimestamp values.
const CaptureTimescale = 1_000_000

// MaxObjectSize bounds the extension block and payload of one object.
const MaxObjectSize = 16 << 20

// SubgroupHeader opens every subgroup data stream.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// Object is one MoQ object with its LOC extensions decoded.
type Object struct {
	ID               uint64
	CaptureTimestamp uint64 // microseconds
	HasTimestamp     bool
	FrameMarking     uint64
	HasFrameMarking  bool
	VideoConfig      []byte
	Payload          []byte
}

// IsKeyframe reports whether the object is independently decodable. Objects
// without frame marking (audio) are always treated as sync points.
func (o Object) IsKeyframe() bool {
	if !o.HasFrameMarking {
		return true
	}
	return o.FrameMarking&frameMarkingIndependent != 0
}

// Reader parses a subgroup data stream: one header followed by objects
// until EOF.
type Reader struct {
	r          quicvarint.Reader
	headerRead bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	if qr, ok := r.(quicvarint.Reader); ok {
		return &Reader{r: qr}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// ReadHeader reads the subgroup header. It must be called once before
// ReadObject.
func (r *Reader) ReadHeader() (SubgroupHeader, error) {
	var h SubgroupHeader

	typ, err := quicvarint.Read(r.r)
	if err != nil {
		return h, &ParseError{Field: "stream type", Err: err}
	}
	if typ != StreamTypeSubgroupSIDExt {
		return h, &ParseError{Field: "stream type", Err: ErrUnknownStreamType}
	}
	if h.TrackAlias, err = quicvarint.Read(r.r); err != nil {
		return h, &ParseError{Field: "track alias", Err: err}
	}
	if h.GroupID, err = quicvarint.Read(r.r); err != nil {
		return h, &ParseError{Field: "group id", Err: err}
	}
	if h.SubgroupID, err = quicvarint.Read(r.r); err != nil {
		return h, &ParseError{Field: "subgroup id", Err: err}
	}
	if h.Priority, err = r.r.ReadByte(); err != nil {
		return h, &ParseError{Field: "publisher priority", Err: err}
	}
	r.headerRead = true
	return h, nil
}

// ReadObject reads the next object. It returns io.EOF when the stream ends
// cleanly on an object boundary.
func (r *Reader) ReadObject() (Object, error) {
	var o Object
	if !r.headerRead {
		if _, err := r.ReadHeader(); err != nil {
			return o, err
		}
	}

	id, err := quicvarint.Read(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return o, io.EOF
		}
		return o, &ParseError{Field: "object id", Err: err}
	}
	o.ID = id

	exts, err := r.readBytes("extensions")
	if err != nil {
		return o, err
	}
	if err := o.parseExtensions(exts); err != nil {
		return o, err
	}

	if o.Payload, err = r.readBytes("payload"); err != nil {
		return o, err
	}
	return o, nil
}

// readBytes reads a length-prefixed field. The buffer grows with the data
// actually read, so a length the stream cannot back costs no allocation.
func (r *Reader) readBytes(field string) ([]byte, error) {
	n, err := quicvarint.Read(r.r)
	if err != nil {
		return nil, &ParseError{Field: field + " length", Err: noEOF(err)}
	}
	if n > MaxObjectSize {
		return nil, &ParseError{Field: field + " length", Err: ErrObjectTooLarge}
	}
	buf, err := io.ReadAll(io.LimitReader(r.r, int64(n)))
	if err != nil {
		return nil, &ParseError{Field: field, Err: noEOF(err)}
	}
	if uint64(len(buf)) < n {
		return nil, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	return buf, nil
}

// noEOF turns a clean EOF in the middle of an object into a truncation.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (o *Object) parseExtensions(data []byte) error {
	b := newBufReader(data)
	for b.pos < len(b.data) {
		id, err := b.readVarint()
		if err != nil {
			return &ParseError{Field: "extension id", Err: err}
		}
		if id%2 == 1 {
			val, err := b.readVarIntBytes()
			if err != nil {
				return &ParseError{Field: "extension value", Err: err}
			}
			if id == ExtVideoConfig {
				o.VideoConfig = val
			}
			continue
		}
		val, err := b.readVarint()
		if err != nil {
			return &ParseError{Field: "extension value", Err: err}
		}
		switch id {
		case ExtCaptureTimestamp:
			o.CaptureTimestamp = val
			o.HasTimestamp = true
		case ExtVideoFrameMarking:
			o.FrameMarking = val
			o.HasFrameMarking = true
		}
	}
	return nil
}

// Writer produces subgroup data streams in the framing prism publishes.
type Writer struct {
	w          io.Writer
	trackAlias uint64
	priority   byte
	objectID   uint64
}

// NewWriter returns a Writer for the given track alias and publisher
// priority (0=highest, 255=lowest).
func NewWriter(w io.Writer, trackAlias uint64, priority byte) *Writer {
	return &Writer{w: w, trackAlias: trackAlias, priority: priority}
}

// WriteHeader starts a subgroup and resets object numbering.
func (m *Writer) WriteHeader(groupID uint64) error {
	m.objectID = 0

	var buf []byte
	buf = quicvarint.Append(buf, StreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, m.trackAlias)
	buf = quicvarint.Append(buf, groupID)
	buf = quicvarint.Append(buf, 0) // subgroup ID
	buf = append(buf, m.priority)

	_, err := m.w.Write(buf)
	return err
}

// WriteVideo writes one video object. config, if non-nil, is attached as
// the LOC video config extension.
func (m *Writer) WriteVideo(timestampUS uint64, keyframe bool, config, payload []byte) error {
	var exts []byte
	exts = quicvarint.Append(exts, ExtCaptureTimestamp)
	exts = quicvarint.Append(exts, timestampUS)

	exts = quicvarint.Append(exts, ExtVideoFrameMarking)
	if keyframe {
		exts = quicvarint.Append(exts, FrameMarkingKeyframe)
	} else {
		exts = quicvarint.Append(exts, FrameMarkingNonKeyframe)
	}

	if keyframe && config != nil {
		exts = quicvarint.Append(exts, ExtVideoConfig)
		exts = quicvarint.Append(exts, uint64(len(config)))
		exts = append(exts, config...)
	}
	return m.writeObject(exts, payload)
}

// WriteAudio writes one audio object.
func (m *Writer) WriteAudio(timestampUS uint64, payload []byte) error {
	var exts []byte
	exts = quicvarint.Append(exts, ExtCaptureTimestamp)
	exts = quicvarint.Append(exts, timestampUS)
	return m.writeObject(exts, payload)
}

func (m *Writer) writeObject(exts []byte, payload []byte) error {
	var hdr []byte
	hdr = quicvarint.Append(hdr, m.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(len(payload)))

	m.objectID++

	if _, err := m.w.Write(hdr); err != nil {
		return err
	}
	_, err := m.w.Write(payload)
	return err
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
