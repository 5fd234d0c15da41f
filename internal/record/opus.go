package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/internal/audio"
)

// Audio defaults.
const (
	DefaultAudioTrack      = "audio"
	DefaultSegmentDuration = time.Second
	// opusRate is the rate Opus packets are timed in, whatever the
	// encoder's input rate was.
	opusRate = 48000
)

// Ogg Opus errors.
var (
	ErrNotOgg    = errors.New("record: not an Ogg stream")
	ErrNotOpus   = errors.New("record: Ogg stream does not carry Opus")
	ErrTruncated = errors.New("record: truncated Ogg page")
)

// AudioOptions configures an Opus conversion.
type AudioOptions struct {
	Track           string
	Namespace       string
	SegmentDuration time.Duration
	Log             *slog.Logger
}

// Opus writes the packets of an Ogg Opus file as recorded segments under
// dir, one group per SegmentDuration of audio, and adds the track to
// dir/catalog.json. Capture timestamps follow the packet durations from 0.
func Opus(data []byte, dir string, opts AudioOptions) (*Result, error) {
	if opts.Track == "" {
		opts.Track = DefaultAudioTrack
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With("component", "record", "track", opts.Track)

	packets, err := oggPackets(data)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 || !bytes.HasPrefix(packets[0], []byte("OpusHead")) || len(packets[0]) < 19 {
		return nil, ErrNotOpus
	}
	channels := int(packets[0][9])
	packets = packets[1:]
	if len(packets) > 0 && bytes.HasPrefix(packets[0], []byte("OpusTags")) {
		packets = packets[1:]
	}

	trackDir := filepath.Join(dir, opts.Track)
	if err := os.MkdirAll(trackDir, 0o755); err != nil {
		return nil, err
	}

	res := &Result{}
	var (
		ts       time.Duration
		segStart time.Duration
		seg      *segmentFile
	)
	defer func() {
		if seg != nil {
			seg.close() //nolint:errcheck
		}
	}()

	for _, p := range packets {
		d := audio.PacketDuration(p)
		if d == 0 {
			res.Skipped++
			continue
		}
		if seg == nil || ts-segStart >= opts.SegmentDuration {
			if seg != nil {
				err := seg.close()
				seg = nil
				if err != nil {
					return nil, err
				}
			}
			if seg, err = createSegment(trackDir, uint64(res.Segments)); err != nil {
				return nil, err
			}
			segStart = ts
			res.Segments++
		}
		if err := seg.w.WriteAudio(uint64(ts.Microseconds()), p); err != nil {
			return nil, fmt.Errorf("write %s: %w", seg.path, err)
		}
		ts += d
		res.Frames++
	}
	if seg != nil {
		err := seg.close()
		seg = nil
		if err != nil {
			return nil, err
		}
	}
	if res.Skipped > 0 {
		log.Warn("malformed opus packets skipped", "count", res.Skipped)
	}

	track := catalog.Track{
		Name: opts.Track,
		SelectionParams: catalog.SelectionParams{
			Codec:         "opus",
			SampleRate:    opusRate,
			ChannelConfig: strconv.Itoa(channels),
		},
	}
	if res.Catalog, err = addTrack(dir, opts.Namespace, track); err != nil {
		return nil, err
	}
	log.Info("recording written",
		"dir", dir,
		"channels", channels,
		"duration", ts,
		"segments", res.Segments,
		"packets", res.Frames,
	)
	return res, nil
}

// oggPackets reassembles the packets of the first logical stream in an Ogg
// file (RFC 3533). Pages of other streams are skipped; CRCs are not checked.
func oggPackets(data []byte) ([][]byte, error) {
	const headerLen = 27
	var (
		packets [][]byte
		cur     []byte
		serial  uint32
	)
	for page := 0; len(data) > 0; page++ {
		if len(data) < headerLen || string(data[:4]) != "OggS" {
			return nil, ErrNotOgg
		}
		pageSerial := binary.LittleEndian.Uint32(data[14:18])
		nseg := int(data[26])
		if len(data) < headerLen+nseg {
			return nil, ErrTruncated
		}
		lacing := data[headerLen : headerLen+nseg]
		size := 0
		for _, l := range lacing {
			size += int(l)
		}
		body := data[headerLen+nseg:]
		if len(body) < size {
			return nil, ErrTruncated
		}
		data = body[size:]

		if page == 0 {
			serial = pageSerial
		} else if pageSerial != serial {
			continue
		}
		pos := 0
		for _, l := range lacing {
			cur = append(cur, body[pos:pos+int(l)]...)
			pos += int(l)
			if l < 255 {
				packets = append(packets, cur)
				cur = nil
			}
		}
	}
	return packets, nil
}
