// Package record converts elementary streams into the layout the player
// reads from disk: a catalog.json plus MoQ subgroup files under
// <dir>/<track>/. Video gets one file per group of pictures; audio is cut
// into fixed-duration groups.
package record

import (
	"bufio"
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/internal/moq"
)

// H.264 NAL unit types.
const (
	nalSlice = 1
	nalIDR   = 5
	nalSEI   = 6
	nalSPS   = 7
	nalPPS   = 8
	nalAUD   = 9
)

// Defaults.
const (
	DefaultTrack     = "video"
	DefaultFrameRate = 30
)

// Errors.
var (
	ErrInvalidOptions  = errors.New("record: invalid options")
	ErrNoKeyframe      = errors.New("record: stream has no IDR access unit")
	ErrNoParameterSets = errors.New("record: no SPS/PPS before first keyframe")
)

// Options configures a conversion.
type Options struct {
	Track     string
	Namespace string
	// FrameRate stamps access units in decode order, so streams with
	// B-frames are presented in decode order.
	FrameRate float64
	Width     int
	Height    int
	Log       *slog.Logger
}

// Result summarizes a conversion.
type Result struct {
	Catalog  *catalog.Root
	Segments int
	Frames   int
	Skipped  int
}

type accessUnit struct {
	nalus [][]byte
	key   bool
}

// H264 writes data as recorded segments under dir, starting a new segment
// at every IDR access unit, and writes dir/catalog.json describing the track.
func H264(data []byte, dir string, opts Options) (*Result, error) {
	if opts.Track == "" {
		opts.Track = DefaultTrack
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidOptions, opts.Width, opts.Height)
	}
	log := opts.Log.With("component", "record", "track", opts.Track)

	aus := accessUnits(moq.SplitAnnexB(data))
	first := -1
	for i, au := range aus {
		if au.key {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, ErrNoKeyframe
	}

	trackDir := filepath.Join(dir, opts.Track)
	if err := os.MkdirAll(trackDir, 0o755); err != nil {
		return nil, err
	}

	res := &Result{Skipped: first}
	if first > 0 {
		log.Warn("skipping access units before first keyframe", "count", first)
	}

	var (
		sps, pps []byte
		initData []byte
		track    catalog.Track
		seg      *segmentFile
	)
	defer func() {
		if seg != nil {
			seg.close() //nolint:errcheck
		}
	}()

	for i, au := range aus[first:] {
		var payload [][]byte
		for _, n := range au.nalus {
			switch n[0] & 0x1F {
			case nalSPS:
				sps = n
			case nalPPS:
				pps = n
			case nalAUD:
			default:
				payload = append(payload, n)
			}
		}

		var config []byte
		if au.key {
			config = moq.BuildAVCDecoderConfig(sps, pps)
			if config == nil {
				return nil, ErrNoParameterSets
			}
			if initData == nil {
				initData = config
				track = videoTrack(opts, sps, config)
			}
			if seg != nil {
				err := seg.close()
				seg = nil
				if err != nil {
					return nil, err
				}
			}
			var err error
			if seg, err = createSegment(trackDir, uint64(res.Segments)); err != nil {
				return nil, err
			}
			res.Segments++
		}

		ts := uint64(math.Round(float64(i) * moq.CaptureTimescale / opts.FrameRate))
		if err := seg.w.WriteVideo(ts, au.key, config, moq.AVC1(payload)); err != nil {
			return nil, fmt.Errorf("write %s: %w", seg.path, err)
		}
		res.Frames++
	}
	err := seg.close()
	seg = nil
	if err != nil {
		return nil, err
	}

	if res.Catalog, err = addTrack(dir, opts.Namespace, track); err != nil {
		return nil, err
	}
	log.Info("recording written",
		"dir", dir,
		"codec", track.SelectionParams.Codec,
		"segments", res.Segments,
		"frames", res.Frames,
	)
	return res, nil
}

// accessUnits groups NAL units into access units. A new unit starts at an
// access unit delimiter, at parameter sets or SEI following a slice, and at
// a slice whose first_mb_in_slice is zero.
func accessUnits(nalus [][]byte) []accessUnit {
	var (
		out      []accessUnit
		cur      accessUnit
		hasSlice bool
	)
	for _, n := range nalus {
		typ := n[0] & 0x1F
		isSlice := typ == nalSlice || typ == nalIDR
		boundary := typ == nalAUD || typ == nalSPS || typ == nalPPS || typ == nalSEI ||
			(isSlice && len(n) > 1 && n[1]&0x80 != 0)
		if boundary && hasSlice {
			out = append(out, cur)
			cur, hasSlice = accessUnit{}, false
		}
		cur.nalus = append(cur.nalus, n)
		if isSlice {
			hasSlice = true
			cur.key = cur.key || typ == nalIDR
		}
	}
	if hasSlice {
		out = append(out, cur)
	}
	return out
}

func videoTrack(opts Options, sps, config []byte) catalog.Track {
	return catalog.Track{
		Name: opts.Track,
		SelectionParams: catalog.SelectionParams{
			Codec:    fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3]),
			Width:    opts.Width,
			Height:   opts.Height,
			InitData: base64.StdEncoding.EncodeToString(config),
		},
	}
}

// addTrack writes track into dir/catalog.json, replacing a track of the
// same name or appending to an existing catalog, and returns the result.
func addTrack(dir, namespace string, track catalog.Track) (*catalog.Root, error) {
	path := filepath.Join(dir, "catalog.json")
	root := &catalog.Root{
		Version:                1,
		StreamingFormat:        1,
		StreamingFormatVersion: "0.2",
		CommonTrackFields:      catalog.CommonFields{Namespace: namespace, Packaging: "loc"},
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if root, err = catalog.Parse(data); err != nil {
			return nil, fmt.Errorf("existing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if root.CommonTrackFields.Namespace == "" {
		root.CommonTrackFields.Namespace = cmp.Or(namespace, "prism/"+track.Name)
	}

	i := slices.IndexFunc(root.Tracks, func(t catalog.Track) bool { return t.Name == track.Name })
	if i >= 0 {
		root.Tracks[i] = track
	} else {
		root.Tracks = append(root.Tracks, track)
	}

	out, err := catalog.Encode(root)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, err
	}
	return root, nil
}

type segmentFile struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	w    *moq.Writer
}

func createSegment(dir string, group uint64) (*segmentFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("%06d.moq", group))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w := moq.NewWriter(buf, 1, 0)
	if err := w.WriteHeader(group); err != nil {
		f.Close()
		return nil, err
	}
	return &segmentFile{path: path, f: f, buf: buf, w: w}, nil
}

func (s *segmentFile) close() error {
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("flush %s: %w", s.path, err)
	}
	return s.f.Close()
}
