// Package catalog parses and builds the MoQ catalog (draft-ietf-moq-catalogformat-01)
// that a prism relay publishes for each stream, and classifies its tracks
// for the player.
package catalog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zsiec/prism-player/media"
)

// CaptureTimescale is the tick rate of LOC capture timestamps, which become
// sample DTS values.
const CaptureTimescale = 1_000_000

// Root is the top-level catalog structure.
type Root struct {
	Version                int          `json:"version"`
	StreamingFormat        int          `json:"streamingFormat"`
	StreamingFormatVersion string       `json:"streamingFormatVersion"`
	CommonTrackFields      CommonFields `json:"commonTrackFields"`
	Tracks                 []Track      `json:"tracks"`
}

// CommonFields holds fields shared by all tracks in the catalog.
type CommonFields struct {
	Namespace string `json:"namespace"`
	Packaging string `json:"packaging"`
}

// Track describes a single track in the catalog.
type Track struct {
	Name            string          `json:"name"`
	InitTrack       string          `json:"initTrack,omitempty"`
	SelectionParams SelectionParams `json:"selectionParams"`
}

// SelectionParams holds codec and media parameters for track selection.
type SelectionParams struct {
	Codec         string `json:"codec"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	InitData      string `json:"initData,omitempty"`
	SampleRate    int    `json:"samplerate,omitempty"`
	ChannelConfig string `json:"channelConfig,omitempty"`
}

// Parse decodes catalog JSON.
func Parse(data []byte) (*Root, error) {
	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &root, nil
}

// Encode serializes the catalog to JSON.
func Encode(root *Root) ([]byte, error) {
	return json.Marshal(root)
}

var (
	videoCodecPrefixes = []string{"avc1", "avc3", "hvc1", "hev1", "vp09", "vp8", "av01"}
	audioCodecPrefixes = []string{"mp4a", "opus", "flac", "ac-3", "ec-3"}
)

func hasCodecPrefix(codec string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(codec, p) {
			return true
		}
	}
	return false
}

// IsVideoTrack reports whether t carries video.
func IsVideoTrack(t Track) bool {
	if t.SelectionParams.Width > 0 || t.SelectionParams.Height > 0 {
		return true
	}
	return hasCodecPrefix(t.SelectionParams.Codec, videoCodecPrefixes)
}

// IsAudioTrack reports whether t carries audio.
func IsAudioTrack(t Track) bool {
	if IsVideoTrack(t) {
		return false
	}
	if t.SelectionParams.SampleRate > 0 {
		return true
	}
	return hasCodecPrefix(t.SelectionParams.Codec, audioCodecPrefixes)
}

// Channels returns the channel count encoded in channelConfig. Only the
// plain numeric form ("2", "6") is understood.
func (t Track) Channels() (int, error) {
	if t.SelectionParams.ChannelConfig == "" {
		return 0, fmt.Errorf("track %q: missing channelConfig", t.Name)
	}
	n, err := strconv.Atoi(t.SelectionParams.ChannelConfig)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("track %q: unsupported channelConfig %q", t.Name, t.SelectionParams.ChannelConfig)
	}
	return n, nil
}

// DecoderConfig returns the base64-decoded initData, which prism fills with
// the AVC/HEVC decoder configuration record. It returns nil when absent.
func (t Track) DecoderConfig() ([]byte, error) {
	if t.SelectionParams.InitData == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(t.SelectionParams.InitData)
	if err != nil {
		return nil, fmt.Errorf("track %q: decode initData: %w", t.Name, err)
	}
	return b, nil
}

// VideoTracks returns the video tracks in catalog order.
func (r *Root) VideoTracks() []Track {
	var out []Track
	for _, t := range r.Tracks {
		if IsVideoTrack(t) {
			out = append(out, t)
		}
	}
	return out
}

// AudioTracks returns the audio tracks in catalog order.
func (r *Root) AudioTracks() []Track {
	var out []Track
	for _, t := range r.Tracks {
		if IsAudioTrack(t) {
			out = append(out, t)
		}
	}
	return out
}

// MediaTrack converts t to the player's track description.
func (t Track) MediaTrack() media.Track {
	mt := media.Track{
		Name:       t.Name,
		Codec:      t.SelectionParams.Codec,
		Timescale:  CaptureTimescale,
		Width:      t.SelectionParams.Width,
		Height:     t.SelectionParams.Height,
		SampleRate: t.SelectionParams.SampleRate,
	}
	switch {
	case IsVideoTrack(t):
		mt.Kind = media.KindVideo
	case IsAudioTrack(t):
		mt.Kind = media.KindAudio
		if n, err := t.Channels(); err == nil {
			mt.Channels = n
		}
	}
	return mt
}
