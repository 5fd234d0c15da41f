package player

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/media"
)

// AudioParams is the negotiated output format shared by every audio track.
type AudioParams struct {
	SampleRate int
	Channels   int
}

// Negotiate merges the catalog's audio tracks into one output format. All
// tracks must share a sample rate; the channel count is the largest any
// track declares. It returns nil when the catalog has no audio.
func Negotiate(root *catalog.Root) (*AudioParams, error) {
	if root == nil {
		return nil, nil
	}
	tracks := root.AudioTracks()
	if len(tracks) == 0 {
		return nil, nil
	}

	var rates []int
	channels := 0
	for _, t := range tracks {
		rate := t.SelectionParams.SampleRate
		if rate <= 0 {
			return nil, &media.ConfigurationError{
				Reason: fmt.Sprintf("track %q: sample rate %d", t.Name, rate),
				Err:    media.ErrInvalidAudioParameters,
			}
		}
		n, err := t.Channels()
		if err != nil {
			return nil, &media.ConfigurationError{
				Reason: err.Error(),
				Err:    media.ErrInvalidAudioParameters,
			}
		}
		if !slices.Contains(rates, rate) {
			rates = append(rates, rate)
		}
		channels = max(channels, n)
	}

	if len(rates) > 1 {
		s := make([]string, len(rates))
		for i, r := range rates {
			s[i] = strconv.Itoa(r)
		}
		return nil, &media.ConfigurationError{
			Reason: "sample rates " + strings.Join(s, ", "),
			Err:    media.ErrInconsistentSampleRate,
		}
	}
	return &AudioParams{SampleRate: rates[0], Channels: channels}, nil
}

// HasVideo reports whether the catalog lists a video track.
func HasVideo(root *catalog.Root) bool {
	return root != nil && len(root.VideoTracks()) > 0
}
