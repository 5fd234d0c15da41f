package mp4

import (
	"strings"

	"github.com/zsiec/prism-player/media"
)

// SampleEntryFor synthesizes the sample entry for a catalog-described track,
// wrapping decoderConfig in the description box its codec calls for. Codecs
// without a known description box get an entry with no children, which the
// video pipeline rejects.
func SampleEntryFor(track media.Track, decoderConfig []byte) []byte {
	format, box := formatFor(track.Codec)
	if track.Kind == media.KindAudio {
		if format == "" {
			format = "mp4a"
		}
		return AudioSampleEntry(format, track.Channels, track.SampleRate)
	}
	if format == "" {
		format = "encv"
	}
	var children [][]byte
	if box != "" && len(decoderConfig) > 0 {
		children = append(children, Box(box, decoderConfig))
	}
	return VisualSampleEntry(format, track.Width, track.Height, children...)
}

func formatFor(codec string) (format, descBox string) {
	prefix, _, _ := strings.Cut(codec, ".")
	switch prefix {
	case "avc1", "avc3":
		return prefix, "avcC"
	case "hvc1", "hev1":
		return prefix, "hvcC"
	case "vp09":
		return prefix, "vpcC"
	case "av01":
		return prefix, "av1C"
	case "opus":
		return "Opus", ""
	case "mp4a":
		return "mp4a", ""
	}
	return "", ""
}
