package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/prism-player/internal/record"
)

// recordMain converts an H.264 Annex B file and/or an Ogg Opus file into a
// catalog and segment directory that the player can then play with CATALOG
// and SEGMENT_DIR.
func recordMain(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "H.264 Annex B input file")
	audioIn := fs.String("audio", "", "Ogg Opus input file")
	out := fs.String("out", "", "Output directory for catalog.json and segments")
	track := fs.String("track", record.DefaultTrack, "Track name")
	fps := fs.Float64("fps", record.DefaultFrameRate, "Frame rate used to stamp access units")
	width := fs.Int("width", 0, "Video width")
	height := fs.Int("height", 0, "Video height")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*in == "" && *audioIn == "") || *out == "" {
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  prism-player record -in video.h264 -width 1280 -height 720 [-fps 30] [-track video] [-audio audio.opus] -out dir\n")
		return 2
	}

	if *in != "" {
		data, err := os.ReadFile(*in)
		if err != nil {
			slog.Error("read input", "error", err)
			return 1
		}
		res, err := record.H264(data, *out, record.Options{
			Track:     *track,
			FrameRate: *fps,
			Width:     *width,
			Height:    *height,
		})
		if err != nil {
			slog.Error("record failed", "input", *in, "error", err)
			return 1
		}
		if res.Skipped > 0 {
			slog.Warn("leading access units dropped", "count", res.Skipped)
		}
	}
	if *audioIn != "" {
		data, err := os.ReadFile(*audioIn)
		if err != nil {
			slog.Error("read input", "error", err)
			return 1
		}
		if _, err := record.Opus(data, *out, record.AudioOptions{}); err != nil {
			slog.Error("record failed", "input", *audioIn, "error", err)
			return 1
		}
	}
	return 0
}
