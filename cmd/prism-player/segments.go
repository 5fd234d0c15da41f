package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/internal/moq"
)

// segmentFile is one recorded MoQ subgroup stream on disk.
type segmentFile struct {
	Track string
	Path  string
	// Start is the capture timestamp of the first object, valid when Timed.
	Start time.Duration
	Timed bool
}

// listSegments finds <dir>/<track>/*.moq for every catalog track and
// interleaves the tracks by file index so audio and video advance together.
func listSegments(dir string, root *catalog.Root) ([]segmentFile, error) {
	perTrack := make([][]segmentFile, 0, len(root.Tracks))
	longest := 0
	for _, t := range root.Tracks {
		paths, err := filepath.Glob(filepath.Join(dir, t.Name, "*.moq"))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", t.Name, err)
		}
		sort.Strings(paths)
		files := make([]segmentFile, len(paths))
		for i, p := range paths {
			files[i] = segmentFile{Track: t.Name, Path: p}
			files[i].Start, files[i].Timed = firstTimestamp(p)
		}
		perTrack = append(perTrack, files)
		longest = max(longest, len(files))
	}

	var out []segmentFile
	for i := 0; i < longest; i++ {
		for _, files := range perTrack {
			if i < len(files) {
				out = append(out, files[i])
			}
		}
	}
	if len(out) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// firstTimestamp reads the capture timestamp of a segment's first object,
// in moq.CaptureTimescale (microsecond) ticks.
func firstTimestamp(path string) (time.Duration, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	obj, err := moq.NewReader(f).ReadObject()
	if err != nil || !obj.HasTimestamp {
		return 0, false
	}
	return time.Duration(obj.CaptureTimestamp) * time.Microsecond, true
}

// paceLead is how far ahead of its capture time a segment is sent.
const paceLead = 500 * time.Millisecond

// pacer releases segments at the rate they were captured, measured from the
// first timed segment against the wall clock.
type pacer struct {
	now  func() time.Time
	lead time.Duration

	started bool
	origin  time.Time
	base    time.Duration
}

func newPacer() *pacer {
	return &pacer{now: time.Now, lead: paceLead}
}

// delay returns how long to hold f back. Untimed segments go immediately.
func (p *pacer) delay(f segmentFile) time.Duration {
	if !f.Timed {
		return 0
	}
	if !p.started {
		p.started = true
		p.origin = p.now()
		p.base = f.Start
		return 0
	}
	due := p.origin.Add(f.Start - p.base - p.lead)
	return max(0, due.Sub(p.now()))
}

// wait blocks until f is due or ctx is done.
func (p *pacer) wait(ctx context.Context, f segmentFile) error {
	d := p.delay(f)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
