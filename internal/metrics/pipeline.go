package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/prism-player/internal/audio"
	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/internal/timeline"
)

type videoMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(render.Stats) float64
}

type audioMetric struct {
	desc  *prometheus.Desc
	value func(audio.ProducerStats) float64
}

type timelineMetric struct {
	desc  *prometheus.Desc
	value func(timeline.Stats) float64
}

// pipelineCollector turns a worker stats snapshot into const metrics
// labelled by track.
type pipelineCollector struct {
	src      PipelineSource
	video    []videoMetric
	audio    []audioMetric
	timeline []timelineMetric
}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"track"}, nil)
}

func newPipelineCollector(src PipelineSource) *pipelineCollector {
	return &pipelineCollector{
		src: src,
		video: []videoMetric{
			{desc("video_submitted_total", "Chunks submitted to the video decoder"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.Submitted) }},
			{desc("video_decoded_total", "Frames produced by the video decoder"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.Decoded) }},
			{desc("video_presented_total", "Frames drawn on the surface"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.Presented) }},
			{desc("video_dropped_total", "Decoded frames dropped at the pending ceiling"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.Dropped) }},
			{desc("video_decode_errors_total", "Chunks the decoder failed on"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.DecodeErrors) }},
			{desc("video_reordered_total", "Decoder outputs older than the previous output"), prometheus.CounterValue,
				func(s render.Stats) float64 { return float64(s.Reordered) }},
			{desc("video_pending_frames", "Decoded frames awaiting presentation"), prometheus.GaugeValue,
				func(s render.Stats) float64 { return float64(s.Pending) }},
			{desc("video_last_timestamp_seconds", "Timestamp of the latest decoded frame"), prometheus.GaugeValue,
				func(s render.Stats) float64 { return s.LastTimestamp.Seconds() }},
		},
		audio: []audioMetric{
			{desc("audio_packets_total", "Audio packets received"),
				func(s audio.ProducerStats) float64 { return float64(s.Packets) }},
			{desc("audio_decode_errors_total", "Audio packets that failed to decode"),
				func(s audio.ProducerStats) float64 { return float64(s.DecodeErrors) }},
			{desc("audio_discarded_total", "Audio packets discarded for an unsupported codec"),
				func(s audio.ProducerStats) float64 { return float64(s.Discarded) }},
			{desc("audio_written_frames_total", "Decoded audio frames written to the ring"),
				func(s audio.ProducerStats) float64 { return float64(s.Written) }},
			{desc("audio_overflow_frames_total", "Decoded audio frames the ring could not hold"),
				func(s audio.ProducerStats) float64 { return float64(s.Overflow) }},
		},
		timeline: []timelineMetric{
			{desc("timeline_segments_total", "Segments read by the timeline"),
				func(s timeline.Stats) float64 { return float64(s.Segments) }},
			{desc("timeline_frames_total", "Frames emitted by the timeline"),
				func(s timeline.Stats) float64 { return float64(s.Frames) }},
			{desc("timeline_parse_errors_total", "Segments abandoned on a parse error"),
				func(s timeline.Stats) float64 { return float64(s.ParseErrors) }},
		},
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.video {
		ch <- m.desc
	}
	for _, m := range c.audio {
		ch <- m.desc
	}
	for _, m := range c.timeline {
		ch <- m.desc
	}
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	for track, s := range st.Video {
		for _, m := range c.video {
			ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(s), track)
		}
	}
	for track, s := range st.Audio {
		for _, m := range c.audio {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.value(s), track)
		}
	}
	for track, s := range st.Timeline {
		for _, m := range c.timeline {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.value(s), track)
		}
	}
}
