// Package decoder implements render.Decoder by piping Annex B video through
// an ffmpeg subprocess and reading raw RGBA frames back.
//
// Chunks are framed as IVF so each carries its timestamp into ffmpeg. A
// showinfo filter reports every output frame's pts on stderr, which is
// paired with the raw frames read from stdout. A submitted timestamp that
// ffmpeg skips past is reported as lost.
package decoder

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/prism-player/internal/moq"
	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/media"
)

// Decoder errors.
var (
	// ErrUnsupportedCodec is returned by Configure for codecs ffmpeg is not
	// driven for here.
	ErrUnsupportedCodec = errors.New("decoder: unsupported codec")
	// ErrInputFull rejects a chunk when ffmpeg is too far behind.
	ErrInputFull = errors.New("decoder: input queue full")
	// ErrAwaitingKeyframe rejects delta chunks after a rejected chunk.
	ErrAwaitingKeyframe = errors.New("decoder: waiting for keyframe")
	// ErrFrameLost reports a chunk ffmpeg produced no frame for.
	ErrFrameLost = errors.New("decoder: no frame output for chunk")
)

// inputQueue bounds chunks buffered ahead of ffmpeg's stdin.
const inputQueue = 64

// ivfTimescale is the tick rate of IVF frame timestamps.
const ivfTimescale = 1_000_000

// Options configures the ffmpeg decoder.
type Options struct {
	// Bin is the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Bin string
	// StopTimeout is how long Close waits after an interrupt before killing.
	StopTimeout time.Duration
	Log         *slog.Logger
}

// FFmpeg is a render.Decoder backed by one ffmpeg process per
// configuration.
type FFmpeg struct {
	opts Options
	log  *slog.Logger
	cb   render.DecoderCallbacks

	mu        sync.Mutex
	state     render.DecoderState
	cfg       render.DecoderConfig
	params    []byte
	length    int
	pending   timestampHeap
	skipToKey bool

	cmd     *exec.Cmd
	pts     chan time.Duration
	input   chan []byte
	eof     chan struct{}
	eofSent bool
	stopped chan struct{}
	done    chan struct{}
	frames  sync.Pool
}

// New returns a render.NewDecoderFunc creating ffmpeg decoders.
func New(opts Options) render.NewDecoderFunc {
	if opts.Bin == "" {
		opts.Bin = "ffmpeg"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return func(cb render.DecoderCallbacks) (render.Decoder, error) {
		if _, err := exec.LookPath(opts.Bin); err != nil {
			return nil, fmt.Errorf("decoder: %w", err)
		}
		return &FFmpeg{
			opts: opts,
			log:  opts.Log.With("component", "ffmpeg-decoder"),
			cb:   cb,
		}, nil
	}
}

// State returns the decoder's lifecycle state.
func (d *FFmpeg) State() render.DecoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Configure parses the codec description and starts ffmpeg.
func (d *FFmpeg) Configure(cfg render.DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == render.StateClosed {
		return render.ErrDecoderClosed
	}
	if d.state == render.StateConfigured {
		return errors.New("decoder: already configured")
	}
	if cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return fmt.Errorf("decoder: invalid coded size %dx%d", cfg.CodedWidth, cfg.CodedHeight)
	}
	fourcc, ps, err := parseDescription(cfg.Codec, cfg.Description)
	if err != nil {
		return err
	}

	cmd := exec.Command(d.opts.Bin, buildArgs(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("decoder: start %s: %w", d.opts.Bin, err)
	}

	d.cfg = cfg
	d.params = moq.AnnexB(ps.NALUs)
	d.length = ps.LengthSize
	d.cmd = cmd
	d.pts = make(chan time.Duration, inputQueue)
	d.input = make(chan []byte, inputQueue+1)
	d.input <- ivfHeader(fourcc, cfg.CodedWidth, cfg.CodedHeight)
	d.eof = make(chan struct{})
	d.stopped = make(chan struct{})
	d.done = make(chan struct{})
	frameSize := cfg.CodedWidth * cfg.CodedHeight * 4
	d.frames.New = func() any { return make([]byte, frameSize) }
	d.state = render.StateConfigured

	go d.writeLoop(stdin)
	go d.stderrLoop(stderr)
	go d.readLoop(stdout)

	d.log.Info("ffmpeg started",
		"codec", cfg.Codec,
		"fourcc", fourcc,
		"width", cfg.CodedWidth,
		"height", cfg.CodedHeight,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Decode converts chunk to Annex B and queues it for ffmpeg. It never
// blocks: when the queue is full the chunk is rejected with ErrInputFull,
// and delta chunks are rejected with ErrAwaitingKeyframe until the next
// keyframe restores a decodable reference.
func (d *FFmpeg) Decode(chunk render.Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case render.StateClosed:
		return render.ErrDecoderClosed
	case render.StateUnconfigured:
		return render.ErrNotConfigured
	}
	key := chunk.Type == render.ChunkKey
	if d.skipToKey && !key {
		return ErrAwaitingKeyframe
	}
	data, err := annexB(chunk, d.params, d.length)
	if err != nil {
		return err
	}
	ts := chunk.Timestamp.Truncate(time.Microsecond)

	select {
	case d.input <- ivfFrame(ts, data):
		heap.Push(&d.pending, ts)
		d.skipToKey = false
		return nil
	default:
		d.skipToKey = true
		return ErrInputFull
	}
}

// Flush ends ffmpeg's input and waits for the remaining frames.
func (d *FFmpeg) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.state != render.StateConfigured {
		d.mu.Unlock()
		return nil
	}
	d.state = render.StateClosed
	d.endInput()
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.stop()
		return ctx.Err()
	}
}

// Close stops ffmpeg. Frames not yet output are abandoned.
func (d *FFmpeg) Close() error {
	d.mu.Lock()
	d.state = render.StateClosed
	started := d.cmd != nil
	if started {
		d.endInput()
	}
	d.mu.Unlock()

	if started {
		d.stop()
	}
	return nil
}

// endInput tells the write loop no more chunks follow. d.mu must be held.
func (d *FFmpeg) endInput() {
	if !d.eofSent {
		d.eofSent = true
		close(d.eof)
	}
}

// stop interrupts ffmpeg, killing it if it has not exited within
// StopTimeout.
func (d *FFmpeg) stop() {
	d.mu.Lock()
	select {
	case <-d.stopped:
	default:
		close(d.stopped)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return
	default:
	}
	d.cmd.Process.Signal(os.Interrupt) //nolint:errcheck
	select {
	case <-d.done:
	case <-time.After(d.opts.StopTimeout):
		d.cmd.Process.Kill() //nolint:errcheck
		<-d.done
	}
}

func (d *FFmpeg) writeLoop(stdin io.WriteCloser) {
	defer stdin.Close()
	write := func(data []byte) bool {
		if _, err := stdin.Write(data); err != nil {
			d.log.Debug("ffmpeg stdin closed", "error", err)
			return false
		}
		return true
	}
	for {
		select {
		case data := <-d.input:
			if !write(data) {
				return
			}
		case <-d.eof:
			for {
				select {
				case data := <-d.input:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		case <-d.stopped:
			return
		}
	}
}

func (d *FFmpeg) readLoop(stdout io.Reader) {
	defer close(d.done)

	w, h := d.cfg.CodedWidth, d.cfg.CodedHeight
	r := bufio.NewReaderSize(stdout, w*h*4)
	for {
		buf := d.frames.Get().([]byte)
		if _, err := io.ReadFull(r, buf); err != nil {
			d.frames.Put(buf) //nolint:staticcheck
			d.finish(err)
			return
		}

		ts, ok := <-d.pts
		lost, ts := d.settle(ts, ok)
		d.reportLost(lost)

		img := &image.RGBA{Pix: buf, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		d.cb.Output(media.NewDecodedFrame(img, w, h, ts, func() {
			d.frames.Put(buf) //nolint:staticcheck
		}))
	}
}

// settle removes an output frame's timestamp from the pending set, along
// with every earlier one: frames leave ffmpeg in presentation order, so
// those will never be output. Without a reported pts the earliest pending
// timestamp is used.
func (d *FFmpeg) settle(ts time.Duration, reported bool) (lost []time.Duration, out time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !reported {
		if d.pending.Len() == 0 {
			return nil, 0
		}
		return nil, heap.Pop(&d.pending).(time.Duration)
	}
	for d.pending.Len() > 0 && d.pending[0] < ts {
		lost = append(lost, heap.Pop(&d.pending).(time.Duration))
	}
	if d.pending.Len() > 0 && d.pending[0] == ts {
		heap.Pop(&d.pending)
	}
	return lost, ts
}

func (d *FFmpeg) reportLost(lost []time.Duration) {
	if len(lost) == 0 {
		return
	}
	d.log.Warn("ffmpeg dropped frames", "count", len(lost), "first", lost[0])
	if d.cb.Error == nil {
		return
	}
	for _, ts := range lost {
		d.cb.Error(&media.DecodeError{Timestamp: ts, Err: ErrFrameLost})
	}
}

// finish reaps ffmpeg once stdout ends and reports an unexpected exit.
// Chunks still pending after a clean end of input were never output.
func (d *FFmpeg) finish(readErr error) {
	for range d.pts {
	}
	err := d.cmd.Wait()

	d.mu.Lock()
	lost := []time.Duration(d.pending)
	d.pending = nil
	d.mu.Unlock()
	slices.Sort(lost)

	select {
	case <-d.stopped:
		return
	default:
	}
	if err == nil && (errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)) {
		d.reportLost(lost)
		return
	}
	if err == nil {
		err = readErr
	}
	d.log.Error("ffmpeg exited", "error", err)
	if d.cb.Error != nil {
		d.cb.Error(fmt.Errorf("decoder: ffmpeg exited: %w", err))
	}
}

// stderrLoop logs ffmpeg's stderr and forwards showinfo pts values.
func (d *FFmpeg) stderrLoop(stderr io.Reader) {
	defer close(d.pts)

	p := newStderrParser()
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		if ts, ok := p.parseLine(line); ok {
			d.pts <- ts
			continue
		}
		if p.isShowinfo(line) {
			continue
		}
		if isProblem(line) {
			d.log.Warn("ffmpeg", "stderr", line)
		} else if line != "" {
			d.log.Debug("ffmpeg", "stderr", line)
		}
	}
}

var (
	showinfoTimeBase = regexp.MustCompile(`config in time_base:\s*(\d+)/(\d+)`)
	showinfoFrame    = regexp.MustCompile(`\bn:\s*\d+\s+pts:\s*(-?\d+)`)
)

// stderrParser extracts frame timestamps from showinfo output.
//
//	[Parsed_showinfo_0 @ 0x] [info] config in time_base: 1/1000000, frame_rate: 0/1
//	[Parsed_showinfo_0 @ 0x] [info] n:   0 pts:  40000 pts_time:0.04 duration: ...
type stderrParser struct {
	num, den int64
}

func newStderrParser() *stderrParser {
	return &stderrParser{num: 1, den: ivfTimescale}
}

func (p *stderrParser) isShowinfo(line string) bool {
	return strings.Contains(line, "Parsed_showinfo")
}

// parseLine returns the pts of a showinfo frame line.
func (p *stderrParser) parseLine(line string) (time.Duration, bool) {
	if !p.isShowinfo(line) {
		return 0, false
	}
	if m := showinfoTimeBase.FindStringSubmatch(line); m != nil {
		num, err1 := strconv.ParseInt(m[1], 10, 64)
		den, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 == nil && err2 == nil && num > 0 && den > 0 {
			p.num, p.den = num, den
		}
		return 0, false
	}
	m := showinfoFrame.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	us := math.Round(float64(pts) * float64(p.num) * 1e6 / float64(p.den))
	return time.Duration(us) * time.Microsecond, true
}

// isProblem reports whether a line logged with -loglevel level+... is a
// warning or worse.
func isProblem(line string) bool {
	for _, tag := range []string{"[warning]", "[error]", "[fatal]", "[panic]"} {
		if strings.Contains(line, tag) {
			return true
		}
	}
	return false
}

// parseDescription maps a codec string and its description box payload to
// the IVF fourcc ffmpeg demuxes it by and the parameter sets to prepend on
// keyframes.
func parseDescription(codec string, desc []byte) (string, moq.ParameterSets, error) {
	prefix, _, _ := strings.Cut(codec, ".")
	switch prefix {
	case "avc1", "avc3":
		ps, err := moq.ParseAVCDecoderConfig(desc)
		return "H264", ps, err
	case "hvc1", "hev1":
		ps, err := moq.ParseHEVCDecoderConfig(desc)
		return "HEVC", ps, err
	}
	return "", moq.ParameterSets{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

func buildArgs(cfg render.DecoderConfig) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "level+info"}
	if cfg.OptimizeForLatency {
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
	}
	args = append(args,
		"-f", "ivf",
		"-i", "pipe:0",
		"-copyts",
		"-fps_mode", "passthrough",
		"-vf", "showinfo,scale="+strconv.Itoa(cfg.CodedWidth)+":"+strconv.Itoa(cfg.CodedHeight),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	return args
}

// ivfHeader is the 32-byte IVF file header. Frame timestamps are in
// microseconds.
func ivfHeader(fourcc string, width, height int) []byte {
	b := make([]byte, 0, 32)
	b = append(b, "DKIF"...)
	b = binary.LittleEndian.AppendUint16(b, 0)  // version
	b = binary.LittleEndian.AppendUint16(b, 32) // header size
	b = append(b, fourcc...)
	b = binary.LittleEndian.AppendUint16(b, uint16(width))
	b = binary.LittleEndian.AppendUint16(b, uint16(height))
	b = binary.LittleEndian.AppendUint32(b, ivfTimescale) // time base denominator
	b = binary.LittleEndian.AppendUint32(b, 1)            // time base numerator
	b = binary.LittleEndian.AppendUint32(b, 0)            // frame count
	return binary.LittleEndian.AppendUint32(b, 0)
}

// ivfFrame prefixes an access unit with its IVF frame header.
func ivfFrame(ts time.Duration, data []byte) []byte {
	b := make([]byte, 0, 12+len(data))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	b = binary.LittleEndian.AppendUint64(b, uint64(ts/time.Microsecond))
	return append(b, data...)
}

// annexB converts a length-prefixed access unit to Annex B, prepending the
// parameter sets to keyframes.
func annexB(chunk render.Chunk, params []byte, lengthSize int) ([]byte, error) {
	au, err := moq.AVC1ToAnnexB(chunk.Data, lengthSize)
	if err != nil {
		return nil, &media.DecodeError{Timestamp: chunk.Timestamp, Err: err}
	}
	if chunk.Type != render.ChunkKey || len(params) == 0 {
		return au, nil
	}
	out := make([]byte, 0, len(params)+len(au))
	out = append(out, params...)
	return append(out, au...), nil
}

// timestampHeap yields submitted timestamps in presentation order.
type timestampHeap []time.Duration

func (h timestampHeap) Len() int           { return len(h) }
func (h timestampHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h timestampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timestampHeap) Push(x any)        { *h = append(*h, x.(time.Duration)) }
func (h *timestampHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
