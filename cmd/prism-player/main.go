package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/prism-player/catalog"
	"github.com/zsiec/prism-player/internal/audio"
	"github.com/zsiec/prism-player/internal/config"
	"github.com/zsiec/prism-player/internal/decoder"
	"github.com/zsiec/prism-player/internal/metrics"
	"github.com/zsiec/prism-player/internal/surface"
	"github.com/zsiec/prism-player/internal/worker"
	"github.com/zsiec/prism-player/player"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "record" {
		os.Exit(recordMain(os.Args[2:], os.Stderr))
	}

	cfg, err := config.Load(envOr("PLAYER_CONFIG", ""), os.Getenv)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("player error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	root    *catalog.Root
	canvas  *surface.Canvas
	backend *player.Backend
	metrics *metrics.Metrics
}

func run(ctx context.Context, cfg *config.Config) error {
	data, err := os.ReadFile(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	root, err := catalog.Parse(data)
	if err != nil {
		return err
	}

	scaler, err := surface.ScalerByName(cfg.Scaler)
	if err != nil {
		return err
	}

	a := &app{
		cfg:     cfg,
		root:    root,
		canvas:  surface.New(cfg.Width, cfg.Height, scaler),
		metrics: metrics.New(),
	}

	// The worker outlives ctx when draining, so it gets its own context.
	playCtx, stopPlayback := context.WithCancel(context.Background())
	defer stopPlayback()

	a.backend, err = player.New(playCtx, player.Config{
		Catalog:    root,
		Surface:    a.canvas,
		RingWindow: cfg.RingWindow,
		Worker: worker.Options{
			MaxPending:      cfg.MaxPending,
			RefreshInterval: cfg.RefreshInterval(),
			NewDecoder:      decoder.New(decoder.Options{Bin: cfg.FFmpegBin}),
		},
	})
	if err != nil {
		return err
	}
	a.metrics.WatchPipelines(a.backend)

	slog.Info("prism-player starting",
		"version", version,
		"session", a.backend.ID(),
		"catalog", cfg.Catalog,
		"segments", cfg.SegmentDir,
		"tracks", len(root.Tracks),
	)

	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	g, gctx := errgroup.WithContext(svcCtx)

	if ring := a.backend.Ring(); ring != nil {
		a.metrics.WatchRing(ring)
		out, closeOut, err := openAudioOut(cfg.AudioOut)
		if err != nil {
			a.backend.Close()
			return err
		}
		defer closeOut()

		cons, err := ring.Consumer()
		if err != nil {
			a.backend.Close()
			return err
		}
		params, _ := a.backend.Audio()
		sink := audio.NewSink(cons, params.SampleRate, cfg.AudioPeriod, out, nil)
		a.metrics.WatchSink(sink)
		g.Go(func() error {
			return sink.Run(gctx)
		})
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := a.metrics.Serve(gctx, cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for err := range a.backend.Errors() {
			slog.Error("track failed", "error", err)
		}
		return nil
	})

	playErr := a.play(gctx)
	stopPlayback()
	<-a.backend.Done()
	stopServices()

	if err := g.Wait(); err != nil {
		return err
	}
	if err := a.snapshot(); err != nil {
		return err
	}
	slog.Info("playback finished", "stats", a.backend.Stats())
	if errors.Is(playErr, context.Canceled) {
		return nil
	}
	return playErr
}

// play feeds every recorded segment to the backend at its capture pace,
// or as fast as the backend accepts them in burst mode, then lets it
// finish. An interrupt abandons queued work unless the config asks for a
// drain.
func (a *app) play(ctx context.Context) error {
	var files []segmentFile
	if a.cfg.SegmentDir != "" {
		var err error
		if files, err = listSegments(a.cfg.SegmentDir, a.root); err != nil {
			a.backend.Close()
			return fmt.Errorf("list segments: %w", err)
		}
	}
	slog.Info("feeding segments", "count", len(files), "paced", !a.cfg.Burst)

	pace := newPacer()
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if !a.cfg.Burst {
			if err := pace.wait(ctx, f); err != nil {
				break
			}
		}
		if err := a.send(ctx, f); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			slog.Warn("segment skipped", "track", f.Track, "path", f.Path, "error", err)
		}
	}

	if ctx.Err() != nil {
		if !a.cfg.Drain {
			return a.backend.Close()
		}
		ctx = context.Background()
	}
	return a.backend.Finish(ctx)
}

func (a *app) send(ctx context.Context, f segmentFile) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	seg, err := a.backend.NewSegment(f.Track, file)
	if err != nil {
		file.Close()
		return err
	}
	return a.backend.Segment(ctx, seg)
}

func (a *app) snapshot() error {
	if a.cfg.Snapshot == "" {
		return nil
	}
	f, err := os.Create(a.cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := a.canvas.WritePNG(f); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	w, h := a.canvas.Size()
	slog.Info("snapshot written", "path", a.cfg.Snapshot, "width", w, "height", h, "draws", a.canvas.Draws())
	return f.Close()
}

// openAudioOut opens the PCM destination: a file, "-" for stdout, or
// nothing at all.
func openAudioOut(path string) (audio.Output, func(), error) {
	switch path {
	case "":
		return audio.Discard, func() {}, nil
	case "-":
		return audio.NewPCMWriter(os.Stdout), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audio output: %w", err)
	}
	return audio.NewPCMWriter(f), func() { closeLogged(f, path) }, nil
}

func closeLogged(c io.Closer, name string) {
	if err := c.Close(); err != nil {
		slog.Warn("close failed", "name", name, "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
