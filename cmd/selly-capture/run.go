package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/josuekenge/selly-capture/internal/archive"
	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/config"
	"github.com/josuekenge/selly-capture/internal/device"
	"github.com/josuekenge/selly-capture/internal/framing"
	"github.com/josuekenge/selly-capture/internal/health"
	"github.com/josuekenge/selly-capture/internal/logging"
	"github.com/josuekenge/selly-capture/internal/observe"
	"github.com/josuekenge/selly-capture/internal/session"
)

const archiveTimeout = 10 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapture(cmd)
	},
}

func init() {
	f := runCmd.Flags()
	f.String("session", "", "session id (generated when empty)")
	f.String("out", "", "absolute path of the WAV file to write")
	f.Int("sample-rate", 48000, "expected sample rate, used to size the sample queues")
	f.Int("channels", 2, "output channel count (must be 2)")
	f.String("stream", "stdout", "framed stream target: stdout, none, unix:<path>, pipe:<name>, ws://...")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "text", "log format: text or json")
	f.String("log-file", "", "log to a rotating file instead of stderr")
	f.String("metrics-addr", "", "serve /metrics and /healthz on this address")
}

func runCapture(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logOut io.Writer
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 0, 0)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer rw.Close()
		logOut = rw
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)
	log := logging.L("main")

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("invalid configuration", logging.KeyError, err)
		}
		return errors.Join(result.Fatals...)
	}
	log = logging.WithSession(log, cfg.SessionID)

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hm := health.NewMonitor()
	metrics := observe.Noop()
	var provider *observe.Provider
	if cfg.MetricsAddr != "" {
		provider, err = observe.InitProvider(observe.ProviderConfig{
			ServiceVersion: version,
			SessionID:      cfg.SessionID,
		})
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		if metrics, err = observe.NewMetrics(provider.MeterProvider); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	mic, err := device.NewMic()
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	loopback := capture.NewSystemLoopback(time.Duration(cfg.LoopbackBufferMs) * time.Millisecond)

	stream, err := framing.OpenTarget(ctx, cfg.StreamTarget)
	if err != nil {
		_ = mic.Stop()
		return fmt.Errorf("open stream target %q: %w", cfg.StreamTarget, err)
	}

	sess := session.New(cfg, session.Deps{
		Mic:      mic,
		Loopback: loopback,
		Stream:   stream,
		Metrics:  metrics,
		Health:   hm,
	})

	log.Info("starting capture", "version", version, "output", cfg.OutputPath, "stream", cfg.StreamTarget)

	var serve func(context.Context) error
	if provider != nil {
		handler := provider.Handler(hm)
		serve = func(ctx context.Context) error {
			return observe.Serve(ctx, cfg.MetricsAddr, handler)
		}
	}
	manifest, runErr := superviseSession(ctx, sess.Run, serve, hm)

	if manifest != nil && cfg.Archive.Provider != "" {
		archiveSession(cfg, manifest)
	}

	if runErr != nil {
		log.Error("capture session failed", logging.KeyError, runErr)
		return runErr
	}
	log.Info("capture complete", "output", cfg.OutputPath, "stereo_frames", manifest.StereoFrames)
	return nil
}

// superviseSession runs the session until ctx is cancelled, with the
// optional metrics listener beside it. A listener failure is logged and
// reported through health; it never ends the capture.
func superviseSession(
	ctx context.Context,
	run func(context.Context) (*session.Manifest, error),
	serve func(context.Context) error,
	hm *health.Monitor,
) (*session.Manifest, error) {
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()

	var g errgroup.Group
	if serve != nil {
		g.Go(func() error {
			if err := serve(serveCtx); err != nil {
				logging.L("main").Error("metrics listener failed, capture continues without it", logging.KeyError, err)
				hm.Update(health.Metrics, health.Degraded, err.Error())
			}
			return nil
		})
	}

	var manifest *session.Manifest
	g.Go(func() error {
		defer stopServe()
		var err error
		manifest, err = run(ctx)
		return err
	})
	err := g.Wait()
	return manifest, err
}

// archiveSession uploads the WAV and its manifest. Failures are logged; the
// local files stay authoritative.
func archiveSession(cfg *config.Config, m *session.Manifest) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	log := logging.WithSession(logging.L("archive"), cfg.SessionID)
	p, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Warn("archive provider unavailable", logging.KeyError, err)
		return
	}

	files := []string{m.OutputPath}
	if cfg.WriteManifest {
		files = append(files, session.ManifestPath(m.OutputPath))
	}
	if err := archive.UploadSession(ctx, p, cfg.Archive.Prefix, cfg.SessionID, files...); err != nil {
		log.Warn("session archive incomplete", logging.KeyError, err)
	}
}
