// Package session runs one capture session: it starts both sources, drives
// the mixing loop until the context is cancelled, and tears everything down
// in order so the WAV file is always finalized last.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/config"
	"github.com/josuekenge/selly-capture/internal/framing"
	"github.com/josuekenge/selly-capture/internal/health"
	"github.com/josuekenge/selly-capture/internal/logging"
	"github.com/josuekenge/selly-capture/internal/mixer"
	"github.com/josuekenge/selly-capture/internal/observe"
	"github.com/josuekenge/selly-capture/internal/sink"
	"github.com/josuekenge/selly-capture/internal/stage"
)

// Deps are the collaborators a session drives.
type Deps struct {
	Mic      capture.Source
	Loopback capture.Source
	// Stream is the framed stream destination; nil disables the stream.
	Stream  io.WriteCloser
	Metrics *observe.Metrics
	Health  *health.Monitor
}

// Session is one capture run.
type Session struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	micCh, loopCh *capture.Channel
}

// New prepares a session. Nothing is opened until Run.
func New(cfg *config.Config, deps Deps) *Session {
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}
	capacity := cfg.EffectiveChannelCapacity()
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    logging.WithSession(logging.L("session"), cfg.SessionID),
		micCh:  capture.NewChannel(deps.Mic.Name(), capacity),
		loopCh: capture.NewChannel(deps.Loopback.Name(), capacity),
	}
}

// failureNotifier is implemented by sources whose capture can end on its
// own, such as capture.Loopback and device.Mic.
type failureNotifier interface {
	Done() <-chan struct{}
	Err() error
}

type deviceNamer interface {
	DeviceName() string
}

// Run captures until ctx is cancelled. A microphone that cannot be started
// aborts the session before any output exists. A loopback that cannot be
// started leaves the right channel silent. The returned manifest is non-nil
// whenever the WAV file was created; the error is the WAV write or
// finalization failure, if any.
func (s *Session) Run(ctx context.Context) (*Manifest, error) {
	m := &Manifest{
		SessionID:    s.cfg.SessionID,
		OutputPath:   s.cfg.OutputPath,
		StartedAt:    time.Now().UTC(),
		StreamTarget: s.cfg.StreamTarget,
	}
	hm := s.deps.Health

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()

	if err := s.deps.Mic.Start(captureCtx, s.micCh); err != nil {
		hm.Update(health.Mic, health.Unhealthy, err.Error())
		s.recordSourceError(ctx, s.deps.Mic.Name(), err)
		s.closeStream()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	micFormat := s.deps.Mic.Format()
	m.SampleRate = micFormat.SampleRate
	m.Mic = SourceInfo{Available: true, Format: micFormat}
	if dn, ok := s.deps.Mic.(deviceNamer); ok {
		m.Mic.Device = dn.DeviceName()
	}
	hm.Update(health.Mic, health.Healthy, "")
	if fn, ok := s.deps.Mic.(failureNotifier); ok {
		go s.watchSource(ctx, s.deps.Mic.Name(), health.Mic, health.Unhealthy, fn)
	}
	if m.SampleRate != s.cfg.SampleRate {
		s.log.Info("using microphone native sample rate", "requested", s.cfg.SampleRate, "native", m.SampleRate)
	}

	if err := s.deps.Loopback.Start(captureCtx, s.loopCh); err != nil {
		if capture.Unavailable(err) {
			s.log.Warn("loopback unavailable, right channel will be silent", logging.KeyError, err)
		} else {
			s.log.Error("loopback failed to start, right channel will be silent", logging.KeyError, err)
		}
		hm.Update(health.Loopback, health.Degraded, err.Error())
		s.recordSourceError(ctx, s.deps.Loopback.Name(), err)
		m.Loopback.Error = err.Error()
	} else {
		m.Loopback = SourceInfo{Available: true, Format: s.deps.Loopback.Format()}
		hm.Update(health.Loopback, health.Healthy, "")
		if lr := m.Loopback.Format.SampleRate; lr != m.SampleRate {
			s.log.Warn("loopback and microphone rates differ, channels will drift",
				"mic_rate", m.SampleRate, "loopback_rate", lr)
		}
		if fn, ok := s.deps.Loopback.(failureNotifier); ok {
			go s.watchSource(ctx, s.deps.Loopback.Name(), health.Loopback, health.Degraded, fn)
		}
	}

	wav, err := sink.CreateWav(s.cfg.OutputPath, m.SampleRate, s.cfg.WavBatchFrames, s.deps.Metrics)
	if err != nil {
		hm.Update(health.Wav, health.Unhealthy, err.Error())
		stopCapture()
		s.stopSources()
		s.closeStream()
		return nil, err
	}
	hm.Update(health.Wav, health.Healthy, "")

	var (
		stream mixer.StreamWriter
		framer *framing.Writer
	)
	if s.deps.Stream != nil {
		framer = framing.NewWriter(s.deps.Stream)
		stream = framer
		hm.Update(health.Stream, health.Healthy, "")
	}

	if s.deps.Metrics != nil {
		reg, err := s.deps.Metrics.ObserveChannels(s.micCh, s.loopCh)
		if err != nil {
			s.log.Warn("channel metrics unavailable", logging.KeyError, err)
		} else {
			defer func() { _ = reg.Unregister() }()
		}
	}

	framePairs := m.SampleRate * s.cfg.FrameDurationMs / 1000
	loop := mixer.New(s.micCh, s.loopCh, wav, stream, mixer.Options{
		FramePairs: framePairs,
		IdleSleep:  time.Duration(s.cfg.IdleSleepMicros) * time.Microsecond,
		Metrics:    s.deps.Metrics,
		Logger:     logging.WithSession(logging.L("mixer"), s.cfg.SessionID),
	})

	s.log.Info("capture session started",
		"output", wav.Path(), "sample_rate", m.SampleRate,
		"frame_pairs", framePairs, "stream", s.cfg.StreamTarget)

	runErr := loop.Run(ctx)
	if runErr != nil {
		hm.Update(health.Wav, health.Unhealthy, runErr.Error())
	}

	// The mixer has flushed its partial stream batch; release the mic, join
	// the loopback goroutine, and only then finalize the file.
	stopCapture()
	loopErr := s.stopSources()
	if loopErr != nil && m.Loopback.Available {
		m.Loopback.Error = loopErr.Error()
	}
	if fn, ok := s.deps.Mic.(failureNotifier); ok && fn.Err() != nil {
		m.Mic.Error = fn.Err().Error()
	}

	finErr := wav.Finalize()
	if finErr != nil {
		s.log.Error("wav finalization failed", logging.KeyStage, string(stage.Finalization), logging.KeyError, finErr)
		hm.Update(health.Wav, health.Unhealthy, finErr.Error())
		m.FinalizeError = finErr.Error()
	}
	s.closeStream()

	stats := loop.Stats()
	if stats.StreamFailures > 0 {
		hm.Update(health.Stream, health.Degraded, fmt.Sprintf("%d frames failed", stats.StreamFailures))
	}
	m.StoppedAt = time.Now().UTC()
	m.StereoFrames = wav.Frames()
	m.StreamFrames = stats.StreamFrames
	if framer != nil {
		m.StreamNextSeq = framer.NextSeq()
	}
	m.StreamFailures = stats.StreamFailures
	m.Mic.Dropped = s.micCh.Dropped()
	m.Loopback.Dropped = s.loopCh.Dropped()
	m.Health = hm.All()
	m.Host = collectHostInfo()

	if s.cfg.WriteManifest {
		if err := WriteManifest(ManifestPath(s.cfg.OutputPath), m); err != nil {
			s.log.Warn("session manifest not written", logging.KeyError, err)
		}
	}

	s.log.Info("capture session finished",
		"stereo_frames", m.StereoFrames, "stream_frames", m.StreamFrames,
		"stream_failures", m.StreamFailures, "mic_dropped", m.Mic.Dropped,
		"loopback_dropped", m.Loopback.Dropped, "duration", m.Duration().Round(time.Millisecond))

	return m, errors.Join(runErr, finErr)
}

// stopSources stops the mic and then joins the loopback. It returns the
// loopback's terminal error, if any.
func (s *Session) stopSources() error {
	if err := s.deps.Mic.Stop(); err != nil {
		s.log.Warn("microphone stop failed", logging.KeyError, err)
	}
	return s.deps.Loopback.Stop()
}

func (s *Session) closeStream() {
	if s.deps.Stream == nil {
		return
	}
	if err := s.deps.Stream.Close(); err != nil {
		s.log.Debug("stream close failed", logging.KeyError, err)
	}
}

// watchSource surfaces a capture failure that happens after Start.
func (s *Session) watchSource(ctx context.Context, source, component string, status health.Status, fn failureNotifier) {
	select {
	case <-fn.Done():
	case <-ctx.Done():
		return
	}
	if err := fn.Err(); err != nil {
		s.log.Warn("capture source stopped mid-session", logging.KeySource, source, logging.KeyError, err)
		s.deps.Health.Update(component, status, err.Error())
		s.recordSourceError(ctx, source, err)
	}
}

func (s *Session) recordSourceError(ctx context.Context, source string, err error) {
	st, ok := stage.Of(err)
	if !ok {
		st = "unknown"
	}
	s.log.Debug("source error recorded", logging.KeySource, source, logging.KeyStage, string(st))
	s.deps.Metrics.RecordSourceError(ctx, source, string(st))
}
