// Package mixer merges the microphone and loopback channels into stereo
// int16 frames and fans them out to the WAV and framed-stream sinks.
package mixer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/framing"
	"github.com/josuekenge/selly-capture/internal/logging"
	"github.com/josuekenge/selly-capture/internal/observe"
	"github.com/josuekenge/selly-capture/internal/stage"
)

// WavWriter receives every stereo frame. It is the authoritative sink.
type WavWriter interface {
	WriteFrame(left, right int16) error
}

// StreamWriter receives batches of interleaved stereo samples. It must not
// retain the slice after returning.
type StreamWriter interface {
	WriteFrame(samples []int16) error
}

// Options tunes the loop.
type Options struct {
	// FramePairs is the number of stereo pairs per framed-stream packet.
	FramePairs int
	// IdleSleep is how long to pause when both channels were empty.
	IdleSleep time.Duration
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Frames         uint64 `yaml:"stereo_frames"`
	StreamFrames   uint64 `yaml:"stream_frames"`
	StreamFailures uint64 `yaml:"stream_failures"`
}

// Loop is the mixing loop. Step and Run must be called from one goroutine.
type Loop struct {
	mic, loopback *capture.Channel
	wav           WavWriter
	stream        StreamWriter

	framePairs int
	idleSleep  time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger

	heldMic, heldLoopback float32
	staging               []int16
	unreported            int
	flushed               bool

	frames         atomic.Uint64
	streamFrames   atomic.Uint64
	streamFailures atomic.Uint64
}

// New builds a loop reading mic (left) and loopback (right). stream may be
// nil to disable the framed stream.
func New(mic, loopback *capture.Channel, wav WavWriter, stream StreamWriter, opts Options) *Loop {
	if opts.FramePairs < 1 {
		opts.FramePairs = 4800
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 100 * time.Microsecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.L("mixer")
	}
	l := &Loop{
		mic:        mic,
		loopback:   loopback,
		wav:        wav,
		stream:     stream,
		framePairs: opts.FramePairs,
		idleSleep:  opts.IdleSleep,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
	if stream != nil {
		l.staging = make([]int16, 0, 2*opts.FramePairs)
	}
	return l
}

// Step performs one iteration: read both channels without blocking, fall
// back to the last value on an empty read, and write one stereo frame. It
// reports whether both channels were empty. Only WAV write errors are
// returned; stream failures are logged and the batch is discarded.
func (l *Loop) Step(ctx context.Context) (idle bool, err error) {
	micSample, micOK := l.mic.TryRecv()
	if micOK {
		l.heldMic = micSample
	}
	loopSample, loopOK := l.loopback.TryRecv()
	if loopOK {
		l.heldLoopback = loopSample
	}

	left, right := ToInt16(l.heldMic), ToInt16(l.heldLoopback)
	if err := l.wav.WriteFrame(left, right); err != nil {
		return false, stage.Wrap(stage.SinkWrite, err)
	}
	l.frames.Add(1)
	l.unreported++

	if l.stream != nil {
		l.staging = append(l.staging, left, right)
		if len(l.staging) == cap(l.staging) {
			l.flushStaging(ctx)
		}
	} else if l.unreported >= l.framePairs {
		l.reportFrames(ctx)
	}

	return !micOK && !loopOK, nil
}

// Run steps until ctx is cancelled or the WAV sink fails, then flushes the
// partial stream batch once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.FlushStream(context.WithoutCancel(ctx))

	for ctx.Err() == nil {
		idle, err := l.Step(ctx)
		if err != nil {
			l.log.Error("wav write failed, stopping mix loop", logging.KeyError, err)
			return err
		}
		if idle {
			time.Sleep(l.idleSleep)
		}
	}
	return nil
}

// FlushStream writes any partially filled stream batch. Only the first call
// has an effect; an empty batch is not written.
func (l *Loop) FlushStream(ctx context.Context) {
	if l.flushed {
		return
	}
	l.flushed = true
	if l.stream != nil && len(l.staging) > 0 {
		l.flushStaging(ctx)
	}
	l.reportFrames(ctx)
}

func (l *Loop) flushStaging(ctx context.Context) {
	start := time.Now()
	err := l.stream.WriteFrame(l.staging)
	size := framing.HeaderSize + 2*len(l.staging)
	l.metrics.RecordStreamFrame(ctx, size, time.Since(start), err)

	if err != nil {
		n := l.streamFailures.Add(1)
		// First failure, then every 100th.
		if n == 1 || n%100 == 0 {
			l.log.Warn("framed stream write failed, batch discarded",
				logging.KeyError, err, "failures", n, "pairs", len(l.staging)/2)
		}
	} else {
		l.streamFrames.Add(1)
	}
	l.staging = l.staging[:0]
	l.reportFrames(ctx)
}

func (l *Loop) reportFrames(ctx context.Context) {
	l.metrics.RecordFramesMixed(ctx, l.unreported)
	l.unreported = 0
}

// Stats returns the current counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	return Stats{
		Frames:         l.frames.Load(),
		StreamFrames:   l.streamFrames.Load(),
		StreamFailures: l.streamFailures.Load(),
	}
}
