package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/josuekenge/selly-capture/internal/logging"
	"github.com/josuekenge/selly-capture/internal/stage"
)

var log = logging.L("capture")

// Endpoint is the platform half of loopback capture. All methods are called
// from the single goroutine that runs the poll loop, which is locked to its
// OS thread for the lifetime of the endpoint.
type Endpoint interface {
	// Open acquires the default render endpoint, negotiates its mix format
	// and starts capture.
	Open() (Format, error)
	// BufferDuration is the negotiated shared-mode buffer length.
	BufferDuration() time.Duration
	// NextPacketSize returns the frame count of the next pending packet, or 0.
	NextPacketSize() (uint32, error)
	// ReadPacket returns the next packet. data is only valid until Release.
	// A nil data without silent carries no samples.
	ReadPacket() (data []byte, frames uint32, silent bool, err error)
	Release(frames uint32) error
	// Close stops capture and undoes everything Open did.
	Close() error
}

// Loopback captures what the system is playing by polling an Endpoint on a
// dedicated goroutine.
type Loopback struct {
	endpoint Endpoint

	mu      sync.Mutex
	started bool
	format  Format
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewLoopback wraps ep. Use NewSystemLoopback for the platform endpoint.
func NewLoopback(ep Endpoint) *Loopback {
	return &Loopback{endpoint: ep, done: make(chan struct{})}
}

func (l *Loopback) Name() string { return "loopback" }

// Format is the negotiated mix format. It is zero until Start succeeds.
func (l *Loopback) Format() Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.format
}

// Start opens the endpoint on the capture goroutine and waits until it is
// running. Open failures are returned here and leave the source unusable;
// callers may continue with this channel silent.
func (l *Loopback) Start(ctx context.Context, out *Channel) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	ready := make(chan error, 1)
	go l.run(ctx, out, ready)

	if err := <-ready; err != nil {
		<-l.done
		return err
	}
	return nil
}

func (l *Loopback) run(ctx context.Context, out *Channel, ready chan<- error) {
	defer close(l.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	format, err := l.endpoint.Open()
	if err == nil {
		if err = format.Supported(); err != nil {
			err = stage.Wrap(stage.FormatNegotiation, err)
		}
	}
	if err != nil {
		if cerr := l.endpoint.Close(); cerr != nil {
			log.Debug("loopback close after failed open", logging.KeyError, cerr)
		}
		l.setErr(err)
		ready <- err
		return
	}

	l.mu.Lock()
	l.format = format
	l.mu.Unlock()

	log.Info("loopback capture started", "format", format.String(), "buffer", l.endpoint.BufferDuration())
	ready <- nil

	err = l.poll(ctx, out, format)
	if cerr := l.endpoint.Close(); cerr != nil {
		log.Warn("loopback close failed", logging.KeyError, cerr)
	}
	if err != nil {
		settleSilent(ctx, out)
		if s, ok := stage.Of(err); ok {
			log.Error("loopback capture failed, channel is silent for the rest of the session",
				logging.KeyStage, string(s), logging.KeyError, err)
		} else {
			log.Error("loopback capture failed, channel is silent for the rest of the session", logging.KeyError, err)
		}
		l.setErr(err)
		return
	}
	log.Info("loopback capture stopped")
}

// settleSilent queues one zero so the mixer holds silence instead of the
// last captured value. Capture has stopped, so it waits for room rather
// than losing the zero to a full channel.
func settleSilent(ctx context.Context, out *Channel) {
	for !out.TrySend(0) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *Loopback) poll(ctx context.Context, out *Channel, format Format) error {
	interval := l.endpoint.BufferDuration() / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit := func(s float32) { out.TrySend(s) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := l.drain(ctx, format, emit); err != nil {
			return err
		}
	}
}

// drain reads packets until the endpoint reports none pending.
func (l *Loopback) drain(ctx context.Context, format Format, emit func(float32)) error {
	block := format.BlockAlign()
	for ctx.Err() == nil {
		pending, err := l.endpoint.NextPacketSize()
		if err != nil {
			return stage.Wrap(stage.BufferRetrieval, fmt.Errorf("next packet size: %w", err))
		}
		if pending == 0 {
			return nil
		}

		data, frames, silent, err := l.endpoint.ReadPacket()
		if err != nil {
			return stage.Wrap(stage.BufferRetrieval, fmt.Errorf("get buffer: %w", err))
		}

		switch {
		case silent:
			EmitSilence(int(frames), emit)
		case data == nil:
			// Nothing to deliver; the packet is only released.
		default:
			n := int(frames) * block
			if n > len(data) {
				n = len(data) - len(data)%block
			}
			if err := ForEachMono(data[:n], format, emit); err != nil {
				return stage.Wrap(stage.FormatNegotiation, err)
			}
		}

		if err := l.endpoint.Release(frames); err != nil {
			return stage.Wrap(stage.BufferRetrieval, fmt.Errorf("release buffer: %w", err))
		}
	}
	return nil
}

func (l *Loopback) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Done is closed once the capture goroutine has exited.
func (l *Loopback) Done() <-chan struct{} { return l.done }

// Err returns the error that ended capture, if any.
func (l *Loopback) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stop cancels capture and waits for the capture goroutine to exit. It
// returns the error that ended capture early, or nil. Safe to call more than
// once and before Start.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	started, cancel := l.started, l.cancel
	l.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-l.done
	return l.Err()
}

// Unavailable reports whether err means no loopback endpoint could be used,
// as opposed to a failure of an already running capture.
func Unavailable(err error) bool {
	return errors.Is(err, ErrLoopbackUnavailable) || errors.Is(err, ErrUnsupportedFormat)
}
