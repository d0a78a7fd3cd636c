// Package device wraps miniaudio (via malgo) for microphone capture and
// device enumeration.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/logging"
	"github.com/josuekenge/selly-capture/internal/stage"
)

var log = logging.L("device")

// ErrNoMicrophone is returned when no capture device can be opened.
var ErrNoMicrophone = errors.New("device: no microphone available")

// Mic captures the default input device at its native rate and channel
// count, reduced to mono float32 inside the device callback.
type Mic struct {
	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	format     capture.Format
	deviceName string
	active     atomic.Bool
	stopWatch  chan struct{}
	stopOnce   sync.Once

	// Set once by the device callback when a buffer cannot be decoded.
	failed     chan struct{}
	failOnce   sync.Once
	failErr    atomic.Pointer[error]
	zeroQueued atomic.Bool
}

// NewMic initializes the audio backend context. The device itself is opened
// by Start.
func NewMic() (*Mic, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, stage.Wrap(stage.DeviceAcquisition, fmt.Errorf("init audio context: %w", err))
	}
	return &Mic{ctx: ctx, stopWatch: make(chan struct{}), failed: make(chan struct{})}, nil
}

func (m *Mic) Name() string { return "mic" }

// Format is the negotiated capture format, valid after Start.
func (m *Mic) Format() capture.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// DeviceName is the name of the opened capture device, if known.
func (m *Mic) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceName
}

// Start opens the default capture device and begins pushing samples into out.
// Failing to open a microphone is fatal for a session.
func (m *Mic) Start(ctx context.Context, out *capture.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return capture.ErrAlreadyStarted
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 0 // native
	cfg.SampleRate = 0       // native

	// format is written once below, before the device is started.
	var format capture.Format
	emit := func(s float32) { out.TrySend(s) }

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.deliver(input, format, out, emit)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return stage.Wrap(stage.DeviceAcquisition, fmt.Errorf("%w: %w", ErrNoMicrophone, err))
	}

	format = capture.Format{
		Channels:      int(dev.CaptureChannels()),
		SampleRate:    int(dev.SampleRate()),
		BitsPerSample: bitsPerSample(dev.CaptureFormat()),
		Float:         dev.CaptureFormat() == malgo.FormatF32,
	}
	if err := format.Supported(); err != nil {
		dev.Uninit()
		return stage.Wrap(stage.FormatNegotiation, err)
	}

	m.active.Store(true)
	if err := dev.Start(); err != nil {
		m.active.Store(false)
		dev.Uninit()
		return stage.Wrap(stage.DeviceAcquisition, fmt.Errorf("start capture device: %w", err))
	}

	m.device = dev
	m.format = format
	m.deviceName = defaultDeviceName(m.ctx, malgo.Capture)

	go func() {
		select {
		case <-ctx.Done():
			m.active.Store(false)
		case <-m.stopWatch:
		}
	}()

	log.Info("microphone capture started", "device", m.deviceName, "format", format.String())
	return nil
}

// deliver runs on the device callback thread and must not block. After a
// decode failure the mic goes quiet: later callbacks only try to queue a
// single zero so the mixer holds silence.
func (m *Mic) deliver(input []byte, format capture.Format, out *capture.Channel, emit func(float32)) {
	if !m.active.Load() {
		select {
		case <-m.failed:
			if !m.zeroQueued.Load() && out.TrySend(0) {
				m.zeroQueued.Store(true)
			}
		default:
		}
		return
	}
	if err := capture.ForEachMono(input, format, emit); err != nil {
		m.active.Store(false)
		m.fail(stage.Wrap(stage.BufferRetrieval, err))
		if out.TrySend(0) {
			m.zeroQueued.Store(true)
		}
	}
}

func (m *Mic) fail(err error) {
	m.failOnce.Do(func() {
		m.failErr.Store(&err)
		log.Error("microphone capture failed, left channel is silent for the rest of the session",
			logging.KeyStage, string(stage.BufferRetrieval), logging.KeyError, err)
		close(m.failed)
	})
}

// Done is closed if capture fails after Start. It stays open on a normal
// Stop.
func (m *Mic) Done() <-chan struct{} { return m.failed }

// Err returns the error that stopped capture, if any.
func (m *Mic) Err() error {
	if p := m.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop halts the device and releases the backend context.
func (m *Mic) Stop() error {
	m.active.Store(false)
	m.stopOnce.Do(func() { close(m.stopWatch) })

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.device != nil {
		err = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		if uerr := m.ctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		m.ctx.Free()
		m.ctx = nil
	}
	return err
}

func bitsPerSample(f malgo.FormatType) int {
	switch f {
	case malgo.FormatU8:
		return 8
	case malgo.FormatS16:
		return 16
	case malgo.FormatS24:
		return 24
	case malgo.FormatS32, malgo.FormatF32:
		return 32
	default:
		return 0
	}
}
