package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/config"
	"github.com/josuekenge/selly-capture/internal/framing"
	"github.com/josuekenge/selly-capture/internal/health"
	"github.com/josuekenge/selly-capture/internal/stage"
)

// fakeSource pushes value into its channel every tick until stopped.
type fakeSource struct {
	name     string
	format   capture.Format
	value    float32
	startErr error

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func (f *fakeSource) Name() string           { return f.name }
func (f *fakeSource) Format() capture.Format { return f.format }

func (f *fakeSource) Start(ctx context.Context, out *capture.Channel) error {
	if f.startErr != nil {
		return f.startErr
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(100 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < 8; i++ {
					out.TrySend(f.value)
				}
			}
		}
	}()
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return nil
}

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closeBuffer) Close() error {
	c.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SessionID = "call-7"
	cfg.OutputPath = filepath.Join(t.TempDir(), "call-7.wav")
	cfg.FrameDurationMs = 10
	cfg.ChannelCapacity = 4096
	return cfg
}

var micFormat = capture.Format{Channels: 1, SampleRate: 16000, BitsPerSample: 32, Float: true}

func runFor(t *testing.T, s *Session, d time.Duration) (*Manifest, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Run(ctx)
}

func TestRunWithoutLoopbackProducesSilentRightChannel(t *testing.T) {
	cfg := testConfig(t)
	mic := &fakeSource{name: "mic", format: micFormat, value: 0.5}
	loop := &fakeSource{
		name:     "loopback",
		startErr: stage.Wrap(stage.DeviceAcquisition, capture.ErrLoopbackUnavailable),
	}
	stream := &closeBuffer{}
	hm := health.NewMonitor()

	m, err := runFor(t, New(cfg, Deps{Mic: mic, Loopback: loop, Stream: stream, Health: hm}), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	f, err := os.Open(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if d.SampleRate != 16000 || d.NumChans != 2 {
		t.Fatalf("wav format = %d Hz %d ch, want the mic rate in stereo", d.SampleRate, d.NumChans)
	}
	if uint64(len(buf.Data)) != 2*m.StereoFrames || m.StereoFrames == 0 {
		t.Fatalf("wav has %d samples for %d frames", len(buf.Data), m.StereoFrames)
	}
	sawSignal := false
	for i := 0; i < len(buf.Data); i += 2 {
		if buf.Data[i+1] != 0 {
			t.Fatalf("right channel sample %d = %d, want silence", i/2, buf.Data[i+1])
		}
		if buf.Data[i] == 16383 {
			sawSignal = true
		}
	}
	if !sawSignal {
		t.Fatal("left channel never carried the mic signal")
	}

	if c, _ := hm.Get(health.Loopback); c.Status != health.Degraded {
		t.Fatalf("loopback health = %q, want degraded", c.Status)
	}
	if m.Loopback.Available || m.Loopback.Error == "" {
		t.Fatalf("manifest loopback = %+v", m.Loopback)
	}
	if !mic.stopped {
		t.Fatal("mic was not stopped")
	}
	if !stream.closed {
		t.Fatal("stream target was not closed")
	}

	summary, err := framing.Scan(bytes.NewReader(stream.Bytes()))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if uint64(summary.StereoPairs) != m.StereoFrames {
		t.Fatalf("stream carried %d pairs, wav %d frames", summary.StereoPairs, m.StereoFrames)
	}
	if summary.SequenceGaps != 0 || summary.FirstSeq != 0 {
		t.Fatalf("stream summary = %+v", summary)
	}
	if uint64(summary.Frames) != m.StreamFrames {
		t.Fatalf("stream frames = %d, manifest says %d", summary.Frames, m.StreamFrames)
	}
	if uint64(m.StreamNextSeq) != m.StreamFrames {
		t.Fatalf("next seq = %d, want %d", m.StreamNextSeq, m.StreamFrames)
	}
}

func TestRunWritesManifest(t *testing.T) {
	cfg := testConfig(t)
	mic := &fakeSource{name: "mic", format: micFormat, value: 0.25}
	loop := &fakeSource{name: "loopback", format: capture.Format{Channels: 2, SampleRate: 16000, BitsPerSample: 32, Float: true}, value: -0.25}

	m, err := runFor(t, New(cfg, Deps{Mic: mic, Loopback: loop}), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := ReadManifest(ManifestPath(cfg.OutputPath))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.SessionID != "call-7" || got.SampleRate != 16000 {
		t.Fatalf("manifest = %+v", got)
	}
	if !got.Loopback.Available || got.StereoFrames != m.StereoFrames {
		t.Fatalf("manifest loopback/frames = %+v / %d", got.Loopback, got.StereoFrames)
	}
	if got.Duration() <= 0 {
		t.Fatal("manifest duration should be positive")
	}
	if len(got.Health) == 0 {
		t.Fatal("manifest should record component health")
	}
	if !loop.stopped {
		t.Fatal("loopback was not joined")
	}
}

func TestRunMicFailureProducesNoOutput(t *testing.T) {
	cfg := testConfig(t)
	mic := &fakeSource{name: "mic", startErr: errors.New("no capture device")}
	loop := &fakeSource{name: "loopback", format: micFormat}
	stream := &closeBuffer{}

	m, err := runFor(t, New(cfg, Deps{Mic: mic, Loopback: loop, Stream: stream}), time.Second)
	if err == nil || m != nil {
		t.Fatalf("Run = %v, %v; want error and no manifest", m, err)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Fatalf("wav should not exist: %v", statErr)
	}
	if stream.Len() != 0 || !stream.closed {
		t.Fatal("stream should be closed without data")
	}
}

func TestRunWavCreateFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutputPath = filepath.Join(t.TempDir(), "missing", "out.wav")
	mic := &fakeSource{name: "mic", format: micFormat}
	loop := &fakeSource{name: "loopback", format: micFormat}

	if _, err := runFor(t, New(cfg, Deps{Mic: mic, Loopback: loop}), time.Second); err == nil {
		t.Fatal("expected error when the wav cannot be created")
	}
	if !mic.stopped || !loop.stopped {
		t.Fatal("sources should be stopped after a wav failure")
	}
}

func TestManifestDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.WriteManifest = false
	mic := &fakeSource{name: "mic", format: micFormat}
	loop := &fakeSource{name: "loopback", format: micFormat}

	if _, err := runFor(t, New(cfg, Deps{Mic: mic, Loopback: loop}), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ManifestPath(cfg.OutputPath)); !os.IsNotExist(err) {
		t.Fatal("manifest should not be written when disabled")
	}
}

// notifyingSource is a fakeSource whose capture can fail after Start.
type notifyingSource struct {
	*fakeSource
	done chan struct{}
	err  error
}

func (n *notifyingSource) Done() <-chan struct{} { return n.done }
func (n *notifyingSource) Err() error            { return n.err }

func (n *notifyingSource) failWith(err error) {
	n.err = err
	close(n.done)
}

func TestMicFailureMidSessionIsSurfaced(t *testing.T) {
	cfg := testConfig(t)
	mic := &notifyingSource{
		fakeSource: &fakeSource{name: "mic", format: micFormat, value: 0.5},
		done:       make(chan struct{}),
	}
	loop := &fakeSource{name: "loopback", format: micFormat}
	hm := health.NewMonitor()

	type result struct {
		m   *Manifest
		err error
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan result, 1)
	go func() {
		m, err := New(cfg, Deps{Mic: mic, Loopback: loop, Health: hm}).Run(ctx)
		results <- result{m, err}
	}()

	time.Sleep(20 * time.Millisecond)
	mic.failWith(stage.Wrap(stage.BufferRetrieval, capture.ErrUnsupportedFormat))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, _ := hm.Get(health.Mic); c.Status == health.Unhealthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mic health never became unhealthy")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case r := <-results:
		t.Fatalf("session ended on a source failure: %v", r.err)
	default:
	}

	cancel()
	r := <-results
	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if r.m.Mic.Error == "" {
		t.Fatal("manifest should record the mic failure")
	}
	if _, err := os.Stat(cfg.OutputPath); err != nil {
		t.Fatalf("wav should exist: %v", err)
	}
}
