package mixer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/josuekenge/selly-capture/internal/capture"
	"github.com/josuekenge/selly-capture/internal/stage"
)

type wavRecorder struct {
	mu          sync.Mutex
	left, right []int16
	err         error
}

func (w *wavRecorder) WriteFrame(l, r int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.left = append(w.left, l)
	w.right = append(w.right, r)
	return nil
}

func (w *wavRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.left)
}

type streamRecorder struct {
	batches [][]int16
	err     error
}

func (s *streamRecorder) WriteFrame(samples []int16) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]int16(nil), samples...))
	return nil
}

func TestToInt16(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{0.5, 16383},
		{-0.5, -16384},
		{1, 32767},
		{-1, -32767},
		{1.7, 32767},
		{-42, -32767},
		{float32(math.Inf(1)), 32767},
		{float32(math.Inf(-1)), -32767},
		{float32(math.NaN()), 0},
	}
	for _, c := range cases {
		if got := ToInt16(c.in); got != c.want {
			t.Errorf("ToInt16(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestMicSequenceAgainstSilentLoopback(t *testing.T) {
	mic := capture.NewChannel("mic", 16)
	loop := capture.NewChannel("loopback", 16)
	for _, s := range []float32{0.5, -0.5, 0.5, -0.5} {
		mic.TrySend(s)
		loop.TrySend(0)
	}

	wav := &wavRecorder{}
	l := New(mic, loop, wav, nil, Options{})
	for i := 0; i < 4; i++ {
		if _, err := l.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	wantLeft := []int16{16383, -16384, 16383, -16384}
	for i := range wantLeft {
		if wav.left[i] != wantLeft[i] || wav.right[i] != 0 {
			t.Fatalf("frame %d = (%d, %d), want (%d, 0)", i, wav.left[i], wav.right[i], wantLeft[i])
		}
	}
	if l.Stats().Frames != 4 {
		t.Fatalf("Frames = %d, want 4", l.Stats().Frames)
	}
}

func TestHoldLastValue(t *testing.T) {
	mic := capture.NewChannel("mic", 4)
	loop := capture.NewChannel("loopback", 4)
	wav := &wavRecorder{}
	l := New(mic, loop, wav, nil, Options{})
	ctx := context.Background()

	// Before any sample arrives both sides hold zero.
	idle, err := l.Step(ctx)
	if err != nil || !idle {
		t.Fatalf("Step on empty channels = %v, %v; want idle", idle, err)
	}

	mic.TrySend(1)
	loop.TrySend(-1)
	if idle, _ := l.Step(ctx); idle {
		t.Fatal("Step with samples should not be idle")
	}

	loop.TrySend(0.5)
	l.Step(ctx)
	l.Step(ctx)

	wantLeft := []int16{0, 32767, 32767, 32767}
	wantRight := []int16{0, -32767, 16383, 16383}
	for i := range wantLeft {
		if wav.left[i] != wantLeft[i] || wav.right[i] != wantRight[i] {
			t.Errorf("frame %d = (%d, %d), want (%d, %d)", i, wav.left[i], wav.right[i], wantLeft[i], wantRight[i])
		}
	}
}

func TestStreamBatchingAndFinalFlush(t *testing.T) {
	mic := capture.NewChannel("mic", 8)
	loop := capture.NewChannel("loopback", 8)
	wav := &wavRecorder{}
	stream := &streamRecorder{}
	l := New(mic, loop, wav, stream, Options{FramePairs: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(stream.batches) != 2 {
		t.Fatalf("batches = %d, want 2 full batches", len(stream.batches))
	}
	for _, b := range stream.batches {
		if len(b) != 4 {
			t.Fatalf("batch has %d samples, want 4", len(b))
		}
	}

	l.FlushStream(ctx)
	l.FlushStream(ctx)
	if len(stream.batches) != 3 || len(stream.batches[2]) != 2 {
		t.Fatalf("after flush batches = %v, want a final single pair", stream.batches)
	}
	if got := l.Stats().StreamFrames; got != 3 {
		t.Fatalf("StreamFrames = %d, want 3", got)
	}
}

func TestFlushStreamEmptyBatchIsOmitted(t *testing.T) {
	stream := &streamRecorder{}
	l := New(capture.NewChannel("mic", 1), capture.NewChannel("loopback", 1), &wavRecorder{}, stream, Options{FramePairs: 2})
	l.Step(context.Background())
	l.Step(context.Background())
	l.FlushStream(context.Background())
	if len(stream.batches) != 1 {
		t.Fatalf("batches = %d, want 1 (no empty trailing frame)", len(stream.batches))
	}
}

func TestStreamFailureIsDiscarded(t *testing.T) {
	stream := &streamRecorder{err: errors.New("broken pipe")}
	wav := &wavRecorder{}
	l := New(capture.NewChannel("mic", 1), capture.NewChannel("loopback", 1), wav, stream, Options{FramePairs: 1})

	for i := 0; i < 3; i++ {
		if _, err := l.Step(context.Background()); err != nil {
			t.Fatalf("stream failure must not stop the loop: %v", err)
		}
	}
	if wav.count() != 3 {
		t.Fatalf("wav frames = %d, want 3", wav.count())
	}
	st := l.Stats()
	if st.StreamFailures != 3 || st.StreamFrames != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if len(l.staging) != 0 {
		t.Fatal("failed batch should be discarded")
	}
}

func TestWavFailureStopsLoop(t *testing.T) {
	wav := &wavRecorder{err: errors.New("disk full")}
	l := New(capture.NewChannel("mic", 1), capture.NewChannel("loopback", 1), wav, nil, Options{})

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("Run should return the wav error")
	}
	if s, _ := stage.Of(err); s != stage.SinkWrite {
		t.Fatalf("stage = %q, want sink_write", s)
	}
}

func TestRunStopsOnCancelAndFlushes(t *testing.T) {
	mic := capture.NewChannel("mic", 64)
	loop := capture.NewChannel("loopback", 64)
	wav := &wavRecorder{}
	stream := &streamRecorder{}
	l := New(mic, loop, wav, stream, Options{FramePairs: 1 << 20, IdleSleep: time.Microsecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for wav.count() < 10 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not produce frames")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if len(stream.batches) != 1 {
		t.Fatalf("batches = %d, want the partial batch flushed once", len(stream.batches))
	}
	if got := len(stream.batches[0]) / 2; uint64(got) != l.Stats().Frames {
		t.Fatalf("flushed %d pairs, mixed %d frames", got, l.Stats().Frames)
	}
}
