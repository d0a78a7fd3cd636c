// Package sink holds the WAV file writer for the mixed stereo signal.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/josuekenge/selly-capture/internal/observe"
	"github.com/josuekenge/selly-capture/internal/stage"
)

const (
	wavChannels  = 2
	wavBitDepth  = 16
	wavFormatPCM = 1
	defaultBatch = 4800
)

// ErrFinalized is returned by writes after Finalize.
var ErrFinalized = errors.New("sink: wav already finalized")

// WavSink writes 16-bit stereo PCM to a file. Frames are staged in a bounded
// batch and handed to the encoder when the batch fills; the RIFF and data
// chunk sizes are only correct after Finalize.
type WavSink struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	enc       *wav.Encoder
	buf       *audio.IntBuffer
	frames    uint64
	finalized bool
	metrics   *observe.Metrics
}

// CreateWav creates (or truncates) path and writes a provisional header, so
// the file is a valid empty WAV even if no frame is ever written.
func CreateWav(path string, sampleRate, batchFrames int, m *observe.Metrics) (*WavSink, error) {
	if batchFrames < 1 {
		batchFrames = defaultBatch
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, stage.Wrap(stage.SinkWrite, fmt.Errorf("create wav: %w", err))
	}

	format := &audio.Format{NumChannels: wavChannels, SampleRate: sampleRate}
	s := &WavSink{
		path: path,
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, wavBitDepth, wavChannels, wavFormatPCM),
		buf: &audio.IntBuffer{
			Format:         format,
			Data:           make([]int, 0, wavChannels*batchFrames),
			SourceBitDepth: wavBitDepth,
		},
		metrics: m,
	}

	// The encoder writes its header lazily on the first Write.
	if err := s.enc.Write(s.buf); err != nil {
		f.Close()
		return nil, stage.Wrap(stage.SinkWrite, fmt.Errorf("write wav header: %w", err))
	}
	return s, nil
}

// Path is the file being written.
func (s *WavSink) Path() string { return s.path }

// WriteFrame stages one stereo frame, writing the batch when it is full.
func (s *WavSink) WriteFrame(left, right int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrFinalized
	}
	s.buf.Data = append(s.buf.Data, int(left), int(right))
	s.frames++
	if len(s.buf.Data) == cap(s.buf.Data) {
		return s.flushLocked()
	}
	return nil
}

func (s *WavSink) flushLocked() error {
	if len(s.buf.Data) == 0 {
		return nil
	}
	start := time.Now()
	err := s.enc.Write(s.buf)
	s.metrics.RecordWavWrite(context.Background(), time.Since(start))
	s.buf.Data = s.buf.Data[:0]
	if err != nil {
		return stage.Wrap(stage.SinkWrite, fmt.Errorf("write wav: %w", err))
	}
	return nil
}

// Frames is the number of stereo frames accepted so far.
func (s *WavSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Finalize writes any staged frames, fixes the header sizes and closes the
// file. Calls after the first return nil without touching the file.
func (s *WavSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true

	errs := []error{s.flushLocked()}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav encoder: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav file: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return &stage.Error{Stage: stage.Finalization, Err: err}
	}
	return nil
}
