// Package framing implements the framed PCM stream: a 12-byte header
// ("SELL", little-endian sequence number, little-endian payload length)
// followed by interleaved little-endian int16 stereo samples.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/josuekenge/selly-capture/internal/stage"
)

const (
	// Magic starts every frame.
	Magic = "SELL"

	HeaderSize = 12

	// MaxPayloadSize bounds a single frame: ten seconds of 48kHz stereo int16.
	MaxPayloadSize = 10 * 48000 * 2 * 2
)

// Header is the decoded fixed-size frame prefix.
type Header struct {
	Seq  uint32
	Size uint32
}

// flusher is implemented by buffered destinations such as bufio.Writer.
type flusher interface {
	Flush() error
}

// Writer serializes sample batches into frames. Each frame is written with a
// single Write call under a mutex so concurrent callers never interleave.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	seq uint32
	buf []byte
}

// NewWriter returns a Writer whose first frame carries sequence number 0.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes samples (interleaved left, right) as one frame and
// flushes the destination if it is buffered. An empty batch writes nothing.
// The sequence number advances on every non-empty call, including failed
// ones, so a number is never reused.
func (w *Writer) WriteFrame(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	size := 2 * len(samples)
	if size > MaxPayloadSize {
		return stage.Wrap(stage.SinkWrite, fmt.Errorf("framing: payload %d exceeds %d bytes", size, MaxPayloadSize))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.seq
	w.seq++

	w.buf = AppendFrame(w.buf[:0], seq, samples)
	if _, err := w.w.Write(w.buf); err != nil {
		return stage.Wrap(stage.SinkWrite, fmt.Errorf("framing: write frame %d: %w", seq, err))
	}
	if f, ok := w.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return stage.Wrap(stage.SinkWrite, fmt.Errorf("framing: flush frame %d: %w", seq, err))
		}
	}
	return nil
}

// NextSeq is the sequence number the next frame will carry.
func (w *Writer) NextSeq() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AppendFrame appends the encoded frame for samples to dst.
func AppendFrame(dst []byte, seq uint32, samples []int16) []byte {
	dst = append(dst, Magic...)
	dst = binary.LittleEndian.AppendUint32(dst, seq)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(2*len(samples)))
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}
