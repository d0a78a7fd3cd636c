package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrBadMagic        = errors.New("framing: bad magic")
	ErrPayloadTooLarge = errors.New("framing: payload too large")
	ErrOddPayload      = errors.New("framing: payload length is not a whole number of samples")
)

// Frame is one decoded frame.
type Frame struct {
	Header
	Samples []int16
}

// Reader parses frames from a byte stream.
type Reader struct {
	r       *bufio.Reader
	resyncs int
	skipped int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads one frame. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF if the stream ends inside a frame. Header validation
// failures return ErrBadMagic, ErrPayloadTooLarge or ErrOddPayload without
// consuming input; call Resync to skip to the next magic marker.
func (r *Reader) Next() (*Frame, error) {
	hdr, err := r.r.Peek(HeaderSize)
	if err != nil {
		if errors.Is(err, io.EOF) && len(hdr) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if string(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: % X", ErrBadMagic, hdr[:4])
	}

	h := Header{
		Seq:  binary.LittleEndian.Uint32(hdr[4:8]),
		Size: binary.LittleEndian.Uint32(hdr[8:12]),
	}
	if h.Size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Size, MaxPayloadSize)
	}
	if h.Size%2 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrOddPayload, h.Size)
	}
	if _, err := r.r.Discard(HeaderSize); err != nil {
		return nil, err
	}

	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	samples := make([]int16, h.Size/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return &Frame{Header: h, Samples: samples}, nil
}

// Resync drops the byte at the current position and then discards bytes
// until the next magic marker, leaving it unread.
func (r *Reader) Resync() error {
	r.resyncs++
	magic := []byte(Magic)
	for {
		if _, err := r.r.Discard(1); err != nil {
			return err
		}
		r.skipped++

		peek, err := r.r.Peek(len(magic))
		if err != nil {
			if errors.Is(err, io.EOF) {
				n, _ := r.r.Discard(len(peek))
				r.skipped += int64(n)
			}
			return err
		}
		if bytes.Equal(peek, magic) {
			return nil
		}
	}
}

// Resyncs is the number of Resync calls.
func (r *Reader) Resyncs() int { return r.resyncs }

// Skipped is the number of bytes discarded by Resync.
func (r *Reader) Skipped() int64 { return r.skipped }
