package framing

import (
	"errors"
	"io"
)

// Summary describes a framed stream as seen by a consumer.
type Summary struct {
	Frames       int    `json:"frames" yaml:"frames"`
	StereoPairs  int64  `json:"stereo_pairs" yaml:"stereo_pairs"`
	FirstSeq     uint32 `json:"first_seq" yaml:"first_seq"`
	LastSeq      uint32 `json:"last_seq" yaml:"last_seq"`
	SequenceGaps int    `json:"sequence_gaps" yaml:"sequence_gaps"`
	Resyncs      int    `json:"resyncs" yaml:"resyncs"`
	SkippedBytes int64  `json:"skipped_bytes" yaml:"skipped_bytes"`
	Truncated    bool   `json:"truncated" yaml:"truncated"`
}

// Scan reads r to the end, resynchronising past corrupt headers, and
// reports what it found. Only read errors other than EOF are returned.
func Scan(r io.Reader) (Summary, error) {
	var s Summary
	fr := NewReader(r)
	for {
		f, err := fr.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return s.finish(fr), nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			s.Truncated = true
			return s.finish(fr), nil
		case errors.Is(err, ErrBadMagic), errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrOddPayload):
			if rerr := fr.Resync(); rerr != nil {
				if errors.Is(rerr, io.EOF) {
					return s.finish(fr), nil
				}
				return s.finish(fr), rerr
			}
			continue
		default:
			return s.finish(fr), err
		}

		if s.Frames == 0 {
			s.FirstSeq = f.Seq
		} else if f.Seq != s.LastSeq+1 {
			s.SequenceGaps++
		}
		s.LastSeq = f.Seq
		s.Frames++
		s.StereoPairs += int64(len(f.Samples) / 2)
	}
}

func (s Summary) finish(fr *Reader) Summary {
	s.Resyncs = fr.Resyncs()
	s.SkippedBytes = fr.Skipped()
	return s
}
