// Package capture moves audio from capture devices into per-source sample
// channels as mono float32 values.
package capture

import (
	"context"
	"fmt"
)

// Format describes the interleaved sample layout a device delivers.
type Format struct {
	Channels      int  `yaml:"channels"`
	SampleRate    int  `yaml:"sample_rate"`
	BitsPerSample int  `yaml:"bits_per_sample"`
	Float         bool `yaml:"float"`
}

// BlockAlign is the size in bytes of one interleaved frame.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) String() string {
	kind := "int"
	if f.Float {
		kind = "float"
	}
	return fmt.Sprintf("%dch %dHz %d-bit %s", f.Channels, f.SampleRate, f.BitsPerSample, kind)
}

// Supported reports whether samples in this format can be reduced to mono.
func (f Format) Supported() error {
	if f.Channels < 1 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	switch {
	case f.BitsPerSample == 16 && !f.Float:
	case f.BitsPerSample == 32 && f.Float:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return nil
}

// Source is a capture device that pushes mono samples into a Channel.
//
// Start returns once the device is running or has failed to open. ctx
// cancellation stops delivery; Stop additionally waits for any capture
// goroutine to exit and releases the device. Implementations must never
// block inside the delivery path.
type Source interface {
	Name() string
	Start(ctx context.Context, out *Channel) error
	Stop() error
	Format() Format
}
