package capture

import (
	"encoding/binary"
	"math"
)

// ForEachMono reduces interleaved PCM in raw to one value per frame by the
// arithmetic mean across channels and passes each value to emit. 16-bit
// integers are normalized by math.MaxInt16; 32-bit floats pass through.
// Trailing bytes that do not make up a whole frame are ignored. It does not
// allocate, so it is safe to call from a device callback.
func ForEachMono(raw []byte, f Format, emit func(float32)) error {
	if err := f.Supported(); err != nil {
		return err
	}

	block := f.BlockAlign()
	frames := len(raw) / block
	channels := float32(f.Channels)

	for i := 0; i < frames; i++ {
		frame := raw[i*block : (i+1)*block]
		var sum float32
		if f.Float {
			for ch := 0; ch < f.Channels; ch++ {
				sum += math.Float32frombits(binary.LittleEndian.Uint32(frame[ch*4:]))
			}
		} else {
			for ch := 0; ch < f.Channels; ch++ {
				sum += float32(int16(binary.LittleEndian.Uint16(frame[ch*2:]))) / math.MaxInt16
			}
		}
		emit(sum / channels)
	}
	return nil
}

// EmitSilence passes frames zero-valued samples to emit.
func EmitSilence(frames int, emit func(float32)) {
	for i := 0; i < frames; i++ {
		emit(0)
	}
}
