//go:build !windows

package capture

import (
	"fmt"
	"runtime"
	"time"

	"github.com/josuekenge/selly-capture/internal/stage"
)

// NewSystemLoopback returns a loopback source whose Start always fails with
// ErrLoopbackUnavailable: render-path capture is only implemented on Windows.
func NewSystemLoopback(buffer time.Duration) *Loopback {
	return NewLoopback(unavailableEndpoint{buffer: buffer})
}

type unavailableEndpoint struct {
	buffer time.Duration
}

func (e unavailableEndpoint) Open() (Format, error) {
	return Format{}, stage.Wrap(stage.DeviceAcquisition,
		fmt.Errorf("%w: not supported on %s", ErrLoopbackUnavailable, runtime.GOOS))
}

func (e unavailableEndpoint) BufferDuration() time.Duration { return e.buffer }

func (unavailableEndpoint) NextPacketSize() (uint32, error) { return 0, nil }

func (unavailableEndpoint) ReadPacket() ([]byte, uint32, bool, error) {
	return nil, 0, false, ErrLoopbackUnavailable
}

func (unavailableEndpoint) Release(uint32) error { return nil }

func (unavailableEndpoint) Close() error { return nil }
