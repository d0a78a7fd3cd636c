package capture

import "errors"

var (
	// ErrLoopbackUnavailable means the system output endpoint could not be
	// opened in loopback mode. The session continues with a silent channel.
	ErrLoopbackUnavailable = errors.New("capture: loopback endpoint unavailable")

	// ErrUnsupportedFormat is returned for sample layouts other than
	// 16-bit integer and 32-bit float.
	ErrUnsupportedFormat = errors.New("capture: unsupported sample format")

	ErrAlreadyStarted = errors.New("capture: source already started")
)
