//go:build !windows

package framing

import (
	"context"
	"io"
	"os"
)

// openPipe opens a FIFO created by the parent process for writing.
func openPipe(_ context.Context, path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}
