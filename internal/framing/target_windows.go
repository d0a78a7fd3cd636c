//go:build windows

package framing

import (
	"context"
	"io"
	"strings"

	winio "github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// openPipe connects to a named pipe created by the parent process.
func openPipe(ctx context.Context, name string) (io.WriteCloser, error) {
	if !strings.HasPrefix(name, pipePrefix) {
		name = pipePrefix + name
	}
	return winio.DialPipeContext(ctx, name)
}
