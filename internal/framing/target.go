package framing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 10 * time.Second

// OpenTarget opens the destination named by a stream target:
//
//	stdout          buffered standard output (default)
//	none            stream disabled; returns a nil writer
//	unix:<path>     unix-domain socket client
//	pipe:<name>     Windows named pipe \\.\pipe\<name>, or a FIFO path elsewhere
//	ws://, wss://   websocket client, one binary message per frame
func OpenTarget(ctx context.Context, target string) (io.WriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	switch {
	case target == "" || target == "stdout":
		return newBufferedTarget(os.Stdout, nil), nil
	case target == "none":
		return nil, nil
	case strings.HasPrefix(target, "unix:"):
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", strings.TrimPrefix(target, "unix:"))
		if err != nil {
			return nil, fmt.Errorf("framing: dial %s: %w", target, err)
		}
		return conn, nil
	case strings.HasPrefix(target, "pipe:"):
		w, err := openPipe(ctx, strings.TrimPrefix(target, "pipe:"))
		if err != nil {
			return nil, fmt.Errorf("framing: open %s: %w", target, err)
		}
		return w, nil
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, fmt.Errorf("framing: dial %s: %w", target, err)
		}
		return &wsTarget{conn: conn}, nil
	}
	return nil, fmt.Errorf("framing: unknown stream target %q", target)
}

// bufferedTarget batches small writes and exposes Flush so Writer can push
// each frame out promptly.
type bufferedTarget struct {
	*bufio.Writer
	closer io.Closer
}

func newBufferedTarget(w io.Writer, closer io.Closer) *bufferedTarget {
	return &bufferedTarget{Writer: bufio.NewWriterSize(w, 64*1024), closer: closer}
}

func (b *bufferedTarget) Close() error {
	err := b.Flush()
	if b.closer != nil {
		if cerr := b.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// wsTarget sends each Write as one binary websocket message.
type wsTarget struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsTarget) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsTarget) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture finished")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}
