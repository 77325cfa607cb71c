package chat

import (
	"net"
	"sync"
	"time"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// recordWriter serializes records onto a connection. Broadcasts from several
// handlers may target the same session, so every write holds mu.
type recordWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	out     *protocol.Writer
	timeout time.Duration
}

func newRecordWriter(conn net.Conn, timeout time.Duration) *recordWriter {
	return &recordWriter{
		conn:    conn,
		out:     protocol.NewWriter(conn),
		timeout: timeout,
	}
}

func (w *recordWriter) write(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}
	return w.out.WriteMessage(m)
}

// close flushes what is buffered, best-effort, while no write is in flight.
func (w *recordWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.out.Flush()
}
