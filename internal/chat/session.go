package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// Session is one registered connection. Only its handler reads from it;
// any handler may write to it during a broadcast.
type Session struct {
	id     string
	name   string
	conn   net.Conn
	reader *bufio.Reader
	writer *recordWriter

	ready  atomic.Bool
	banned atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps conn for the client called name. reader may carry bytes
// already buffered while the name was read; nil starts a fresh one.
func NewSession(id string, conn net.Conn, name string, reader *bufio.Reader, writeTimeout time.Duration) (*Session, error) {
	if conn == nil {
		return nil, ErrSessionNotReady
	}
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	s := &Session{
		id:     id,
		name:   name,
		conn:   conn,
		reader: reader,
		writer: newRecordWriter(conn, writeTimeout),
	}
	s.ready.Store(true)
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Name() string     { return s.name }
func (s *Session) IsReady() bool    { return s.ready.Load() }
func (s *Session) IsBanned() bool   { return s.banned.Load() }
func (s *Session) SetBanned(v bool) { s.banned.Store(v) }

// ReadLine blocks until the client sends a full line, the stream ends
// (io.EOF) or the connection fails. Lines above protocol.MaxLineSize fail
// with protocol.ErrLineTooLong.
func (s *Session) ReadLine() (string, error) {
	return readLine(s.reader, protocol.MaxLineSize)
}

// WriteMessage sends one record to the client.
func (s *Session) WriteMessage(m Message) error {
	if !s.IsReady() {
		return ErrSessionClosed
	}
	if err := s.writer.write(m); err != nil {
		return fmt.Errorf("write to %s: %w", s.name, err)
	}
	return nil
}

// Close flushes the writer and closes the connection. Later calls return
// the result of the first one.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		flushErr := s.writer.close()
		if errors.Is(flushErr, net.ErrClosed) {
			flushErr = nil
		}
		s.closeErr = errors.Join(flushErr, s.conn.Close())
	})
	return s.closeErr
}

// readLine returns the next line without its terminator. It buffers at
// most limit bytes of content and fails with protocol.ErrLineTooLong beyond.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > limit+len("\r\n") {
				return "", protocol.ErrLineTooLong
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read: %w", err)
		}
		if err != nil && len(buf) == 0 {
			return "", io.EOF
		}
		// a last line may end without newline
		line := strings.TrimRight(string(buf), "\r\n")
		if len(line) > limit {
			return "", protocol.ErrLineTooLong
		}
		return line, nil
	}
}
