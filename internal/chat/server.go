package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// Options configures a Server. Zero durations fall back to defaults, except
// NameTimeout and WriteTimeout where zero means no deadline.
type Options struct {
	Addr             string
	AcceptTimeout    time.Duration
	QuitOnLastClient bool
	HistorySize      int
	NameTimeout      time.Duration
	WriteTimeout     time.Duration
	// DisconnectOnStop closes the remaining client connections once the
	// accept loop stops, so handlers blocked in ReadLine return.
	DisconnectOnStop bool
}

const (
	DefaultAddr          = ":1394"
	DefaultAcceptTimeout = time.Second
	DefaultHistorySize   = 10
)

// Status is a point-in-time view of the server.
type Status struct {
	Listening  bool     `json:"listening"`
	Active     int      `json:"active"`
	Clients    []string `json:"clients"`
	History    int      `json:"history"`
	HistoryCap int      `json:"history_cap"`
}

// Server owns the listening socket, the registry and the message history.
type Server struct {
	opts     Options
	logger   *slog.Logger
	registry *Registry
	history  *MessageLog

	mu        sync.Mutex
	listener  *net.TCPListener
	listening bool
	active    int

	handlers sync.WaitGroup
	serving  atomic.Bool
	done     chan struct{}
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = DefaultAcceptTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		registry: NewRegistry(logger),
		history:  NewMessageLog(opts.HistorySize),
		done:     make(chan struct{}),
	}
}

// Listen binds the socket. Errors here are fatal setup failures.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("chat: server already listening")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("listen %s: not a TCP listener", s.opts.Addr)
	}
	if err := tcp.SetDeadline(time.Now().Add(s.opts.AcceptTimeout)); err != nil {
		_ = tcp.Close()
		return fmt.Errorf("set accept timeout: %w", err)
	}
	s.listener = tcp
	s.listening = true
	s.logger.Info("server listening",
		"addr", tcp.Addr().String(),
		"accept_timeout", s.opts.AcceptTimeout,
		"quit_on_last_client", s.opts.QuitOnLastClient,
		"history", s.opts.HistorySize,
	)
	return nil
}

// Start binds the socket and runs the accept loop until the server stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. It returns nil once the server stops
// listening and every handler has finished, or the accept error that
// forced it to stop. Cancelling ctx requests a stop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("chat: Serve called before Listen")
	}
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("chat: server already serving")
	}
	defer close(s.done)

	stop := context.AfterFunc(ctx, s.RequestStop)
	defer stop()

	var fatal error
	for s.Listening() {
		if err := ln.SetDeadline(time.Now().Add(s.opts.AcceptTimeout)); err != nil {
			fatal = fmt.Errorf("set accept timeout: %w", err)
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			fatal = fmt.Errorf("accept: %w", err)
			break
		}
		s.admit(conn)
	}

	if fatal != nil {
		s.logger.Error("accept loop failed", "error", fatal)
	}
	s.RequestStop()
	s.shutdown(ln, fatal != nil)
	return fatal
}

// Stop requests a stop and waits for Serve to return.
func (s *Server) Stop() {
	s.RequestStop()
	if s.serving.Load() {
		<-s.done
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) shutdown(ln *net.TCPListener, force bool) {
	if force || s.opts.DisconnectOnStop {
		s.registry.ForEach(func(c *Session) {
			if err := c.Close(); err != nil {
				s.logger.Debug("closing session on stop", "client", c.Name(), "error", err)
			}
		})
	}
	s.logger.Info("waiting for client handlers")
	s.handlers.Wait()
	s.logger.Info("all client handlers terminated")
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("closing listener", "error", err)
	}
	s.logger.Info("server stopped")
}

// admit reads the candidate name and either registers the client and
// starts its handler or turns it away.
func (s *Server) admit(conn net.Conn) {
	id := ulid.Make().String()
	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())
	logger.Debug("connection accepted")

	reader := bufio.NewReader(conn)
	if s.opts.NameTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.NameTimeout))
	}
	name, err := readLine(reader, protocol.MaxNameSize)
	_ = conn.SetReadDeadline(time.Time{})
	if errors.Is(err, protocol.ErrLineTooLong) {
		logger.Warn("client name too long")
		s.reject(conn, logger, "name_invalid", "server > Name too long")
		return
	}
	if err != nil {
		logger.Warn("reading client name failed", "error", err)
		s.reject(conn, logger, "no_name")
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		logger.Warn("empty client name")
		s.reject(conn, logger, "name_invalid", "server > Empty names are not allowed")
		return
	}
	logger = logger.With("client", name)

	if s.registry.Search(name) != nil {
		s.rejectTaken(conn, logger, name)
		return
	}
	session, err := NewSession(id, conn, name, reader, s.opts.WriteTimeout)
	if err != nil {
		logger.Error("creating session failed", "error", err)
		s.reject(conn, logger, "not_ready")
		return
	}
	if err := s.registry.Add(session); err != nil {
		if errors.Is(err, ErrNameTaken) {
			s.rejectTaken(conn, logger, name)
			return
		}
		logger.Warn("registering client failed", "error", err)
		s.reject(conn, logger, "name_invalid")
		return
	}

	s.notifyLogin(session, logger)

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		newHandler(s, session, logger).Run()
	}()
}

func (s *Server) rejectTaken(conn net.Conn, logger *slog.Logger, name string) {
	logger.Warn("client name already in use")
	s.reject(conn, logger, "name_taken",
		"server > Sorry another client already use the name "+name,
		"Hit ^D to close your client and try another name",
	)
}

// reject sends each notice line as an unauthored record on a throwaway
// writer, then closes conn.
func (s *Server) reject(conn net.Conn, logger *slog.Logger, reason string, notices ...string) {
	RejectedConnections.WithLabelValues(reason).Inc()
	if len(notices) > 0 {
		if s.opts.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		}
		out := protocol.NewWriter(conn)
		for _, line := range notices {
			if err := out.WriteMessage(protocol.NewMessage(line)); err != nil {
				logger.Warn("sending rejection notice failed", "error", err)
				break
			}
		}
	}
	if err := conn.Close(); err != nil {
		logger.Debug("closing rejected connection", "error", err)
	}
}

// notifyLogin tells every other ready session that session joined. The
// notice is not kept in the history.
func (s *Server) notifyLogin(session *Session, logger *slog.Logger) {
	m := protocol.NewMessage(session.Name() + " logged in")
	s.registry.ForEach(func(c *Session) {
		if c == session || !c.IsReady() {
			return
		}
		if err := c.WriteMessage(m); err != nil {
			logger.Warn("login notice failed", "recipient", c.Name(), "error", err)
		}
	})
}

// AddMessage appends m to the history.
func (s *Server) AddMessage(m Message) {
	s.history.Push(m)
}

// Snapshot returns the history, oldest first.
func (s *Server) Snapshot() []Message {
	return s.history.Snapshot()
}

// RequestStop makes the accept loop exit on its next wake-up.
func (s *Server) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked("stop requested")
}

// Cleanup is called by every terminating handler.
func (s *Server) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active > 0 {
		s.logger.Info("clients remaining", "active", s.active)
		return
	}
	if s.opts.QuitOnLastClient {
		s.stopLocked("no more clients")
	}
}

func (s *Server) stopLocked(reason string) {
	if !s.listening {
		return
	}
	s.listening = false
	s.logger.Info("server stops listening", "reason", reason)
}

func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Status() Status {
	return Status{
		Listening:  s.Listening(),
		Active:     s.ActiveCount(),
		Clients:    s.registry.Names(),
		History:    s.history.Len(),
		HistoryCap: s.history.Cap(),
	}
}
