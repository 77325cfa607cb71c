package chat

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// Handler runs the protocol loop for one session until the client logs out,
// kills the server, gets banned or its connection fails.
type Handler struct {
	server  *Server
	session *Session
	logger  *slog.Logger
}

func newHandler(server *Server, session *Session, logger *slog.Logger) *Handler {
	return &Handler{server: server, session: session, logger: logger}
}

// Run blocks for the whole session and always tears it down on return.
func (h *Handler) Run() {
	state := stateActive
	for state == stateActive {
		line, err := h.session.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			h.logger.Warn("line too long, disconnecting client", "limit", protocol.MaxLineSize)
			state = stateIOError
			break
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("read failed", "error", err)
			}
			state = stateIOError
			break
		}
		if h.session.IsBanned() {
			h.logger.Info("client is banned")
			state = stateBanned
			break
		}
		h.logger.Debug(h.session.Name() + " > " + line)
		state = h.dispatch(protocol.Classify(line))
	}
	h.teardown(state)
}

func (h *Handler) dispatch(cmd protocol.Command) handlerState {
	start := time.Now()
	kind := cmd.Kind.String()
	defer func() {
		MessagesTotal.WithLabelValues(kind).Inc()
		EventProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	name := h.session.Name()
	switch cmd.Kind {
	case protocol.CommandBye:
		h.broadcast(protocol.NewMessage(name+" logged out"), false)
		return stateLoggedOut
	case protocol.CommandKill:
		if h.server.registry.IndexOf(h.session) != 0 {
			h.logger.Info("kill request ignored, not super-user")
			return stateActive
		}
		h.logger.Info("kill request granted")
		h.server.RequestStop()
		return stateKilled
	case protocol.CommandKick:
		h.kick(cmd.Target)
	case protocol.CommandCatchup:
		h.catchup()
	default:
		h.broadcast(protocol.NewAuthoredMessage(cmd.Line, name), true)
	}
	return stateActive
}

// broadcast delivers m to every ready session, recording it in the history
// first when record is set. Both happen under the registry lock so history
// order matches delivery order.
func (h *Handler) broadcast(m Message, record bool) {
	h.server.registry.Do(func(v View) {
		if record {
			h.server.AddMessage(m)
		}
		h.deliver(v, m)
	})
}

func (h *Handler) deliver(v View, m Message) {
	v.ForEach(func(c *Session) {
		if !c.IsReady() {
			h.logger.Warn("recipient not ready", "recipient", c.Name())
			return
		}
		if err := c.WriteMessage(m); err != nil {
			h.logger.Warn("broadcast write failed", "recipient", c.Name(), "error", err)
		}
	})
}

func (h *Handler) kick(target string) {
	name := h.session.Name()
	subject := protocol.KickCommand
	if target != "" {
		subject += " " + target
	}

	h.server.registry.Do(func(v View) {
		var outcome string
		switch {
		case v.IndexOf(h.session) != 0:
			outcome = subject + " [request denied by server]"
		case target == "":
			outcome = subject + " [no client name to kick]"
		default:
			if victim := v.Search(target); victim != nil {
				victim.SetBanned(true)
				h.logger.Info("client banned", "target", target)
				outcome = subject + " [request granted by server]"
			} else {
				outcome = subject + " [client " + target + " does not exist]"
			}
		}
		m := protocol.NewMessage(outcome + " by " + name)
		h.server.AddMessage(m)
		h.deliver(v, m)
	})
}

// catchup replays the history to this session only.
func (h *Handler) catchup() {
	h.server.registry.Do(func(v View) {
		if v.IndexOf(h.session) < 0 || !h.session.IsReady() {
			h.logger.Warn("catchup requested by unregistered session")
			return
		}
		for _, m := range h.server.Snapshot() {
			if err := h.session.WriteMessage(m); err != nil {
				h.logger.Warn("catchup write failed", "error", err)
			}
		}
	})
}

func (h *Handler) teardown(state handlerState) {
	if !h.server.registry.Remove(h.session) {
		h.logger.Warn("session was not registered at teardown")
	}
	if err := h.session.Close(); err != nil {
		h.logger.Debug("session close", "error", err)
	}
	h.server.Cleanup()
	h.logger.Info("client handler terminated", "state", state.String())
}
