package chat

import "github.com/andy6609/chat-relay/internal/protocol"

// Message is the record type relayed to clients.
type Message = protocol.Message

var (
	ErrNameTaken       = errorString("name_taken")
	ErrNameInvalid     = errorString("name_invalid")
	ErrSessionNotReady = errorString("session_not_ready")
	ErrSessionClosed   = errorString("session_closed")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// handlerState tracks a ClientHandler through its loop. Every state other
// than stateActive ends the loop.
type handlerState int

const (
	stateActive handlerState = iota
	stateLoggedOut
	stateKilled
	stateBanned
	stateIOError
)

func (s handlerState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateLoggedOut:
		return "logged_out"
	case stateKilled:
		return "killed"
	case stateBanned:
		return "banned"
	case stateIOError:
		return "io_error"
	default:
		return "unknown"
	}
}
