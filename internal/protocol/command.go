package protocol

import (
	"errors"
	"math"
	"strings"
)

// Input limits for client lines. A kick outcome quotes the target twice
// plus the author, so MaxLineSize keeps that within one frame.
const (
	MaxLineSize = MaxFrameSize / 4
	MaxNameSize = math.MaxUint16
)

var ErrLineTooLong = errors.New("protocol: line too long")

// Command words clients may send instead of chat text. Matching is
// case-insensitive.
const (
	ByeCommand     = "bye"
	KillCommand    = "kill"
	KickCommand    = "kick"
	CatchupCommand = "catchup"
)

type CommandKind int

const (
	CommandText CommandKind = iota
	CommandBye
	CommandKill
	CommandKick
	CommandCatchup
)

func (k CommandKind) String() string {
	switch k {
	case CommandBye:
		return "bye"
	case CommandKill:
		return "kill"
	case CommandKick:
		return "kick"
	case CommandCatchup:
		return "catchup"
	default:
		return "text"
	}
}

// Command is one classified client line.
type Command struct {
	Kind CommandKind
	// Line is the raw input.
	Line string
	// Target is the name following "kick ", trimmed. Empty for other kinds.
	Target string
}

// Classify decides once what a client line means. "bye" must be the whole
// line; "kill" and "catchup" match as prefixes; "kick" requires a following
// space. Everything else is chat text.
func Classify(line string) Command {
	lower := strings.ToLower(line)
	cmd := Command{Kind: CommandText, Line: line}
	switch {
	case strings.TrimSpace(lower) == ByeCommand:
		cmd.Kind = CommandBye
	case strings.HasPrefix(lower, KillCommand):
		cmd.Kind = CommandKill
	case strings.HasPrefix(lower, KickCommand+" "):
		cmd.Kind = CommandKick
		cmd.Target = strings.TrimSpace(line[len(KickCommand)+1:])
	case strings.HasPrefix(lower, CatchupCommand):
		cmd.Kind = CommandCatchup
	}
	return cmd
}
