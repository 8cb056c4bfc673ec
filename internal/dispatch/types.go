package dispatch

import "fmt"

// SessionID identifies one conversation/generation stream. Callers choose it.
type SessionID uint64

func (id SessionID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// Token is a vocabulary index.
type Token uint32

// Piece is one unit of generated output, delivered once per decode step.
// Text is empty unless the backend implements Detokenizer.
type Piece struct {
	Token Token
	Text  string
}

// SessionContext pairs a session with its backend cache.
type SessionContext[C any] struct {
	ID    SessionID
	Cache C
}

func newSessionContext[C any](cache C, id SessionID) *SessionContext[C] {
	return &SessionContext[C]{ID: id, Cache: cache}
}

// request builds the backend request for one decode step.
func (c *SessionContext[C]) request(prompt []Token, maxSeqLen int) Request[C] {
	return Request[C]{ID: c.ID, Cache: c.Cache, Tokens: prompt, MaxSeqLen: maxSeqLen}
}

// InferRequest is a prompt plus the stream generated pieces are pushed to.
type InferRequest struct {
	Prompt     []Token
	Responding *Stream
}

// Task is the unit scheduled for one decode step. Prompt is replaced by the
// last sampled token after every step.
type Task[C any] struct {
	Ctx   *SessionContext[C]
	Infer InferRequest
}

// CommandKind tags a Command.
type CommandKind int

const (
	CommandInfer CommandKind = iota
	CommandDrop
)

func (k CommandKind) String() string {
	switch k {
	case CommandInfer:
		return "infer"
	case CommandDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Command is submitted by callers: Infer(id, req) or Drop(id).
type Command struct {
	Kind  CommandKind
	ID    SessionID
	Infer InferRequest
}

// InferCommand asks for a generation on session id, reusing its cache when the
// session is idle.
func InferCommand(id SessionID, prompt []Token, responding *Stream) Command {
	return Command{Kind: CommandInfer, ID: id, Infer: InferRequest{Prompt: prompt, Responding: responding}}
}

// DropCommand releases session id. A checked-out session is released once its
// current generation ends.
func DropCommand(id SessionID) Command {
	return Command{Kind: CommandDrop, ID: id}
}
