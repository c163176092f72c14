// Package command implements the per-session outstanding-command table
// (C4): tag assignment, reply matching, and the continuation data a
// multi-step command (APPEND) needs between its send and its tagged
// reply.
package command

import (
	"strconv"

	"github.com/migadu/imaptest/imapwire"
)

// State is the closed set of IMAP commands the planner can issue. A
// variant-type-per-state is preferred over a bare function pointer plus
// opaque context (spec.md design note) so a Command carries exactly the
// continuation data its own state needs.
type State int

const (
	StateNone State = iota
	StateCapability
	StateLogin
	StateAuthenticate
	StateSelect
	StateExamine
	StateFetch
	StateStore
	StateExpunge
	StateSearch
	StateThread
	StateAppend
	StateIdle
	StateEnable
	StateClose
	StateNoop
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateCapability:
		return "CAPABILITY"
	case StateLogin:
		return "LOGIN"
	case StateAuthenticate:
		return "AUTHENTICATE"
	case StateSelect:
		return "SELECT"
	case StateExamine:
		return "EXAMINE"
	case StateFetch:
		return "FETCH"
	case StateStore:
		return "STORE"
	case StateExpunge:
		return "EXPUNGE"
	case StateSearch:
		return "SEARCH"
	case StateThread:
		return "THREAD"
	case StateAppend:
		return "APPEND"
	case StateIdle:
		return "IDLE"
	case StateEnable:
		return "ENABLE"
	case StateClose:
		return "CLOSE"
	case StateNoop:
		return "NOOP"
	case StateLogout:
		return "LOGOUT"
	default:
		return "NONE"
	}
}

// ReplyKind is how a Command's Callback was invoked.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyNO
	ReplyBAD
	ReplyContinue
)

// Callback runs when a reply matching a Command arrives. A negative
// return means the session is already being torn down and the caller
// must not continue touching it (spec.md K1-K4 "signed status" rule).
type Callback func(cmd *Command, kind ReplyKind, args []imapwire.Arg) int

// AppendBody lets an APPEND command stream its literal body across
// several '+' continuations instead of building it all up front.
type AppendBody interface {
	// Next returns the next chunk to write, or ok=false when exhausted.
	Next() (chunk []byte, ok bool)
}

// Command is one outstanding tagged command.
type Command struct {
	Tag       int
	GlobalID  int
	State     State
	CmdLine   string
	Callback  Callback
	ExpectBad bool

	AppendVsizeLeft int64
	AppendBody      AppendBody
}

// TagString renders the wire tag "<global_id>.<tag>".
func (c *Command) TagString() string {
	return strconv.Itoa(c.GlobalID) + "." + strconv.Itoa(c.Tag)
}
