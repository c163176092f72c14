package client

import (
	"fmt"
	"strings"

	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/rawlog"
)

// quoted renders s as an IMAP quoted string, escaping backslash and
// double-quote.
func quoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// Done is a command's terminal result, handed to the planner's
// cmd_reply_finish hook after the built-in state transition runs.
type Done func(kind command.ReplyKind, args []imapwire.Arg)

// Login sends LOGIN and, on OK, advances login_state NONAUTH -> AUTH.
func (s *Session) Login(username, password string, done Done) (*command.Command, error) {
	line := fmt.Sprintf("LOGIN %s %s", quoted(username), quoted(password))
	return s.Send(line, command.StateLogin, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyOK {
			s.LoginState = StateAuth
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Select sends SELECT for mboxName, attaching storage so the session's
// view has somewhere to record mailbox facts; on OK, advances
// login_state to SELECTED.
func (s *Session) Select(mboxName string, storage *mailbox.Storage, done Done) (*command.Command, error) {
	s.Storage = storage
	s.View = mailbox.New(storage)
	return s.Send("SELECT "+mboxName, command.StateSelect, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyOK {
			s.LoginState = StateSelected
			s.MailboxName = mboxName
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Close sends CLOSE; on OK, returns login_state to AUTH.
func (s *Session) Close(done Done) (*command.Command, error) {
	return s.Send("CLOSE", command.StateClose, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyOK {
			s.LoginState = StateAuth
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Logout sends LOGOUT; on OK, advances login_state to LOGOUT. The
// server is expected to also send BYE first, which dispatch already
// forces to NONAUTH — the tagged OK still wins since it runs after.
func (s *Session) Logout(done Done) (*command.Command, error) {
	return s.Send("LOGOUT", command.StateLogout, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyOK {
			s.LoginState = StateLogout
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Capability sends an explicit CAPABILITY command, for when the banner
// greeting didn't already advertise an inline capability list.
func (s *Session) Capability(done Done) (*command.Command, error) {
	return s.Send("CAPABILITY", command.StateCapability, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Noop sends NOOP, useful to flush pending untagged updates.
func (s *Session) Noop(done Done) (*command.Command, error) {
	return s.Send("NOOP", command.StateNoop, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Fetch sends a (UID) FETCH for seqset, requesting the given data
// items (e.g. "(FLAGS UID)" or "(BODY[])"). fetch_refcount is bumped on
// every targeted message before the line is written and cleared on the
// tagged reply, so Expunge's I3 guard sees a message this command is
// still waiting on — the untagged FETCH handler in dispatch also clears
// it as each message's data actually arrives, this is the backstop for
// a message a NO/BAD reply or disconnect never produced data for.
func (s *Session) Fetch(seqset, items string, useUID bool, done Done) (*command.Command, error) {
	verb := "FETCH"
	if useUID {
		verb = "UID FETCH"
	}
	line := fmt.Sprintf("%s %s %s", verb, seqset, items)

	var metas []*mailbox.Meta
	if s.View != nil {
		if m, err := s.View.SelectSeqSet(seqset); err == nil {
			metas = m
			for _, meta := range metas {
				meta.FetchRefcount++
			}
		}
	}

	return s.Send(line, command.StateFetch, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		for _, meta := range metas {
			if meta.FetchRefcount > 0 {
				meta.FetchRefcount--
			}
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Store sends a (UID) STORE for seqset with the given flags operation
// (e.g. "+FLAGS (\Seen)" or "-FLAGS.SILENT (\Deleted)").
func (s *Session) Store(seqset, flagsOp string, useUID bool, done Done) (*command.Command, error) {
	verb := "STORE"
	if useUID {
		verb = "UID STORE"
	}
	line := fmt.Sprintf("%s %s %s", verb, seqset, flagsOp)
	return s.Send(line, command.StateStore, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Expunge sends EXPUNGE, permanently removing every message flagged
// \Deleted in the selected mailbox.
func (s *Session) Expunge(done Done) (*command.Command, error) {
	return s.Send("EXPUNGE", command.StateExpunge, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Search sends a (UID) SEARCH with the given criteria string. Matching
// UIDs/sequence numbers arrive as an untagged "* SEARCH ..." response,
// which dispatch neither records nor passes on; done receives only the
// tagged reply's arguments.
func (s *Session) Search(criteria string, useUID bool, done Done) (*command.Command, error) {
	verb := "SEARCH"
	if useUID {
		verb = "UID SEARCH"
	}
	return s.Send(verb+" "+criteria, command.StateSearch, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Thread sends THREAD with the given algorithm (e.g. "REFERENCES") and
// search criteria, always negotiating UTF-8 as the charset.
func (s *Session) Thread(algorithm, criteria string, done Done) (*command.Command, error) {
	line := fmt.Sprintf("THREAD %s UTF-8 %s", algorithm, criteria)
	return s.Send(line, command.StateThread, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Append sends APPEND for mboxName with the given flags and a literal
// body; once the server's "+" continuation arrives the literal bytes
// are written directly (outside the tag/registry machinery, since a
// literal continuation carries no tag of its own), and done is invoked
// on the eventual tagged reply.
func (s *Session) Append(mboxName string, flags []string, body []byte, done Done) (*command.Command, error) {
	line := fmt.Sprintf("APPEND %s (%s) {%d}", quoted(mboxName), strings.Join(flags, " "), len(body))
	return s.Send(line, command.StateAppend, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyContinue {
			s.writeRaw(body)
			s.writeRaw([]byte("\r\n"))
			return 0
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// Idle sends IDLE; onIdling is invoked once the server's "+ idling"
// continuation arrives, signaling the caller that StopIdle may now be
// called to end the idle period. done is invoked on the final tagged
// reply once idling has ended.
func (s *Session) Idle(onIdling func(), done Done) (*command.Command, error) {
	return s.Send("IDLE", command.StateIdle, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyContinue {
			if onIdling != nil {
				onIdling()
			}
			return 0
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// StopIdle sends the untagged "DONE" line that ends an outstanding
// IDLE command; the tagged reply it provokes is delivered to the
// Idle call's done callback as usual.
func (s *Session) StopIdle() error {
	return s.writeRaw([]byte("DONE\r\n"))
}

// writeRaw writes p directly to the connection and, if attached,
// records it to the rawlog sink, for the handful of wire writes (a
// literal body, a bare "DONE") that don't go through the command
// registry.
func (s *Session) writeRaw(p []byte) error {
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrInternalError, err)
	}
	if s.Rawlog != nil {
		s.Rawlog.Write(rawlog.DirectionOut, p)
	}
	return nil
}

// Enable sends ENABLE for the given capability atoms (e.g. QRESYNC).
func (s *Session) Enable(caps []string, done Done) (*command.Command, error) {
	line := "ENABLE"
	for _, c := range caps {
		line += " " + c
	}
	return s.Send(line, command.StateEnable, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}
