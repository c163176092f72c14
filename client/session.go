// Package client implements the client session lifecycle (C6): the
// connection, login state machine, outstanding-command set, and the
// input/output event loop that feeds parsed responses to dispatch.
package client

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/dispatch"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/metrics"
	"github.com/migadu/imaptest/rawlog"
)

// LoginState is the session's authentication state machine.
type LoginState int

const (
	StateNonauth LoginState = iota
	StateAuth
	StateSelected
	StateLogout
)

func (s LoginState) String() string {
	switch s {
	case StateAuth:
		return "AUTH"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "NONAUTH"
	}
}

// Conn is the transport a Session drives: a non-blocking byte stream
// plus the handful of socket operations the event loop needs.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Session owns one simulated IMAP connection: its login state, parser,
// mailbox view, outstanding commands, and rawlog sink. One Session is
// driven by exactly one reader goroutine feeding a shared pool
// dispatcher (see pool.Pool); Session itself holds no goroutine of its
// own.
type Session struct {
	Id       string
	Idx      int
	GlobalID int
	Username string
	HostName string
	Protocol string

	ctx    context.Context
	cancel context.CancelFunc

	conn Conn

	LoginState     LoginState
	Capabilities   map[string]struct{}
	QresyncEnabled bool

	// MailboxName is the name most recently SELECTed, kept around so a
	// planner can target the same mailbox again (e.g. for APPEND)
	// without having to remember it itself.
	MailboxName string

	// Planner is the external collaborator spec.md §6 describes: it
	// decides which command to send next and is consulted once at
	// banner time and again after every tagged reply. Nil means this
	// session never sends anything beyond what its caller sends by hand.
	Planner Planner

	// LastCmdState is the state of the most recently sent command,
	// forwarded to dispatch.Target so an EXPUNGE with a too-high
	// sequence number only logs "seq too high" once a real command
	// beyond SELECT has been issued (see dispatch.expunge).
	LastCmdState command.State

	View     *mailbox.View
	Storage  *mailbox.Storage
	Commands *command.Registry
	Parser   *imapwire.Parser

	literalLeft int64
	curArgs     string

	LastIO  time.Time
	refcount int
	Delayed bool
	delay   delayState

	QresyncSelectCache bool

	Rawlog *rawlog.Sink

	// Metrics is nil unless the owning pool was built with `[metrics]`
	// configured; forwarded to dispatch.Target so tagged replies are
	// counted there, and consulted directly by Send for commands-sent.
	Metrics *metrics.Metrics

	ErrorQuit      bool
	DisconnectQuit bool

	// releaseStorage, when set, is how the owner (typically pool.Pool)
	// reclaims a Storage obtained from a shared registry instead of
	// Session unreffing it directly; nil means Storage is solely owned
	// by this session.
	releaseStorage func()
}

// SetStorageReleaser overrides how teardown releases s.Storage, for
// owners that handed out storage from a shared registry keyed by
// (user, mailbox) and need the registry's bookkeeping run instead of a
// bare Storage.Release().
func (s *Session) SetStorageReleaser(fn func()) {
	s.releaseStorage = fn
}

// New creates a session for pool slot idx with the given tag prefix,
// wired to storage for its selected mailbox (callers select a mailbox
// later; storage may start nil for a not-yet-selected session).
func New(ctx context.Context, idx, globalID int, username, hostname string, conn Conn, storage *mailbox.Storage) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		Id:           uuid.New().String(),
		Idx:          idx,
		GlobalID:     globalID,
		Username:     username,
		HostName:     hostname,
		Protocol:     "IMAP",
		ctx:          sessionCtx,
		cancel:       cancel,
		conn:         conn,
		LoginState:   StateNonauth,
		Capabilities: make(map[string]struct{}),
		Commands:     command.NewRegistry(globalID),
		Parser:       imapwire.New(),
		Storage:      storage,
		LastIO:       time.Now(),
		refcount:     1,
	}
	if storage != nil {
		s.View = mailbox.New(storage)
	}
	return s
}

// Log writes one line in the teacher's session-log format: timestamp,
// host, remote identity, session id and a formatted message.
func (s *Session) Log(format string, args ...interface{}) {
	now := time.Now().Format("2006-01-02 15:04:05")
	log.Printf("%s %s user=%s session=%s %s: %s",
		now, s.HostName, s.Username, s.Id, s.Protocol,
		fmt.Sprintf(format, args...),
	)
}

// Ref bumps the session's reference count (spec.md's cyclic-ownership
// guard: an in-flight callback may still be holding a pointer to s
// when teardown is requested elsewhere).
func (s *Session) Ref() { s.refcount++ }

// Release drops a reference; when it reaches zero the session's
// resources are torn down. Returns true if this call performed the
// teardown.
func (s *Session) Release() bool {
	s.refcount--
	if s.refcount > 0 {
		return false
	}
	s.teardown()
	return true
}

func (s *Session) teardown() {
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.Rawlog != nil {
		s.Rawlog.Close()
	}
	if s.Storage != nil {
		if s.releaseStorage != nil {
			s.releaseStorage()
		} else {
			s.Storage.Release()
		}
	}
}

// DispatchTarget adapts this session to dispatch.Target.
func (s *Session) DispatchTarget() *dispatch.Target {
	return &dispatch.Target{
		View:                 s.View,
		Commands:             s.Commands,
		QresyncCacheAttached: s.QresyncSelectCache,
		LastCmdState:         s.LastCmdState,
		Metrics:              s.Metrics,
	}
}

// Send writes a command line through the registry and, if a rawlog
// sink is attached, records it.
func (s *Session) Send(cmdline string, state command.State, cb command.Callback, expectBad bool) (*command.Command, error) {
	cmd, line := s.Commands.Send(cmdline, state, cb, expectBad)
	s.LastCmdState = state
	if _, err := s.conn.Write([]byte(line)); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrInternalError, err)
	}
	if s.Rawlog != nil {
		s.Rawlog.Write(rawlog.DirectionOut, []byte(line))
	}
	s.Metrics.CommandSent(commandName(cmdline))
	return cmd, nil
}

// commandName extracts the leading verb from a command line ("SELECT
// INBOX" -> "SELECT") for metrics labeling.
func commandName(cmdline string) string {
	if i := strings.IndexByte(cmdline, ' '); i >= 0 {
		return cmdline[:i]
	}
	return cmdline
}
