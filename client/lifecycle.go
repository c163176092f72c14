package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
)

// Dial opens a TCP connection to addr and wraps it in a new Session.
// The dial itself is bounded by ctx (spec.md §4.6 step 1's "non-blocking
// connect" — in Go, a context-bounded DialContext plays the same role:
// the caller's goroutine never blocks past the deadline it chose).
func Dial(ctx context.Context, idx, globalID int, username, hostname, addr string, storage *mailbox.Storage) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", consts.ErrInternalError, addr, err)
	}
	return New(ctx, idx, globalID, username, hostname, conn, storage), nil
}

// InitialCommands is the planner hook Banner invokes once the
// connection's capability set is known, spec.md §4.6 step 2's "ask the
// planner for initial commands".
type InitialCommands func(s *Session) error

// Banner reads the server greeting, extracts an inline "[CAPABILITY
// ...]" resp-text-code if present, issues an explicit CAPABILITY
// command if not, invokes onReady, and then asks s.Planner for initial
// commands (spec.md §4.6 step 2's "ask the planner for initial
// commands").
func (s *Session) Banner(onReady InitialCommands) error {
	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: reading banner: %v", consts.ErrInternalError, err)
	}
	if err := s.Process(buf[:n]); err != nil {
		return err
	}
	if len(s.Capabilities) == 0 {
		if _, err := s.Capability(nil); err != nil {
			return err
		}
	}
	if onReady != nil {
		if err := onReady(s); err != nil {
			return err
		}
	}
	s.PumpPlanner()
	return nil
}

// trackCapabilities updates Capabilities from either a bare
// "* CAPABILITY ..." response or an "* OK [CAPABILITY ...]" resp-text-
// code — the two shapes spec.md §4.6 step 2 distinguishes. dispatch
// deliberately leaves CAPABILITY untouched ("tracked by the caller");
// this is that caller, run ahead of dispatch.Line for every line so the
// capability set is current before any command callback observes it.
func (s *Session) trackCapabilities(tag string, rest []imapwire.Arg) {
	if tag != "*" || len(rest) == 0 {
		return
	}
	if rest[0].EqualAtom("CAPABILITY") {
		s.setCapabilities(atomStrings(rest[1:]))
		return
	}
	if !rest[0].EqualAtom("OK") || len(rest) < 2 {
		return
	}
	rest = rest[1:]
	head, ok := rest[0].Str()
	if !ok || len(head) == 0 || head[0] != '[' || !strings.EqualFold(head[1:], "CAPABILITY") {
		return
	}
	var words []string
	for i := 1; i < len(rest); i++ {
		w, ok := rest[i].Str()
		if !ok {
			return
		}
		closed := strings.HasSuffix(w, "]")
		if closed {
			w = strings.TrimSuffix(w, "]")
		}
		if w != "" {
			words = append(words, w)
		}
		if closed {
			s.setCapabilities(words)
			return
		}
	}
}

func atomStrings(args []imapwire.Arg) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := a.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

func (s *Session) setCapabilities(caps []string) {
	s.Capabilities = make(map[string]struct{}, len(caps))
	for _, c := range caps {
		s.Capabilities[strings.ToUpper(c)] = struct{}{}
	}
}

// HasCapability reports whether name was advertised by the server,
// case-insensitively.
func (s *Session) HasCapability(name string) bool {
	_, ok := s.Capabilities[strings.ToUpper(name)]
	return ok
}

// ReadRaw repeatedly reads from the connection and hands each nonempty
// read to onData, stopping on the first error onData returns or the
// connection's own terminal error. It never touches session state
// itself — a pool driving many sessions at once routes onData through
// its single dispatcher goroutine so a session's View and its mailbox's
// shared Storage are never mutated from two goroutines at once (§5:
// "no cross-thread shared state"); a standalone caller (ReadLoop below)
// can instead call Process directly since there's only ever the one
// goroutine involved.
func (s *Session) ReadRaw(onData func([]byte) error) error {
	buf := make([]byte, 8192)
	for {
		if s.isDelayed() {
			if err := s.waitOutDelay(); err != nil {
				return err
			}
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			if perr := onData(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: connection closed by peer", consts.ErrInternalError)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %v", consts.ErrInternalError, err)
			}
			return fmt.Errorf("%w: read: %v", consts.ErrInternalError, err)
		}
	}
}

// ReadLoop drives this session's input loop single-handedly: read,
// Process, repeat. Suitable for a session run in isolation (as in this
// package's own tests); a pool instead calls ReadRaw directly so reads
// from many sessions can be serialized onto one dispatcher goroutine.
func (s *Session) ReadLoop() error {
	return s.ReadRaw(func(data []byte) error {
		if err := s.Process(data); err != nil {
			return err
		}
		if s.Parser.Buffered() > consts.MaxInputBuffer {
			return fmt.Errorf("%w: input buffer overflow", consts.ErrInternalError)
		}
		return nil
	})
}

// delayState guards Delayed/until so Delay and the read loop can be
// called from different goroutines without a race.
type delayState struct {
	mu    sync.Mutex
	until time.Time
}

func (s *Session) isDelayed() bool {
	s.delay.mu.Lock()
	defer s.delay.mu.Unlock()
	return s.Delayed && time.Now().Before(s.delay.until)
}

// Delay suspends the read loop for the given duration, modeling a slow
// client or a rate limit (spec.md §4.6 step 6). The read watcher is
// conceptually "reinstalled" when waitOutDelay's sleep elapses.
func (s *Session) Delay(d time.Duration) {
	s.delay.mu.Lock()
	defer s.delay.mu.Unlock()
	s.Delayed = true
	s.delay.until = time.Now().Add(d)
}

func (s *Session) waitOutDelay() error {
	s.delay.mu.Lock()
	until := s.delay.until
	s.delay.mu.Unlock()

	timer := time.NewTimer(time.Until(until))
	defer timer.Stop()
	select {
	case <-timer.C:
		s.delay.mu.Lock()
		s.Delayed = false
		s.delay.mu.Unlock()
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: %v", consts.ErrInternalError, s.ctx.Err())
	}
}

// Disconnect runs Process once with no new input and then drops the
// caller's reference via Release, which tears the session down (closing
// its connection and rawlog, releasing its storage) once no other
// reference holds it. Process dispatches every complete line as soon as
// it is fed, so the empty call dispatches nothing and no planner hook
// runs. A call made after the session's references are gone does
// nothing, so calling it more than once is safe.
func (s *Session) Disconnect() {
	if s.refcount <= 0 {
		return
	}
	_ = s.Process(nil)
	s.Release()
}
