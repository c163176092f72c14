package client

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/dispatch"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/metrics"
	"github.com/migadu/imaptest/rawlog"
)

// RandomDisconnectProbability is consulted once per Process call, the
// fault-injection hook spec.md's input loop fires on every input tick.
// Nil means disabled.
var RandomDisconnectProbability func() float64

// Process feeds newly-read bytes through the parser, applying literal
// skip/buffer bookkeeping and dispatching every complete response line,
// per spec.md §4.6 step 3. It returns a non-nil error (K1/K4) when the
// session must be torn down; ErrInternalError-wrapped errors are K3
// transport failures, everything else routed through dispatch.Line is
// K1.
func (s *Session) Process(data []byte) error {
	if err := s.process(data); err != nil {
		s.Metrics.ProtocolError(metrics.ClassifyError(err))
		return err
	}
	return nil
}

func (s *Session) process(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.LastIO = time.Now()
	if s.Rawlog != nil {
		s.Rawlog.Write(rawlog.DirectionIn, data)
	}
	s.Parser.Feed(data)

	for {
		res, perr := s.Parser.ReadArgs(imapwire.FlagLiteralSize | imapwire.FlagAtomAllChars)
		if perr != nil {
			return fmt.Errorf("%w: %s", consts.ErrProtocol, perr.Msg)
		}
		if res.Status == imapwire.StatusNeedMore {
			return nil
		}
		if res.HasPendingLiteral {
			// The literal's own bytes continue arriving through the same
			// Feed/ReadArgs cycle (see imapwire.Parser.NotifyLiteralSkipped);
			// nothing further to do here but let ReadArgs keep draining them.
			s.Parser.NotifyLiteralSkipped()
			continue
		}

		if err := s.dispatchLine(res.Args); err != nil {
			return err
		}
		s.Parser.ConsumeEOL()
		s.Parser.Reset()

		if RandomDisconnectProbability != nil && rand.Float64() < RandomDisconnectProbability() {
			return fmt.Errorf("%w: random-disconnect fault injection", consts.ErrInternalError)
		}
	}
}

// dispatchLine routes one fully-parsed response line: '+' continuation,
// '*' untagged, or a tagged status reply. The refcount bump/release
// around the callback guards against a callback that tears the session
// down mid-dispatch (spec.md §9's reference-count-and-destroy-deferred
// note).
func (s *Session) dispatchLine(args []imapwire.Arg) error {
	if len(args) == 0 {
		return nil
	}
	tag, ok := args[0].Str()
	if !ok {
		return fmt.Errorf("%w: response line has no leading token", consts.ErrBadReply)
	}
	s.curArgs = imapwire.Emit(args)
	s.trackCapabilities(tag, args[1:])

	s.Ref()
	defer s.Release()

	if err := dispatch.Line(s.DispatchTarget(), tag, args[1:]); err != nil {
		if tag == "*" && errors.Is(err, consts.ErrUnexpectedBye) {
			s.LoginState = StateNonauth
			if s.LastCmdState == command.StateLogout {
				return nil
			}
		}
		return err
	}

	if tag != "*" && tag != "+" && s.Planner != nil {
		s.Planner.CmdReplyFinish(s)
		s.PumpPlanner()
	}
	return nil
}
