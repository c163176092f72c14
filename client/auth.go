package client

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/imapwire"
)

// Authenticate sends AUTHENTICATE for sc's mechanism and drives the
// client side of the exchange through every '+' continuation, the way
// Login drives a plaintext LOGIN. On OK, login_state advances
// NONAUTH -> AUTH exactly as Login's does; on NO/BAD it is left alone
// so a caller can fall back to LOGIN.
func (s *Session) Authenticate(sc sasl.Client, done Done) (*command.Command, error) {
	mech, ir, err := sc.Start()
	if err != nil {
		return nil, fmt.Errorf("%w: sasl start: %v", consts.ErrProtocol, err)
	}

	line := "AUTHENTICATE " + mech
	if ir != nil {
		line += " " + encodeInitialResponse(ir)
	}

	return s.Send(line, command.StateAuthenticate, func(cmd *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		if kind == command.ReplyContinue {
			s.continueAuth(sc, args)
			return 0
		}
		if kind == command.ReplyOK {
			s.LoginState = StateAuth
		}
		if done != nil {
			done(kind, args)
		}
		return 0
	}, false)
}

// continueAuth answers one server challenge delivered as a '+'
// continuation. A challenge or response this session can't decode
// cancels the exchange with the bare "*" line RFC 3501 §5.1 defines for
// that purpose, rather than sending garbage the server would reject as
// a protocol error anyway.
func (s *Session) continueAuth(sc sasl.Client, args []imapwire.Arg) {
	challenge, err := decodeChallenge(args)
	if err != nil {
		s.writeRaw([]byte("*\r\n"))
		return
	}
	resp, err := sc.Next(challenge)
	if err != nil {
		s.writeRaw([]byte("*\r\n"))
		return
	}
	s.writeRaw([]byte(base64.StdEncoding.EncodeToString(resp) + "\r\n"))
}

// encodeInitialResponse renders a SASL-IR initial response per RFC
// 4959: "=" stands for an explicitly empty response, since a bare
// empty string in the command line would be indistinguishable from
// omitting the initial response entirely.
func encodeInitialResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeChallenge(args []imapwire.Arg) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	tok, ok := args[0].Str()
	if !ok {
		return nil, fmt.Errorf("%w: sasl continuation not an atom", consts.ErrProtocol)
	}
	if tok == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(tok)
}
