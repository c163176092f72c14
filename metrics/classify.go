package metrics

import (
	"errors"

	"github.com/migadu/imaptest/consts"
)

// ClassifyError maps an error returned from client.Session.Process (or
// dispatch) onto spec.md §7's K1-K4 taxonomy, for ProtocolError's label.
// consts.ErrInternalError-wrapped errors are transport failures (K3);
// consts.ErrProtocol is a parser error (K4); everything else from this
// sentinel set is an input-protocol error (K1). Errors this function
// doesn't recognize are still reported, as K1, the taxonomy's
// catch-all for "the server sent something we didn't expect".
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, consts.ErrInternalError):
		return KindFatalTransport
	case errors.Is(err, consts.ErrProtocol):
		return KindParser
	default:
		return KindInputProtocol
	}
}
