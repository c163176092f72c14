// Package corpus implements the message source (C11): where an
// APPEND's literal body comes from. A Source hands back a message
// split into its header block and body block, ready to be joined by
// a blank line into an RFC 5322-shaped APPEND literal.
package corpus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/migadu/imaptest/helpers"
)

// Source is the message source contract.
type Source interface {
	Next(ctx context.Context) (header, body []byte, err error)
}

// Join assembles header and body into one RFC 5322 message, the shape
// client.Session.Append expects as a literal body.
func Join(header, body []byte) []byte {
	buf := make([]byte, 0, len(header)+2+len(body))
	buf = append(buf, header...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, body...)
	return buf
}

// splitMessage parses raw as an RFC 5322 message, reducing any
// text/html part to plain text via helpers.ExtractPlaintextBody, and
// returns its header and body as separate byte slices. A fixture that
// doesn't parse as a message at all (e.g. a bare plaintext fixture) is
// wrapped in a synthetic minimal header rather than rejected — the
// corpus directory is meant to hold realistic .eml files, but a stray
// non-message file shouldn't stop a whole stress run.
func splitMessage(raw []byte) (header, body []byte, err error) {
	entity, perr := message.Read(bytes.NewReader(raw))
	if perr != nil {
		return syntheticHeader(), raw, nil
	}

	var headerBuf bytes.Buffer
	for fields := entity.Header.Fields(); fields.Next(); {
		fmt.Fprintf(&headerBuf, "%s: %s\r\n", fields.Key(), helpers.SanitizeUTF8(fields.Value()))
	}
	if recipients := helpers.ExtractRecipients(entity.Header); len(recipients) == 0 {
		// A fixture plucked from a Sent folder often has no envelope
		// recipient at all; a bare message.Header round-trip would
		// otherwise hand the server a literal with no To at all.
		fmt.Fprintf(&headerBuf, "To: imaptest@localhost\r\n")
	}

	plain, err := helpers.ExtractPlaintextBody(entity)
	if err == nil && plain != nil {
		return headerBuf.Bytes(), []byte(*plain), nil
	}

	rest, rerr := io.ReadAll(entity.Body)
	if rerr != nil {
		return headerBuf.Bytes(), nil, fmt.Errorf("corpus: reading body: %w", rerr)
	}
	return headerBuf.Bytes(), rest, nil
}

func syntheticHeader() []byte {
	return []byte(fmt.Sprintf(
		"From: imaptest@localhost\r\nSubject: synthetic message\r\nDate: %s\r\nMessage-Id: <synthetic@imaptest>\r\n",
		time.Now().Format(time.RFC1123Z)))
}
