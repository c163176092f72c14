// Package dispatch implements the untagged-response router (C5): it
// takes a parsed response line and applies it to a session's mailbox
// view, or hands tagged replies off to the command registry.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/metrics"
)

// Target is the minimal session surface dispatch needs: a mailbox view
// and a command registry. client.Session builds one per line via
// DispatchTarget.
type Target struct {
	View     *mailbox.View
	Commands *command.Registry

	// QresyncCacheAttached mirrors S.qresync_select_cache: a
	// "VANISHED (EARLIER)" response is only applied when an offline
	// cache was attached at SELECT time (spec.md §4.5); otherwise it is
	// historical resync data the session has nothing to reconcile
	// against and is ignored.
	QresyncCacheAttached bool

	// LastCmdState is the state of the most recently sent command, used
	// only to decide whether an EXPUNGE with a too-high sequence number
	// is worth a "seq too high" log line (see DESIGN.md open question c).
	LastCmdState command.State

	// Metrics is nil unless the owning session's pool was built with
	// `[metrics]` configured; every call site below goes through it
	// unconditionally since its methods are nil-receiver-safe.
	Metrics *metrics.Metrics
}

// Line applies one parsed response line (already split into its leading
// tag/status atoms plus the remaining args) to target. resp is the
// first atom on the line ("*", a tag, or "+"); args is everything after
// it, already parsed into an Arg tree by imapwire.Parser.
func Line(target *Target, resp string, args []imapwire.Arg) error {
	switch resp {
	case "+":
		return continuation(target, args)
	case "*":
		return untagged(target, args)
	default:
		return tagged(target, resp, args)
	}
}

// continuation hands a '+' reply to the command that's waiting for it.
func continuation(target *Target, args []imapwire.Arg) error {
	cmd, ok := target.Commands.LastLinked()
	if !ok {
		return fmt.Errorf("%w: '+' with no outstanding command", consts.ErrProtocol)
	}
	if cmd.Callback == nil {
		return nil
	}
	cmd.Callback(cmd, command.ReplyContinue, args)
	return nil
}

// tagged resolves a tagged status reply (OK/NO/BAD) to its command,
// unlinks it (I6: a tag is consumed exactly once), and runs its
// callback.
func tagged(target *Target, tag string, args []imapwire.Arg) error {
	cmd, err := target.Commands.ResolveTag(tag)
	if err != nil {
		return err
	}
	target.Commands.Unlink(cmd)

	if len(args) == 0 {
		return fmt.Errorf("%w: tagged reply %q missing status", consts.ErrBadReply, tag)
	}
	kind, ok := statusKind(args[0])
	if !ok {
		return fmt.Errorf("%w: tagged reply %q has unrecognized status", consts.ErrBadReply, tag)
	}
	target.Metrics.TaggedReply(kindLabel(kind))
	if cmd.Callback != nil {
		cmd.Callback(cmd, kind, args[1:])
	}
	target.Commands.Free(cmd)
	if kind == command.ReplyBAD && !cmd.ExpectBad {
		return fmt.Errorf("%w: tagged BAD reply %q to %q", consts.ErrBadReply, tag, cmd.CmdLine)
	}
	return nil
}

func statusKind(a imapwire.Arg) (command.ReplyKind, bool) {
	switch {
	case a.EqualAtom("OK"):
		return command.ReplyOK, true
	case a.EqualAtom("NO"):
		return command.ReplyNO, true
	case a.EqualAtom("BAD"):
		return command.ReplyBAD, true
	default:
		return 0, false
	}
}

// kindLabel renders a ReplyKind as the metrics label value.
func kindLabel(kind command.ReplyKind) string {
	switch kind {
	case command.ReplyOK:
		return "OK"
	case command.ReplyNO:
		return "NO"
	case command.ReplyBAD:
		return "BAD"
	default:
		return "unknown"
	}
}

// untagged applies an untagged "*" response to the session's view.
func untagged(target *Target, args []imapwire.Arg) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty untagged response", consts.ErrBadReply)
	}

	// "<n> EXISTS|EXPUNGE|RECENT|FETCH"
	if n, ok := numericPrefix(args[0]); ok && len(args) >= 2 {
		kw, ok := args[1].Str()
		if ok {
			switch {
			case equalKeyword(kw, "EXISTS"):
				return target.View.Exists(n)
			case equalKeyword(kw, "EXPUNGE"):
				return expunge(target, n)
			case equalKeyword(kw, "RECENT"):
				target.View.RecentCount = uint32(n)
				return nil
			case equalKeyword(kw, "FETCH"):
				return fetch(target, n, args[2:])
			}
		}
	}

	kw, ok := args[0].Str()
	if !ok {
		return nil
	}
	switch {
	case equalKeyword(kw, "BYE"):
		return fmt.Errorf("%w", consts.ErrUnexpectedBye)
	case equalKeyword(kw, "FLAGS"):
		return flags(target, args[1:])
	case equalKeyword(kw, "CAPABILITY"):
		return nil // capability set is tracked by the caller, not the view
	case equalKeyword(kw, "SEARCH"):
		return nil // search results are not recorded or passed to the issuing command
	case equalKeyword(kw, "ENABLED"):
		return enabled(target, args[1:])
	case equalKeyword(kw, "VANISHED"):
		return vanished(target, args[1:])
	case equalKeyword(kw, "THREAD"):
		target.View.LastThreadReply = imapwire.Emit(args[1:])
		return nil
	case equalKeyword(kw, "OK"):
		okRespTextCode(target, args[1:])
		return nil
	case equalKeyword(kw, "NO"):
		return nil // informational
	case equalKeyword(kw, "BAD"):
		return fmt.Errorf("%w: untagged BAD", consts.ErrProtocol)
	default:
		return nil
	}
}

// okRespTextCode picks out the handful of "* OK [CODE ...]" resp-text
// codes the view cares about. '[' and ']' are ordinary atom characters
// to the tokenizer (they also appear unbracketed inside FETCH section
// specifiers like "BODY[]"), so the code name and its opening bracket
// always arrive fused as one leading atom ("[UIDVALIDITY"), followed by
// whatever that code's own grammar defines — a bare atom for
// UIDVALIDITY, a parenthesized LIST for PERMANENTFLAGS. Unrecognized
// codes are ignored.
func okRespTextCode(target *Target, args []imapwire.Arg) {
	if len(args) == 0 {
		return
	}
	head, ok := args[0].Str()
	if !ok || len(head) == 0 || head[0] != '[' {
		return
	}
	code := head[1:]
	rest := args[1:]
	switch {
	case equalKeyword(code, "UIDVALIDITY"):
		if len(rest) == 0 {
			return
		}
		tok, ok := rest[0].Str()
		if !ok {
			return
		}
		tok = strings.TrimSuffix(tok, "]")
		if n, err := strconv.Atoi(tok); err == nil {
			target.View.Storage.UIDValidity = uint32(n)
		}
	case equalKeyword(code, "PERMANENTFLAGS"):
		if len(rest) == 0 || !rest[0].IsList() {
			return
		}
		items, _ := rest[0].ListItems()
		names := make([]string, 0, len(items))
		for _, f := range items {
			names = append(names, f.StrNonNull())
		}
		target.View.SetFlags(names)
	}
}

// expunge applies an untagged "<n> EXPUNGE". A sequence number beyond
// the current view is logged as "seq too high" (per spec.md's dispatch
// table) before the expunge is still attempted, so the view's own
// out-of-range error surfaces as a second, more specific cause rather
// than being swallowed by the early check.
func expunge(target *Target, n int) error {
	var tooHigh error
	if n > len(target.View.Uidmap) && target.LastCmdState > command.StateSelect {
		tooHigh = fmt.Errorf("%w: seq %d, len %d", consts.ErrSeqTooHigh, n, len(target.View.Uidmap))
	}
	if err := target.View.Expunge(n); err != nil {
		if tooHigh != nil {
			return fmt.Errorf("%w; %v", tooHigh, err)
		}
		return err
	}
	return tooHigh
}

func numericPrefix(a imapwire.Arg) (int, bool) {
	s, ok := a.Str()
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func equalKeyword(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

// flags applies an untagged FLAGS response, the mailbox's flag
// vocabulary.
func flags(target *Target, args []imapwire.Arg) error {
	if len(args) == 0 || !args[0].IsList() {
		return fmt.Errorf("%w: FLAGS without a parenthesized list", consts.ErrBadReply)
	}
	items, _ := args[0].ListItems()
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.StrNonNull())
	}
	target.View.SetFlags(names)
	return nil
}

// enabled applies an untagged ENABLED response; QRESYNC is the only
// capability the view's replication behavior depends on.
func enabled(target *Target, args []imapwire.Arg) error {
	for _, a := range args {
		if a.EqualAtom("QRESYNC") {
			target.View.QresyncEnabled = true
		}
	}
	return nil
}

// vanished applies an untagged VANISHED response (RFC 7162 QRESYNC). A
// leading "(EARLIER)" list marks historical resync data: applied only
// when an offline cache was attached at SELECT time, ignored
// otherwise. Per spec.md §4.5, when the view has no unknown UID slots
// (known_uid_count == len(uidmap)) the whole set is applied via
// ExpungeUIDs in one pass; otherwise each UID is resolved individually
// via ExpungeUID, since an unknown slot may need to absorb one of them.
func vanished(target *Target, args []imapwire.Arg) error {
	if !target.View.QresyncEnabled {
		return fmt.Errorf("%w", consts.ErrVanishedNoQresync)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: VANISHED with no uid-set", consts.ErrBadReply)
	}
	idx := 0
	earlier := false
	if args[0].IsList() {
		items, _ := args[0].ListItems()
		if len(items) == 1 && items[0].EqualAtom("EARLIER") {
			earlier = true
		}
		idx = 1
	}
	if idx >= len(args) {
		return fmt.Errorf("%w: VANISHED missing uid-set", consts.ErrBadReply)
	}
	if earlier && !target.QresyncCacheAttached {
		return nil
	}
	uidSet, ok := args[idx].Str()
	if !ok {
		return fmt.Errorf("%w: VANISHED uid-set not an atom", consts.ErrBadReply)
	}
	uids, err := parseUIDSet(uidSet)
	if err != nil {
		return err
	}
	if target.View.KnownUIDCount == len(target.View.Uidmap) {
		return target.View.ExpungeUIDs(uids)
	}
	for _, uid := range uids {
		if err := target.View.ExpungeUID(uid); err != nil {
			return err
		}
	}
	return nil
}

// parseUIDSet parses a comma-separated IMAP sequence set of the form
// "5,7,9" or "5:9", without the unbounded "*" wildcard (a VANISHED
// uid-set never contains it).
func parseUIDSet(s string) ([]uint32, error) {
	var uids []uint32
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			start = i + 1
			if part == "" {
				continue
			}
			rangeUIDs, err := parseUIDRange(part)
			if err != nil {
				return nil, err
			}
			uids = append(uids, rangeUIDs...)
		}
	}
	return uids, nil
}

func parseUIDRange(part string) ([]uint32, error) {
	for i := 0; i < len(part); i++ {
		if part[i] == ':' {
			lo, err := strconv.ParseUint(part[:i], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad uid range %q", consts.ErrBadReply, part)
			}
			hi, err := strconv.ParseUint(part[i+1:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad uid range %q", consts.ErrBadReply, part)
			}
			out := make([]uint32, 0, hi-lo+1)
			for u := lo; u <= hi; u++ {
				out = append(out, uint32(u))
			}
			return out, nil
		}
	}
	u, err := strconv.ParseUint(part, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad uid %q", consts.ErrBadReply, part)
	}
	return []uint32{uint32(u)}, nil
}

// fetch applies an untagged FETCH, updating per-message flags and UID
// when present in the attribute list, and clears fetch_refcount: this
// message's data has now arrived, so the FETCH client.Session.Fetch
// bumped it for is no longer outstanding against this slot specifically
// (the command's tagged reply clears any slots that never got one).
func fetch(target *Target, seq int, args []imapwire.Arg) error {
	if seq < 1 || seq > len(target.View.Uidmap) {
		return fmt.Errorf("%w: FETCH seq %d", consts.ErrSeqOutOfRange, seq)
	}
	if len(args) == 0 || !args[0].IsList() {
		return fmt.Errorf("%w: FETCH without attribute list", consts.ErrBadReply)
	}
	items, _ := args[0].ListItems()
	meta := target.View.Messages[seq-1]
	for i := 0; i+1 < len(items); i += 2 {
		key := items[i].StrNonNull()
		switch {
		case equalKeyword(key, "UID"):
			if n, ok := numericPrefix(items[i+1]); ok {
				if err := target.View.AssignUID(seq, uint32(n)); err != nil {
					return err
				}
			}
		case equalKeyword(key, "FLAGS"):
			if items[i+1].IsList() {
				flagItems, _ := items[i+1].ListItems()
				set := make(map[string]struct{}, len(flagItems))
				for _, f := range flagItems {
					set[f.StrNonNull()] = struct{}{}
				}
				meta.Flags = set
			}
		case equalKeyword(key, "MODSEQ"):
			if items[i+1].IsList() {
				modItems, _ := items[i+1].ListItems()
				if len(modItems) == 1 {
					if s, ok := modItems[0].Str(); ok {
						if n, err := strconv.ParseUint(s, 10, 64); err == nil {
							meta.ModSeq = n
						}
					}
				}
			}
		}
	}
	if meta.FetchRefcount > 0 {
		meta.FetchRefcount--
	}
	return nil
}
