package mailbox

import (
	"fmt"
	"strconv"

	"github.com/migadu/imaptest/consts"
)

// ParseSeqSet parses a comma-separated IMAP sequence set such as
// "5,7,9", "5:9" or "1:*", resolving "*" against max (the view's
// current message count). Mirrors dispatch's parseUIDSet/parseUIDRange
// shape, with the "*" wildcard a uid-set (VANISHED) never carries.
func ParseSeqSet(s string, max int) ([]int, error) {
	var seqs []int
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			start = i + 1
			if part == "" {
				continue
			}
			rangeSeqs, err := parseSeqRange(part, max)
			if err != nil {
				return nil, err
			}
			seqs = append(seqs, rangeSeqs...)
		}
	}
	return seqs, nil
}

func parseSeqRange(part string, max int) ([]int, error) {
	for i := 0; i < len(part); i++ {
		if part[i] == ':' {
			lo, err := parseSeqNumber(part[:i], max)
			if err != nil {
				return nil, err
			}
			hi, err := parseSeqNumber(part[i+1:], max)
			if err != nil {
				return nil, err
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			out := make([]int, 0, hi-lo+1)
			for n := lo; n <= hi; n++ {
				out = append(out, n)
			}
			return out, nil
		}
	}
	n, err := parseSeqNumber(part, max)
	if err != nil {
		return nil, err
	}
	return []int{n}, nil
}

func parseSeqNumber(part string, max int) (int, error) {
	if part == "*" {
		return max, nil
	}
	n, err := strconv.ParseUint(part, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad sequence number %q", consts.ErrBadReply, part)
	}
	return int(n), nil
}

// SelectSeqSet resolves seqset against this view's current length,
// returning the Meta slots it targets. Callers hold the returned
// pointers rather than sequence numbers because a later EXPUNGE can
// shift every subsequent slot's position; the Meta itself is stable
// until it is actually removed from the view.
func (v *View) SelectSeqSet(seqset string) ([]*Meta, error) {
	seqs, err := ParseSeqSet(seqset, len(v.Messages))
	if err != nil {
		return nil, err
	}
	metas := make([]*Meta, 0, len(seqs))
	for _, seq := range seqs {
		if seq < 1 || seq > len(v.Messages) {
			return nil, fmt.Errorf("%w: seq %d", consts.ErrSeqOutOfRange, seq)
		}
		metas = append(metas, v.Messages[seq-1])
	}
	return metas, nil
}
