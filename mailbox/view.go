// Package mailbox implements a single client session's replica of one
// IMAP mailbox: the UID map, per-message metadata, and the handful of
// server-reported counters a stress client needs to cross-check (C3).
package mailbox

import (
	"fmt"

	"github.com/migadu/imaptest/consts"
)

// View is one session's replica of a mailbox. Invariants I1-I5 from the
// design spec hold after every exported call returns without error:
// len(Uidmap) == len(Messages); known UIDs strictly increase with
// sequence number; no message with a positive FetchRefcount is
// expunged; KnownUIDCount counts the non-zero UID slots; a VANISHED
// response is only legal once QresyncEnabled.
type View struct {
	Uidmap        []uint32
	Messages      []*Meta
	KnownUIDCount int
	RecentCount   uint32

	LastThreadReply string
	FlagsVocabulary map[string]struct{}

	QresyncEnabled bool

	Storage *Storage
}

// New creates an empty view backed by the given shared storage.
func New(storage *Storage) *View {
	return &View{
		FlagsVocabulary: make(map[string]struct{}),
		Storage:         storage,
	}
}

func (v *View) checkLengths() error {
	if len(v.Uidmap) != len(v.Messages) {
		return fmt.Errorf("%w: uidmap=%d messages=%d", consts.ErrViewLengthMismatch, len(v.Uidmap), len(v.Messages))
	}
	return nil
}

// Exists applies an untagged "<n> EXISTS". Growing the view appends
// unknown-UID slots; a regression (n below the current length) is a
// server-side loss signal: truncate to n and report the error so the
// caller can log a K2 state error without necessarily tearing the
// session down (see DESIGN.md open question (a)).
func (v *View) Exists(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative EXISTS count %d", consts.ErrExistsRegressed, n)
	}
	cur := len(v.Uidmap)
	if n < cur {
		v.truncate(n)
		return fmt.Errorf("%w: EXISTS regressed from %d to %d", consts.ErrExistsRegressed, cur, n)
	}
	for i := cur; i < n; i++ {
		v.Uidmap = append(v.Uidmap, 0)
		v.Messages = append(v.Messages, newMeta(0))
	}
	return v.checkLengths()
}

func (v *View) truncate(n int) {
	for i := n; i < len(v.Uidmap); i++ {
		if v.Uidmap[i] != 0 {
			v.KnownUIDCount--
		}
	}
	v.Uidmap = v.Uidmap[:n]
	v.Messages = v.Messages[:n]
}

// Expunge removes the 1-based sequence slot seq. It is an error if the
// message has a FETCH outstanding (I3): the server must never expunge a
// message a session is mid-fetch on.
func (v *View) Expunge(seq int) error {
	if seq < 1 || seq > len(v.Uidmap) {
		return fmt.Errorf("%w: seq %d, len %d", consts.ErrSeqOutOfRange, seq, len(v.Uidmap))
	}
	idx := seq - 1
	if v.Messages[idx].FetchRefcount > 0 {
		return fmt.Errorf("%w: seq %d", consts.ErrExpungeReferenced, seq)
	}
	v.removeAt(idx)
	return v.checkLengths()
}

func (v *View) removeAt(idx int) {
	if v.Uidmap[idx] != 0 {
		v.KnownUIDCount--
	}
	v.Uidmap = append(v.Uidmap[:idx], v.Uidmap[idx+1:]...)
	v.Messages = append(v.Messages[:idx], v.Messages[idx+1:]...)
}

// ExpungeUID finds the lowest index i with Uidmap[i] >= uid. If equal,
// that slot is expunged. Otherwise, if an unknown (UID==0) slot precedes
// i, that unknown slot is expunged instead — we cannot tell which
// physical message the server meant, and unknown slots carry no
// metadata worth preserving over a known one. If neither applies, the
// UID was never seen by this session.
func (v *View) ExpungeUID(uid uint32) error {
	firstUnknown := -1
	for i, u := range v.Uidmap {
		if u == 0 {
			if firstUnknown == -1 {
				firstUnknown = i
			}
			continue
		}
		if u == uid {
			return v.Expunge(i + 1)
		}
		if u > uid {
			if firstUnknown != -1 {
				return v.Expunge(firstUnknown + 1)
			}
			return fmt.Errorf("%w: %d", consts.ErrUIDNotFound, uid)
		}
	}
	if firstUnknown != -1 {
		return v.Expunge(firstUnknown + 1)
	}
	return fmt.Errorf("%w: %d", consts.ErrUIDNotFound, uid)
}

// ExpungeUIDs expunges every known UID in the set, processing from the
// highest sequence number downward so earlier indices stay valid as
// later ones are removed.
func (v *View) ExpungeUIDs(uids []uint32) error {
	want := make(map[uint32]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}
	for i := len(v.Uidmap) - 1; i >= 0; i-- {
		if _, ok := want[v.Uidmap[i]]; !ok || v.Uidmap[i] == 0 {
			continue
		}
		if err := v.Expunge(i + 1); err != nil {
			return err
		}
	}
	return nil
}

// SetFlags records the mailbox's flag vocabulary, e.g. from an untagged
// FLAGS response.
func (v *View) SetFlags(flags []string) {
	v.FlagsVocabulary = make(map[string]struct{}, len(flags))
	for _, f := range flags {
		v.FlagsVocabulary[f] = struct{}{}
	}
}

// AssignUID learns the UID of a previously-unknown slot, e.g. from a
// FETCH UID response, keeping KnownUIDCount and the strict-ordering
// invariant I2 intact. The caller is responsible for only assigning
// UIDs that preserve ordering; AssignUID reports an error otherwise.
func (v *View) AssignUID(seq int, uid uint32) error {
	if seq < 1 || seq > len(v.Uidmap) {
		return fmt.Errorf("%w: seq %d", consts.ErrSeqOutOfRange, seq)
	}
	idx := seq - 1
	if idx > 0 && v.Uidmap[idx-1] != 0 && v.Uidmap[idx-1] >= uid {
		return fmt.Errorf("%w: uid %d at seq %d not greater than predecessor %d", consts.ErrUIDOutOfOrder, uid, seq, v.Uidmap[idx-1])
	}
	if idx+1 < len(v.Uidmap) && v.Uidmap[idx+1] != 0 && v.Uidmap[idx+1] <= uid {
		return fmt.Errorf("%w: uid %d at seq %d not less than successor %d", consts.ErrUIDOutOfOrder, uid, seq, v.Uidmap[idx+1])
	}
	if v.Uidmap[idx] == 0 && uid != 0 {
		v.KnownUIDCount++
	}
	v.Uidmap[idx] = uid
	v.Messages[idx].UID = uid
	return nil
}

// CheckInvariants re-validates I1, I2 and I4 from scratch; used by
// tests.
func (v *View) CheckInvariants() error {
	if err := v.checkLengths(); err != nil {
		return err
	}
	known := 0
	var last uint32
	for _, u := range v.Uidmap {
		if u == 0 {
			continue
		}
		known++
		if u <= last {
			return fmt.Errorf("%w: %d after %d", consts.ErrUIDOutOfOrder, u, last)
		}
		last = u
	}
	if known != v.KnownUIDCount {
		return fmt.Errorf("known_uid_count mismatch: tracked %d, actual %d", v.KnownUIDCount, known)
	}
	return nil
}
