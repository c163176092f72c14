package mailbox

import (
	"bytes"
	"encoding/gob"
)

// Snapshot is the serializable projection of a View used by the
// offline cache store (C12) to resume a QRESYNC-style session without
// a full re-SELECT. It intentionally drops everything that isn't safe
// to replay: FetchRefcount, shared message bodies, and the Storage
// back-reference.
type Snapshot struct {
	UIDValidity    uint32
	Uidmap         []uint32
	Flags          []map[string]struct{}
	ModSeq         []uint64
	KnownUIDCount  int
	RecentCount    uint32
	FlagVocabulary []string
}

func init() {
	gob.Register(Snapshot{})
}

// Snapshot captures the view's resumable state.
func (v *View) Snapshot(uidValidity uint32) Snapshot {
	snap := Snapshot{
		UIDValidity:   uidValidity,
		Uidmap:        append([]uint32(nil), v.Uidmap...),
		Flags:         make([]map[string]struct{}, len(v.Messages)),
		ModSeq:        make([]uint64, len(v.Messages)),
		KnownUIDCount: v.KnownUIDCount,
		RecentCount:   v.RecentCount,
	}
	for i, m := range v.Messages {
		snap.Flags[i] = m.Flags
		snap.ModSeq[i] = m.ModSeq
	}
	for f := range v.FlagsVocabulary {
		snap.FlagVocabulary = append(snap.FlagVocabulary, f)
	}
	return snap
}

// RestoreFromSnapshot rebuilds a View from a previously saved Snapshot,
// only valid when the caller has confirmed the mailbox's current
// UIDVALIDITY still matches snap.UIDValidity.
func RestoreFromSnapshot(snap Snapshot, storage *Storage) *View {
	v := New(storage)
	v.Uidmap = append([]uint32(nil), snap.Uidmap...)
	v.Messages = make([]*Meta, len(snap.Uidmap))
	for i, uid := range v.Uidmap {
		m := newMeta(uid)
		if i < len(snap.Flags) && snap.Flags[i] != nil {
			m.Flags = snap.Flags[i]
		}
		if i < len(snap.ModSeq) {
			m.ModSeq = snap.ModSeq[i]
		}
		v.Messages[i] = m
	}
	v.KnownUIDCount = snap.KnownUIDCount
	v.RecentCount = snap.RecentCount
	for _, f := range snap.FlagVocabulary {
		v.FlagsVocabulary[f] = struct{}{}
	}
	return v
}

// EncodeSnapshot gob-encodes a Snapshot for the offline cache store.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
