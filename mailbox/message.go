package mailbox

// State is a message record shared across every session view of the
// same mailbox. It is created by Storage.StateFor on the first request
// for its UID (untagged FETCH handling does not create one) and
// destroyed when the mailbox Storage that holds it is released; views
// only ever hold a non-owning reference.
type State struct {
	UID     uint32
	Header  []byte
	Body    []byte
	Flags   map[string]struct{}
}

func newState(uid uint32) *State {
	return &State{UID: uid, Flags: make(map[string]struct{})}
}

// Meta is one slot of a View: the session-local metadata for a single
// sequence position, parallel to View.Uidmap.
type Meta struct {
	// UID is 0 for a slot whose identity the server hasn't reported yet.
	UID           uint32
	Flags         map[string]struct{}
	ModSeq        uint64
	FetchRefcount int
	State         *State
}

func newMeta(uid uint32) *Meta {
	return &Meta{UID: uid, Flags: make(map[string]struct{})}
}
