package mailbox

import "sync"

// StorageRegistry hands out one shared Storage per (user, mailbox)
// pair, incrementing its refcount on repeat lookups instead of creating
// a duplicate — multiple sessions selecting the same mailbox must see
// each other's message-state records. Guarded by a mutex: unlike the
// single-threaded client event loop proper, the pool that owns this
// registry runs one goroutine per session, so Get/Release can race.
type StorageRegistry struct {
	mu    sync.Mutex
	byKey map[string]*Storage
}

// NewStorageRegistry creates an empty registry.
func NewStorageRegistry() *StorageRegistry {
	return &StorageRegistry{byKey: make(map[string]*Storage)}
}

func storageKey(user, mailboxName string) string {
	return user + "\x00" + mailboxName
}

// Get returns the shared Storage for (user, mailboxName), creating one
// on first use. The caller owns the returned reference and must call
// Release when its view no longer needs it.
func (r *StorageRegistry) Get(user, mailboxName string) *Storage {
	key := storageKey(user, mailboxName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byKey[key]; ok {
		return s.Ref()
	}
	s := NewStorage(user, mailboxName)
	r.byKey[key] = s
	return s
}

// Release drops the caller's reference to s and forgets it from the
// registry once nothing references it anymore.
func (r *StorageRegistry) Release(s *Storage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.Release()
	if s.Refcount() <= 0 {
		delete(r.byKey, storageKey(s.User, s.Mailbox))
	}
}
