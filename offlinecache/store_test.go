package offlinecache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "offline_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadOnEmptyStoreReturnsErrCacheNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "alice", "INBOX", 1)
	assert.True(t, errors.Is(err, consts.ErrCacheNotFound))
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	snap := mailbox.Snapshot{
		UIDValidity:    7,
		Uidmap:         []uint32{1, 2, 3},
		FlagVocabulary: []string{`\Seen`, `\Flagged`},
		KnownUIDCount:  3,
	}

	require.NoError(t, s.Save(context.Background(), "alice", "INBOX", 7, snap))

	got, err := s.Load(context.Background(), "alice", "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, snap.UIDValidity, got.UIDValidity)
	assert.Equal(t, snap.Uidmap, got.Uidmap)
	assert.Equal(t, snap.FlagVocabulary, got.FlagVocabulary)
}

func TestSaveOverwritesAPriorEntryForTheSameKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "INBOX", 7, mailbox.Snapshot{UIDValidity: 7, KnownUIDCount: 1}))
	require.NoError(t, s.Save(ctx, "alice", "INBOX", 7, mailbox.Snapshot{UIDValidity: 7, KnownUIDCount: 99}))

	got, err := s.Load(ctx, "alice", "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, 99, got.KnownUIDCount)
}

func TestDifferentUIDValidityAreDistinctKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "INBOX", 1, mailbox.Snapshot{UIDValidity: 1, KnownUIDCount: 1}))
	require.NoError(t, s.Save(ctx, "alice", "INBOX", 2, mailbox.Snapshot{UIDValidity: 2, KnownUIDCount: 2}))

	first, err := s.Load(ctx, "alice", "INBOX", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.KnownUIDCount)

	second, err := s.Load(ctx, "alice", "INBOX", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, second.KnownUIDCount)
}

func TestDeleteRemovesAnEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "INBOX", 7, mailbox.Snapshot{UIDValidity: 7}))
	require.NoError(t, s.Delete(ctx, "alice", "INBOX", 7))

	_, err := s.Load(ctx, "alice", "INBOX", 7)
	assert.True(t, errors.Is(err, consts.ErrCacheNotFound))
}
