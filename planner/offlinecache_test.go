package planner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/offlinecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOfflineCache(t *testing.T) *offlinecache.Store {
	t.Helper()
	s, err := offlinecache.Open(filepath.Join(t.TempDir(), "offline_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func readWireLine(t *testing.T, server interface{ Read([]byte) (int, error) }) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := server.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

// TestSendCloseSavesOfflineCacheWhenProbabilityHits exercises the
// sendClose generator's save path directly: a Rnd whose Float64
// reports 0.1 (under the 30% threshold) must result in a saved
// snapshot for the session's (username, mailbox, uidvalidity).
func TestSendCloseSavesOfflineCacheWhenProbabilityHits(t *testing.T) {
	s, server := newPlannerSession(t)
	store := openTestOfflineCache(t)

	p := New(&scriptedRand{ints: []int{0}, floats: []float64{0.1}})
	p.OfflineCache = store

	s.LoginState = client.StateSelected
	s.MailboxName = "INBOX"
	s.Storage = mailbox.NewStorage("alice", "INBOX")
	s.Storage.UIDValidity = 42
	s.View = mailbox.New(s.Storage)
	s.View.Uidmap = []uint32{1, 2, 3}

	wireCh := make(chan string, 1)
	go func() { wireCh <- readWireLine(t, server) }()

	require.NoError(t, p.sendClose(s))
	line := <-wireCh
	tag := strings.Fields(line)[0]

	require.NoError(t, s.Process([]byte(tag+" OK CLOSE completed\r\n")))

	_, err := store.Load(context.Background(), "alice", "INBOX", 42)
	assert.NoError(t, err, "a CLOSE OK under the save-on-close threshold should have saved a snapshot")
}

// TestSendCloseSkipsSaveWhenProbabilityMisses mirrors the above with a
// Float64 above the 30% threshold, and must leave the store empty.
func TestSendCloseSkipsSaveWhenProbabilityMisses(t *testing.T) {
	s, server := newPlannerSession(t)
	store := openTestOfflineCache(t)

	p := New(&scriptedRand{ints: []int{0}, floats: []float64{0.9}})
	p.OfflineCache = store

	s.LoginState = client.StateSelected
	s.MailboxName = "INBOX"
	s.Storage = mailbox.NewStorage("alice", "INBOX")
	s.Storage.UIDValidity = 42
	s.View = mailbox.New(s.Storage)

	wireCh := make(chan string, 1)
	go func() { wireCh <- readWireLine(t, server) }()

	require.NoError(t, p.sendClose(s))
	line := <-wireCh
	tag := strings.Fields(line)[0]

	require.NoError(t, s.Process([]byte(tag+" OK CLOSE completed\r\n")))

	_, err := store.Load(context.Background(), "alice", "INBOX", 42)
	assert.True(t, errors.Is(err, consts.ErrCacheNotFound))
}

// TestSendSelectRestoresViewFromOfflineCache pre-seeds the store with
// a snapshot for (alice, INBOX, 42), then drives a SELECT through the
// untagged UIDVALIDITY resp-code and tagged OK a real server would
// send, and checks the resulting View carries the cached Uidmap
// rather than an empty freshly-SELECTed one.
func TestSendSelectRestoresViewFromOfflineCache(t *testing.T) {
	s, server := newPlannerSession(t)
	store := openTestOfflineCache(t)

	require.NoError(t, store.Save(context.Background(), "alice", "INBOX", 42,
		mailbox.Snapshot{UIDValidity: 42, Uidmap: []uint32{7, 8, 9}, KnownUIDCount: 3}))

	p := New(&scriptedRand{ints: []int{0}, floats: []float64{0.9}})
	p.OfflineCache = store

	s.LoginState = client.StateAuth
	s.Storage = mailbox.NewStorage("alice", "INBOX")

	wireCh := make(chan string, 1)
	go func() { wireCh <- readWireLine(t, server) }()

	require.NoError(t, p.sendSelect(s))
	line := <-wireCh
	assert.Contains(t, line, "SELECT INBOX")
	tag := strings.Fields(line)[0]

	require.NoError(t, s.Process([]byte("* OK [UIDVALIDITY 42] UIDs valid\r\n")))
	require.NoError(t, s.Process([]byte(tag+" OK SELECT completed\r\n")))

	require.NotNil(t, s.View)
	assert.Equal(t, []uint32{7, 8, 9}, s.View.Uidmap, "a cache hit should replace the freshly-created empty View")
}

// TestSendSelectLeavesFreshViewOnCacheMiss confirms a SELECT for a
// mailbox/uidvalidity never saved keeps the plain empty View sendSelect
// created, rather than erroring or leaving it nil.
func TestSendSelectLeavesFreshViewOnCacheMiss(t *testing.T) {
	s, server := newPlannerSession(t)
	store := openTestOfflineCache(t)

	p := New(&scriptedRand{ints: []int{0}, floats: []float64{0.9}})
	p.OfflineCache = store

	s.LoginState = client.StateAuth
	s.Storage = mailbox.NewStorage("alice", "INBOX")

	wireCh := make(chan string, 1)
	go func() { wireCh <- readWireLine(t, server) }()

	require.NoError(t, p.sendSelect(s))
	line := <-wireCh
	tag := strings.Fields(line)[0]

	require.NoError(t, s.Process([]byte("* OK [UIDVALIDITY 1] UIDs valid\r\n")))
	require.NoError(t, s.Process([]byte(tag+" OK SELECT completed\r\n")))

	require.NotNil(t, s.View)
	assert.Empty(t, s.View.Uidmap)
}
