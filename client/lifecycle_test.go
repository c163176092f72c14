package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBannerParsesInlineCapabilityList(t *testing.T) {
	s, server := newTestSession(t)
	go func() {
		server.Write([]byte("* OK [CAPABILITY IMAP4rev1 QRESYNC LITERAL+] ready\r\n"))
	}()

	var onReadyCalled bool
	require.NoError(t, s.Banner(func(sess *Session) error {
		onReadyCalled = true
		return nil
	}))

	assert.True(t, s.HasCapability("QRESYNC"))
	assert.True(t, s.HasCapability("literal+"), "capability lookup is case-insensitive")
	assert.True(t, onReadyCalled)
	assert.Equal(t, 0, s.Commands.Outstanding(), "an inline capability list must not trigger an explicit CAPABILITY command")
}

func TestBannerFallsBackToExplicitCapability(t *testing.T) {
	s, server := newTestSession(t)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		server.Write([]byte("* OK Welcome\r\n"))
	}()
	var sawCapability bool
	go func() {
		defer wg.Done()
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		sawCapability = assert.Contains(t, string(buf[:n]), "CAPABILITY")
	}()

	require.NoError(t, s.Banner(nil))
	wg.Wait()

	assert.True(t, sawCapability)
	assert.Empty(t, s.Capabilities, "no inline list was advertised yet; the tagged reply hasn't arrived")
}

func TestDelaySuspendsThenReleasesReadLoop(t *testing.T) {
	s, _ := newTestSession(t)
	assert.False(t, s.isDelayed())

	s.Delay(5 * time.Millisecond)
	assert.True(t, s.isDelayed())

	require.NoError(t, s.waitOutDelay())
	assert.False(t, s.Delayed)
}

func TestReadLoopReturnsErrorWhenPeerCloses(t *testing.T) {
	s, server := newTestSession(t)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ReadLoop() }()

	server.Close()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadLoop did not return after peer closed the connection")
	}
}

func TestDisconnectReleasesTheSession(t *testing.T) {
	s, _ := newTestSession(t)
	s.Disconnect()
	assert.Equal(t, 0, s.refcount)
}
