package pool

import (
	"context"
	"net"
	"testing"

	"github.com/migadu/imaptest/mailbox"
	"github.com/stretchr/testify/require"
)

func TestDialFactorySharesStorageAcrossSlotsViaRegistry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("* OK ready\r\n"))
			conn.Close()
		}
	}()

	registry := mailbox.NewStorageRegistry()
	factory := DialFactory(ln.Addr().String(), "alice", "test-host", "INBOX", registry)

	s1, err := factory(context.Background(), 0, 1)
	require.NoError(t, err)
	s2, err := factory(context.Background(), 1, 2)
	require.NoError(t, err)

	require.Same(t, s1.Storage, s2.Storage, "both slots select the same mailbox, so they share one Storage")
	require.Equal(t, 2, s1.Storage.Refcount())

	s1.Release()
	require.Equal(t, 1, s1.Storage.Refcount(), "releasing one session drops the shared count, not the entry")
}
