package pool

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/mailbox"
)

// DialFactory returns a Factory that opens a fresh TCP connection to
// addr for every slot and shares one Storage per (user, mailbox) pair
// through registry, so slots simulating the same mailbox see the same
// message-state records. Every socket gets TCP_NODELAY set directly —
// worthwhile here specifically because a pool opens many connections
// back to back, and Nagle's algorithm would otherwise add latency to
// each one's first few small protocol round trips.
func DialFactory(addr, username, hostname, mailboxName string, registry *mailbox.StorageRegistry) Factory {
	return func(ctx context.Context, idx, globalID int) (*client.Session, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", consts.ErrInternalError, addr, err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			setNoDelay(tcpConn)
		}

		storage := registry.Get(username, mailboxName)
		s := client.New(ctx, idx, globalID, username, hostname, conn, storage)
		s.SetStorageReleaser(func() { registry.Release(storage) })
		return s, nil
	}
}

func setNoDelay(conn *net.TCPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
