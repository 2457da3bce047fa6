package msgr

// Raw socket option plumbing. The standard library's net package exposes
// SetNoDelay directly, but SO_REUSEADDR and the per-write MSG_NOSIGNAL
// flag have no stdlib equivalent and must go through syscall.RawConn,
// which is why this file pulls in golang.org/x/sys/unix rather than
// hand-rolling the platform constants.

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func socketPeerAddr(conn net.Conn) EntityAddr {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return EntityAddr{}
	}
	fam := FamilyIPv4
	if tcpAddr.IP.To4() == nil {
		fam = FamilyIPv6
	}
	return EntityAddr{Family: fam, IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
}

func applyTCPNoDelay(conn net.Conn, enabled bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(enabled)
	}
}

// setReuseAddr marks a listening socket SO_REUSEADDR before bind, letting
// Messenger.Rebind reclaim a port still draining TIME_WAIT connections.
func setReuseAddr(lc *net.ListenConfig) {
	lc.Control = func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// sendNoSignal writes b to conn with MSG_NOSIGNAL set, so a peer that
// resets the connection mid-write delivers EPIPE through the normal error
// path instead of raising SIGPIPE. When more is true, MSG_MORE is also
// set, hinting the kernel to hold the segment for coalescing with the
// next send rather than flushing it immediately — the writer sets this
// whenever another frame is already queued behind the one being sent.
// No-op (falls back to conn.Write, which honors neither flag) for
// connections that are not backed by a raw *net.TCPConn, e.g. in tests
// using net.Pipe.
func sendNoSignal(conn net.Conn, b []byte, more bool) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return conn.Write(b)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return conn.Write(b)
	}

	flags := unix.MSG_NOSIGNAL
	if more {
		flags |= unix.MSG_MORE
	}

	var n int
	var sendErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		sendErr = unix.Send(int(fd), b[n:], flags)
		if sendErr == unix.EAGAIN {
			return false // let the runtime poller retry
		}
		if sendErr == nil {
			n = len(b)
		}
		return true
	})
	if ctrlErr != nil {
		return conn.Write(b)
	}
	if sendErr != nil && sendErr != unix.EAGAIN {
		return n, sendErr
	}
	if n < len(b) {
		rest, err := conn.Write(b[n:])
		return n + rest, err
	}
	return n, nil
}
