package msgr

// Accepter owns the listening socket. Incoming connections are pushed
// onto a bounded accept backlog and drained by a small pool of handshake
// workers, so a burst of simultaneous connects is smoothed out instead
// of spawning one goroutine per socket the instant it lands.

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"
)

type Accepter struct {
	mgr  *Messenger
	ln   net.Listener
	addr EntityAddr

	backlog *acceptBacklog
	newWork chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newAccepter binds a listener per cfg.PortStart/PortEnd, falling back
// to an ephemeral port when the range is unset (both zero).
func newAccepter(m *Messenger) (*Accepter, EntityAddr, error) {
	return newAccepterExcluding(m, nil)
}

func newAccepterExcluding(m *Messenger, exclude []uint16) (*Accepter, EntityAddr, error) {
	cfg := m.config
	excluded := make(map[uint16]struct{}, len(exclude))
	for _, p := range exclude {
		excluded[p] = struct{}{}
	}

	host := "0.0.0.0"
	if cfg.BindIPv6 {
		host = "::"
	}
	if cfg.BindAddr != "" {
		if h, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && h != "" {
			host = h
		}
	}

	var ln net.Listener
	var boundPort uint16
	var err error

	if cfg.PortStart == 0 && cfg.PortEnd == 0 {
		lc := net.ListenConfig{}
		setReuseAddr(&lc)
		ln, err = lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, EntityAddr{}, fmt.Errorf("%w: %v", ErrSocket, err)
		}
		boundPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	} else {
		lc := net.ListenConfig{}
		setReuseAddr(&lc)
		for port := cfg.PortStart; port <= cfg.PortEnd; port++ {
			if _, skip := excluded[port]; skip {
				continue
			}
			candidate, lerr := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
			if lerr == nil {
				ln = candidate
				boundPort = port
				break
			}
			err = lerr
		}
		if ln == nil {
			return nil, EntityAddr{}, fmt.Errorf("%w: %v", ErrNoFreePort, err)
		}
	}

	fam := FamilyIPv4
	ip := ln.Addr().(*net.TCPAddr).IP
	if ip.To4() == nil {
		fam = FamilyIPv6
	}
	addr := EntityAddr{Family: fam, IP: ip, Port: boundPort, Nonce: randomNonce()}

	acc := &Accepter{
		mgr:     m,
		ln:      ln,
		addr:    addr,
		backlog: newAcceptBacklog(cfg.AcceptBacklog),
		newWork: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	return acc, addr, nil
}

func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// acceptLoop accepts connections and workers hands each to a handshake
// worker. A bounded number of consecutive transient Accept errors is
// tolerated with a short backoff; anything else, or exceeding the
// tolerance, stops the loop.
func (a *Accepter) acceptLoop() {
	a.wg.Add(1)
	defer a.wg.Done()

	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.handshakeWorker()
	}

	consecutiveFailures := 0
	const maxConsecutiveFailures = 16
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closeCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				consecutiveFailures++
				if consecutiveFailures > maxConsecutiveFailures {
					a.mgr.log.Error("accept loop giving up after repeated transient failures", "error", err)
					return
				}
				time.Sleep(time.Duration(consecutiveFailures) * 5 * time.Millisecond)
				continue
			}
			return
		}
		consecutiveFailures = 0
		applyTCPNoDelay(conn, a.mgr.config.TCPNoDelay)

		if werr := a.backlog.push(conn); werr != nil {
			// Backlog saturated: handle inline rather than drop, so a burst
			// degrades to serialized handshakes instead of lost connects.
			a.mgr.metrics.backlogSaturated.Add(1)
			a.startHandshake(conn)
			continue
		}
		select {
		case a.newWork <- struct{}{}:
		default:
		}
	}
}

func (a *Accepter) handshakeWorker() {
	defer a.wg.Done()
	for {
		if conn, ok := a.backlog.pop(); ok {
			a.startHandshake(conn)
			continue
		}
		select {
		case <-a.closeCh:
			return
		case <-a.newWork:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (a *Accepter) startHandshake(conn net.Conn) {
	p := newPipe(a.mgr, EntityAddr{}, EntityUnknown, DefaultPolicy)
	p.startAccepting(conn)
}

// Close stops accepting and unblocks any blocked Accept call.
func (a *Accepter) Close() {
	a.closeOnce.Do(func() {
		close(a.closeCh)
		a.ln.Close()
	})
}

func (a *Accepter) wait() {
	a.wg.Wait()
}
