package msgr

// Messenger is the single object an embedding process talks to: it owns
// the listening socket, the table of live pipes, the dispatch goroutine,
// and the reaper. Everything in pipe.go exists to serve one Messenger.

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Messenger is the top-level handle for one entity's messaging endpoint.
type Messenger struct {
	self   EntityName
	config Config

	policies      *PolicyMap
	authenticator Authenticator
	codec         Codec
	dispatcher    Dispatcher

	dispatchQueue    *DispatchQueue
	dispatchThrottle *Throttler

	accepter *Accepter
	metrics  *Metrics
	debugSrv *debugServer

	mu           sync.RWMutex
	myAddr       EntityAddr
	pipesByPeer  map[string]*Pipe // keyed by EntityAddr.String()
	connsByPeer  map[string]*Connection
	reapList     []*Pipe

	globalSeqCounter atomic.Uint32
	started          atomic.Bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	dispatchDone chan struct{}
	reaperDone   chan struct{}

	log *slog.Logger
}

// NewMessenger constructs a Messenger for self, not yet bound or started.
func NewMessenger(self EntityName, cfg Config, policies *PolicyMap, auth Authenticator, codec Codec, dispatcher Dispatcher) *Messenger {
	if policies == nil {
		policies = NewPolicyMap()
	}
	m := &Messenger{
		self:          self,
		config:        cfg,
		policies:      policies,
		authenticator: auth,
		codec:         codec,
		dispatcher:    dispatcher,

		dispatchQueue: NewDispatchQueue(),
		pipesByPeer:   make(map[string]*Pipe),
		connsByPeer:   make(map[string]*Connection),

		shutdownCh:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
		reaperDone:   make(chan struct{}),

		log: slog.Default().With("component", "messenger", "self", self.String()),
	}
	if cfg.DispatchThrottleBytes > 0 {
		m.dispatchThrottle = NewThrottler(cfg.DispatchThrottleBytes)
	}
	m.metrics = newMetrics()
	return m
}

// Bind opens the listening socket. See Accepter for the port-scan logic.
func (m *Messenger) Bind() error {
	acc, addr, err := newAccepter(m)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.accepter = acc
	m.myAddr = addr
	m.mu.Unlock()
	return nil
}

// Rebind tears down the current listening socket and binds a fresh one
// in the configured port range, skipping the ports passed in exclude.
// The current listener's port is not skipped unless it is among them.
// Used after a suspected port compromise or under test to force a nonce
// bump.
func (m *Messenger) Rebind(exclude ...uint16) error {
	m.mu.Lock()
	old := m.accepter
	m.mu.Unlock()

	acc, addr, err := newAccepterExcluding(m, exclude)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.accepter = acc
	m.myAddr = addr
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go acc.acceptLoop()
	return nil
}

// Start launches the accept loop, the dispatch goroutine, and the
// reaper. Bind must have been called first.
func (m *Messenger) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	m.mu.RLock()
	acc := m.accepter
	m.mu.RUnlock()
	if acc == nil {
		return ErrNotStarted
	}
	go acc.acceptLoop()
	go m.dispatchLoop()
	go m.reapLoop()
	if m.config.DebugAddr != "" {
		m.debugSrv = newDebugServer(m, m.config.DebugAddr)
		go m.debugSrv.serve()
	}
	return nil
}

func (m *Messenger) localAddr() EntityAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.myAddr
}

// LocalAddr returns the address this Messenger is currently bound to,
// for callers that need to hand it to a peer out of band (a directory
// service, a CLI flag, a log line).
func (m *Messenger) LocalAddr() EntityAddr {
	return m.localAddr()
}

// learnOurAddr updates myAddr's IP from what a peer reports seeing, the
// first time a peer tells us (useful behind NAT/multi-homed hosts).
func (m *Messenger) learnOurAddr(seen EntityAddr) {
	if seen.IP == nil || seen.IP.IsUnspecified() {
		return
	}
	m.mu.Lock()
	if m.myAddr.IP == nil || m.myAddr.IP.IsUnspecified() {
		m.myAddr.IP = seen.IP
	}
	m.mu.Unlock()
}

func (m *Messenger) nextGlobalSeq() uint32 {
	return m.globalSeqCounter.Add(1)
}

// --- connection / pipe lookup and creation ---

// GetConnection returns the Connection for peerAddr, creating a fresh
// outbound pipe in Connecting state if none exists yet.
func (m *Messenger) GetConnection(peerAddr EntityAddr, peerType EntityType) *Connection {
	key := peerAddr.String()

	m.mu.Lock()
	if c, ok := m.connsByPeer[key]; ok {
		m.mu.Unlock()
		return c
	}

	if m.config.LoopbackEnabled && peerAddr.EqualEndpoint(m.myAddr) {
		policy := m.policies.Get(peerType)
		p := newPipe(m, peerAddr, peerType, policy)
		p.loopback = true
		p.state = StateOpen
		p.globalSeq = m.nextGlobalSeq()
		conn := newConnection(peerAddr, peerType)
		conn.setPipe(p)
		p.connection = conn
		m.connsByPeer[key] = conn
		m.pipesByPeer[key] = p
		m.mu.Unlock()
		return conn
	}

	policy := m.policies.Get(peerType)
	p := newPipe(m, peerAddr, peerType, policy)
	p.globalSeq = m.nextGlobalSeq()
	conn := newConnection(peerAddr, peerType)
	conn.setPipe(p)
	p.connection = conn
	m.connsByPeer[key] = conn
	m.pipesByPeer[key] = p
	m.mu.Unlock()

	p.startConnecting(fmt.Sprintf("%s:%d", peerAddr.IP, peerAddr.Port))
	return conn
}

// registerPipe records p as the live pipe for its negotiated peer
// address, called by both handshake paths right after reaching Open.
func (m *Messenger) registerPipe(p *Pipe) {
	key := p.peerAddr.String()
	m.mu.Lock()

	if p.connection == nil {
		if c, ok := m.connsByPeer[key]; ok {
			p.connection = c
		} else {
			p.connection = newConnection(p.peerAddr, p.peerType)
			m.connsByPeer[key] = p.connection
		}
	}
	p.connection.setPipe(p)
	m.pipesByPeer[key] = p
	conn := p.connection
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventConnect, Connection: conn})
}

// resolveRace implements the accept-side race resolution table. p is
// the freshly handshaking inbound pipe; rec is the connect record it
// just received. The returned action tells the caller whether
// to just send reply and loop (raceReplyOnly) or proceed to Open,
// either taking over an existing session (raceReplace) or starting a
// brand new one (raceFresh).
type raceAction int

const (
	raceReplyOnly raceAction = iota
	raceReplace
	raceFresh
)

func (m *Messenger) resolveRace(p *Pipe, rec ConnectRecord, lossy bool) (raceAction, ConnectReply) {
	key := p.peerAddr.String()

	m.mu.Lock()
	existing := m.pipesByPeer[key]
	m.mu.Unlock()

	if existing == nil || existing == p {
		if rec.ConnectSeq > 0 {
			return raceReplyOnly, ConnectReply{Tag: TagResetSession}
		}
		return raceFresh, ConnectReply{}
	}

	existing.mu.Lock()
	existingConnectSeq := existing.connectSeq
	existingPeerGlobalSeq := existing.peerGlobalSeq
	existingLossy := existing.lossy
	existing.mu.Unlock()

	if rec.GlobalSeq < existingPeerGlobalSeq {
		return raceReplyOnly, ConnectReply{Tag: TagRetryGlobal, GlobalSeq: existingPeerGlobalSeq}
	}

	// A lossy existing session carries no replay guarantees worth
	// negotiating over: reset it and hand the session to the new pipe
	// outright instead of running it through the connect_seq table.
	if existingLossy {
		m.replacePipe(existing, p)
		return raceReplace, ConnectReply{}
	}

	switch {
	case rec.ConnectSeq < existingConnectSeq && rec.ConnectSeq == 0:
		m.replacePipe(existing, p)
		return raceReplace, ConnectReply{}

	case rec.ConnectSeq < existingConnectSeq:
		return raceReplyOnly, ConnectReply{Tag: TagRetrySession, ConnectSeq: existingConnectSeq}

	case rec.ConnectSeq == existingConnectSeq:
		ourAddr := m.localAddr()
		policy := m.policies.Get(p.peerType)
		if p.peerAddr.Less(ourAddr) || policy.Server {
			m.replacePipe(existing, p)
			return raceReplace, ConnectReply{}
		}
		return raceReplyOnly, ConnectReply{Tag: TagWait}

	case existingConnectSeq == 0:
		return raceReplyOnly, ConnectReply{Tag: TagResetSession}

	default: // rec.ConnectSeq > existingConnectSeq
		m.replacePipe(existing, p)
		return raceReplace, ConnectReply{}
	}
}

// replacePipe supersedes existing with p: the logical session (its
// Connection, unacked outbound tail, and inbound sequence state) moves
// to p, and existing is torn down without going through fault()'s
// lossy/durable branching (it has already lost the race, not faulted).
func (m *Messenger) replacePipe(existing, p *Pipe) {
	m.metrics.pipesReplaced.Add(1)

	existing.mu.Lock()
	conn := existing.connection
	tail := existing.sent
	existing.sent = nil
	inSeq := existing.inSeq
	inSeqAcked := existing.inSeqAcked
	existing.state = StateClosed
	existing.cond.Broadcast()
	existing.closeSocketLocked()
	existing.mu.Unlock()

	p.mu.Lock()
	if p.inSeq < inSeq {
		p.inSeq = inSeq
	}
	if p.inSeqAcked < inSeqAcked {
		p.inSeqAcked = inSeqAcked
	}
	if len(tail) > 0 {
		lane, ok := p.outQ[highestPriority]
		if !ok {
			lane = &outLane{}
			p.outQ[highestPriority] = lane
		}
		lane.prependAll(tail)
	}
	p.connection = conn
	p.mu.Unlock()

	if conn != nil {
		conn.setPipe(p)
	}

	m.dispatchQueue.Discard(existing)
	m.scheduleReap(existing)
}

// scheduleReap hands a torn-down pipe to the reaper goroutine, which
// waits for its reader/writer goroutines to exit before dropping the
// last reference.
func (m *Messenger) scheduleReap(p *Pipe) {
	m.mu.Lock()
	m.reapList = append(m.reapList, p)
	m.mu.Unlock()
}

func (m *Messenger) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdownCh:
			m.drainReapList()
			return
		case <-ticker.C:
			m.drainReapList()
		}
	}
}

func (m *Messenger) drainReapList() {
	m.mu.Lock()
	list := m.reapList
	m.reapList = nil
	m.mu.Unlock()

	for _, p := range list {
		p.waitTerminal()
		m.mu.Lock()
		key := p.peerAddr.String()
		if m.pipesByPeer[key] == p {
			delete(m.pipesByPeer, key)
		}
		if conn, ok := m.connsByPeer[key]; ok {
			conn.clearPipe(p)
		}
		m.mu.Unlock()
		m.metrics.pipesReaped.Add(1)
	}
}

// --- sending ---

// SendMessage enqueues m for delivery to a peer, creating the underlying
// connection/pipe on first use.
func (m *Messenger) SendMessage(peerAddr EntityAddr, peerType EntityType, msg *Message) error {
	conn := m.GetConnection(peerAddr, peerType)
	return m.SendToConnection(conn, msg)
}

// SendToConnection enqueues m on conn's current pipe.
func (m *Messenger) SendToConnection(conn *Connection, msg *Message) error {
	p := conn.currentPipe()
	if p == nil {
		return ErrLocalClosed
	}
	msg.Connection = conn
	msg.Dest = conn.PeerAddr
	msg.Header.Src = m.self
	if p.useSrcAddrSnapshot() {
		msg.Header.SrcAddr = m.localAddr()
	}

	if p.loopback {
		p.deliverLoopback(msg)
		m.metrics.messagesSent.Add(1)
		return nil
	}

	p.enqueue(msg)
	m.metrics.messagesSent.Add(1)
	return nil
}

// Codec returns the payload codec this Messenger was constructed with,
// for callers that want to encode/decode application values outside of
// SendPayload (e.g. in a Dispatcher handling EventMessage).
func (m *Messenger) Codec() Codec {
	return m.codec
}

// SendPayload encodes v with the configured Codec and sends it to conn
// as a Message's front section. It is a convenience wrapper over
// SendToConnection for callers that don't want to hand-encode bytes.
func (m *Messenger) SendPayload(conn *Connection, msgType uint16, priority byte, v interface{}) error {
	if m.codec == nil {
		return fmt.Errorf("msgr: SendPayload requires a Codec")
	}
	front, err := m.codec.EncodePayload(msgType, v)
	if err != nil {
		return fmt.Errorf("msgr: encode payload: %w", err)
	}
	msg := &Message{
		Header: Header{Type: msgType},
		Front:  front,
	}
	msg.Priority = priority
	msg.Header.Priority = uint16(priority)
	return m.SendToConnection(conn, msg)
}

// SendKeepalive asks conn's pipe to emit a KEEPALIVE frame at its next
// writer turn.
func (m *Messenger) SendKeepalive(conn *Connection) {
	if p := conn.currentPipe(); p != nil {
		p.requestKeepalive()
	}
}

// MarkDown forcibly faults conn's current pipe as if its socket had
// failed, per its policy's lossy/durable behavior.
func (m *Messenger) MarkDown(conn *Connection) {
	if p := conn.currentPipe(); p != nil {
		p.fault(false, true)
	}
}

// MarkDownAll marks every currently registered pipe down.
func (m *Messenger) MarkDownAll() {
	m.mu.RLock()
	pipes := make([]*Pipe, 0, len(m.pipesByPeer))
	for _, p := range m.pipesByPeer {
		pipes = append(pipes, p)
	}
	m.mu.RUnlock()
	for _, p := range pipes {
		p.fault(false, true)
	}
}

// MarkDownOnEmpty requests that conn's pipe close itself, gracefully,
// once its outbound queue drains, rather than immediately.
func (m *Messenger) MarkDownOnEmpty(conn *Connection) {
	if p := conn.currentPipe(); p != nil {
		p.requestCloseOnEmpty()
	}
}

// MarkDisposable flips conn's pipe to lossy behavior at once: messages
// written from then on are no longer kept for replay, and the next fault
// closes the pipe instead of reconnecting.
func (m *Messenger) MarkDisposable(conn *Connection) {
	if p := conn.currentPipe(); p != nil {
		p.mu.Lock()
		p.lossy = true
		p.mu.Unlock()
	}
}

// --- dispatch goroutine ---

func (m *Messenger) dispatch(ev Event) {
	m.dispatcher.Dispatch(ev)
}

// dispatchLoop is the single goroutine that delivers every inbound
// message to the Dispatcher, one at a time, in the order DispatchQueue
// hands them out. Lifecycle events do not pass through it: they are
// dispatched directly by the goroutine that raises them.
func (m *Messenger) dispatchLoop() {
	defer close(m.dispatchDone)
	for {
		p, priority, ok := m.dispatchQueue.Pop()
		if !ok {
			return
		}
		msg, more := p.takeInbound(priority)
		if more {
			m.dispatchQueue.Requeue(p, priority)
		}
		if msg == nil {
			continue
		}
		m.metrics.messagesReceived.Add(1)
		m.dispatch(Event{Kind: EventMessage, Connection: msg.Connection, Message: msg})
		if m.dispatchThrottle != nil {
			m.dispatchThrottle.Release(msg.throttleLen)
		}
		if policyThrottle := p.policy.Throttle; policyThrottle != nil {
			policyThrottle.Release(msg.throttleLen)
		}
	}
}

// --- shutdown ---

// Shutdown signals every pipe, the accepter, and the dispatch/reap
// goroutines to stop, emitting CLOSE on still-open pipes where possible.
func (m *Messenger) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)

		m.mu.RLock()
		acc := m.accepter
		pipes := make([]*Pipe, 0, len(m.pipesByPeer))
		for _, p := range m.pipesByPeer {
			pipes = append(pipes, p)
		}
		m.mu.RUnlock()

		if acc != nil {
			acc.Close()
		}
		for _, p := range pipes {
			p.mu.Lock()
			p.state = StateClosing
			p.cond.Broadcast()
			p.mu.Unlock()
		}
		m.dispatchQueue.Close()
		if m.dispatchThrottle != nil {
			m.dispatchThrottle.Close()
		}
		if m.debugSrv != nil {
			m.debugSrv.close()
		}
	})
}

// Wait blocks until the accepter, dispatch loop, reaper, and every pipe
// goroutine have exited. Call after Shutdown.
func (m *Messenger) Wait() {
	m.mu.RLock()
	acc := m.accepter
	pipes := make([]*Pipe, 0, len(m.pipesByPeer))
	for _, p := range m.pipesByPeer {
		pipes = append(pipes, p)
	}
	m.mu.RUnlock()

	if acc != nil {
		acc.wait()
	}
	<-m.dispatchDone
	<-m.reaperDone
	for _, p := range pipes {
		p.waitTerminal()
	}
}

// snapshotPipes is used by the debug server.
func (m *Messenger) snapshotPipes() []PipeStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PipeStat, 0, len(m.pipesByPeer))
	for _, p := range m.pipesByPeer {
		out = append(out, p.Snapshot())
	}
	return out
}
