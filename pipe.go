package msgr

// Pipe owns one TCP connection to one peer: the socket, the handshake,
// a reader goroutine and a writer goroutine, the outbound priority
// queues, the in-flight sent buffer, and the sequence counters. Exactly
// one reader and at most one writer run per pipe between start and
// reap. All mutable pipe state is guarded by mu; the writer releases mu
// for the actual socket write and re-checks state on return.
//
// A Pipe is constructed by Accepter (inbound, state Accepting) or by
// Messenger on first send to an unknown peer (outbound, state
// Connecting). The reader goroutine runs the accept-side handshake, the
// writer goroutine runs the connect-side handshake.

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type PipeState int

const (
	StateAccepting PipeState = iota
	StateConnecting
	StateOpen
	StateStandby
	StateWait
	StateClosing
	StateClosed
)

func (s PipeState) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStandby:
		return "standby"
	case StateWait:
		return "wait"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const highestPriority byte = 255

// outLane is a plain FIFO of outbound messages at one priority. Prepend
// is needed for requeueing an unacked tail ahead of new traffic on
// fault, which rules out the ring buffer's fixed-capacity shape.
type outLane struct {
	items []*Message
}

func (l *outLane) pushBack(m *Message)  { l.items = append(l.items, m) }
func (l *outLane) prependAll(ms []*Message) {
	l.items = append(append([]*Message{}, ms...), l.items...)
}
func (l *outLane) popFront() *Message {
	if len(l.items) == 0 {
		return nil
	}
	m := l.items[0]
	l.items = l.items[1:]
	return m
}

// Pipe is documented at the top of this file.
type Pipe struct {
	id  string
	mgr *Messenger

	mu    sync.Mutex
	cond  *sync.Cond
	state PipeState

	peerAddr EntityAddr
	peerType EntityType
	policy   Policy
	lossy    bool // mutable copy of policy.Lossy; mark_disposable flips it

	conn       net.Conn
	outbound   bool // true once we know we are the dialing side
	useSrcAddr bool // legacy header layout when peer lacks FeatureNoSrcAddr
	features   uint64
	loopback   bool // delivers straight to inQ, no socket, no handshake

	connection *Connection

	outSeq        uint64
	inSeq         uint64
	inSeqAcked    uint64
	connectSeq    uint32
	globalSeq     uint32
	peerGlobalSeq uint32

	sent []*Message          // unacked, ascending seq, for replay on reconnect
	outQ map[byte]*outLane    // priority -> pending outbound
	inQ  map[byte][]*Message  // priority -> pending inbound (taken by dispatch)

	keepaliveRequested bool
	closeOnEmpty       bool

	readerStarted bool
	writerStarted bool
	readerDone    chan struct{}
	writerDone    chan struct{}

	faultCount  int
	connectAddr string // dial target for outbound pipes

	// lastActivity is a coarse Unix timestamp (see clock.go) bumped on
	// every frame sent or received. Cheap enough to update on the hot
	// read/write path without a syscall per message; used for idle
	// reporting in Snapshot, not for any timing-sensitive decision.
	lastActivity atomic.Int64

	log *slog.Logger
}

func newPipe(mgr *Messenger, peerAddr EntityAddr, peerType EntityType, policy Policy) *Pipe {
	id := newDebugID()
	p := &Pipe{
		id:         id,
		mgr:        mgr,
		peerAddr:   peerAddr,
		peerType:   peerType,
		policy:     policy,
		lossy:      policy.Lossy,
		outQ:       make(map[byte]*outLane),
		inQ:        make(map[byte][]*Message),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		log:        slog.Default().With("pipe", id, "peer", peerAddr.String()),
	}
	p.cond = sync.NewCond(&p.mu)
	p.lastActivity.Store(coarseNow.Load())
	return p
}

// --- public accessors used by Messenger/DispatchQueue/debug server ---

func (p *Pipe) State() PipeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipe) useSrcAddrSnapshot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useSrcAddr
}

func (p *Pipe) Snapshot() PipeStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	depth := 0
	for _, l := range p.outQ {
		depth += len(l.items)
	}
	return PipeStat{
		ID:          p.id,
		PeerAddr:    p.peerAddr.String(),
		PeerType:    p.peerType.String(),
		State:       p.state.String(),
		Outbound:    p.outbound,
		OutSeq:      p.outSeq,
		InSeq:       p.inSeq,
		ConnectSeq:  p.connectSeq,
		SentLen:     len(p.sent),
		OutQDepth:   depth,
		IdleSeconds: coarseNow.Load() - p.lastActivity.Load(),
	}
}

// PipeStat is the JSON-friendly snapshot exposed by the debug server.
type PipeStat struct {
	ID          string `json:"id"`
	PeerAddr    string `json:"peer_addr"`
	PeerType    string `json:"peer_type"`
	State       string `json:"state"`
	Outbound    bool   `json:"outbound"`
	OutSeq      uint64 `json:"out_seq"`
	InSeq       uint64 `json:"in_seq"`
	ConnectSeq  uint32 `json:"connect_seq"`
	SentLen     int    `json:"sent_len"`
	OutQDepth   int    `json:"out_q_depth"`
	IdleSeconds int64  `json:"idle_seconds"`
}

// --- enqueue / signal from Messenger.SendMessage / SendToConnection ---

// enqueue appends m to its priority lane and assigns no seq yet; the
// writer assigns seq at send time.
func (p *Pipe) enqueue(m *Message) {
	p.mu.Lock()
	lane, ok := p.outQ[m.Priority]
	if !ok {
		lane = &outLane{}
		p.outQ[m.Priority] = lane
	}
	lane.pushBack(m)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// deliverLoopback hands m straight to this pipe's inbound queue, as if it
// had just been decoded off the wire, for a pipe that addresses ourself.
// There is no socket, no CRC, no replay tail: the message simply becomes
// visible to the dispatch goroutine on its next Pop.
func (p *Pipe) deliverLoopback(m *Message) {
	p.mu.Lock()
	p.inSeq++
	m.Seq = p.inSeq
	m.Header.Seq = p.inSeq
	m.Connection = p.connection
	m.Source = m.Header.Src
	p.inQ[m.Priority] = append(p.inQ[m.Priority], m)
	p.mu.Unlock()

	p.mgr.dispatchQueue.NotifyWork(p, m.Priority)
}

func (p *Pipe) requestKeepalive() {
	p.mu.Lock()
	p.keepaliveRequested = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) requestCloseOnEmpty() {
	p.mu.Lock()
	p.lossy = true
	p.closeOnEmpty = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) popHighestOutboundLocked() *Message {
	var bestPri byte
	found := false
	for pri, lane := range p.outQ {
		if len(lane.items) == 0 {
			continue
		}
		if !found || pri > bestPri {
			bestPri = pri
			found = true
		}
	}
	if !found {
		return nil
	}
	return p.outQ[bestPri].popFront()
}

func (p *Pipe) outboundEmptyLocked() bool {
	for _, lane := range p.outQ {
		if len(lane.items) > 0 {
			return false
		}
	}
	return true
}

// --- start / accept / connect entry points ---

// startAccepting begins an inbound pipe's lifecycle: the reader goroutine
// runs the accept-side handshake.
func (p *Pipe) startAccepting(conn net.Conn) {
	p.mu.Lock()
	p.state = StateAccepting
	p.conn = conn
	p.outbound = false
	p.readerStarted = true
	p.mu.Unlock()

	go p.readerMain()
}

// startConnecting begins an outbound pipe's lifecycle: the writer
// goroutine runs the connect-side handshake.
func (p *Pipe) startConnecting(dialAddr string) {
	p.mu.Lock()
	p.state = StateConnecting
	p.outbound = true
	p.connectAddr = dialAddr
	p.writerStarted = true
	p.mu.Unlock()

	go p.writerMain()
}

// --- reader goroutine ---

// armReadDeadline refreshes conn's read deadline from the configured
// Timeout, called before every blocking read in the handshake and
// steady-state loops so a stalled peer unblocks the reader instead of
// hanging it forever. A zero Timeout disables the deadline.
func (p *Pipe) armReadDeadline(conn net.Conn) {
	if d := p.mgr.config.Timeout; d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (p *Pipe) readerMain() {
	defer close(p.readerDone)

	// An outbound pipe's reader is started by connectHandshake after the
	// connect-side handshake has completed; only inbound pipes handshake here.
	p.mu.Lock()
	outbound := p.outbound
	p.mu.Unlock()
	if !outbound {
		if err := p.acceptHandshake(); err != nil {
			p.log.Warn("accept handshake failed", "error", err)
			p.fault(true, false)
			return
		}
	}

	p.readSteadyState()
}

// acceptHandshake runs the accepting side of the banner/connect-record
// exchange.
func (p *Pipe) acceptHandshake() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if err := writeBanner(conn); err != nil {
		return fmt.Errorf("%w: write banner: %v", ErrSocket, err)
	}
	ourAddr := p.mgr.localAddr()
	if err := writeAddrPair(conn, ourAddr, socketPeerAddr(conn)); err != nil {
		return err
	}

	p.armReadDeadline(conn)
	if err := readBanner(conn); err != nil {
		return err
	}
	p.armReadDeadline(conn)
	peerClaimed, peerSawUs, err := readAddrPair(conn)
	if err != nil {
		return err
	}
	_ = peerSawUs
	if peerClaimed.IP == nil || peerClaimed.IP.IsUnspecified() {
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			peerClaimed.IP = tcpAddr.IP
		}
	}
	p.mu.Lock()
	p.peerAddr = peerClaimed
	p.mu.Unlock()

	for attempts := 0; attempts < maxHandshakeRounds; attempts++ {
		p.armReadDeadline(conn)
		rec, err := readConnectRecord(conn)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.peerType = EntityType(rec.HostType)
		p.mu.Unlock()

		myType := p.mgr.self.Type
		wantVer := protocolVersion(myType, p.peerType, dirAccept)
		if rec.ProtocolVersion != wantVer {
			if err := writeConnectReply(conn, ConnectReply{Tag: TagBadProtoVer}); err != nil {
				return err
			}
			return fmt.Errorf("%w: peer sent %d want %d", ErrBadProtocolVer, rec.ProtocolVersion, wantVer)
		}

		policy := p.mgr.policies.Get(p.peerType)
		if policy.FeaturesRequired&^rec.Features != 0 {
			if err := writeConnectReply(conn, ConnectReply{Tag: TagFeatures}); err != nil {
				return err
			}
			return fmt.Errorf("%w: peer missing required features", ErrFeatureMismatch)
		}

		ok, replyBlob, err := p.mgr.authenticator.Verify(p.peerType, rec.Authorizer)
		if err != nil || !ok {
			if err2 := writeConnectReply(conn, ConnectReply{Tag: TagBadAuthorizer, Authorizer: replyBlob}); err2 != nil {
				return err2
			}
			continue // peer may retry with a fresh authorizer
		}

		lossy := rec.Flags&ConnectLossy != 0
		action, reply := p.mgr.resolveRace(p, rec, lossy)
		switch action {
		case raceReplyOnly:
			if err := writeConnectReply(conn, reply); err != nil {
				return err
			}
			continue
		case raceReplace, raceFresh:
			p.connectSeq = rec.ConnectSeq
			if action == raceReplace {
				p.connectSeq++
			} else {
				p.connectSeq = 1
			}
			p.peerGlobalSeq = rec.GlobalSeq
			if p.globalSeq == 0 {
				p.globalSeq = p.mgr.nextGlobalSeq()
			}
			p.features = rec.Features & policy.FeaturesSupported
			p.useSrcAddr = p.features&FeatureNoSrcAddr == 0
			p.policy = policy
			p.lossy = policy.Lossy

			replyTag := byte(TagReady)
			if p.features&FeatureReconnectSeq != 0 {
				replyTag = TagSeq
			}
			reply := ConnectReply{
				Tag:             replyTag,
				Features:        p.features,
				GlobalSeq:       p.globalSeq,
				ConnectSeq:      p.connectSeq,
				ProtocolVersion: wantVer,
				Authorizer:      replyBlob,
			}
			if err := writeConnectReply(conn, reply); err != nil {
				return err
			}
			if replyTag == TagSeq {
				if err := p.exchangeInSeq(conn); err != nil {
					return err
				}
			}

			p.mu.Lock()
			p.state = StateOpen
			p.mu.Unlock()

			p.mgr.registerPipe(p)
			p.startWriterLocked()
			return nil
		}
	}
	return fmt.Errorf("%w: handshake exceeded %d rounds", ErrTimeout, maxHandshakeRounds)
}

// startWriterLocked starts the writer goroutine for a pipe that reached
// Open via the accept path (the connect path already runs on the writer
// goroutine itself).
func (p *Pipe) startWriterLocked() {
	p.mu.Lock()
	already := p.writerStarted
	p.writerStarted = true
	p.mu.Unlock()
	if !already {
		go p.writerMain()
	}
}

// exchangeInSeq implements the SEQ reconnect path: both sides send their
// in_seq, then prune sent[] to entries still unacked by the peer.
func (p *Pipe) exchangeInSeq(conn net.Conn) error {
	p.mu.Lock()
	mine := p.inSeq
	p.mu.Unlock()
	if err := writeAckLikeSeq(conn, mine); err != nil {
		return err
	}
	p.armReadDeadline(conn)
	peerInSeq, err := readAckLikeSeq(conn)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.pruneSentLocked(peerInSeq)
	p.mu.Unlock()
	return nil
}

func (p *Pipe) pruneSentLocked(ackedThrough uint64) {
	i := 0
	for ; i < len(p.sent); i++ {
		if p.sent[i].Seq > ackedThrough {
			break
		}
	}
	p.sent = p.sent[i:]
}

// readSteadyState runs the reader's main loop once the handshake
// completes.
func (p *Pipe) readSteadyState() {
	conn := p.conn
	for {
		p.mu.Lock()
		st := p.state
		p.mu.Unlock()
		if st == StateClosed || st == StateClosing {
			return
		}

		p.armReadDeadline(conn)
		tag, err := readTag(conn)
		if err != nil {
			p.fault(false, true)
			return
		}
		p.lastActivity.Store(coarseNow.Load())

		switch tag {
		case TagKeepalive:
			// liveness signal only

		case TagAck:
			seq, err := readAckSeq(conn)
			if err != nil {
				p.fault(false, true)
				return
			}
			p.mu.Lock()
			p.pruneSentLocked(seq)
			p.mu.Unlock()

		case TagMsg:
			if err := p.readMessage(conn); err != nil {
				if isFatalDecodeErr(err) {
					p.fault(false, true)
					return
				}
				p.log.Warn("dropping undecodable message", "error", err)
			}

		case TagClose:
			p.mu.Lock()
			p.state = StateClosing
			p.cond.Broadcast()
			p.mu.Unlock()
			return

		default:
			p.fault(false, true)
			return
		}
	}
}

func isFatalDecodeErr(err error) bool {
	// Header CRC mismatches desynchronize framing; payload decode errors
	// do not and are handled by dropping the single message.
	return isErr(err, ErrCrcMismatch) || isErr(err, ErrSocket)
}

func (p *Pipe) readMessage(conn net.Conn) error {
	p.mu.Lock()
	useSrcAddr := p.useSrcAddr
	p.mu.Unlock()

	hdrBuf := make([]byte, headerWireLen(useSrcAddr))
	p.armReadDeadline(conn)
	if _, err := readFull(conn, hdrBuf); err != nil {
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	h, err := decodeHeader(hdrBuf, useSrcAddr)
	if err != nil {
		return err
	}

	total := int64(h.FrontLen) + int64(h.MiddleLen) + int64(h.DataLen)
	policyThrottle := p.policy.Throttle
	ctx := context.Background()
	if policyThrottle != nil {
		if err := policyThrottle.Acquire(ctx, total); err != nil {
			return err
		}
	}
	if p.mgr.dispatchThrottle != nil {
		if err := p.mgr.dispatchThrottle.Acquire(ctx, total); err != nil {
			if policyThrottle != nil {
				policyThrottle.Release(total)
			}
			return err
		}
	}
	releaseThrottle := func() {
		if p.mgr.dispatchThrottle != nil {
			p.mgr.dispatchThrottle.Release(total)
		}
	}

	front := make([]byte, h.FrontLen)
	p.armReadDeadline(conn)
	if _, err := readFull(conn, front); err != nil {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	middle := make([]byte, h.MiddleLen)
	p.armReadDeadline(conn)
	if _, err := readFull(conn, middle); err != nil {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}

	var data []byte
	if buf, ok := p.connection.takeRecvBuffer(h.Tid); ok && uint32(len(buf)) >= h.DataLen {
		data = buf[:h.DataLen]
	} else {
		data = make([]byte, h.DataLen)
	}
	if h.DataLen > 0 {
		p.armReadDeadline(conn)
		if _, err := readFull(conn, data); err != nil {
			releaseThrottle()
			if policyThrottle != nil {
				policyThrottle.Release(total)
			}
			return fmt.Errorf("%w: %v", ErrSocket, err)
		}
	}

	ftrBuf := make([]byte, footerWireLen)
	p.armReadDeadline(conn)
	if _, err := readFull(conn, ftrBuf); err != nil {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	footer, err := decodeFooter(ftrBuf)
	if err != nil {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return err
	}

	// Both the dispatch-scope and the policy-scope charge stay held while
	// the message waits in inQ; Messenger.dispatchLoop releases them once
	// Dispatch returns, and a fault that drains inQ releases them through
	// releaseThrottleCredit.
	msg := &Message{Header: h, Footer: footer, Front: front, Middle: middle, Data: data}
	msg.throttleLen = total

	if footer.Aborted() {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w", ErrAbortedMessage)
	}
	if len(front) > 0 && crc32c(front) != footer.FrontCRC {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: front", ErrDecode)
	}
	if len(middle) > 0 && crc32c(middle) != footer.MiddleCRC {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: middle", ErrDecode)
	}
	if len(data) > 0 && crc32c(data) != footer.DataCRC {
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return fmt.Errorf("%w: data", ErrDecode)
	}

	p.mu.Lock()
	if h.Seq <= p.inSeq {
		p.mu.Unlock()
		releaseThrottle()
		if policyThrottle != nil {
			policyThrottle.Release(total)
		}
		return nil // duplicate, at-most-once upstream delivery
	}
	p.inSeq = h.Seq
	msg.Connection = p.connection
	msg.Source = h.Src
	msg.Seq = h.Seq
	msg.Priority = byte(h.Priority)
	p.inQ[msg.Priority] = append(p.inQ[msg.Priority], msg)
	p.cond.Broadcast() // wake writer so it can ACK promptly
	p.mu.Unlock()

	p.mgr.dispatchQueue.NotifyWork(p, msg.Priority)
	return nil
}

// drainInboundLocked discards every inbound message still waiting for
// dispatch and returns the total bytes they held against the
// throttlers, for the caller to release. Only correct to call on a
// pipe instance that is being permanently retired (lossy fault,
// first-fault-on-connect, or losing side of a replace) — a pipe that
// stays registered through Standby/Connecting keeps its pending
// inbound work untouched.
func (p *Pipe) drainInboundLocked() int64 {
	var total int64
	for pri, q := range p.inQ {
		for _, m := range q {
			total += m.throttleLen
		}
		delete(p.inQ, pri)
	}
	return total
}

// takeInbound is called by the messenger's dispatch goroutine after
// DispatchQueue.Pop selects this pipe at a given priority. It returns one
// message and whether more remain at that priority.
func (p *Pipe) takeInbound(priority byte) (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.inQ[priority]
	if len(q) == 0 {
		return nil, false
	}
	m := q[0]
	p.inQ[priority] = q[1:]
	return m, len(p.inQ[priority]) > 0
}

// --- writer goroutine ---

func (p *Pipe) writerMain() {
	defer close(p.writerDone)

	for {
		p.mu.Lock()
		state := p.state
		p.mu.Unlock()

		switch state {
		case StateClosed:
			return

		case StateStandby:
			p.mu.Lock()
			empty := p.outboundEmptyLocked()
			standalone := !p.policy.Server
			if !empty && standalone {
				p.connectSeq++
				p.state = StateConnecting
			}
			p.mu.Unlock()
			if empty || !standalone {
				p.waitForWork()
			}
			continue

		case StateConnecting:
			if err := p.connectHandshake(); err != nil {
				p.log.Warn("connect handshake failed", "error", err)
				p.fault(true, false)
				return
			}
			continue

		case StateClosing:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			if conn != nil {
				_ = writeClose(conn)
			}
			p.mu.Lock()
			p.state = StateClosed
			p.cond.Broadcast()
			p.mu.Unlock()
			p.closeSocket()
			p.mgr.scheduleReap(p)
			return

		case StateOpen:
			if done := p.writeOneRound(); done {
				continue
			}

		case StateWait:
			p.mu.Lock()
			empty := p.outboundEmptyLocked()
			p.mu.Unlock()
			if !empty {
				p.mu.Lock()
				p.connectSeq++
				p.state = StateConnecting
				p.mu.Unlock()
				continue
			}
			p.waitForWork()

		default:
			p.waitForWork()
		}
	}
}

// waitForWork blocks on the pipe condition variable until signaled.
func (p *Pipe) waitForWork() {
	p.mu.Lock()
	p.cond.Wait()
	p.mu.Unlock()
}

// writeOneRound performs at most one unit of writer work in the Open
// state: keepalive, ack, or one outbound message, in that order, else
// blocks.
func (p *Pipe) writeOneRound() bool {
	p.mu.Lock()
	conn := p.conn
	if p.keepaliveRequested {
		p.keepaliveRequested = false
		p.mu.Unlock()
		if err := writeKeepalive(conn); err != nil {
			p.fault(false, true)
			return false
		}
		p.lastActivity.Store(coarseNow.Load())
		return true
	}
	if p.inSeq > p.inSeqAcked {
		ack := p.inSeq
		p.inSeqAcked = ack
		p.mu.Unlock()
		if err := writeAck(conn, ack); err != nil {
			p.fault(false, true)
			return false
		}
		p.lastActivity.Store(coarseNow.Load())
		return true
	}
	msg := p.popHighestOutboundLocked()
	if msg == nil {
		if p.closeOnEmpty && p.outboundEmptyLocked() {
			p.state = StateClosing
			p.cond.Broadcast()
			p.mu.Unlock()
			return true
		}
		p.mu.Unlock()
		p.waitForWork()
		return false
	}
	p.outSeq++
	msg.Seq = p.outSeq
	msg.Header.Seq = p.outSeq
	retain := !p.lossy
	useSrcAddr := p.useSrcAddr
	if retain {
		p.sent = append(p.sent, msg)
	}
	// Another frame already queued behind this one means the kernel
	// should hold this segment rather than flush it immediately.
	more := p.keepaliveRequested || p.inSeq > p.inSeqAcked || !p.outboundEmptyLocked()
	p.mu.Unlock()

	frame := encodeMsgFrame(msg, useSrcAddr)
	if _, err := sendNoSignal(conn, frame, more); err != nil {
		p.fault(false, true)
		return false
	}
	p.lastActivity.Store(coarseNow.Load())
	return true
}

// connectHandshake runs the connecting side of the banner/connect-record
// exchange.
func (p *Pipe) connectHandshake() error {
	conn, err := net.DialTimeout("tcp", p.connectAddr, p.mgr.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrSocket, p.connectAddr, err)
	}
	applyTCPNoDelay(conn, p.mgr.config.TCPNoDelay)

	ourAddr := p.mgr.localAddr()
	if err := writeBanner(conn); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	if err := writeAddrPair(conn, ourAddr, p.peerAddr); err != nil {
		conn.Close()
		return err
	}
	p.armReadDeadline(conn)
	if err := readBanner(conn); err != nil {
		conn.Close()
		return err
	}
	p.armReadDeadline(conn)
	_, peerSawUs, err := readAddrPair(conn)
	if err != nil {
		conn.Close()
		return err
	}
	p.mgr.learnOurAddr(peerSawUs)

	policy := p.mgr.policies.Get(p.peerType)
	forceNewAuth := false

	for attempts := 0; attempts < maxHandshakeRounds; attempts++ {
		auth, err := p.mgr.authenticator.Build(p.peerType, forceNewAuth)
		if err != nil {
			conn.Close()
			return fmt.Errorf("%w: build authorizer: %v", ErrAuthRejected, err)
		}
		authRetried := forceNewAuth
		forceNewAuth = false

		p.mu.Lock()
		rec := ConnectRecord{
			Features:           policy.FeaturesSupported,
			HostType:           uint32(p.mgr.self.Type),
			GlobalSeq:          p.globalSeq,
			ConnectSeq:         p.connectSeq,
			ProtocolVersion:    protocolVersion(p.mgr.self.Type, p.peerType, dirConnect),
			AuthorizerProtocol: 1,
			Authorizer:         auth,
		}
		if policy.Lossy {
			rec.Flags |= ConnectLossy
		}
		p.mu.Unlock()

		if err := writeConnectRecord(conn, rec); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", ErrSocket, err)
		}
		p.armReadDeadline(conn)
		reply, err := readConnectReply(conn)
		if err != nil {
			conn.Close()
			return err
		}

		switch reply.Tag {
		case TagFeatures:
			conn.Close()
			return fmt.Errorf("%w", ErrFeatureMismatch)
		case TagBadProtoVer:
			conn.Close()
			return fmt.Errorf("%w", ErrBadProtocolVer)
		case TagBadAuthorizer:
			if authRetried {
				conn.Close()
				return fmt.Errorf("%w: rejected twice", ErrAuthRejected)
			}
			forceNewAuth = true
			continue
		case TagResetSession:
			p.mu.Lock()
			p.sent = nil
			p.inSeq = 0
			p.inSeqAcked = 0
			p.outSeq = 0
			p.connectSeq = 0
			p.mu.Unlock()
			continue
		case TagRetryGlobal:
			p.mu.Lock()
			if reply.GlobalSeq > p.globalSeq {
				p.globalSeq = reply.GlobalSeq
			}
			p.mu.Unlock()
			continue
		case TagRetrySession:
			p.mu.Lock()
			p.connectSeq = reply.ConnectSeq
			p.mu.Unlock()
			continue
		case TagWait:
			conn.Close()
			p.mu.Lock()
			p.state = StateWait
			p.mu.Unlock()
			return nil
		case TagReady, TagSeq:
			ok, err := p.mgr.authenticator.VerifyReply(p.peerType, reply.Authorizer)
			if err != nil || !ok {
				conn.Close()
				return fmt.Errorf("%w: authorizer reply", ErrAuthRejected)
			}

			p.mu.Lock()
			p.conn = conn
			p.features = reply.Features & policy.FeaturesSupported
			p.useSrcAddr = p.features&FeatureNoSrcAddr == 0
			p.policy = policy
			p.lossy = policy.Lossy
			p.connectSeq++
			p.mu.Unlock()

			if reply.Tag == TagSeq {
				if err := p.exchangeInSeq(conn); err != nil {
					conn.Close()
					return err
				}
			}

			p.mu.Lock()
			p.state = StateOpen
			p.mu.Unlock()

			p.mgr.registerPipe(p)

			p.mu.Lock()
			alreadyReading := p.readerStarted
			p.readerStarted = true
			p.mu.Unlock()
			if !alreadyReading {
				go p.readerMain()
			}
			return nil
		default:
			conn.Close()
			return fmt.Errorf("%w: unexpected reply tag %d", ErrDecode, reply.Tag)
		}
	}
	return fmt.Errorf("%w: connect handshake exceeded %d rounds", ErrTimeout, maxHandshakeRounds)
}

// maxHandshakeRounds bounds the RETRY_SESSION/RETRY_GLOBAL loop: an
// unbounded loop here would let a malicious or buggy peer spin a pipe
// forever.
const maxHandshakeRounds = 16

// --- fault handling ---

// fault is the single entry point for error handling.
func (p *Pipe) fault(onConnect, onRead bool) {
	p.mgr.metrics.pipesFaulted.Add(1)

	p.mu.Lock()
	if p.state == StateClosed || p.state == StateClosing {
		p.mu.Unlock()
		return
	}
	p.closeSocketLocked()

	if p.lossy {
		p.sent = nil
		p.outQ = make(map[byte]*outLane)
		drained := p.drainInboundLocked()
		p.state = StateClosed
		conn := p.connection
		p.cond.Broadcast()
		p.mu.Unlock()

		p.releaseThrottleCredit(drained)
		p.mgr.dispatchQueue.Discard(p)
		if conn != nil {
			p.mgr.dispatch(Event{Kind: EventRemoteReset, Connection: conn})
		}
		p.mgr.scheduleReap(p)
		return
	}

	// Durable: requeue unacked tail ahead of new traffic, then either go
	// idle (Standby) or reconnect (Connecting).
	tail := p.sent
	p.sent = nil
	if len(tail) > 0 {
		lane, ok := p.outQ[highestPriority]
		if !ok {
			lane = &outLane{}
			p.outQ[highestPriority] = lane
		}
		lane.prependAll(tail)
	}

	if p.outboundEmptyLocked() {
		if onConnect && p.faultCount == 0 {
			drained := p.drainInboundLocked()
			p.state = StateClosed
			conn := p.connection
			p.cond.Broadcast()
			p.mu.Unlock()
			p.releaseThrottleCredit(drained)
			p.mgr.dispatchQueue.Discard(p)
			if conn != nil {
				p.mgr.dispatch(Event{Kind: EventReset, Connection: conn})
			}
			p.mgr.scheduleReap(p)
			return
		}
		wasStandby := p.state == StateStandby
		p.state = StateStandby
		conn := p.connection
		p.cond.Broadcast()
		p.mu.Unlock()
		if conn != nil && !wasStandby {
			p.mgr.dispatch(Event{Kind: EventReset, Connection: conn})
		}
		return
	}

	already := p.state == StateConnecting
	if !already {
		p.connectSeq++
		p.state = StateConnecting
	}
	p.faultCount++
	backoff := p.backoffDuration()
	conn := p.connection
	p.cond.Broadcast()
	p.mu.Unlock()

	if conn != nil {
		p.mgr.dispatch(Event{Kind: EventReset, Connection: conn})
	}

	p.interruptibleSleep(backoff)
}

// releaseThrottleCredit returns n bytes to both the policy-scoped and
// dispatch-scoped throttlers. Must be called without p.mu held.
func (p *Pipe) releaseThrottleCredit(n int64) {
	if n <= 0 {
		return
	}
	if p.policy.Throttle != nil {
		p.policy.Throttle.Release(n)
	}
	if p.mgr.dispatchThrottle != nil {
		p.mgr.dispatchThrottle.Release(n)
	}
}

func (p *Pipe) backoffDuration() time.Duration {
	initial := p.mgr.config.InitialBackoff
	max := p.mgr.config.MaxBackoff
	d := initial
	for i := 1; i < p.faultCount; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return d
}

func (p *Pipe) interruptibleSleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.mgr.shutdownCh:
	}
}

func (p *Pipe) closeSocket() {
	p.mu.Lock()
	p.closeSocketLocked()
	p.mu.Unlock()
}

func (p *Pipe) closeSocketLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// --- reap ---

// waitTerminal blocks until both the reader and writer goroutines that
// were started for this pipe have exited.
func (p *Pipe) waitTerminal() {
	p.mu.Lock()
	readerStarted := p.readerStarted
	writerStarted := p.writerStarted
	p.mu.Unlock()
	if readerStarted {
		<-p.readerDone
	}
	if writerStarted {
		<-p.writerDone
	}
}
