package msgr

import (
	"testing"
	"time"
)

func TestPipeStateString(t *testing.T) {
	cases := map[PipeState]string{
		StateAccepting:  "accepting",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateStandby:    "standby",
		StateWait:       "wait",
		StateClosing:    "closing",
		StateClosed:     "closed",
		PipeState(99):   "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("PipeState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestOutLaneFIFOOrder(t *testing.T) {
	var lane outLane
	for i := 0; i < 3; i++ {
		lane.pushBack(&Message{Header: Header{Type: uint16(i)}})
	}
	for i := 0; i < 3; i++ {
		m := lane.popFront()
		if m == nil || m.Header.Type != uint16(i) {
			t.Fatalf("popFront %d: got %v, want type %d", i, m, i)
		}
	}
	if m := lane.popFront(); m != nil {
		t.Fatalf("popFront on empty lane returned %v, want nil", m)
	}
}

func TestOutLanePrependAllOrdersAheadOfQueue(t *testing.T) {
	var lane outLane
	lane.pushBack(&Message{Header: Header{Type: 10}})
	lane.prependAll([]*Message{
		{Header: Header{Type: 1}},
		{Header: Header{Type: 2}},
	})
	wantOrder := []uint16{1, 2, 10}
	for i, want := range wantOrder {
		m := lane.popFront()
		if m == nil || m.Header.Type != want {
			t.Fatalf("item %d: got %v, want type %d", i, m, want)
		}
	}
}

func newTestPipeForUnit() *Pipe {
	mgr := &Messenger{
		config: Config{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
	p := newPipe(mgr, EntityAddr{}, EntityObjectServer, Policy{})
	return p
}

func TestPopHighestOutboundLockedPicksHighestPriority(t *testing.T) {
	p := newTestPipeForUnit()
	low := &Message{Header: Header{Type: 1}}
	high := &Message{Header: Header{Type: 2}}
	mid := &Message{Header: Header{Type: 3}}
	p.outQ[10] = &outLane{items: []*Message{low}}
	p.outQ[200] = &outLane{items: []*Message{high}}
	p.outQ[100] = &outLane{items: []*Message{mid}}

	got := p.popHighestOutboundLocked()
	if got != high {
		t.Fatalf("popHighestOutboundLocked picked %v, want the priority-200 message", got)
	}
}

func TestOutboundEmptyLocked(t *testing.T) {
	p := newTestPipeForUnit()
	if !p.outboundEmptyLocked() {
		t.Fatal("freshly constructed pipe should report empty outbound")
	}
	p.outQ[5] = &outLane{items: []*Message{{}}}
	if p.outboundEmptyLocked() {
		t.Fatal("pipe with a queued message should not report empty outbound")
	}
	p.outQ[5].popFront()
	if !p.outboundEmptyLocked() {
		t.Fatal("pipe with only an empty lane should report empty outbound")
	}
}

func TestPruneSentLockedDropsAckedPrefix(t *testing.T) {
	p := newTestPipeForUnit()
	for seq := uint64(1); seq <= 5; seq++ {
		p.sent = append(p.sent, &Message{Seq: seq})
	}
	p.pruneSentLocked(3)
	if len(p.sent) != 2 {
		t.Fatalf("expected 2 unacked entries left, got %d", len(p.sent))
	}
	if p.sent[0].Seq != 4 || p.sent[1].Seq != 5 {
		t.Fatalf("unexpected remaining seqs: %d, %d", p.sent[0].Seq, p.sent[1].Seq)
	}
}

func TestPruneSentLockedAckingEverythingEmptiesSlice(t *testing.T) {
	p := newTestPipeForUnit()
	p.sent = append(p.sent, &Message{Seq: 1}, &Message{Seq: 2})
	p.pruneSentLocked(2)
	if len(p.sent) != 0 {
		t.Fatalf("expected empty sent slice, got %d entries", len(p.sent))
	}
}

func TestBackoffDurationCapsAtMax(t *testing.T) {
	p := newTestPipeForUnit()
	p.faultCount = 1
	first := p.backoffDuration()
	if first != p.mgr.config.InitialBackoff {
		t.Fatalf("first fault backoff = %v, want initial %v", first, p.mgr.config.InitialBackoff)
	}

	p.faultCount = 2
	second := p.backoffDuration()
	if second <= first {
		t.Fatalf("backoff did not grow: first=%v second=%v", first, second)
	}

	p.faultCount = 20
	capped := p.backoffDuration()
	if capped != p.mgr.config.MaxBackoff {
		t.Fatalf("backoff at high fault count = %v, want cap %v", capped, p.mgr.config.MaxBackoff)
	}
}

func TestDrainInboundLockedSumsAndClears(t *testing.T) {
	p := newTestPipeForUnit()
	p.inQ[10] = []*Message{{throttleLen: 100}, {throttleLen: 50}}
	p.inQ[20] = []*Message{{throttleLen: 25}}

	total := p.drainInboundLocked()
	if total != 175 {
		t.Fatalf("drainInboundLocked total = %d, want 175", total)
	}
	if len(p.inQ) != 0 {
		t.Fatalf("drainInboundLocked left %d priority lanes, want 0", len(p.inQ))
	}
}

func TestSnapshotReportsIdleSeconds(t *testing.T) {
	p := newTestPipeForUnit()
	now := coarseNow.Load()
	p.lastActivity.Store(now - 7)

	stat := p.Snapshot()
	if stat.IdleSeconds != 7 {
		t.Fatalf("IdleSeconds = %d, want 7", stat.IdleSeconds)
	}
}

func TestEnqueueAddsToPriorityLane(t *testing.T) {
	p := newTestPipeForUnit()
	p.enqueue(&Message{Priority: 50, Header: Header{Type: 1}})
	p.enqueue(&Message{Priority: 50, Header: Header{Type: 2}})

	p.mu.Lock()
	lane := p.outQ[50]
	p.mu.Unlock()
	if lane == nil || len(lane.items) != 2 {
		t.Fatalf("expected 2 queued messages at priority 50, got %v", lane)
	}
}

func TestRequestCloseOnEmptyMarksLossyAndCloseFlag(t *testing.T) {
	p := newTestPipeForUnit()
	p.requestCloseOnEmpty()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lossy {
		t.Fatal("requestCloseOnEmpty should mark the pipe lossy")
	}
	if !p.closeOnEmpty {
		t.Fatal("requestCloseOnEmpty should set closeOnEmpty")
	}
}

// TestPipeFullHandshakeAndDurableFaultGoesStandby exercises the reader/writer
// pair over real loopback TCP end to end: connect, open, exchange a message,
// then fault one side and confirm the durable (non-lossy) policy keeps the
// pipe around in Standby rather than tearing the Connection down.
func TestPipeFullHandshakeAndDurableFaultGoesStandby(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)
	msg := &Message{Header: Header{Type: 1}, Front: []byte("hello")}
	if err := mgrA.SendToConnection(conn, msg); err != nil {
		t.Fatalf("SendToConnection: %v", err)
	}
	waitForEvent(t, dispB.events, EventMessage, 5*time.Second)

	p := conn.currentPipe()
	if p.State() != StateOpen {
		t.Fatalf("pipe state = %v, want open", p.State())
	}

	// Wait for B's ack to prune A's sent[] before faulting, so the fault
	// path sees no unacked tail and takes the direct-to-Standby branch
	// rather than requeueing for an immediate reconnect.
	sentDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(sentDeadline) {
		p.mu.Lock()
		drained := len(p.sent) == 0
		p.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A durable (non-lossy) policy pipe that loses its socket with no
	// pending outbound work goes to Standby rather than Closed, ready to
	// be reused by the next send.
	p.fault(false, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == StateStandby {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipe state after durable fault = %v, want standby", p.State())
}
