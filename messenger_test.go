package msgr

import (
	"testing"
	"time"
)

type fakeAuthenticator struct{}

func (fakeAuthenticator) Build(peerType EntityType, force bool) ([]byte, error) {
	return []byte("token"), nil
}

func (fakeAuthenticator) Verify(peerType EntityType, authorizer []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (fakeAuthenticator) VerifyReply(peerType EntityType, replyBlob []byte) (bool, error) {
	return true, nil
}

type collectingDispatcher struct {
	events chan Event
}

func newCollectingDispatcher() *collectingDispatcher {
	return &collectingDispatcher{events: make(chan Event, 64)}
}

func (d *collectingDispatcher) Dispatch(ev Event) {
	d.events <- ev
}

func testMessenger(t *testing.T, self EntityName, dispatcher Dispatcher) *Messenger {
	t.Helper()
	return testMessengerWithLossy(t, self, dispatcher, false)
}

// testMessengerWithLossy is testMessenger with the peer policy's Lossy
// flag under the caller's control, for tests that need one side to drop
// its session on fault instead of retaining it for replay.
func testMessengerWithLossy(t *testing.T, self EntityName, dispatcher Dispatcher, lossy bool) *Messenger {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.PortStart = 0
	cfg.PortEnd = 0
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond

	policies := NewPolicyMap()
	policies.Set(EntityObjectServer, Policy{
		Lossy:             lossy,
		Server:            self.ID == 1, // entity 1 always wins same-connect_seq races
		FeaturesSupported: FeatureReconnectSeq | FeatureNoSrcAddr,
	})

	m := NewMessenger(self, cfg, policies, fakeAuthenticator{}, nil, dispatcher)
	if err := m.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown()
	})
	return m
}

func waitForEvent(t *testing.T, ch chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestMessengerSendAndReceiveOverLoopback(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)
	msg := &Message{
		Header: Header{Type: 7},
		Front:  []byte("hello from A"),
	}
	if err := mgrA.SendToConnection(conn, msg); err != nil {
		t.Fatalf("SendToConnection: %v", err)
	}

	ev := waitForEvent(t, dispB.events, EventMessage, 5*time.Second)
	if string(ev.Message.Front) != "hello from A" {
		t.Fatalf("got front %q, want %q", ev.Message.Front, "hello from A")
	}
	if ev.Message.Header.Seq != 1 {
		t.Fatalf("first message should carry seq 1, got %d", ev.Message.Header.Seq)
	}
}

// TestMessengerSendToOwnAddressBypassesSocket covers the self-addressed
// send_message short-circuit: a Messenger sending to its own bound
// address never dials itself, it hands the message straight to its own
// dispatch queue.
func TestMessengerSendToOwnAddressBypassesSocket(t *testing.T) {
	disp := newCollectingDispatcher()
	mgr := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, disp)

	conn := mgr.GetConnection(mgr.localAddr(), EntityObjectServer)
	p := conn.currentPipe()
	if p == nil || !p.loopback {
		t.Fatalf("self-addressed GetConnection should return a loopback pipe, got %+v", p)
	}
	if got := p.State(); got != StateOpen {
		t.Fatalf("loopback pipe state = %v, want StateOpen (no handshake needed)", got)
	}

	msg := &Message{Header: Header{Type: 3}, Front: []byte("hello, me")}
	if err := mgr.SendToConnection(conn, msg); err != nil {
		t.Fatalf("SendToConnection: %v", err)
	}

	ev := waitForEvent(t, disp.events, EventMessage, 5*time.Second)
	if string(ev.Message.Front) != "hello, me" {
		t.Fatalf("got front %q, want %q", ev.Message.Front, "hello, me")
	}
}

func TestMessengerDuplicateSeqIsSuppressed(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)
	for i := 0; i < 3; i++ {
		msg := &Message{Header: Header{Type: 1}, Front: []byte("m")}
		if err := mgrA.SendToConnection(conn, msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		ev := waitForEvent(t, dispB.events, EventMessage, 5*time.Second)
		if seen[ev.Message.Header.Seq] {
			t.Fatalf("seq %d delivered twice", ev.Message.Header.Seq)
		}
		seen[ev.Message.Header.Seq] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct sequence numbers, got %d", len(seen))
	}
}

func TestMessengerMarkDownFaultsThePipe(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)
	msg := &Message{Header: Header{Type: 1}, Front: []byte("ping")}
	if err := mgrA.SendToConnection(conn, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForEvent(t, dispB.events, EventMessage, 5*time.Second)

	mgrA.MarkDown(conn)
	waitForEvent(t, dispA.events, EventReset, 5*time.Second)
}
