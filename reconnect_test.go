package msgr

import (
	"fmt"
	"testing"
	"time"
)

// TestMessengerDurableReconnectReplaysUnackedTail drives a real fault on
// a non-lossy pipe while messages are still queued or in flight, and
// confirms every one of them is still delivered once the pipe
// reconnects and replays its unacked tail, instead of being dropped.
func TestMessengerDurableReconnectReplaysUnackedTail(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)

	// Warm up the handshake so the pipe is fully Open before we race it.
	warmup := &Message{Header: Header{Type: 1}, Front: []byte("warmup")}
	if err := mgrA.SendToConnection(conn, warmup); err != nil {
		t.Fatalf("warmup send: %v", err)
	}
	waitForEvent(t, dispB.events, EventMessage, 5*time.Second)

	const tailLen = 5
	want := make(map[string]bool, tailLen)
	for i := 0; i < tailLen; i++ {
		front := fmt.Sprintf("tail-%d", i)
		want[front] = true
		msg := &Message{Header: Header{Type: 1}, Front: []byte(front)}
		if err := mgrA.SendToConnection(conn, msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Fault the pipe immediately: some of the tail messages may still be
	// queued, others may already be written and awaiting ack. Either way
	// a non-lossy fault must retain them for replay after reconnect.
	mgrA.MarkDown(conn)
	waitForEvent(t, dispA.events, EventReset, 5*time.Second)

	got := make(map[string]bool, tailLen)
	deadline := time.After(10 * time.Second)
	for len(got) < tailLen {
		select {
		case ev := <-dispB.events:
			if ev.Kind != EventMessage {
				continue
			}
			got[string(ev.Message.Front)] = true
		case <-deadline:
			t.Fatalf("timed out waiting for tail replay: got %d/%d (%v)", len(got), tailLen, got)
		}
	}

	for front := range want {
		if !got[front] {
			t.Fatalf("tail message %q was never redelivered after reconnect", front)
		}
	}
}

// TestMessengerLossyFaultResetsSessionInsteadOfRetaining exercises the
// lossy side of fault(): on fault the pipe drops its queued/unacked
// state, dispatches EventRemoteReset rather than retrying, and the
// session is torn down rather than kept around for replay — the next
// inbound attempt for that peer address starts over from connect_seq 1.
func TestMessengerLossyFaultResetsSessionInsteadOfRetaining(t *testing.T) {
	dispA := newCollectingDispatcher()
	dispB := newCollectingDispatcher()
	mgrA := testMessengerWithLossy(t, EntityName{Type: EntityObjectServer, ID: 1}, dispA, true)
	mgrB := testMessenger(t, EntityName{Type: EntityObjectServer, ID: 2}, dispB)

	conn := mgrA.GetConnection(mgrB.localAddr(), EntityObjectServer)
	msg := &Message{Header: Header{Type: 1}, Front: []byte("ping")}
	if err := mgrA.SendToConnection(conn, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitForEvent(t, dispB.events, EventMessage, 5*time.Second)

	mgrA.MarkDown(conn)
	waitForEvent(t, dispA.events, EventRemoteReset, 5*time.Second)

	// The faulted pipe is reaped (not kept around in Standby for replay)
	// since a lossy policy has nothing worth retaining.
	peerKey := mgrB.localAddr().String()
	deadline := time.Now().Add(5 * time.Second)
	for {
		mgrA.mu.RLock()
		_, stillPresent := mgrA.pipesByPeer[peerKey]
		mgrA.mu.RUnlock()
		if !stillPresent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lossy-faulted pipe was never reaped out of pipesByPeer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// With the old pipe gone, the race table treats a fresh inbound
	// attempt for this peer as a brand new session rather than a retry
	// or replace against stale state.
	freshPipe := newPipe(mgrA, mgrB.localAddr(), EntityObjectServer, mgrA.policies.Get(EntityObjectServer))
	action, _ := mgrA.resolveRace(freshPipe, ConnectRecord{ConnectSeq: 0}, true)
	if action != raceFresh {
		t.Fatalf("resolveRace after lossy reap = %v, want raceFresh", action)
	}
}
