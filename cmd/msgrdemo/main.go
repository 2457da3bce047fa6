// msgrdemo starts two messenger endpoints on localhost and exchanges a
// ping/pong pair of JSON-encoded payloads over the wire protocol.
//
// Run:  go run ./cmd/msgrdemo
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/big-pixel-media/msgr"
)

const msgTypePing uint16 = 1
const msgTypePong uint16 = 2

// jsonCodec is a minimal Codec that marshals payloads as JSON into the
// front section. Middle and data are unused by this demo.
type jsonCodec struct{}

func (jsonCodec) EncodePayload(msgType uint16, v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) DecodePayload(msgType uint16, front []byte) (interface{}, error) {
	switch msgType {
	case msgTypePing:
		var p pingPayload
		if err := json.Unmarshal(front, &p); err != nil {
			return nil, err
		}
		return p, nil
	case msgTypePong:
		var p pongPayload
		if err := json.Unmarshal(front, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("msgrdemo: unknown message type %d", msgType)
	}
}

type pingPayload struct {
	Greeting string `json:"greeting"`
}

type pongPayload struct {
	Reply string `json:"reply"`
}

// noopAuthenticator accepts every peer without a real credential check.
// A production deployment would verify a cluster-issued token here.
type noopAuthenticator struct{}

func (noopAuthenticator) Build(peerType msgr.EntityType, force bool) ([]byte, error) {
	return nil, nil
}

func (noopAuthenticator) Verify(peerType msgr.EntityType, authorizer []byte) (bool, []byte, error) {
	return true, nil, nil
}

func (noopAuthenticator) VerifyReply(peerType msgr.EntityType, replyBlob []byte) (bool, error) {
	return true, nil
}

// printDispatcher logs every event it receives, decoding message payloads
// with the demo's jsonCodec.
type printDispatcher struct {
	name  string
	codec msgr.Codec
	done  chan struct{}
}

func (d *printDispatcher) Dispatch(ev msgr.Event) {
	switch ev.Kind {
	case msgr.EventMessage:
		v, err := d.codec.DecodePayload(ev.Message.Header.Type, ev.Message.Front)
		if err != nil {
			log.Printf("[%s] decode error: %v", d.name, err)
			return
		}
		fmt.Printf("[%s] received seq=%d type=%d payload=%+v\n", d.name, ev.Message.Header.Seq, ev.Message.Header.Type, v)
		if pong, ok := v.(pongPayload); ok {
			fmt.Printf("[%s] got pong %q, demo complete\n", d.name, pong.Reply)
		}
		select {
		case <-d.done:
		default:
			close(d.done)
		}
	case msgr.EventConnect:
		fmt.Printf("[%s] connected to %s\n", d.name, ev.Connection.PeerAddr)
	case msgr.EventReset:
		fmt.Printf("[%s] local reset on %s\n", d.name, ev.Connection.PeerAddr)
	case msgr.EventRemoteReset:
		fmt.Printf("[%s] remote reset on %s\n", d.name, ev.Connection.PeerAddr)
	}
}

func main() {
	msgr.InitLogger(slog.LevelWarn)

	policies := msgr.NewPolicyMap()
	policies.Set(msgr.EntityObjectServer, msgr.Policy{
		Lossy:             false,
		Server:            true,
		FeaturesSupported: msgr.FeatureReconnectSeq | msgr.FeatureNoSrcAddr,
	})

	cfgA := msgr.DefaultConfig()
	cfgA.BindAddr = "127.0.0.1:0"
	cfgA.PortStart = 0
	cfgA.PortEnd = 0
	cfgB := cfgA

	codec := jsonCodec{}
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	mA := msgr.NewMessenger(
		msgr.EntityName{Type: msgr.EntityObjectServer, ID: 1},
		cfgA, policies, noopAuthenticator{}, codec,
		&printDispatcher{name: "node-a", codec: codec, done: doneA},
	)
	mB := msgr.NewMessenger(
		msgr.EntityName{Type: msgr.EntityObjectServer, ID: 2},
		cfgB, policies, noopAuthenticator{}, codec,
		&printDispatcher{name: "node-b", codec: codec, done: doneB},
	)

	for name, m := range map[string]*msgr.Messenger{"node-a": mA, "node-b": mB} {
		if err := m.Bind(); err != nil {
			log.Fatalf("%s Bind: %v", name, err)
		}
		if err := m.Start(); err != nil {
			log.Fatalf("%s Start: %v", name, err)
		}
	}
	defer mA.Shutdown()
	defer mB.Shutdown()

	addrA := mA.LocalAddr()
	addrB := mB.LocalAddr()
	fmt.Printf("node-a listening on %s\n", addrA)
	fmt.Printf("node-b listening on %s\n", addrB)

	connAB := mA.GetConnection(addrB, msgr.EntityObjectServer)
	if err := mA.SendPayload(connAB, msgTypePing, 100, pingPayload{Greeting: "hello from node-a"}); err != nil {
		log.Fatalf("SendPayload: %v", err)
	}

	select {
	case <-doneB:
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for node-b to receive ping")
	}

	connBA := mB.GetConnection(addrA, msgr.EntityObjectServer)
	if err := mB.SendPayload(connBA, msgTypePong, 100, pongPayload{Reply: "pong from node-b"}); err != nil {
		log.Fatalf("SendPayload: %v", err)
	}

	select {
	case <-doneA:
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for node-a to receive pong")
	}

	fmt.Println("\ndemo complete")
}
