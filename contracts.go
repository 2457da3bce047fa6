package msgr

// External contracts. Everything in this file is implemented by the
// application embedding the messenger — the request handler, the auth
// token provider, and the wire payload codec are all outside this
// module's scope. Selection of each is per peer type, not per message.

// Codec turns application payloads into the bytes carried in a Message's
// front/middle/data sections and back. The messenger never interprets
// payload bytes itself; it only frames, sequences, and delivers them.
type Codec interface {
	// EncodePayload serializes an application-level value into the front
	// section bytes for a given message type.
	EncodePayload(msgType uint16, v interface{}) (front []byte, err error)
	// DecodePayload reconstructs an application-level value from a
	// message's front section bytes and its declared type.
	DecodePayload(msgType uint16, front []byte) (v interface{}, err error)
}

// Authenticator builds and verifies the opaque authorizer blob attached to
// connect records, on both sides of the handshake. Cryptographic
// transport itself is out of scope — this interface only covers session
// establishment.
type Authenticator interface {
	// Build returns a fresh authorizer blob for the given peer type. force
	// is set on retry after a BADAUTHORIZER reply, asking for a blob that
	// does not reuse any cached/rotated credential.
	Build(peerType EntityType, force bool) ([]byte, error)
	// Verify checks an authorizer blob presented by a connecting peer.
	// A non-nil replyBlob, if any, is echoed back in the connect_reply.
	Verify(peerType EntityType, authorizer []byte) (ok bool, replyBlob []byte, err error)
	// VerifyReply checks the replyBlob the accept side echoed back in a
	// READY/SEQ connect_reply, completing mutual authentication on the
	// connecting side. The connecting side must reject the session if
	// this returns false, rather than trusting the reply unconditionally.
	VerifyReply(peerType EntityType, replyBlob []byte) (ok bool, err error)
}

// EventKind enumerates the four event shapes the Dispatcher receives.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnect
	EventReset
	EventRemoteReset
)

// Event is delivered to the Dispatcher. EventMessage events are delivered
// on the single dispatch goroutine, in per-pipe sequence order.
// EventConnect, EventReset and EventRemoteReset are delivered
// synchronously on the goroutine that raises them (a handshake, reader,
// writer or calling goroutine), so they can run concurrently with message
// delivery and with each other, including for the same pipe.
type Event struct {
	Kind       EventKind
	Connection *Connection
	Message    *Message // set only when Kind == EventMessage
}

// Dispatcher is the external collaborator that receives delivered
// messages and lifecycle notifications. It must not block indefinitely:
// the dispatch-throttler charge for a message is only released once
// Dispatch returns.
type Dispatcher interface {
	// Dispatch delivers one event. Message events arrive on the
	// messenger's single dispatch goroutine; lifecycle events arrive on
	// the goroutine that raised them (see Event).
	Dispatch(ev Event)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ev Event)

func (f DispatcherFunc) Dispatch(ev Event) { f(ev) }
