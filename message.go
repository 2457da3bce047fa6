package msgr

import (
	"sync"
)

// Flag bits for Header.Flags (message-level, distinct from Footer.Flags).
const (
	FlagNone byte = 0
)

// Footer completion flag.
const (
	FooterComplete byte = 1 << 0
)

// Header is the fixed-size prefix of a MSG frame. Two layouts
// share this struct: the NOSRCADDR layout omits SrcAddr on the wire; the
// legacy layout includes it. Which one a pipe uses is decided by the
// peer's negotiated FeatureNoSrcAddr bit (see frame.go).
type Header struct {
	Seq           uint64
	Tid           uint64
	Type          uint16
	Priority      uint16
	Version       uint16
	FrontLen      uint32
	MiddleLen     uint32
	DataLen       uint32
	DataOff       uint16
	Src           EntityName
	SrcAddr       EntityAddr // only populated/encoded in the legacy layout
	CompatVersion uint16
	Flags         byte
	CRC           uint32
}

// Footer trails the payload sections of a MSG frame.
type Footer struct {
	FrontCRC  uint32
	MiddleCRC uint32
	DataCRC   uint32
	Sig       uint64
	Flags     byte
}

func (f Footer) Aborted() bool { return f.Flags&FooterComplete == 0 }

// Message is a (header, payload, middle, data, footer) tuple plus the
// routing metadata the messenger needs to place it on the wire and track
// its lifecycle. Ownership: once handed to Messenger.SendMessage or
// SendToConnection, the
// messenger exclusively owns it until released after dispatch, discarded
// on a lossy reset, or returned to the caller on shutdown.
type Message struct {
	Header Header
	Footer Footer

	Front  []byte // the application payload, opaque to the messenger
	Middle []byte
	Data   []byte

	// Routing metadata, not part of the wire header.
	Source      EntityName
	Dest        EntityAddr
	Priority    byte
	Connection  *Connection
	Seq         uint64 // assigned by the writer at send time
	throttleLen int64  // bytes charged against the policy/dispatch throttlers
}

// wireLen returns the number of payload bytes (front+middle+data) the
// throttlers must account for.
func (m *Message) wireLen() int64 {
	return int64(len(m.Front) + len(m.Middle) + len(m.Data))
}

// Connection is the application-facing handle for a logical peer session.
// It survives Pipe replacement: the pipe field is a protected slot,
// mutable only under mu, so a caller racing with a replacement observes
// either the old or the new pipe, never a dangling reference.
type Connection struct {
	mu sync.Mutex

	PeerAddr EntityAddr
	PeerType EntityType
	Features uint64

	pipe *Pipe

	// recvBuffers maps a transaction id to a caller-registered buffer for
	// zero-copy data receive. Rarely populated; most callers let the
	// reader allocate storage itself. That storage is an ordinary Go byte
	// slice with no page alignment, whatever the header's data offset.
	recvMu      sync.Mutex
	recvBuffers map[uint64][]byte
}

func newConnection(addr EntityAddr, peerType EntityType) *Connection {
	return &Connection{
		PeerAddr:    addr,
		PeerType:    peerType,
		recvBuffers: make(map[uint64][]byte),
	}
}

// currentPipe returns the pipe currently backing this connection.
func (c *Connection) currentPipe() *Pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipe
}

// setPipe atomically substitutes the backing pipe, used both on initial
// construction and on replacement.
func (c *Connection) setPipe(p *Pipe) {
	c.mu.Lock()
	c.pipe = p
	c.mu.Unlock()
}

// clearPipe detaches the connection from a pipe that reap is tearing
// down, but only if that pipe is still the current one (a replacement
// may have already moved the connection on).
func (c *Connection) clearPipe(p *Pipe) {
	c.mu.Lock()
	if c.pipe == p {
		c.pipe = nil
	}
	c.mu.Unlock()
}

// RegisterRecvBuffer installs a caller-owned buffer that the reader will
// fill directly for the data section of the message bearing tid, instead
// of allocating a plain (not page-aligned) byte slice itself.
func (c *Connection) RegisterRecvBuffer(tid uint64, buf []byte) {
	c.recvMu.Lock()
	c.recvBuffers[tid] = buf
	c.recvMu.Unlock()
}

func (c *Connection) takeRecvBuffer(tid uint64) ([]byte, bool) {
	c.recvMu.Lock()
	buf, ok := c.recvBuffers[tid]
	if ok {
		delete(c.recvBuffers, tid)
	}
	c.recvMu.Unlock()
	return buf, ok
}
