package msgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Family identifies the address family carried by an EntityAddr, matching
// the wire encoding's family field.
type Family uint16

const (
	FamilyNone Family = 0
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 10
)

// EntityAddr identifies one incarnation of a cluster entity: an IP, a port,
// and a nonce that distinguishes successive processes that reuse the same
// (ip, port) pair across restarts. Addresses compare lexicographically on
// (family, ip, port, nonce); that ordering is what the accept-side race
// table uses to break simultaneous-connect ties (see Messenger.resolveRace).
type EntityAddr struct {
	Family Family
	IP     net.IP
	Port   uint16
	Nonce  uint32
}

// String renders the address the way log lines and error messages expect:
// "ip:port#nonce".
func (a EntityAddr) String() string {
	return fmt.Sprintf("%s:%d#%d", a.IP, a.Port, a.Nonce)
}

// Compare orders two addresses lexicographically on (family, ip, port,
// nonce). A zero result means the two addresses are bit-for-bit identical,
// including nonce — the accept-side race table explicitly requires
// comparing nonce too, since two processes may reuse the same (ip, port).
func (a EntityAddr) Compare(b EntityAddr) int {
	if a.Family != b.Family {
		return int(a.Family) - int(b.Family)
	}
	if c := compareIP(a.IP, b.IP); c != 0 {
		return c
	}
	if a.Port != b.Port {
		return int(a.Port) - int(b.Port)
	}
	if a.Nonce != b.Nonce {
		if a.Nonce < b.Nonce {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts before b under Compare. Used directly by
// the race-resolution table's "peer_addr < our_addr" condition.
func (a EntityAddr) Less(b EntityAddr) bool {
	return a.Compare(b) < 0
}

// EqualEndpoint reports whether a and b name the same (ip, port) pair,
// ignoring nonce. Used to look up a pipe by socket endpoint before the
// nonce of the peer's claimed address is known.
func (a EntityAddr) EqualEndpoint(b EntityAddr) bool {
	return compareIP(a.IP, b.IP) == 0 && a.Port == b.Port
}

func compareIP(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	if a16 == nil || b16 == nil {
		// Fall back to raw byte comparison for malformed/zero IPs rather
		// than treating them as equal.
		return bytes.Compare(a, b)
	}
	for i := range a16 {
		if a16[i] != b16[i] {
			return int(a16[i]) - int(b16[i])
		}
	}
	return 0
}

// encode writes the address in the project's standard little-endian wire
// form: family:u16, port:u16, 16 bytes of address (v4-mapped for v4), nonce:u32.
func (a EntityAddr) encode(buf []byte) []byte {
	var tmp [2 + 2 + 16 + 4]byte
	binary.LittleEndian.PutUint16(tmp[0:2], uint16(a.Family))
	binary.LittleEndian.PutUint16(tmp[2:4], a.Port)
	copy(tmp[4:20], a.IP.To16())
	binary.LittleEndian.PutUint32(tmp[20:24], a.Nonce)
	return append(buf, tmp[:]...)
}

const entityAddrWireLen = 2 + 2 + 16 + 4

func decodeEntityAddr(data []byte) (EntityAddr, []byte, error) {
	if len(data) < entityAddrWireLen {
		return EntityAddr{}, data, fmt.Errorf("%w: short entity address", ErrDecode)
	}
	fam := Family(binary.LittleEndian.Uint16(data[0:2]))
	port := binary.LittleEndian.Uint16(data[2:4])
	ip := make(net.IP, 16)
	copy(ip, data[4:20])
	nonce := binary.LittleEndian.Uint32(data[20:24])
	return EntityAddr{Family: fam, IP: ip, Port: port, Nonce: nonce}, data[entityAddrWireLen:], nil
}

// EntityType enumerates the cluster entity kinds a peer policy is keyed by.
type EntityType uint8

const (
	EntityUnknown        EntityType = 0
	EntityMonitor        EntityType = 1
	EntityObjectServer   EntityType = 2
	EntityMetadataServer EntityType = 3
	EntityClient         EntityType = 4
)

func (t EntityType) String() string {
	switch t {
	case EntityMonitor:
		return "monitor"
	case EntityObjectServer:
		return "object-server"
	case EntityMetadataServer:
		return "metadata-server"
	case EntityClient:
		return "client"
	default:
		return "unknown"
	}
}

// EntityName is the (type, id) pair that names a logical cluster member,
// independent of which address it is currently reachable at.
type EntityName struct {
	Type EntityType
	ID   uint64
}

func (n EntityName) String() string {
	return fmt.Sprintf("%s.%d", n.Type, n.ID)
}
