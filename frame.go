package msgr

// Frame Codec — bit-exact framing of the banner, handshake records, and
// steady-state tagged frames.
//
// Wire shape: banner, then repeated (connect, connect_reply) handshake
// records, then a stream of tagged frames:
//
//	KEEPALIVE := tag
//	ACK       := tag, seq:u64 (big-endian — the one field on the wire that
//	             is not little-endian)
//	MSG       := tag, header, front, middle, data, footer
//	CLOSE     := tag
//
// Everything else (banner, addresses, connect/connect_reply records, the
// message header and footer) uses the project's standard little-endian
// encoding. Any short read, bad magic, bad CRC, bad tag, or truncated
// authorizer returns a typed decode error. A header CRC mismatch faults
// the reader; a front/middle/data CRC mismatch only drops that message.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// banner is the fixed magic string sent first by each side of a new TCP
// connection, before any handshake record.
const banner = "msgr 010\n"

// Tag values, one byte each.
const (
	TagReady         byte = 1
	TagResetSession  byte = 2
	TagWait          byte = 3
	TagRetrySession  byte = 4
	TagRetryGlobal   byte = 5
	TagBadProtoVer   byte = 6
	TagBadAuthorizer byte = 7
	TagFeatures      byte = 8
	TagSeq           byte = 9
	TagMsg           byte = 10
	TagAck           byte = 11
	TagKeepalive     byte = 12
	TagClose         byte = 13
)

// ConnectLossy is the one flag bit defined on connect records: the peer
// declares its side of the channel lossy.
const ConnectLossy byte = 1 << 0

// castagnoliTable is the standard CRC32C (Castagnoli) polynomial variant
// used throughout the wire format, matching hash/crc32's built-in table —
// no third-party crc32c implementation is warranted when the stdlib
// already exposes exactly this polynomial.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// --- banner ---

func writeBanner(w io.Writer) error {
	_, err := io.WriteString(w, banner)
	return err
}

func readBanner(r io.Reader) error {
	buf := make([]byte, len(banner))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: banner: %v", ErrSocket, err)
	}
	if string(buf) != banner {
		return fmt.Errorf("%w: got %q", ErrBadMagic, buf)
	}
	return nil
}

// --- connect / connect_reply records ---

// ConnectRecord is the little-endian record sent repeatedly by the
// connecting side during handshake.
type ConnectRecord struct {
	Features            uint64
	HostType            uint32
	GlobalSeq           uint32
	ConnectSeq          uint32
	ProtocolVersion      uint32
	AuthorizerProtocol   uint32
	Flags               byte
	Authorizer          []byte
}

const connectRecordFixedLen = 8 + 4 + 4 + 4 + 4 + 4 + 4 + 1 // + authorizer_len field

func writeConnectRecord(w io.Writer, c ConnectRecord) error {
	buf := make([]byte, 0, connectRecordFixedLen+len(c.Authorizer))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], c.Features)
	buf = append(buf, tmp[:]...)
	buf = appendU32(buf, c.HostType)
	buf = appendU32(buf, c.GlobalSeq)
	buf = appendU32(buf, c.ConnectSeq)
	buf = appendU32(buf, c.ProtocolVersion)
	buf = appendU32(buf, c.AuthorizerProtocol)
	buf = appendU32(buf, uint32(len(c.Authorizer)))
	buf = append(buf, c.Flags)
	buf = append(buf, c.Authorizer...)
	_, err := w.Write(buf)
	return err
}

func readConnectRecord(r io.Reader) (ConnectRecord, error) {
	var c ConnectRecord
	var fixed [connectRecordFixedLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return c, fmt.Errorf("%w: connect record: %v", ErrSocket, err)
	}
	c.Features = binary.LittleEndian.Uint64(fixed[0:8])
	c.HostType = binary.LittleEndian.Uint32(fixed[8:12])
	c.GlobalSeq = binary.LittleEndian.Uint32(fixed[12:16])
	c.ConnectSeq = binary.LittleEndian.Uint32(fixed[16:20])
	c.ProtocolVersion = binary.LittleEndian.Uint32(fixed[20:24])
	c.AuthorizerProtocol = binary.LittleEndian.Uint32(fixed[24:28])
	authLen := binary.LittleEndian.Uint32(fixed[28:32])
	c.Flags = fixed[32]
	if authLen > 0 {
		if authLen > maxAuthorizerLen {
			return c, fmt.Errorf("%w: authorizer too large (%d)", ErrDecode, authLen)
		}
		c.Authorizer = make([]byte, authLen)
		if _, err := io.ReadFull(r, c.Authorizer); err != nil {
			return c, fmt.Errorf("%w: truncated authorizer: %v", ErrDecode, err)
		}
	}
	return c, nil
}

// maxAuthorizerLen bounds authorizer blobs so a malicious peer can't claim
// an enormous length and force an equally enormous allocation.
const maxAuthorizerLen = 1 << 20

// ConnectReply is the little-endian record sent back by the accepting
// side for every ConnectRecord it processes.
type ConnectReply struct {
	Tag             byte
	Features        uint64
	GlobalSeq       uint32
	ConnectSeq      uint32
	ProtocolVersion uint32
	Flags           byte
	Authorizer      []byte
}

const connectReplyFixedLen = 1 + 8 + 4 + 4 + 4 + 4 + 1

func writeConnectReply(w io.Writer, c ConnectReply) error {
	buf := make([]byte, 0, connectReplyFixedLen+len(c.Authorizer))
	buf = append(buf, c.Tag)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], c.Features)
	buf = append(buf, tmp[:]...)
	buf = appendU32(buf, c.GlobalSeq)
	buf = appendU32(buf, c.ConnectSeq)
	buf = appendU32(buf, c.ProtocolVersion)
	buf = appendU32(buf, uint32(len(c.Authorizer)))
	buf = append(buf, c.Flags)
	buf = append(buf, c.Authorizer...)
	_, err := w.Write(buf)
	return err
}

func readConnectReply(r io.Reader) (ConnectReply, error) {
	var c ConnectReply
	var fixed [connectReplyFixedLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return c, fmt.Errorf("%w: connect reply: %v", ErrSocket, err)
	}
	c.Tag = fixed[0]
	c.Features = binary.LittleEndian.Uint64(fixed[1:9])
	c.GlobalSeq = binary.LittleEndian.Uint32(fixed[9:13])
	c.ConnectSeq = binary.LittleEndian.Uint32(fixed[13:17])
	c.ProtocolVersion = binary.LittleEndian.Uint32(fixed[17:21])
	authLen := binary.LittleEndian.Uint32(fixed[21:25])
	c.Flags = fixed[25]
	if authLen > 0 {
		if authLen > maxAuthorizerLen {
			return c, fmt.Errorf("%w: authorizer too large (%d)", ErrDecode, authLen)
		}
		c.Authorizer = make([]byte, authLen)
		if _, err := io.ReadFull(r, c.Authorizer); err != nil {
			return c, fmt.Errorf("%w: truncated authorizer: %v", ErrDecode, err)
		}
	}
	return c, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// --- message header / footer ---

// headerWireLen returns the encoded length of a header in the given
// layout. useSrcAddr selects the legacy layout, which additionally
// carries the sender's EntityAddr.
func headerWireLen(useSrcAddr bool) int {
	n := 8 + 8 + 2 + 2 + 2 + 4 + 4 + 4 + 2 + (1 + 8) /* EntityName: type u8 + id u64 */ + 2 + 2 + 4
	if useSrcAddr {
		n += entityAddrWireLen
	}
	return n
}

func encodeHeader(h Header, useSrcAddr bool) []byte {
	buf := make([]byte, 0, headerWireLen(useSrcAddr))
	var tmp8 [8]byte

	binary.LittleEndian.PutUint64(tmp8[:], h.Seq)
	buf = append(buf, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], h.Tid)
	buf = append(buf, tmp8[:]...)

	buf = appendU16(buf, h.Type)
	buf = appendU16(buf, h.Priority)
	buf = appendU16(buf, h.Version)

	buf = appendU32(buf, h.FrontLen)
	buf = appendU32(buf, h.MiddleLen)
	buf = appendU32(buf, h.DataLen)
	buf = appendU16(buf, h.DataOff)

	buf = append(buf, byte(h.Src.Type))
	binary.LittleEndian.PutUint64(tmp8[:], h.Src.ID)
	buf = append(buf, tmp8[:]...)

	if useSrcAddr {
		buf = h.SrcAddr.encode(buf)
	}

	buf = appendU16(buf, h.CompatVersion)
	buf = appendU16(buf, 0) // reserved

	crc := crc32c(buf)
	buf = appendU32(buf, crc)
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// decodeHeader parses a header in the given layout and verifies its CRC.
// A CRC mismatch here is fatal to the session, distinct from a DecodeError
// on the payload, which is merely non-fatal message loss.
func decodeHeader(data []byte, useSrcAddr bool) (Header, error) {
	want := headerWireLen(useSrcAddr)
	if len(data) < want {
		return Header{}, fmt.Errorf("%w: short header", ErrDecode)
	}
	body := data[:want-4]
	gotCRC := binary.LittleEndian.Uint32(data[want-4 : want])
	if crc32c(body) != gotCRC {
		return Header{}, fmt.Errorf("%w: header crc", ErrCrcMismatch)
	}

	var h Header
	off := 0
	h.Seq = binary.LittleEndian.Uint64(data[off:])
	off += 8
	h.Tid = binary.LittleEndian.Uint64(data[off:])
	off += 8
	h.Type = binary.LittleEndian.Uint16(data[off:])
	off += 2
	h.Priority = binary.LittleEndian.Uint16(data[off:])
	off += 2
	h.Version = binary.LittleEndian.Uint16(data[off:])
	off += 2
	h.FrontLen = binary.LittleEndian.Uint32(data[off:])
	off += 4
	h.MiddleLen = binary.LittleEndian.Uint32(data[off:])
	off += 4
	h.DataLen = binary.LittleEndian.Uint32(data[off:])
	off += 4
	h.DataOff = binary.LittleEndian.Uint16(data[off:])
	off += 2
	h.Src.Type = EntityType(data[off])
	off += 1
	h.Src.ID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	if useSrcAddr {
		addr, rest, err := decodeEntityAddr(data[off:])
		if err != nil {
			return Header{}, err
		}
		h.SrcAddr = addr
		off = len(data) - len(rest)
	}
	h.CompatVersion = binary.LittleEndian.Uint16(data[off:])
	off += 2
	// reserved u16 skipped
	off += 2
	h.CRC = gotCRC
	return h, nil
}

const footerWireLen = 4 + 4 + 4 + 8 + 1

func encodeFooter(f Footer) []byte {
	buf := make([]byte, 0, footerWireLen)
	buf = appendU32(buf, f.FrontCRC)
	buf = appendU32(buf, f.MiddleCRC)
	buf = appendU32(buf, f.DataCRC)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], f.Sig)
	buf = append(buf, tmp8[:]...)
	buf = append(buf, f.Flags)
	return buf
}

func decodeFooter(data []byte) (Footer, error) {
	if len(data) < footerWireLen {
		return Footer{}, fmt.Errorf("%w: short footer", ErrDecode)
	}
	var f Footer
	f.FrontCRC = binary.LittleEndian.Uint32(data[0:4])
	f.MiddleCRC = binary.LittleEndian.Uint32(data[4:8])
	f.DataCRC = binary.LittleEndian.Uint32(data[8:12])
	f.Sig = binary.LittleEndian.Uint64(data[12:20])
	f.Flags = data[20]
	return f, nil
}

// --- steady-state tagged frames ---

func writeKeepalive(w io.Writer) error {
	_, err := w.Write([]byte{TagKeepalive})
	return err
}

func writeClose(w io.Writer) error {
	_, err := w.Write([]byte{TagClose})
	return err
}

// ACK is the one frame whose payload is big-endian on the wire, unlike
// every other little-endian field.
func writeAck(w io.Writer, seq uint64) error {
	var buf [9]byte
	buf[0] = TagAck
	binary.BigEndian.PutUint64(buf[1:], seq)
	_, err := w.Write(buf[:])
	return err
}

func readAckSeq(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: ack seq: %v", ErrSocket, err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// encodeMsgFrame encodes the MSG tag, header, front/middle/data, and
// footer into a single buffer; the writer in pipe.go sends that buffer to
// the socket in one sendNoSignal call.
func encodeMsgFrame(m *Message, useSrcAddr bool) []byte {
	hdr := encodeHeader(m.Header, useSrcAddr)
	buf := make([]byte, 0, 1+len(hdr)+len(m.Front)+len(m.Middle)+len(m.Data)+footerWireLen)
	buf = append(buf, TagMsg)
	buf = append(buf, hdr...)
	buf = append(buf, m.Front...)
	buf = append(buf, m.Middle...)
	buf = append(buf, m.Data...)

	f := Footer{Flags: FooterComplete}
	if len(m.Front) > 0 {
		f.FrontCRC = crc32c(m.Front)
	}
	if len(m.Middle) > 0 {
		f.MiddleCRC = crc32c(m.Middle)
	}
	if len(m.Data) > 0 {
		f.DataCRC = crc32c(m.Data)
	}
	m.Footer = f
	buf = append(buf, encodeFooter(f)...)
	return buf
}
