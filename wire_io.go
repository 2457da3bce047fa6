package msgr

// Small io.Reader/io.Writer helpers shared by the handshake and
// steady-state paths in pipe.go. Kept separate from frame.go, which holds
// the record and frame encoders and decoders.

import (
	"encoding/binary"
	"fmt"
	"io"
)

func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	return n, nil
}

func writeFrame(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocket, err)
	}
	return nil
}

func readTag(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	return buf[0], nil
}

// writeAddrPair sends the two addresses exchanged right after the banner:
// the address the sender believes is its own, followed by the address the
// sender believes the peer is connecting from. The connecting side learns
// its own public address from the second address it reads; the accepting
// side does not use it.
func writeAddrPair(w io.Writer, mine, peerSeen EntityAddr) error {
	buf := mine.encode(make([]byte, 0, 2*entityAddrWireLen))
	buf = peerSeen.encode(buf)
	return writeFrame(w, buf)
}

func readAddrPair(r io.Reader) (mine, peerSeen EntityAddr, err error) {
	buf := make([]byte, 2*entityAddrWireLen)
	if _, err = readFull(r, buf); err != nil {
		return
	}
	var rest []byte
	mine, rest, err = decodeEntityAddr(buf)
	if err != nil {
		return
	}
	peerSeen, _, err = decodeEntityAddr(rest)
	return
}

// writeAckLikeSeq/readAckLikeSeq exchange a bare in_seq value during the
// SEQ reconnect handshake. Distinct from the steady-state ACK frame: no
// tag byte, and little-endian like the rest of the handshake records
// rather than the ACK frame's big-endian payload.
func writeAckLikeSeq(w io.Writer, seq uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	return writeFrame(w, buf[:])
}

func readAckLikeSeq(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
