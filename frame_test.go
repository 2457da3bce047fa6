package msgr

import (
	"bytes"
	"net"
	"testing"
)

func TestHeaderEncodeDecodeRoundTripBothLayouts(t *testing.T) {
	for _, useSrcAddr := range []bool{false, true} {
		h := Header{
			Seq:           42,
			Tid:           7,
			Type:          3,
			Priority:      196,
			Version:       1,
			FrontLen:      10,
			MiddleLen:     0,
			DataLen:       20,
			DataOff:       0,
			Src:           EntityName{Type: EntityObjectServer, ID: 5},
			SrcAddr:       EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.9"), Port: 6801, Nonce: 3},
			CompatVersion: 1,
		}
		buf := encodeHeader(h, useSrcAddr)
		if len(buf) != headerWireLen(useSrcAddr) {
			t.Fatalf("useSrcAddr=%v: encoded length = %d, want %d", useSrcAddr, len(buf), headerWireLen(useSrcAddr))
		}
		got, err := decodeHeader(buf, useSrcAddr)
		if err != nil {
			t.Fatalf("useSrcAddr=%v: decode: %v", useSrcAddr, err)
		}
		if got.Seq != h.Seq || got.Tid != h.Tid || got.Type != h.Type || got.FrontLen != h.FrontLen || got.DataLen != h.DataLen {
			t.Fatalf("useSrcAddr=%v: round trip mismatch: got %+v, want %+v", useSrcAddr, got, h)
		}
		if useSrcAddr && got.SrcAddr.Compare(h.SrcAddr) != 0 {
			t.Fatalf("legacy layout must preserve SrcAddr: got %s, want %s", got.SrcAddr, h.SrcAddr)
		}
		if !useSrcAddr && got.SrcAddr.IP != nil {
			t.Fatalf("NOSRCADDR layout must not carry a src addr, got %s", got.SrcAddr)
		}
	}
}

func TestDecodeHeaderDetectsCRCMismatch(t *testing.T) {
	h := Header{Seq: 1, Src: EntityName{Type: EntityClient, ID: 1}}
	buf := encodeHeader(h, false)
	buf[0] ^= 0xff // corrupt the seq field without touching the trailing CRC
	_, err := decodeHeader(buf, false)
	if !isErr(err, ErrCrcMismatch) {
		t.Fatalf("expected ErrCrcMismatch, got %v", err)
	}
}

func TestFooterEncodeDecodeRoundTrip(t *testing.T) {
	f := Footer{FrontCRC: 1, MiddleCRC: 2, DataCRC: 3, Sig: 0x1122334455, Flags: FooterComplete}
	buf := encodeFooter(f)
	got, err := decodeFooter(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if got.Aborted() {
		t.Fatalf("footer with Complete flag set must not report Aborted")
	}
}

func TestFooterAbortedWhenCompleteFlagMissing(t *testing.T) {
	f := Footer{}
	if !f.Aborted() {
		t.Fatalf("zero-value footer must report Aborted")
	}
}

func TestAckIsBigEndianUnlikeEverythingElse(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAck(&buf, 0x0102030405060708); err != nil {
		t.Fatalf("writeAck: %v", err)
	}
	encoded := buf.Bytes()
	if encoded[0] != TagAck {
		t.Fatalf("expected leading ack tag byte")
	}
	// Big-endian: the most significant byte comes first.
	if encoded[1] != 0x01 || encoded[8] != 0x08 {
		t.Fatalf("ack seq is not big-endian on the wire: % x", encoded[1:])
	}

	seq, err := readAckSeq(bytes.NewReader(encoded[1:]))
	if err != nil {
		t.Fatalf("readAckSeq: %v", err)
	}
	if seq != 0x0102030405060708 {
		t.Fatalf("readAckSeq = %#x, want %#x", seq, 0x0102030405060708)
	}
}

func TestConnectRecordRoundTrip(t *testing.T) {
	rec := ConnectRecord{
		Features:           FeatureReconnectSeq | FeatureNoSrcAddr,
		HostType:           uint32(EntityMonitor),
		GlobalSeq:          4,
		ConnectSeq:         2,
		ProtocolVersion:    11,
		AuthorizerProtocol: 1,
		Flags:              ConnectLossy,
		Authorizer:         []byte("token"),
	}
	var buf bytes.Buffer
	if err := writeConnectRecord(&buf, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readConnectRecord(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Features != rec.Features || got.ConnectSeq != rec.ConnectSeq || string(got.Authorizer) != string(rec.Authorizer) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestReadConnectRecordRejectsOversizedAuthorizer(t *testing.T) {
	var buf bytes.Buffer
	rec := ConnectRecord{}
	if err := writeConnectRecord(&buf, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	// Overwrite the authorizer_len field (last 4 bytes of the fixed
	// prefix before flags) to claim an enormous length.
	raw[connectRecordFixedLen-5] = 0xff
	raw[connectRecordFixedLen-4] = 0xff
	raw[connectRecordFixedLen-3] = 0xff
	raw[connectRecordFixedLen-2] = 0x7f
	_, err := readConnectRecord(bytes.NewReader(raw))
	if !isErr(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for oversized authorizer, got %v", err)
	}
}

func TestConnectReplyRoundTrip(t *testing.T) {
	reply := ConnectReply{
		Tag:             TagSeq,
		Features:        FeatureReconnectSeq,
		GlobalSeq:       9,
		ConnectSeq:      3,
		ProtocolVersion: 9,
		Authorizer:      []byte("reply-blob"),
	}
	var buf bytes.Buffer
	if err := writeConnectReply(&buf, reply); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readConnectReply(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Tag != reply.Tag || got.GlobalSeq != reply.GlobalSeq || string(got.Authorizer) != string(reply.Authorizer) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, reply)
	}
}

func TestBannerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBanner(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := readBanner(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestReadBannerRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("not a real banner!")
	err := readBanner(buf)
	if !isErr(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestEncodeMsgFrameSetsPerSectionCRCs(t *testing.T) {
	m := &Message{
		Header: Header{Src: EntityName{Type: EntityClient, ID: 1}},
		Front:  []byte("hello"),
		Middle: []byte("mid"),
		Data:   []byte("data-section"),
	}
	frame := encodeMsgFrame(m, false)
	if frame[0] != TagMsg {
		t.Fatalf("expected leading MSG tag")
	}
	if m.Footer.FrontCRC != crc32c(m.Front) {
		t.Fatalf("front crc not recorded on message footer")
	}
	if m.Footer.Aborted() {
		t.Fatalf("encodeMsgFrame must mark the footer complete")
	}
}
