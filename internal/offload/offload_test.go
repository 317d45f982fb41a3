package offload

import "testing"

func TestDecodeShortBuffer(t *testing.T) {
	if _, ok := Decode(make([]byte, 9)); ok {
		t.Fatalf("Decode accepted a 9-byte buffer")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Flags:      NeedsCSum,
		GSOType:    GSOTCPv4,
		HdrLen:     54,
		GSOSize:    1460,
		CSumStart:  34,
		CSumOffset: tcpChecksumOffset,
	}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)

	got, ok := Decode(buf)
	if !ok {
		t.Fatalf("Decode rejected a valid header")
	}
	if got != h {
		t.Fatalf("Decode(Encode(h)) = %+v, want %+v", got, h)
	}
}

func TestNoneIsAllZero(t *testing.T) {
	if None.Flags != 0 || None.GSOType != GSONone || None.GSOSize != 0 {
		t.Fatalf("None is not all-zero: %+v", None)
	}
}

func TestStrip(t *testing.T) {
	buf := append(make([]byte, HeaderLen), []byte{1, 2, 3}...)
	got := Strip(buf)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Strip = %v, want [1 2 3]", got)
	}
}

func TestPrependNone(t *testing.T) {
	packet := []byte{0xde, 0xad, 0xbe, 0xef}
	out := PrependNone(packet)
	if len(out) != HeaderLen+len(packet) {
		t.Fatalf("len(PrependNone) = %d, want %d", len(out), HeaderLen+len(packet))
	}
	h, ok := Decode(out)
	if !ok || h != None {
		t.Fatalf("PrependNone header = %+v, want zero header", h)
	}
	if string(out[HeaderLen:]) != string(packet) {
		t.Fatalf("PrependNone payload corrupted")
	}
}

func buildIPv4TCP() []byte {
	buf := make([]byte, 40)
	buf[0] = 0x45
	buf[9] = protocolTCP
	return buf
}

func TestPrependChecksumOffloadIPv4TCP(t *testing.T) {
	packet := buildIPv4TCP()
	out := PrependChecksumOffload(packet)
	h, ok := Decode(out)
	if !ok {
		t.Fatalf("Decode rejected PrependChecksumOffload output")
	}
	if h.Flags != NeedsCSum {
		t.Fatalf("Flags = %d, want NeedsCSum", h.Flags)
	}
	if h.CSumStart != 20 {
		t.Fatalf("CSumStart = %d, want 20", h.CSumStart)
	}
	if h.CSumOffset != tcpChecksumOffset {
		t.Fatalf("CSumOffset = %d, want %d", h.CSumOffset, tcpChecksumOffset)
	}
}

func TestPrependChecksumOffloadIPv6UDP(t *testing.T) {
	packet := make([]byte, 48)
	packet[0] = 0x60
	packet[6] = protocolUDP
	out := PrependChecksumOffload(packet)
	h, _ := Decode(out)
	if h.CSumStart != 40 || h.CSumOffset != udpChecksumOffset {
		t.Fatalf("header = %+v, want CSumStart=40 CSumOffset=%d", h, udpChecksumOffset)
	}
}

func TestPrependChecksumOffloadFallsBackOnUnsupportedProtocol(t *testing.T) {
	packet := make([]byte, 20)
	packet[0] = 0x45
	packet[9] = 1 // ICMP
	out := PrependChecksumOffload(packet)
	h, _ := Decode(out)
	if h != None {
		t.Fatalf("header = %+v, want None for ICMP", h)
	}
}

func TestPrependChecksumOffloadEmptyPacket(t *testing.T) {
	out := PrependChecksumOffload(nil)
	if len(out) != HeaderLen {
		t.Fatalf("len(out) = %d, want %d for empty packet", len(out), HeaderLen)
	}
}
