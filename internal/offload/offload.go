// Package offload encodes and decodes the 10-byte virtio_net_hdr that
// precedes every packet read from or written to a TUN device opened
// with IFF_VNET_HDR, the same GSO/checksum-offload hint block the
// kernel uses on its tap/virtio-net fast path.
package offload

import "encoding/binary"

// HeaderLen is the wire size of a virtio_net_hdr.
const HeaderLen = 10

// GSO type values from linux/virtio_net.h.
const (
	GSONone  = 0
	GSOTCPv4 = 1
	GSOTCPv6 = 4
)

// NeedsCSum is the only flags bit Prism ever sets: the kernel should
// compute the checksum named by CSumStart/CSumOffset before
// transmitting.
const NeedsCSum = 1

// TCP and UDP checksum field offsets within their respective transport
// headers, the values csum_offset carries for each.
const (
	tcpChecksumOffset = 16
	udpChecksumOffset = 6
)

const (
	protocolTCP = 6
	protocolUDP = 17
)

// Header is a parsed virtio_net_hdr.
type Header struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CSumStart  uint16
	CSumOffset uint16
}

// None is the all-zero header: GSO_NONE, no checksum offload.
var None = Header{}

// Decode parses a virtio_net_hdr from the front of buf.
func Decode(buf []byte) (Header, bool) {
	if len(buf) < HeaderLen {
		return Header{}, false
	}
	return Header{
		Flags:      buf[0],
		GSOType:    buf[1],
		HdrLen:     binary.LittleEndian.Uint16(buf[2:4]),
		GSOSize:    binary.LittleEndian.Uint16(buf[4:6]),
		CSumStart:  binary.LittleEndian.Uint16(buf[6:8]),
		CSumOffset: binary.LittleEndian.Uint16(buf[8:10]),
	}, true
}

// Encode writes h to the front of buf, which must be at least
// HeaderLen bytes.
func (h Header) Encode(buf []byte) {
	buf[0] = h.Flags
	buf[1] = h.GSOType
	binary.LittleEndian.PutUint16(buf[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.CSumStart)
	binary.LittleEndian.PutUint16(buf[8:10], h.CSumOffset)
}

// Strip removes the leading virtio_net_hdr from buf, returning the
// packet that follows it. buf must be at least HeaderLen bytes.
func Strip(buf []byte) []byte {
	return buf[HeaderLen:]
}

// PrependNone allocates a new buffer holding an all-zero
// (GSO_NONE, no-checksum-offload) virtio_net_hdr followed by packet.
// This is the frame Prism writes for anything it doesn't ask the
// kernel to checksum on its behalf.
func PrependNone(packet []byte) []byte {
	out := make([]byte, HeaderLen+len(packet))
	copy(out[HeaderLen:], packet)
	return out
}

// PrependChecksumOffload allocates a new buffer holding a
// virtio_net_hdr that asks the kernel to compute the TCP or UDP
// checksum of packet, followed by packet itself. It falls back to
// PrependNone for anything that isn't a checksummable IPv4/IPv6
// TCP or UDP packet.
func PrependChecksumOffload(packet []byte) []byte {
	if len(packet) == 0 {
		return PrependNone(packet)
	}

	var ipHdrLen int
	var protocol byte
	switch packet[0] >> 4 {
	case 4:
		ipHdrLen = int(packet[0]&0x0f) * 4
		if len(packet) < ipHdrLen+10 {
			return PrependNone(packet)
		}
		protocol = packet[9]
	case 6:
		ipHdrLen = 40
		if len(packet) < ipHdrLen {
			return PrependNone(packet)
		}
		protocol = packet[6]
	default:
		return PrependNone(packet)
	}

	var csumOffset uint16
	switch protocol {
	case protocolTCP:
		csumOffset = tcpChecksumOffset
	case protocolUDP:
		csumOffset = udpChecksumOffset
	default:
		return PrependNone(packet)
	}

	h := Header{
		Flags:      NeedsCSum,
		GSOType:    GSONone,
		CSumStart:  uint16(ipHdrLen),
		CSumOffset: csumOffset,
	}
	out := make([]byte, HeaderLen+len(packet))
	h.Encode(out)
	copy(out[HeaderLen:], packet)
	return out
}
