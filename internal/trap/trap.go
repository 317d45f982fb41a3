// Package trap detects TCP SYNs on the ingress path, clamps their MSS
// option down to the configured egress MTU, and recomputes the IP and
// TCP checksums over the mutated copy.
package trap

import (
	"net/netip"

	"github.com/rs/xid"
	"inet.af/netstack/tcpip"
	"inet.af/netstack/tcpip/header"

	"github.com/mciart/prism/internal/classify"
)

// Event is the (destination endpoint, mutated SYN packet) pair
// produced when a pure SYN is observed on the TUN.
type Event struct {
	// ID correlates this trap across the handshake and engine logs; it
	// has no meaning beyond that.
	ID string
	// Dst is the SYN's destination IP and port.
	Dst netip.AddrPort
	// Packet is an owning copy of the original SYN, with its MSS
	// option clamped and checksums recomputed.
	Packet []byte
	// Clamped reports whether the advertised MSS actually exceeded
	// egressMTU and was rewritten. False means the MSS option was left
	// as is; Packet still carries freshly recomputed checksums, so it
	// equals the input SYN only when the input's checksums were valid.
	Clamped bool
}

const (
	tcpFlagFIN = 1 << 0
	tcpFlagSYN = 1 << 1
	tcpFlagRST = 1 << 2
	tcpFlagACK = 1 << 4

	tcpMinHeaderLen = 20

	mssOptionKind = 2
	mssOptionLen  = 4
	optEOL        = 0
	optNOP        = 1
)

// Inspect examines buf (already known to classify as TCP) and, if it
// carries a pure SYN (SYN=1, ACK=0, RST=0) with a well-formed TCP
// header, returns a Trap Event holding an MSS-clamped, checksum-valid
// copy of buf. It returns (Event{}, false) for anything else,
// including malformed input, which the caller should drop silently.
func Inspect(buf []byte, egressMTU uint16) (Event, bool) {
	tcpOff, ok := classify.TCPHeaderOffset(buf)
	if !ok {
		return Event{}, false
	}
	if len(buf) < tcpOff+tcpMinHeaderLen {
		return Event{}, false
	}
	flags := buf[tcpOff+13]
	if flags&tcpFlagSYN == 0 || flags&tcpFlagACK != 0 || flags&tcpFlagRST != 0 {
		return Event{}, false
	}
	dataOffset := int(buf[tcpOff+12]>>4) * 4
	if dataOffset < tcpMinHeaderLen || tcpOff+dataOffset > len(buf) {
		return Event{}, false
	}

	dstPort := uint16(buf[tcpOff+2])<<8 | uint16(buf[tcpOff+3])

	out := make([]byte, len(buf))
	copy(out, buf)

	clamped := clampMSS(out[tcpOff:tcpOff+dataOffset], egressMTU)

	var dstIP netip.Addr
	switch out[0] >> 4 {
	case 4:
		recomputeIPv4(out, tcpOff)
		a4 := [4]byte{}
		copy(a4[:], out[16:20])
		dstIP = netip.AddrFrom4(a4)
	case 6:
		recomputeIPv6(out, tcpOff)
		a16 := [16]byte{}
		copy(a16[:], out[24:40])
		dstIP = netip.AddrFrom16(a16)
	default:
		return Event{}, false
	}

	return Event{
		ID:      xid.New().String(),
		Dst:     netip.AddrPortFrom(dstIP, dstPort),
		Packet:  out,
		Clamped: clamped,
	}, true
}

// clampMSS scans the TCP options area (tcpHeader[20:dataOffset]) for
// the MSS option and overwrites its value with egressMTU when the
// advertised MSS exceeds it, reporting whether it did so. Applying
// this twice to the same bytes is idempotent: once clamped, the
// stored value is <= egressMTU and the second pass reports false.
func clampMSS(tcpHeader []byte, egressMTU uint16) bool {
	if len(tcpHeader) < tcpMinHeaderLen {
		return false
	}
	opts := tcpHeader[tcpMinHeaderLen:]
	i := 0
	for i < len(opts) {
		kind := opts[i]
		if kind == optEOL || kind == optNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		optLen := int(opts[i+1])
		if optLen < 2 || i+optLen > len(opts) {
			break
		}
		if kind == mssOptionKind && optLen == mssOptionLen {
			mss := uint16(opts[i+2])<<8 | uint16(opts[i+3])
			if mss > egressMTU {
				opts[i+2] = byte(egressMTU >> 8)
				opts[i+3] = byte(egressMTU)
				return true
			}
			return false // MSS appears at most once.
		}
		i += optLen
	}
	return false
}

func recomputeIPv4(pkt []byte, tcpOff int) {
	ihl := int(pkt[0]&0x0f) * 4
	ip := header.IPv4(pkt[:ihl])
	tcp := header.TCP(pkt[tcpOff:])

	srcAddr := tcpip.Address(pkt[12:16])
	dstAddr := tcpip.Address(pkt[16:20])

	tcpLen := uint16(len(pkt) - tcpOff)
	tcp.SetChecksum(0)
	pseudoSum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, srcAddr, dstAddr, tcpLen)
	pseudoSum = header.Checksum(pkt[tcpOff+int(tcp.DataOffset()):], pseudoSum)
	tcp.SetChecksum(^tcp.CalculateChecksum(pseudoSum))

	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
}

func recomputeIPv6(pkt []byte, tcpOff int) {
	tcp := header.TCP(pkt[tcpOff:])

	srcAddr := tcpip.Address(pkt[8:24])
	dstAddr := tcpip.Address(pkt[24:40])

	tcpLen := uint16(len(pkt) - tcpOff)
	tcp.SetChecksum(0)
	pseudoSum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, srcAddr, dstAddr, tcpLen)
	pseudoSum = header.Checksum(pkt[tcpOff+int(tcp.DataOffset()):], pseudoSum)
	tcp.SetChecksum(^tcp.CalculateChecksum(pseudoSum))
}
