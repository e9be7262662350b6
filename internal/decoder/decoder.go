// Package decoder turns raw ethernet frame bytes into a Record.
// Decode never allocates persistent state and never panics: every offset is
// bounds-checked and a frame that fails a check is simply discarded.
package decoder

import (
	"encoding/binary"
	"net"
	"time"
)

// Family identifies the network-layer protocol of a decoded frame.
type Family uint8

const (
	// FamilyOther covers any ethertype that is not IPv4 or IPv6; such frames
	// are always discarded before a Record is built.
	FamilyOther Family = iota
	FamilyIPv4
	FamilyIPv6
)

const (
	ethernetHeaderLen = 14
	ethertypeIPv4     = 0x0800
	ethertypeIPv6     = 0x86DD
	ipv4MinHeaderLen  = 20
	ipv6HeaderLen     = 40
	tcpMinHeaderLen   = 20
	protocolTCP       = 6
)

// TCPHeader carries the TCP fields the loss tracker needs. It is only
// populated for TCP segments carried over IPv4, per the capture filter's
// scope (see spec.md §4.1).
type TCPHeader struct {
	SrcPort       uint16
	DstPort       uint16
	Sequence      uint32
	Ack           uint32
	Window        uint16
	PayloadLength int
}

// Record is the decoded form of one ethernet frame. It is transient: callers
// extract what they need and the Record itself is never stored.
type Record struct {
	Family Family
	SrcIP  net.IP
	DstIP  net.IP

	// TCP is non-nil only for Family == FamilyIPv4 segments whose IP protocol
	// number is TCP.
	TCP *TCPHeader

	// CapturedLen is the ethernet frame length, not the IP payload length.
	// Rate accounting bills against this value; see spec.md §4.1.
	CapturedLen int
	Timestamp   time.Time
}

// Decode parses one ethernet frame. capturedLen is the on-wire frame length
// reported by the capture source (it may exceed len(frame) when a capture
// snaplen truncated the data actually delivered). ok is false whenever the
// frame is too short, has an unsupported ethertype, or fails an ethernet or
// IP header bounds check; callers must treat a false ok as a silent discard,
// never an error. An IPv4 frame whose TCP header fails its bounds check is
// still returned with ok true, with TCP left nil.
func Decode(frame []byte, capturedLen int, ts time.Time) (rec Record, ok bool) {
	if len(frame) < ethernetHeaderLen {
		return Record{}, false
	}

	ethertype := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethernetHeaderLen:]

	switch ethertype {
	case ethertypeIPv4:
		return decodeIPv4(payload, capturedLen, ts)
	case ethertypeIPv6:
		return decodeIPv6(payload, capturedLen, ts)
	default:
		return Record{}, false
	}
}

func decodeIPv4(b []byte, capturedLen int, ts time.Time) (Record, bool) {
	if len(b) < ipv4MinHeaderLen {
		return Record{}, false
	}
	if b[0]>>4 != 4 {
		return Record{}, false
	}

	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen || len(b) < ihl {
		return Record{}, false
	}

	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	proto := b[9]

	rec := Record{
		Family:      FamilyIPv4,
		SrcIP:       net.IPv4(b[12], b[13], b[14], b[15]),
		DstIP:       net.IPv4(b[16], b[17], b[18], b[19]),
		CapturedLen: capturedLen,
		Timestamp:   ts,
	}

	if proto != protocolTCP {
		return rec, true
	}

	tcp, ok := decodeTCP(b[ihl:], totalLen-ihl)
	if !ok {
		// Malformed TCP header: still a valid IPv4 record for rate
		// accounting, just without TCP fields (spec.md §7, decoding errors
		// are silently discarded for the offending layer only).
		return rec, true
	}
	rec.TCP = &tcp
	return rec, true
}

func decodeIPv6(b []byte, capturedLen int, ts time.Time) (Record, bool) {
	if len(b) < ipv6HeaderLen {
		return Record{}, false
	}
	if b[0]>>4 != 6 {
		return Record{}, false
	}

	return Record{
		Family:      FamilyIPv6,
		SrcIP:       net.IP(append([]byte(nil), b[8:24]...)),
		DstIP:       net.IP(append([]byte(nil), b[24:40]...)),
		CapturedLen: capturedLen,
		Timestamp:   ts,
	}, true
}

// decodeTCP parses a TCP header starting at b[0]. ipPayloadLen is the number
// of bytes the IP header claims follow it (total length minus IP header
// length); it is used, not len(b), to compute PayloadLength so that a
// snaplen-truncated capture still reports the real on-wire payload size.
func decodeTCP(b []byte, ipPayloadLen int) (TCPHeader, bool) {
	if len(b) < tcpMinHeaderLen {
		return TCPHeader{}, false
	}

	dataOffset := int(b[12]>>4) * 4
	if dataOffset < tcpMinHeaderLen {
		return TCPHeader{}, false
	}

	payloadLen := ipPayloadLen - dataOffset
	if payloadLen < 0 {
		payloadLen = 0
	}

	return TCPHeader{
		SrcPort:       binary.BigEndian.Uint16(b[0:2]),
		DstPort:       binary.BigEndian.Uint16(b[2:4]),
		Sequence:      binary.BigEndian.Uint32(b[4:8]),
		Ack:           binary.BigEndian.Uint32(b[8:12]),
		Window:        binary.BigEndian.Uint16(b[14:16]),
		PayloadLength: payloadLen,
	}, true
}
