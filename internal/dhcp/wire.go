package dhcp

import "encoding/binary"

// HeaderLen is the fixed size of the BOOTP header that prefixes every
// DHCPv4 message, before the magic cookie and options area.
const HeaderLen = 236

// minPayloadLen is the smallest payload the registry will look at: the
// full BOOTP header plus the four-byte magic cookie.
const minPayloadLen = HeaderLen + 4

// Header is the fixed BOOTP header (RFC 2131 §2). Fields are decoded
// explicitly with big-endian shift-and-mask rather than relying on Go
// struct layout, so wire compatibility never depends on compiler padding
// decisions.
type Header struct {
	Op      uint8
	HType   uint8
	HLen    uint8
	Hops    uint8
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  [4]byte
	YIAddr  [4]byte
	SIAddr  [4]byte
	GIAddr  [4]byte
	CHAddr  [16]byte
	SName   [64]byte
	File    [128]byte
}

const (
	OpBootRequest = 1
	OpBootReply   = 2

	broadcastFlag = 0x8000
)

// DecodeHeader reads the fixed BOOTP header from the front of buf. buf
// must be at least HeaderLen bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrMalformedHeader
	}
	var h Header
	h.Op = buf[0]
	h.HType = buf[1]
	h.HLen = buf[2]
	h.Hops = buf[3]
	h.XID = binary.BigEndian.Uint32(buf[4:8])
	h.Secs = binary.BigEndian.Uint16(buf[8:10])
	h.Flags = binary.BigEndian.Uint16(buf[10:12])
	copy(h.CIAddr[:], buf[12:16])
	copy(h.YIAddr[:], buf[16:20])
	copy(h.SIAddr[:], buf[20:24])
	copy(h.GIAddr[:], buf[24:28])
	copy(h.CHAddr[:], buf[28:44])
	copy(h.SName[:], buf[44:108])
	copy(h.File[:], buf[108:236])
	return h, nil
}

// EncodeHeader writes h into the front of dst, which must be at least
// HeaderLen bytes.
func EncodeHeader(dst []byte, h Header) {
	dst[0] = h.Op
	dst[1] = h.HType
	dst[2] = h.HLen
	dst[3] = h.Hops
	binary.BigEndian.PutUint32(dst[4:8], h.XID)
	binary.BigEndian.PutUint16(dst[8:10], h.Secs)
	binary.BigEndian.PutUint16(dst[10:12], h.Flags)
	copy(dst[12:16], h.CIAddr[:])
	copy(dst[16:20], h.YIAddr[:])
	copy(dst[20:24], h.SIAddr[:])
	copy(dst[24:28], h.GIAddr[:])
	copy(dst[28:44], h.CHAddr[:])
	copy(dst[44:108], h.SName[:])
	copy(dst[108:236], h.File[:])
}

// Broadcast reports whether the header's broadcast flag is set.
func (h Header) Broadcast() bool {
	return h.Flags&broadcastFlag != 0
}

// ChaddrMAC returns the first HLen bytes of CHAddr as the client MAC. It
// returns false if HLen is not 6 (the only hardware length this server
// understands, per the op/htype/hlen validation in §4.3).
func (h Header) ChaddrMAC() (mac [6]byte, ok bool) {
	if h.HLen != 6 {
		return mac, false
	}
	copy(mac[:], h.CHAddr[:6])
	return mac, true
}

// ValidBootRequest checks the fixed-header preconditions DISCOVER/REQUEST
// messages must satisfy before option parsing begins.
func (h Header) ValidBootRequest() bool {
	return h.Op == OpBootRequest && h.HType == 1 && h.HLen == 6
}
