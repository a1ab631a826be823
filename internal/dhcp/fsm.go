package dhcp

import (
	"encoding/binary"
	"time"
)

// replyOptions builds the configuration option set a binding's server
// policy supplies. When includeLease is false (INFORM), the lease/T1/T2
// options (51/58/59) are omitted, matching §4.3's INFORM handling.
// Identification (53/54) is always sent and lease timing is never
// gated by the client's request list; the remaining configuration
// options are gated by the client's
// Parameter-Request-List (option 55) when the request carried one,
// matching §4.1's description of PRL echoing.
func replyOptions(msgType uint8, b *Binding, includeLease bool, reqOpts Options) Options {
	opts := make(Options)
	opts.Set(OptMessageType, []byte{msgType})
	opts.Set(OptServerID, b.ServerID[:])

	prl, hasPRL := reqOpts.Get(OptParamReqList)
	wants := func(tag uint8) bool {
		if !hasPRL {
			return true
		}
		for _, t := range prl {
			if t == tag {
				return true
			}
		}
		return false
	}

	if wants(OptSubnetMask) {
		opts.Set(OptSubnetMask, b.SubnetMask[:])
	}
	if wants(OptRouter) {
		opts.Set(OptRouter, b.Router[:])
	}
	if wants(OptDNSServer) {
		opts.Set(OptDNSServer, b.DNS[:])
	}
	if includeLease {
		opts.Set(OptLeaseTime, durationBytes(b.Lease))
		opts.Set(OptRenewalT1, durationBytes(b.t1()))
		opts.Set(OptRebindingT2, durationBytes(b.t2()))
	}
	if wants(OptMTU) {
		mtu := make([]byte, 2)
		binary.BigEndian.PutUint16(mtu, b.MTU)
		opts.Set(OptMTU, mtu)
	}
	if b.DomainName != "" && wants(OptDomainName) {
		opts.Set(OptDomainName, []byte(b.DomainName))
	}
	return opts
}

func durationBytes(d time.Duration) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(d.Seconds()))
	return b
}

// buildReply encodes a BOOTREPLY header plus the given options into a
// fresh payload buffer.
func buildReply(req Header, yiaddr, siaddr [4]byte, opts Options) []byte {
	h := Header{
		Op:     OpBootReply,
		HType:  1,
		HLen:   6,
		XID:    req.XID,
		Flags:  req.Flags,
		CIAddr: req.CIAddr,
		YIAddr: yiaddr,
		SIAddr: siaddr,
	}
	copy(h.CHAddr[:6], req.CHAddr[:6])

	buf := make([]byte, HeaderLen+4+512)
	EncodeHeader(buf, h)
	n, err := BuildOptions(buf[HeaderLen:], opts)
	if err != nil {
		return nil
	}
	return buf[:HeaderLen+n]
}

// offer allocates (if needed) and builds an OFFER payload, arming no
// timer: per the literal test scenarios, the lease timer is armed only
// once a REQUEST is accepted (see dispatchRequest), not at offer time.
func offer(b *Binding, hdr Header, reqOpts Options, host Host) (payload []byte, ok bool) {
	if b.IP == ([4]byte{}) {
		ip, err := host.Allocate()
		if err != nil {
			return nil, false
		}
		b.IP = ip
	}
	b.XID = hdr.XID
	opts := replyOptions(MsgOffer, b, true, reqOpts)
	return buildReply(hdr, b.IP, b.ServerID, opts), true
}

// dispatchDiscover implements the DISCOVER column of the transition
// table (§4.3): a fresh or repeated DISCOVER while unbound/offered
// re-offers idempotently; a DISCOVER while the client holds a confirmed
// lease (OnInform) is a client restart that falls back to OnDiscover
// without an immediate reply.
func dispatchDiscover(b *Binding, hdr Header, reqOpts Options, host Host) (payload []byte, drop bool) {
	switch b.State {
	case StateDiscover, StateRequest:
		p, ok := offer(b, hdr, reqOpts, host)
		if !ok {
			return nil, true // pool_exhausted: no OFFER emitted
		}
		if b.HasTimer {
			host.StopTimer(b.TimerHandle)
			b.HasTimer = false
		}
		b.State = StateRequest
		return p, false
	case StateInform:
		if b.HasTimer {
			host.StopTimer(b.TimerHandle)
			b.HasTimer = false
		}
		b.State = StateDiscover
		return nil, true
	default:
		return nil, true
	}
}

// dispatchRequest implements the REQUEST column (§4.3 "REQUEST"):
// validates server-identifier and requested-ip, then either NAKs and
// signals destroy, silently drops (wrong server), or ACKs and arms the
// lease timer. reason names the §7 error kind behind a drop or NAK, or
// nil once the request is accepted.
func dispatchRequest(b *Binding, hdr Header, opts Options, host Host) (payload []byte, destroy, drop bool, reason error) {
	if b.State != StateRequest && b.State != StateInform {
		return nil, false, true, nil
	}

	serverID, hasServerID := opts.Get(OptServerID)
	if hasServerID && !ipEqual(serverID, b.ServerID[:]) {
		return nil, false, true, ErrWrongServer
	}

	reqIP, hasReqIP := opts.Get(OptRequestedIP)
	if hasReqIP && !ipEqual(reqIP, b.IP[:]) {
		nak := replyOptions(MsgNak, b, false, opts)
		return buildReply(hdr, [4]byte{}, b.ServerID, nak), true, false, ErrRequestedIPMismatch
	}

	b.XID = hdr.XID
	ack := replyOptions(MsgAck, b, true, opts)
	payload = buildReply(hdr, b.IP, b.ServerID, ack)

	if b.HasTimer {
		host.StopTimer(b.TimerHandle)
	}
	b.TimerHandle = host.StartTimer(b.MAC, b.Lease)
	b.HasTimer = true
	b.State = StateInform
	return payload, false, false, nil
}

// dispatchInform implements the INFORM column (§4.3 "INFORM"): reply ACK
// with configuration but no lease/yiaddr; no state or timer change.
func dispatchInform(b *Binding, hdr Header, opts Options) (payload []byte, drop bool) {
	if b.State != StateInform {
		return nil, true
	}
	ack := replyOptions(MsgAck, b, false, opts)
	return buildReply(hdr, [4]byte{}, b.ServerID, ack), false
}

// dispatchRelease implements the RELEASE column (§4.3/§4.5 "RELEASE"):
// a server-identifier, when present, and a non-zero ciaddr must both
// match the binding for it to be honored. No reply is sent; the caller tears
// the binding down and cancels its timer.
func dispatchRelease(b *Binding, hdr Header, opts Options) (ok bool) {
	serverID, hasServerID := opts.Get(OptServerID)
	if hasServerID && !ipEqual(serverID, b.ServerID[:]) {
		return false
	}
	if hdr.CIAddr != ([4]byte{}) && hdr.CIAddr != b.IP {
		return false
	}
	return true
}

func ipEqual(a, b []byte) bool {
	if len(a) != 4 || len(b) != 4 {
		return false
	}
	return a[0] == b[0] && a[1] == b[1] && a[2] == b[2] && a[3] == b[3]
}
