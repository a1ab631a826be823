package dhcp

import (
	"sync"
	"time"

	"boreal.is/dhcpd/internal/clock"
	"boreal.is/dhcpd/internal/logging"
)

// Datagram is what the core hands to its downstream collaborator: a
// complete UDP datagram (header + DHCP payload) and the addressing
// decision from §4.4 (broadcast unless the client's broadcast flag is
// clear and ciaddr is set). The link layer prepends IPv4 and Ethernet.
type Datagram struct {
	Payload   []byte
	Broadcast bool
	Dest      [4]byte
}

// EmitFunc is the downstream collaborator: it writes one datagram and
// reports the number of bytes written, or an error on failure (§6).
type EmitFunc func(Datagram) (int, error)

// Server is the registry (C5): it owns all bindings, demultiplexes
// inbound payloads to the right one, allocates addresses from the
// configured pool, and implements Host for the FSM dispatch functions in
// fsm.go.
type Server struct {
	mu sync.Mutex

	cfg    ServerConfig
	timers Timers
	emit   EmitFunc
	clock  clock.Clock
	log    *logging.Logger

	byMAC map[[6]byte]*Binding
	byIP  map[[4]byte]*Binding

	// declinedUntil holds addresses under a DECLINE cooldown (§12);
	// Allocate skips any entry whose deadline has not yet passed.
	declinedUntil map[[4]byte]time.Time

	// exhaustedLogged suppresses repeat pool_exhausted log lines for a
	// MAC that keeps retrying while the pool is full (§7).
	exhaustedLogged map[[6]byte]bool
}

// NewServer constructs a registry. cfg is validated; a zero lease time or
// an inverted pool range is rejected (§8).
func NewServer(cfg ServerConfig, timers Timers, emit EmitFunc, clk clock.Clock, log *logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.WithComponent("dhcp")
	}
	return &Server{
		cfg:             cfg,
		timers:          timers,
		emit:            emit,
		clock:           clk,
		log:             log,
		byMAC:           make(map[[6]byte]*Binding),
		byIP:            make(map[[4]byte]*Binding),
		declinedUntil:   make(map[[4]byte]time.Time),
		exhaustedLogged: make(map[[6]byte]bool),
	}, nil
}

// RX is the core's upstream entry point (§6): payload begins at the
// BOOTP op byte. It returns the number of response bytes enqueued
// downstream (0 meaning the message was silently dropped) and an
// Outcome a caller can feed into a metrics counter. RX never returns an
// error — every failure kind in §7 is handled locally, logged against
// its sentinel where one applies.
func (s *Server) RX(payload []byte) (int, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) < minPayloadLen {
		return 0, OutcomeNone // malformed_header: too short to hold the magic cookie
	}
	hdr, err := DecodeHeader(payload)
	if err != nil || !hdr.ValidBootRequest() {
		return 0, OutcomeNone // malformed_header
	}
	mac, ok := hdr.ChaddrMAC()
	if !ok {
		return 0, OutcomeNone // malformed chaddr: dropped without creating a binding
	}
	opts, err := ParseOptions(payload[HeaderLen:])
	if err != nil {
		s.log.Debug("dropping unparsable options", "error", err, "mac", mac)
		return 0, OutcomeNone
	}
	msgType := opts.MessageType()

	b, exists := s.byMAC[mac]
	if !exists {
		if msgType != MsgDiscover {
			s.log.Debug("dropping", "reason", ErrUnknownClient, "mac", mac)
			return 0, OutcomeNone
		}
		b = s.newBinding(mac)
		s.byMAC[mac] = b
	}

	var reply []byte
	destroy := false
	outcome := OutcomeNone

	switch msgType {
	case MsgDiscover:
		p, drop := dispatchDiscover(b, hdr, opts, s)
		if drop {
			if b.IP == ([4]byte{}) {
				if !s.exhaustedLogged[mac] {
					s.log.Warn("address pool exhausted", "reason", ErrPoolExhausted, "mac", mac)
					s.exhaustedLogged[mac] = true
				}
				if !exists {
					delete(s.byMAC, mac)
				}
				return 0, OutcomePoolExhausted
			}
			return 0, OutcomeNone
		}
		delete(s.exhaustedLogged, mac)
		s.reserveLocked(b)
		reply = p
		outcome = OutcomeOffer
	case MsgRequest:
		p, d, drop, reason := dispatchRequest(b, hdr, opts, s)
		if reason != nil {
			s.log.Debug("request rejected", "reason", reason, "mac", mac)
		}
		if drop {
			return 0, OutcomeNone
		}
		reply = p
		destroy = d
		if d {
			outcome = OutcomeNak
		} else {
			outcome = OutcomeAck
		}
	case MsgInform:
		p, drop := dispatchInform(b, hdr, opts)
		if drop {
			return 0, OutcomeNone
		}
		reply = p
		outcome = OutcomeAck
	case MsgRelease:
		if !dispatchRelease(b, hdr, opts) {
			return 0, OutcomeNone
		}
		destroy = true
	case MsgDecline:
		s.declineLocked(b)
		destroy = true
	default:
		return 0, OutcomeNone
	}

	var sent int
	if reply != nil {
		sent = s.sendReply(hdr, reply)
	}
	if destroy {
		s.destroyBindingLocked(b)
	}
	return sent, outcome
}

// newBinding creates a fresh binding in StateDiscover, populated from
// server policy (§3 "Binding").
func (s *Server) newBinding(mac [6]byte) *Binding {
	return &Binding{
		MAC:        mac,
		ServerID:   s.cfg.ServerID,
		Router:     s.cfg.Router,
		DNS:        s.cfg.DNS,
		SubnetMask: s.cfg.SubnetMask,
		DomainName: s.cfg.DomainName,
		MTU:        s.cfg.MTU,
		Lease:      s.cfg.LeaseTime,
		State:      StateDiscover,
	}
}

// TimedOut is the host's timer callback entry point (§4.6): the token is
// the binding's MAC. A lookup miss is a stale callback raced against a
// teardown and is discarded (§5 ordering guarantees).
func (s *Server) TimedOut(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byMAC[token]
	if !ok || !b.HasTimer {
		return
	}
	b.HasTimer = false
	s.destroyBindingLocked(b)
}

// Decline records a client-reported DECLINE for mac's currently offered
// or leased IP (§12): the binding is destroyed and the address enters a
// cooldown exclude-set for cfg.DeclineCooldown.
func (s *Server) Decline(mac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byMAC[mac]
	if !ok {
		return
	}
	s.declineLocked(b)
	s.destroyBindingLocked(b)
}

func (s *Server) declineLocked(b *Binding) {
	if b.IP != ([4]byte{}) {
		s.declinedUntil[b.IP] = s.clock.Now().Add(s.cfg.DeclineCooldown)
	}
}

func (s *Server) destroyBindingLocked(b *Binding) {
	if b.HasTimer {
		s.timers.Stop(b.TimerHandle)
		b.HasTimer = false
	}
	delete(s.byMAC, b.MAC)
	if b.IP != ([4]byte{}) {
		if cur, ok := s.byIP[b.IP]; ok && cur == b {
			delete(s.byIP, b.IP)
		}
	}
}

// Allocate implements Host: scan the pool ascending, skipping addresses
// already leased, statically excluded, or under a decline cooldown
// (§4.5).
func (s *Server) Allocate() ([4]byte, error) {
	lo := ipToUint32(s.cfg.PoolLo)
	hi := ipToUint32(s.cfg.PoolHi)
	now := s.clock.Now()
	for v := lo; v <= hi; v++ {
		ip := uint32ToIP(v)
		if _, taken := s.byIP[ip]; taken {
			continue
		}
		if s.cfg.Exclude[ip] {
			continue
		}
		if until, declined := s.declinedUntil[ip]; declined && now.Before(until) {
			continue
		}
		return ip, nil
	}
	return [4]byte{}, ErrPoolExhausted
}

// StartTimer implements Host.
func (s *Server) StartTimer(mac [6]byte, delay time.Duration) Handle {
	return s.timers.Start(delay, mac, false)
}

// StopTimer implements Host.
func (s *Server) StopTimer(handle Handle) {
	s.timers.Stop(handle)
}

// reserveLocked records b's offered IP in byIP immediately, so concurrent
// DISCOVERs (processed one at a time under the core's cooperative model,
// but still worth the explicit invariant) cannot collide (§4.5).
func (s *Server) reserveLocked(b *Binding) {
	if b.IP != ([4]byte{}) {
		s.byIP[b.IP] = b
	}
}

// sendReply wraps a DHCP payload in a UDP datagram, computes its
// checksum, and hands it to the downstream EmitFunc (§4.4). Returns the
// number of bytes the collaborator reported writing, or 0 on failure
// (§7 downstream_write_failed — logged, state left as the FSM already
// decided it).
func (s *Server) sendReply(req Header, dhcpPayload []byte) int {
	dst := [4]byte{255, 255, 255, 255}
	broadcast := true
	if !req.Broadcast() && req.CIAddr != ([4]byte{}) {
		dst = req.CIAddr
		broadcast = false
	}

	udpHeader := make([]byte, 8)
	udpHeader[0], udpHeader[1] = 0, 67 // src port 67
	udpHeader[2], udpHeader[3] = 0, 68 // dst port 68
	length := uint16(8 + len(dhcpPayload))
	udpHeader[4] = byte(length >> 8)
	udpHeader[5] = byte(length)

	sum := udpChecksum(s.cfg.ServerID, dst, udpHeader, dhcpPayload)
	udpHeader[6] = byte(sum >> 8)
	udpHeader[7] = byte(sum)

	datagram := make([]byte, 0, len(udpHeader)+len(dhcpPayload))
	datagram = append(datagram, udpHeader...)
	datagram = append(datagram, dhcpPayload...)

	n, err := s.emit(Datagram{Payload: datagram, Broadcast: broadcast, Dest: dst})
	if err != nil || n < 0 {
		s.log.Warn("downstream emit failed", "reason", ErrDownstreamWrite, "cause", err)
		return 0
	}
	return n
}

// LeaseInfo is a read-only snapshot of one binding, for status reporting.
type LeaseInfo struct {
	MAC   [6]byte
	IP    [4]byte
	State State
}

// Leases returns a snapshot of all current bindings.
func (s *Server) Leases() []LeaseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LeaseInfo, 0, len(s.byMAC))
	for _, b := range s.byMAC {
		out = append(out, LeaseInfo{MAC: b.MAC, IP: b.IP, State: b.State})
	}
	return out
}
