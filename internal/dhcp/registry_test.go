package dhcp

import (
	"testing"
	"time"

	"boreal.is/dhcpd/internal/clock"
)

// fakeTimers is a deterministic Timers double: Start/Stop/Reset just
// bookkeep state, and tests fire tokens directly via Server.TimedOut to
// simulate the host's timer callback (§4.6).
type fakeTimers struct {
	next    Handle
	stopped map[Handle]bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{stopped: make(map[Handle]bool)}
}

func (f *fakeTimers) Start(delay time.Duration, token Token, periodic bool) Handle {
	f.next++
	return f.next
}

func (f *fakeTimers) Stop(handle Handle) {
	f.stopped[handle] = true
}

func (f *fakeTimers) Reset(handle Handle, newDelay time.Duration) {}

type capturedDatagram struct {
	dg  Datagram
	err error
}

func newTestServer(t *testing.T, clk clock.Clock) (*Server, *[]capturedDatagram) {
	t.Helper()
	var sent []capturedDatagram
	emit := func(dg Datagram) (int, error) {
		sent = append(sent, capturedDatagram{dg: dg})
		return len(dg.Payload), nil
	}
	cfg := ServerConfig{
		ServerID:        [4]byte{192, 168, 9, 1},
		SubnetMask:      [4]byte{255, 255, 255, 0},
		Router:          [4]byte{192, 168, 9, 1},
		DNS:             [4]byte{8, 8, 8, 8},
		DomainName:      "local",
		MTU:             1500,
		PoolLo:          [4]byte{192, 168, 9, 100},
		PoolHi:          [4]byte{192, 168, 9, 200},
		Exclude:         map[[4]byte]bool{},
		LeaseTime:       3600 * time.Second,
		DeclineCooldown: 10 * time.Minute,
	}
	srv, err := NewServer(cfg, newFakeTimers(), emit, clk, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, &sent
}

var testMAC = [6]byte{0xf8, 0x75, 0xa4, 0x01, 0x4d, 0x47}

func buildDiscoverPayload(xid uint32, mac [6]byte, prl []byte) []byte {
	h := Header{Op: OpBootRequest, HType: 1, HLen: 6, XID: xid, Flags: 0x8000}
	copy(h.CHAddr[:6], mac[:])
	buf := make([]byte, HeaderLen+4+64)
	EncodeHeader(buf, h)
	opts := Options{OptMessageType: []byte{MsgDiscover}}
	if prl != nil {
		opts.Set(OptParamReqList, prl)
	}
	n, err := BuildOptions(buf[HeaderLen:], opts)
	if err != nil {
		panic(err)
	}
	return buf[:HeaderLen+n]
}

func buildRequestPayload(xid uint32, mac [6]byte, serverID, reqIP [4]byte) []byte {
	h := Header{Op: OpBootRequest, HType: 1, HLen: 6, XID: xid, Flags: 0x8000}
	copy(h.CHAddr[:6], mac[:])
	buf := make([]byte, HeaderLen+4+64)
	EncodeHeader(buf, h)
	opts := Options{
		OptMessageType: []byte{MsgRequest},
		OptServerID:    serverID[:],
		OptRequestedIP: reqIP[:],
	}
	n, err := BuildOptions(buf[HeaderLen:], opts)
	if err != nil {
		panic(err)
	}
	return buf[:HeaderLen+n]
}

func buildReleasePayload(xid uint32, mac [6]byte, serverID [4]byte) []byte {
	return buildReleasePayloadWithCIAddr(xid, mac, serverID, [4]byte{})
}

func buildReleasePayloadWithCIAddr(xid uint32, mac [6]byte, serverID, ciaddr [4]byte) []byte {
	h := Header{Op: OpBootRequest, HType: 1, HLen: 6, XID: xid, CIAddr: ciaddr}
	copy(h.CHAddr[:6], mac[:])
	buf := make([]byte, HeaderLen+4+64)
	EncodeHeader(buf, h)
	opts := Options{
		OptMessageType: []byte{MsgRelease},
		OptServerID:    serverID[:],
	}
	n, err := BuildOptions(buf[HeaderLen:], opts)
	if err != nil {
		panic(err)
	}
	return buf[:HeaderLen+n]
}

func decodeReply(t *testing.T, dg Datagram) (Header, Options) {
	t.Helper()
	dhcpPayload := dg.Payload[8:]
	h, err := DecodeHeader(dhcpPayload)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	opts, err := ParseOptions(dhcpPayload[HeaderLen:])
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	return h, opts
}

// Scenario 1 — DISCOVER from new client.
func TestScenario1DiscoverFromNewClient(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	prl := []byte{1, 3, 6, 15, 31, 33, 43, 44, 46, 47, 119, 121, 249, 252, 255}
	payload := buildDiscoverPayload(0xde10a7e6, testMAC, prl)

	n, outcome := srv.RX(payload)
	if n == 0 {
		t.Fatalf("expected a reply to be sent")
	}
	if outcome != OutcomeOffer {
		t.Fatalf("outcome = %v, want OutcomeOffer", outcome)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected exactly one datagram sent, got %d", len(*sent))
	}

	hdr, opts := decodeReply(t, (*sent)[0].dg)
	if hdr.XID != 0xde10a7e6 {
		t.Fatalf("xid = 0x%x, want 0xde10a7e6", hdr.XID)
	}
	wantIP := [4]byte{192, 168, 9, 100}
	if hdr.YIAddr != wantIP {
		t.Fatalf("yiaddr = %v, want %v", hdr.YIAddr, wantIP)
	}
	if opts.MessageType() != MsgOffer {
		t.Fatalf("message type = %d, want OFFER", opts.MessageType())
	}
	lease, _ := opts.Get(OptLeaseTime)
	if len(lease) != 4 || lease[2] != 0x0E || lease[3] != 0x10 {
		t.Fatalf("lease option = %v, want 3600s encoded", lease)
	}

	b, ok := srv.byMAC[testMAC]
	if !ok {
		t.Fatalf("expected binding to be created")
	}
	if b.State != StateRequest {
		t.Fatalf("state = %v, want StateRequest", b.State)
	}
	if _, ok := srv.byIP[wantIP]; !ok {
		t.Fatalf("expected by_ip to reserve %v", wantIP)
	}
}

// Scenario 2 — duplicate DISCOVER re-sends the same offer idempotently.
func TestScenario2DuplicateDiscover(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	payload := buildDiscoverPayload(0xde10a7e6, testMAC, nil)

	srv.RX(payload)
	srv.RX(payload)

	if len(*sent) != 2 {
		t.Fatalf("expected two offers sent, got %d", len(*sent))
	}
	_, opts1 := decodeReply(t, (*sent)[0].dg)
	_, opts2 := decodeReply(t, (*sent)[1].dg)
	if string(opts1[OptMessageType]) != string(opts2[OptMessageType]) {
		t.Fatalf("offers differ in message type")
	}

	if len(srv.byIP) != 1 {
		t.Fatalf("expected exactly one reserved ip, got %d", len(srv.byIP))
	}
}

// Scenario 3 — REQUEST accepting the offer.
func TestScenario3RequestAcceptsOffer(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.RX(buildDiscoverPayload(0xde10a7e6, testMAC, nil))

	req := buildRequestPayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 100})
	n, outcome := srv.RX(req)
	if n == 0 {
		t.Fatalf("expected ACK to be sent")
	}
	if outcome != OutcomeAck {
		t.Fatalf("outcome = %v, want OutcomeAck", outcome)
	}
	if len(*sent) != 2 {
		t.Fatalf("expected offer+ack, got %d datagrams", len(*sent))
	}
	_, opts := decodeReply(t, (*sent)[1].dg)
	if opts.MessageType() != MsgAck {
		t.Fatalf("message type = %d, want ACK", opts.MessageType())
	}

	b := srv.byMAC[testMAC]
	if b.State != StateInform {
		t.Fatalf("state = %v, want StateInform", b.State)
	}
	if !b.HasTimer {
		t.Fatalf("expected lease timer armed")
	}
}

// Scenario 4 — REQUEST with wrong requested-ip.
func TestScenario4RequestWrongIP(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.RX(buildDiscoverPayload(0xde10a7e6, testMAC, nil))

	req := buildRequestPayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 150})
	_, outcome := srv.RX(req)
	if outcome != OutcomeNak {
		t.Fatalf("outcome = %v, want OutcomeNak", outcome)
	}

	_, opts := decodeReply(t, (*sent)[1].dg)
	if opts.MessageType() != MsgNak {
		t.Fatalf("message type = %d, want NAK", opts.MessageType())
	}
	if _, ok := srv.byMAC[testMAC]; ok {
		t.Fatalf("expected binding to be destroyed")
	}
	if _, ok := srv.byIP[[4]byte{192, 168, 9, 100}]; ok {
		t.Fatalf("expected ip to be returned to the pool")
	}
}

// Scenario 5 — lease expiry.
func TestScenario5LeaseExpiry(t *testing.T) {
	mock := clock.NewMockClock(time.Unix(0, 0))
	srv, _ := newTestServer(t, mock)
	srv.RX(buildDiscoverPayload(0xde10a7e6, testMAC, nil))
	srv.RX(buildRequestPayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 100}))

	mock.Advance(3600 * time.Second)
	srv.TimedOut(testMAC)

	if _, ok := srv.byMAC[testMAC]; ok {
		t.Fatalf("expected binding destroyed on lease expiry")
	}
	if _, ok := srv.byIP[[4]byte{192, 168, 9, 100}]; ok {
		t.Fatalf("expected ip returned to the pool")
	}
}

// Scenario 6 — RELEASE.
func TestScenario6Release(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.RX(buildDiscoverPayload(0xde10a7e6, testMAC, nil))
	srv.RX(buildRequestPayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 100}))

	before := len(*sent)
	n, _ := srv.RX(buildReleasePayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}))
	if n != 0 {
		t.Fatalf("expected no reply to RELEASE, got %d bytes", n)
	}
	if len(*sent) != before {
		t.Fatalf("RELEASE must not emit a datagram")
	}
	if _, ok := srv.byMAC[testMAC]; ok {
		t.Fatalf("expected binding destroyed on release")
	}
}

func TestReleaseWithWrongCIAddrDropped(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.RX(buildDiscoverPayload(0xde10a7e6, testMAC, nil))
	srv.RX(buildRequestPayload(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 100}))

	before := len(*sent)
	n, _ := srv.RX(buildReleasePayloadWithCIAddr(0xde10a7e6, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 250}))
	if n != 0 || len(*sent) != before {
		t.Fatalf("expected RELEASE with mismatched ciaddr to be dropped")
	}
	if _, ok := srv.byMAC[testMAC]; !ok {
		t.Fatalf("expected binding to survive a rejected RELEASE")
	}
}

func TestPoolExhaustion(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.cfg.PoolLo = [4]byte{192, 168, 9, 100}
	srv.cfg.PoolHi = [4]byte{192, 168, 9, 100}

	mac1 := testMAC
	mac2 := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	srv.RX(buildDiscoverPayload(1, mac1, nil))
	n, outcome := srv.RX(buildDiscoverPayload(2, mac2, nil))
	if n != 0 {
		t.Fatalf("expected pool_exhausted to drop the second discover, got %d bytes sent", n)
	}
	if outcome != OutcomePoolExhausted {
		t.Fatalf("outcome = %v, want OutcomePoolExhausted", outcome)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected exactly one offer sent, got %d", len(*sent))
	}
	if _, ok := srv.byMAC[mac2]; ok {
		t.Fatalf("pool exhaustion must not create a binding")
	}
}

func TestUnknownClientNonDiscoverDropped(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	n, _ := srv.RX(buildRequestPayload(1, testMAC, [4]byte{192, 168, 9, 1}, [4]byte{192, 168, 9, 100}))
	if n != 0 || len(*sent) != 0 {
		t.Fatalf("expected non-discover from unbound mac to be dropped")
	}
}

func TestWrongServerRequestSilentlyDropped(t *testing.T) {
	srv, sent := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	srv.RX(buildDiscoverPayload(1, testMAC, nil))
	before := len(*sent)

	req := buildRequestPayload(1, testMAC, [4]byte{10, 0, 0, 9}, [4]byte{192, 168, 9, 100})
	n, _ := srv.RX(req)
	if n != 0 {
		t.Fatalf("expected wrong-server REQUEST to be silently dropped")
	}
	if len(*sent) != before {
		t.Fatalf("expected no additional datagram for wrong-server REQUEST")
	}
	b, ok := srv.byMAC[testMAC]
	if !ok || b.State != StateRequest {
		t.Fatalf("expected binding to remain in StateRequest")
	}
}

func TestMalformedChaddrDroppedWithoutBinding(t *testing.T) {
	srv, _ := newTestServer(t, clock.NewMockClock(time.Unix(0, 0)))
	h := Header{Op: OpBootRequest, HType: 1, HLen: 8}
	buf := make([]byte, HeaderLen+4+8)
	EncodeHeader(buf, h)
	opts := Options{OptMessageType: []byte{MsgDiscover}}
	n, _ := BuildOptions(buf[HeaderLen:], opts)
	payload := buf[:HeaderLen+n]

	sent, _ := srv.RX(payload)
	if sent != 0 {
		t.Fatalf("expected malformed chaddr to be dropped")
	}
	if len(srv.byMAC) != 0 {
		t.Fatalf("expected no binding created for malformed chaddr")
	}
}
