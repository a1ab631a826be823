// Package dhcp wires the protocol core (internal/dhcp) to a real UDP
// socket, following the teacher's services.Service lifecycle and its
// Service/serveDHCP split between policy and socket plumbing.
package dhcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"boreal.is/dhcpd/internal/clock"
	coredhcp "boreal.is/dhcpd/internal/dhcp"
	"boreal.is/dhcpd/internal/dhcpconfig"
	"boreal.is/dhcpd/internal/dhcpmetrics"
	"boreal.is/dhcpd/internal/logging"
	"boreal.is/dhcpd/internal/services"
)

var dhcpLog = logging.WithComponent("dhcp")

const (
	serverPort = 67
	clientPort = 68
)

// Service binds the DHCP core to one network interface's UDP socket.
type Service struct {
	mu      sync.Mutex
	iface   string
	running bool
	lastErr error

	core    *coredhcp.Server
	timers  coredhcp.Timers
	metrics *dhcpmetrics.Registry

	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds a Service for the given scope. It does not open a
// socket; call Start to bind and begin serving.
func NewService(iface string, scope *dhcpconfig.Scope, metrics *dhcpmetrics.Registry) (*Service, error) {
	cfg, err := scopeToServerConfig(scope)
	if err != nil {
		return nil, err
	}

	svc := &Service{iface: iface, metrics: metrics}
	svc.timers = coredhcp.NewRealTimers(svc.onTimedOut)

	core, err := coredhcp.NewServer(cfg, svc.timers, svc.sendDatagram, &clock.RealClock{}, dhcpLog)
	if err != nil {
		return nil, err
	}
	svc.core = core
	return svc, nil
}

func (s *Service) Name() string { return "dhcp:" + s.iface }

// Reload rebuilds the core registry from a new scope. Existing bindings
// are dropped (the registry is recreated); callers needing hitless reload
// should compare scopes and skip Reload when nothing changed.
func (s *Service) Reload(scope *dhcpconfig.Scope) (bool, error) {
	cfg, err := scopeToServerConfig(scope)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	core, err := coredhcp.NewServer(cfg, s.timers, s.sendDatagram, &clock.RealClock{}, dhcpLog)
	if err != nil {
		return false, err
	}
	s.core = core
	return true, nil
}

// Start binds the interface's UDP socket on port 67 and begins the
// receive loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				}
				if sockErr == nil {
					sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, s.iface)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", serverPort))
	if err != nil {
		return fmt.Errorf("dhcp: listen on %s:%d: %w", s.iface, serverPort, err)
	}
	udpConn := pc.(*net.UDPConn)
	s.conn = udpConn
	s.pconn = ipv4.NewPacketConn(udpConn)
	if err := s.pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		dhcpLog.Warn("failed to enable control messages", "error", err, "iface", s.iface)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.serve(runCtx)

	dhcpLog.Info("dhcp service started", "iface", s.iface)
	return nil
}

func (s *Service) serve(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			dhcpLog.Warn("read error", "error", err, "iface", s.iface)
			continue
		}

		correlationID := uuid.New().String()
		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.mu.Lock()
		core := s.core
		metrics := s.metrics
		s.mu.Unlock()

		sent, outcome := core.RX(payload)
		if metrics != nil {
			metrics.MessagesTotal.WithLabelValues("rx").Inc()
			switch outcome {
			case coredhcp.OutcomeOffer:
				metrics.OffersTotal.Inc()
			case coredhcp.OutcomeAck:
				metrics.AcksTotal.Inc()
			case coredhcp.OutcomeNak:
				metrics.NaksTotal.Inc()
			case coredhcp.OutcomePoolExhausted:
				metrics.PoolExhausted.Inc()
			}
			// Bindings are created/destroyed inline within RX (DISCOVER,
			// REQUEST NAK, RELEASE, DECLINE), not just on timer expiry, so
			// the gauge is refreshed here too, not only in onTimedOut.
			metrics.LeasesActive.Set(float64(len(core.Leases())))
		}
		dhcpLog.Debug("processed datagram", "trace", correlationID, "bytes_in", n, "bytes_out", sent, "iface", s.iface)
	}
}

// sendDatagram is the core's EmitFunc: it writes the datagram to the
// bound socket, broadcasting or unicasting per the core's addressing
// decision.
func (s *Service) sendDatagram(dg coredhcp.Datagram) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("dhcp: socket not open")
	}
	dst := &net.UDPAddr{
		IP:   net.IPv4(dg.Dest[0], dg.Dest[1], dg.Dest[2], dg.Dest[3]),
		Port: clientPort,
	}
	// The core builds its own UDP header and checksum (§4.4), but this
	// service sits on a kernel UDP socket rather than a raw one, so the
	// kernel reframes UDP on WriteToUDP. Trim the core's 8-byte header
	// and hand over just the DHCP payload; the core's checksum logic
	// stays exercised and testable even though this socket path doesn't
	// need its output on the wire.
	return conn.WriteToUDP(dg.Payload[8:], dst)
}

func (s *Service) onTimedOut(token coredhcp.Token) {
	s.mu.Lock()
	core := s.core
	metrics := s.metrics
	s.mu.Unlock()
	core.TimedOut(token)
	if metrics != nil {
		metrics.LeasesActive.Set(float64(len(core.Leases())))
	}
}

// Stop cancels the receive loop and closes the socket.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	dhcpLog.Info("dhcp service stopped", "iface", s.iface)
	return nil
}

// Status reports whether the service is currently running.
func (s *Service) Status() services.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := services.ServiceStatus{Name: s.Name(), Running: s.running}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

func scopeToServerConfig(scope *dhcpconfig.Scope) (coredhcp.ServerConfig, error) {
	var cfg coredhcp.ServerConfig
	var err error

	if cfg.ServerID, err = dhcpconfig.ParseIP(scope.ServerID); err != nil {
		return cfg, err
	}
	if cfg.SubnetMask, err = dhcpconfig.ParseIP(scope.SubnetMask); err != nil {
		return cfg, err
	}
	if cfg.Router, err = dhcpconfig.ParseIP(scope.Router); err != nil {
		return cfg, err
	}
	if cfg.DNS, err = dhcpconfig.ParseIP(scope.DNS); err != nil {
		return cfg, err
	}
	if cfg.PoolLo, err = dhcpconfig.ParseIP(scope.PoolLo); err != nil {
		return cfg, err
	}
	if cfg.PoolHi, err = dhcpconfig.ParseIP(scope.PoolHi); err != nil {
		return cfg, err
	}
	cfg.DomainName = scope.DomainName
	if scope.MTU > 0 {
		cfg.MTU = uint16(scope.MTU)
	} else {
		cfg.MTU = 1500
	}

	if cfg.LeaseTime, err = dhcpconfig.ParseDuration(scope.LeaseTime, time.Hour); err != nil {
		return cfg, err
	}
	if cfg.DeclineCooldown, err = dhcpconfig.ParseDuration(scope.DeclineCooldown, 10*time.Minute); err != nil {
		return cfg, err
	}

	cfg.Exclude = make(map[[4]byte]bool, len(scope.Reservations))
	for _, r := range scope.Reservations {
		ip, err := dhcpconfig.ParseIP(r.IP)
		if err != nil {
			return cfg, fmt.Errorf("dhcp: reservation %q: %w", r.IP, err)
		}
		cfg.Exclude[ip] = true
	}

	return cfg, nil
}
