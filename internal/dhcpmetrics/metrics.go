// Package dhcpmetrics exposes the DHCP service's Prometheus
// instrumentation. It gives the teacher's firewall-wide
// DHCPLeases/DHCPRequests/DHCPAcks/DHCPNaks gauge-and-counter pattern a
// registry scoped to just this server.
package dhcpmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the counters and gauges the service layer updates, from
// the core's Outcome and lease snapshot, as messages are processed.
type Registry struct {
	LeasesActive   prometheus.Gauge
	MessagesTotal  *prometheus.CounterVec
	OffersTotal    prometheus.Counter
	AcksTotal      prometheus.Counter
	NaksTotal      prometheus.Counter
	PoolExhausted  prometheus.Counter
}

// NewRegistry constructs a Registry and registers its collectors with
// reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dhcpd",
			Name:      "leases_active",
			Help:      "Number of bindings currently tracked by the registry.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "messages_total",
			Help:      "DHCP messages received; every message is counted under type=\"rx\", not broken out by message type.",
		}, []string{"type"}),
		OffersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "offers_total",
			Help:      "OFFER messages sent.",
		}),
		AcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "acks_total",
			Help:      "ACK messages sent.",
		}),
		NaksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "naks_total",
			Help:      "NAK messages sent.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcpd",
			Name:      "pool_exhausted_total",
			Help:      "DISCOVERs dropped because the address pool was exhausted.",
		}),
	}
	reg.MustRegister(r.LeasesActive, r.MessagesTotal, r.OffersTotal, r.AcksTotal, r.NaksTotal, r.PoolExhausted)
	return r
}
