// Command dhcpd runs the DHCPv4 server core against a single network
// interface, per the core contract's single-argument CLI (interface
// name only).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boreal.is/dhcpd/internal/dhcpconfig"
	"boreal.is/dhcpd/internal/dhcpmetrics"
	"boreal.is/dhcpd/internal/logging"
	dhcpsvc "boreal.is/dhcpd/internal/services/dhcp"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dhcpd <interface>")
		os.Exit(2)
	}
	iface := os.Args[1]

	logging.SetDefault(logging.New(logging.DefaultConfig()))
	log := logging.WithComponent("dhcpd")

	configPath := os.Getenv("DHCPD_CONFIG")
	if configPath == "" {
		configPath = "/etc/dhcpd/dhcpd.hcl"
	}
	file, err := dhcpconfig.LoadFile(configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err, "path", configPath)
		os.Exit(1)
	}

	scope := findScope(file, iface)
	if scope == nil {
		log.Error("no scope configured for interface", "iface", iface)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := dhcpmetrics.NewRegistry(reg)

	svc, err := dhcpsvc.NewService(iface, scope, metrics)
	if err != nil {
		log.Error("failed to build dhcp service", "error", err)
		os.Exit(1)
	}

	if addr := os.Getenv("DHCPD_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics listener stopped", "error", err, "addr", addr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Error("failed to start dhcp service", "error", err)
		os.Exit(1)
	}

	log.Info("dhcpd running", "iface", iface)
	<-ctx.Done()

	stopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("error stopping dhcp service", "error", err)
	}
}

func findScope(f *dhcpconfig.File, iface string) *dhcpconfig.Scope {
	for i := range f.Scopes {
		if f.Scopes[i].Interface == iface {
			return &f.Scopes[i]
		}
	}
	return nil
}
