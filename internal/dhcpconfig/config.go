// Package dhcpconfig decodes the HCL scope/reservation configuration that
// feeds a dhcp.ServerConfig. It follows the teacher's internal/config
// convention of hcl-tagged structs, narrowed to just the DHCP shape.
package dhcpconfig

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Reservation statically excludes an address from the pool. The MAC is
// decoded but not used: the service layer turns a reservation into an
// exclude-set entry only, so the address is never offered to any client,
// including the named MAC.
type Reservation struct {
	MAC  string `hcl:"mac,optional"`
	IP   string `hcl:"ip"`
	Note string `hcl:"note,optional"`
}

// Scope is one interface's DHCP policy: the pool bounds, the
// configuration handed to clients, and lease timing.
type Scope struct {
	Interface  string   `hcl:"interface,label"`
	ServerID   string   `hcl:"server_id"`
	SubnetMask string   `hcl:"subnet_mask"`
	Router     string   `hcl:"router"`
	DNS        string   `hcl:"dns"`
	DomainName string   `hcl:"domain_name,optional"`
	MTU        int      `hcl:"mtu,optional"`
	PoolLo     string   `hcl:"pool_lo"`
	PoolHi     string   `hcl:"pool_hi"`
	LeaseTime  string   `hcl:"lease_time"`
	DeclineCooldown string `hcl:"decline_cooldown,optional"`

	Reservations []Reservation `hcl:"reservation,block"`
}

// File is the root document: zero or more scope blocks, one per
// interface.
type File struct {
	Scopes []Scope `hcl:"scope,block"`
}

// LoadFile decodes an HCL configuration file into a File.
func LoadFile(path string) (*File, error) {
	var f File
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return nil, fmt.Errorf("dhcpconfig: decode %s: %w", path, err)
	}
	return &f, nil
}

// ParseIP parses a dotted-quad string into a 4-byte address.
func ParseIP(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("dhcpconfig: invalid ip %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("dhcpconfig: not an ipv4 address %q", s)
	}
	copy(out[:], v4)
	return out, nil
}

// ParseDuration parses a Go duration string, defaulting to seconds if no
// unit suffix is given (matching plain integers in the wild HCL files the
// teacher's config tree accepts for other duration fields).
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil {
		return 0, fmt.Errorf("dhcpconfig: invalid duration %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}
