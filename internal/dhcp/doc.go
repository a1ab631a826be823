// Package dhcp implements the DHCPv4 server core: the option codec, the
// per-client finite state machine driving DISCOVER/OFFER/REQUEST/ACK, the
// binding registry, and lease-expiry timer orchestration. It has no
// knowledge of sockets, interfaces, or configuration files — those are
// collaborators supplied by the caller through ServerConfig, EmitFunc,
// and Timers.
package dhcp
