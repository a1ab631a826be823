package dhcp

import "errors"

// Error kinds the core can return or log. None of these ever propagate out
// of Server.RX: a caller always gets back a byte count, never an error.
var (
	ErrTruncated           = errors.New("dhcp: options parse ran off the buffer")
	ErrMissingMagicCookie  = errors.New("dhcp: missing magic cookie")
	ErrMalformedHeader     = errors.New("dhcp: malformed bootp header")
	ErrUnknownClient       = errors.New("dhcp: non-discover from unbound mac")
	ErrWrongServer         = errors.New("dhcp: request names a different server")
	ErrRequestedIPMismatch = errors.New("dhcp: requested ip differs from offer")
	ErrPoolExhausted       = errors.New("dhcp: address pool exhausted")
	ErrOverflow            = errors.New("dhcp: destination buffer too small")
	ErrDownstreamWrite     = errors.New("dhcp: downstream emit failed")
)
