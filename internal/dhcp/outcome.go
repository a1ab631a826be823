package dhcp

// Outcome classifies what RX did with one inbound message, for callers
// that want per-message-type counters (§11 DOMAIN STACK metrics). It is
// deliberately coarse: reasons for a drop or NAK are logged locally,
// right where the decision is made, using the §7 sentinel errors.
type Outcome uint8

const (
	// OutcomeNone covers everything a counter doesn't track on its own:
	// drops, RELEASE, DECLINE, and any other message with no dedicated
	// metric.
	OutcomeNone Outcome = iota
	OutcomeOffer
	OutcomeAck
	OutcomeNak
	OutcomePoolExhausted
)
