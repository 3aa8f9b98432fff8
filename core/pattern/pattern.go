// Package pattern defines the Noise handshake patterns and roles this
// module supports, along with the fixed strings derived from them: the
// handshake prologue and the protocol identifier advertised to an outer
// negotiation layer.
package pattern

import "fmt"

// Pattern is one of the three Noise handshake patterns this module drives.
type Pattern int

const (
	IK Pattern = iota
	IX
	XX
)

// String returns the lower-case pattern name used in protocol identifiers.
func (p Pattern) String() string {
	switch p {
	case IK:
		return "ik"
	case IX:
		return "ix"
	case XX:
		return "xx"
	default:
		return "unknown"
	}
}

// upper returns the upper-case pattern name used in the Noise prologue.
func (p Pattern) upper() string {
	switch p {
	case IK:
		return "IK"
	case IX:
		return "IX"
	case XX:
		return "XX"
	default:
		return "UNKNOWN"
	}
}

// MessageCount is the number of handshake messages the pattern exchanges
// before the session enters transport mode: 2 for IK/IX (1-RTT), 3 for
// XX (1.5-RTT).
func (p Pattern) MessageCount() int {
	if p == XX {
		return 3
	}
	return 2
}

// Prologue is the byte string mixed into the handshake hash for domain
// separation between cipher suites and patterns.
func (p Pattern) Prologue() []byte {
	return []byte(fmt.Sprintf("Noise_%s_25519_ChaChaPoly_Blake2s", p.upper()))
}

// ProtocolID is the identifier advertised to the outer multistream
// negotiation layer.
func (p Pattern) ProtocolID() string {
	return fmt.Sprintf("/noise/%s/25519/chachapoly/blake2s/0.1.0", p.String())
}

// Role is the side of the handshake a party plays.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}
