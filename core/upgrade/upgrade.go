// Package upgrade is the outermost surface (spec §4.4): per-pattern
// configuration objects that, given a role and a raw non-blocking
// transport, produce a handshake.Driver. This is the only package most
// callers need to import.
package upgrade

import (
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"

	"github.com/gosuda/noiseup/core/handshake"
	"github.com/gosuda/noiseup/core/netio"
	"github.com/gosuda/noiseup/core/pattern"
	"github.com/gosuda/noiseup/core/session"
)

// GenerateStaticKeypair produces a fresh X25519 static keypair for use
// as a Config's local identity, using x/crypto/curve25519 directly
// rather than routing through the session primitive's internal DH.
func GenerateStaticKeypair() (session.Keypair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return session.Keypair{}, fmt.Errorf("upgrade: generate static keypair: %w", err)
	}
	return DeriveStaticKeypair(priv[:])
}

// DeriveStaticKeypair computes the X25519 public key for a
// caller-supplied 32-byte private key, for callers that persist and
// reload a static identity across runs rather than generating one
// fresh each time.
func DeriveStaticKeypair(priv []byte) (session.Keypair, error) {
	if len(priv) != 32 {
		return session.Keypair{}, fmt.Errorf("upgrade: static private key must be 32 bytes, got %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return session.Keypair{}, fmt.Errorf("upgrade: derive static public key: %w", err)
	}
	local := make([]byte, 32)
	copy(local, priv)
	return session.Keypair{Private: local, Public: pub}, nil
}

// Config is a single pattern's upgrade configuration: the local static
// keypair and, for an IK config used as an initiator, the responder's
// already-known static public key.
type Config struct {
	pattern      pattern.Pattern
	local        session.Keypair
	remoteStatic []byte
	log          zerolog.Logger
}

// NewIK builds an IK configuration. remoteStatic is the responder's
// known public key, required for Outbound (initiator) use; it may be
// nil for a config that will only ever serve Inbound (responder) use.
func NewIK(local session.Keypair, remoteStatic []byte, log zerolog.Logger) Config {
	return Config{pattern: pattern.IK, local: local, remoteStatic: remoteStatic, log: log}
}

// NewIX builds an IX configuration: both sides learn each other's
// static key during the handshake, so no remote key is configured
// up front.
func NewIX(local session.Keypair, log zerolog.Logger) Config {
	return Config{pattern: pattern.IX, local: local, log: log}
}

// NewXX builds an XX configuration.
func NewXX(local session.Keypair, log zerolog.Logger) Config {
	return Config{pattern: pattern.XX, local: local, log: log}
}

// ProtocolID is the identifier advertised to an outer multistream
// negotiation layer: "/noise/<pattern>/25519/chachapoly/blake2s/0.1.0".
func (c Config) ProtocolID() string { return c.pattern.ProtocolID() }

// Outbound produces a handshake driver for the initiator role over
// transport. For an IK config this requires a known remote static key.
func (c Config) Outbound(transport netio.Transport) (*handshake.Driver, error) {
	if c.pattern == pattern.IK && c.remoteStatic == nil {
		return nil, fmt.Errorf("upgrade: %s outbound requires a known remote static key", c.pattern)
	}
	sess, err := session.New(c.pattern, pattern.Initiator, c.local, c.remoteStatic, c.log)
	if err != nil {
		return nil, err
	}
	return handshake.New(transport, sess, c.pattern, pattern.Initiator, c.log), nil
}

// Inbound produces a handshake driver for the responder role over
// transport.
func (c Config) Inbound(transport netio.Transport) (*handshake.Driver, error) {
	sess, err := session.New(c.pattern, pattern.Responder, c.local, nil, c.log)
	if err != nil {
		return nil, err
	}
	return handshake.New(transport, sess, c.pattern, pattern.Responder, c.log), nil
}
