// Package session adapts three pattern-specific Noise session primitives
// (IK, IX, XX) behind one interface, hiding the message-count-based
// branching a caller would otherwise need between handshake processing
// and transport-mode AEAD (spec §4.1).
//
// The underlying cryptography is provided by github.com/flynn/noise,
// which already produces the pattern-prescribed wire shape (ephemeral
// keys, encrypted statics, AEAD tags) for each handshake message; this
// adapter does not re-implement that byte layout, only the dispatch
// between handshake and transport phases and the uniform error kind.
package session

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/rs/zerolog"

	"github.com/gosuda/noiseup/core/noiseerr"
	"github.com/gosuda/noiseup/core/pattern"
)

// CipherSuite is the suite used for every handshake pattern this module
// supports: X25519 key agreement, ChaCha20-Poly1305 AEAD, BLAKE2s hash.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func noisePattern(p pattern.Pattern) noise.HandshakePattern {
	switch p {
	case pattern.IK:
		return noise.HandshakeIK
	case pattern.IX:
		return noise.HandshakeIX
	case pattern.XX:
		return noise.HandshakeXX
	default:
		panic(fmt.Sprintf("session: unknown pattern %v", p))
	}
}

// Keypair is a 32-byte X25519 static keypair.
type Keypair struct {
	Private []byte
	Public  []byte
}

func (k Keypair) dhKey() noise.DHKey {
	return noise.DHKey{Private: k.Private, Public: k.Public}
}

// GenerateKeypair produces a fresh X25519 static keypair using the
// cipher suite's DH function, matching the way flynn/noise generates
// ephemeral keys internally.
func GenerateKeypair() (Keypair, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("session: generate keypair: %w", err)
	}
	return Keypair{Private: dh.Private, Public: dh.Public}, nil
}

// Session is the crypto state a Framed codec drives: handshake message
// processing before transport mode, AEAD encrypt/decrypt after.
type Session interface {
	// SendMessage produces the next outbound frame payload: a
	// handshake message while !IsTransport, or an AEAD ciphertext
	// (plaintext + 16-byte tag) once transport mode is reached.
	SendMessage(payload []byte) ([]byte, error)

	// RecvMessage processes one inbound frame payload, returning the
	// plaintext it carried.
	RecvMessage(frame []byte) ([]byte, error)

	// MessageCount is the number of send/recv calls made so far on
	// this session, monotonically increasing.
	MessageCount() int

	// IsTransport reports whether the handshake has completed and
	// SendMessage/RecvMessage now perform transport AEAD.
	IsTransport() bool

	// RemoteStaticPublicKey returns the peer's 32-byte static public
	// key once learned. For an IK initiator it is available
	// immediately; for every other role/pattern it is only guaranteed
	// present after the final handshake message is processed.
	RemoteStaticPublicKey() (key [32]byte, ok bool)
}

type noiseSession struct {
	pattern pattern.Pattern
	role    pattern.Role
	log     zerolog.Logger

	hs    *noise.HandshakeState
	count int

	transport bool
	send      *noise.CipherState
	recv      *noise.CipherState
}

// New constructs a Session for the given pattern and role. remoteStatic
// must be non-nil for an IK initiator (the responder's known static key)
// and must be nil in every other case.
func New(p pattern.Pattern, role pattern.Role, local Keypair, remoteStatic []byte, log zerolog.Logger) (Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Pattern:       noisePattern(p),
		Initiator:     role == pattern.Initiator,
		Prologue:      p.Prologue(),
		StaticKeypair: local.dhKey(),
		PeerStatic:    remoteStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("session: init %s/%s: %w", p, role, err)
	}
	return &noiseSession{pattern: p, role: role, log: log, hs: hs}, nil
}

func (s *noiseSession) setCipherStates(cs1, cs2 *noise.CipherState) {
	// cs1 is initiator→responder, cs2 is responder→initiator.
	if s.role == pattern.Initiator {
		s.send, s.recv = cs1, cs2
	} else {
		s.send, s.recv = cs2, cs1
	}
	s.transport = true
}

func (s *noiseSession) SendMessage(payload []byte) ([]byte, error) {
	if !s.transport {
		out, cs1, cs2, err := s.hs.WriteMessage(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: write handshake message %d: %w", noiseerr.ErrCrypto, s.count, err)
		}
		s.count++
		s.log.Trace().Int("msg", s.count-1).Int("len", len(out)).Msg("session: wrote handshake message")
		if cs1 != nil {
			s.setCipherStates(cs1, cs2)
			s.log.Debug().Str("pattern", s.pattern.String()).Msg("session: handshake complete, entering transport mode")
		}
		return out, nil
	}

	out, err := s.send.Encrypt(nil, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %w", noiseerr.ErrCrypto, err)
	}
	s.count++
	return out, nil
}

func (s *noiseSession) RecvMessage(frame []byte) ([]byte, error) {
	if !s.transport {
		out, cs1, cs2, err := s.hs.ReadMessage(nil, frame)
		if err != nil {
			return nil, fmt.Errorf("%w: read handshake message %d: %w", noiseerr.ErrCrypto, s.count, err)
		}
		s.count++
		s.log.Trace().Int("msg", s.count-1).Int("len", len(out)).Msg("session: read handshake message")
		if cs1 != nil {
			s.setCipherStates(cs1, cs2)
			s.log.Debug().Str("pattern", s.pattern.String()).Msg("session: handshake complete, entering transport mode")
		}
		return out, nil
	}

	out, err := s.recv.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", noiseerr.ErrCrypto, err)
	}
	s.count++
	return out, nil
}

func (s *noiseSession) MessageCount() int { return s.count }

func (s *noiseSession) IsTransport() bool { return s.transport }

func (s *noiseSession) RemoteStaticPublicKey() (key [32]byte, ok bool) {
	if s.hs == nil {
		return key, false
	}
	peer := s.hs.PeerStatic()
	if len(peer) != 32 {
		return key, false
	}
	copy(key[:], peer)
	return key, true
}
