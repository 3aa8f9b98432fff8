// Package noiseerr collects the error kinds surfaced at the core
// boundary (spec §7), shared by session, codec, and handshake so callers
// can errors.Is against one taxonomy regardless of which layer produced
// the failure.
package noiseerr

import (
	"errors"
	"io"
)

var (
	// ErrInvalidKey means the handshake finished without a remote
	// static public key being learned — an incomplete or
	// pattern-violating handshake.
	ErrInvalidKey = errors.New("noiseup: handshake completed without remote static key")

	// ErrCrypto is the single error kind for both encryption and
	// decryption failure reported by the session primitive. The
	// session adapter exposes no partial state on this error.
	ErrCrypto = errors.New("noiseup: cryptographic operation failed")

	// ErrWriteZero means the transport accepted zero bytes on a write
	// that expected forward progress.
	ErrWriteZero = errors.New("noiseup: write accepted zero bytes")
)

// ErrUnexpectedEOF is spec §7's UnexpectedEof: the transport closed
// mid-frame on read. Reused from the standard library since it already
// names exactly this condition.
var ErrUnexpectedEOF = io.ErrUnexpectedEOF
