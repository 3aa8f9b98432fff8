// Package codec implements the Framed codec (spec §4.2): two independent
// non-blocking state machines, one per direction, that turn a raw
// transport (core/netio) plus a crypto session (core/session) into a
// transparent encrypted byte stream. Each direction makes forward
// progress on every call until it either produces a result, the
// transport reports netio.ErrWouldBlock, or it enters a sticky terminal
// state.
//
// Grounded on the original rust-libp2p NoiseOutput's read()/write()
// loops (see _examples/original_source/protocols/noise/io.rs), adapted
// to Go's lack of borrowed-slice suspension: offsets are plain struct
// fields so a call can return mid-frame and resume exactly where it
// left off.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/gosuda/noiseup/core/netio"
	"github.com/gosuda/noiseup/core/noiseerr"
	"github.com/gosuda/noiseup/core/session"
)

type readState int

const (
	rInit readState = iota
	rReadLen
	rReadData
	rCopyData
	rEofClean
	rEofUnexpected
	rDecErr
)

type writeState int

const (
	wInit writeState = iota
	wBufferData
	wWriteLen
	wWriteData
	wEof
	wEncErr
)

// Conn is a transport-mode-or-handshake-mode encrypted stream: the
// transport and session layers are fixed at construction, the two state
// machines evolve independently as Read/Write/Flush are called.
//
// Conn implements io.Reader and io.Writer directly; Flush and Shutdown
// round out the caller contract from spec §6.2.
type Conn struct {
	transport netio.Transport
	session   session.Session
	log       zerolog.Logger

	readCipher  *bytebufferpool.ByteBuffer
	readPlain   *bytebufferpool.ByteBuffer
	writePlain  *bytebufferpool.ByteBuffer
	writeCipher *bytebufferpool.ByteBuffer

	rState  readState
	rLenBuf [2]byte
	rLenOff int
	rLen    int
	rOff    int
	rPlain  int
	rPOff   int
	rErr    error

	wState  writeState
	wOff    int
	wLen    int
	wLenBuf [2]byte
	wLenOff int
	wDOff   int
	wErr    error
}

// New builds a Conn over transport, driven by session. Buffers are
// acquired here, once, sized to the maximum a single frame can need;
// no further connection-lifetime reallocation occurs.
func New(transport netio.Transport, sess session.Session, log zerolog.Logger) *Conn {
	return &Conn{
		transport:   transport,
		session:     sess,
		log:         log,
		readCipher:  acquire(maxCiphertextLen),
		readPlain:   acquire(maxPlaintextLen),
		writePlain:  acquire(maxPlaintextLen),
		writeCipher: acquire(maxCiphertextLen),
	}
}

// String implements fmt.Stringer, printing only the two state tags,
// never buffer contents (read_plain/write_plain may hold caller
// plaintext, read_cipher/write_cipher may hold key-derived material).
func (c *Conn) String() string {
	return fmt.Sprintf("codec.Conn{read=%v write=%v}", c.rState, c.wState)
}

// MarshalZerologObject lets a Conn be logged directly via
// logger.Debug().Object("conn", c) without ever touching buffer bytes.
func (c *Conn) MarshalZerologObject(e *zerolog.Event) {
	e.Str("read_state", c.rState.String()).Str("write_state", c.wState.String())
}

func (s readState) String() string {
	switch s {
	case rInit:
		return "init"
	case rReadLen:
		return "read_len"
	case rReadData:
		return "read_data"
	case rCopyData:
		return "copy_data"
	case rEofClean:
		return "eof_clean"
	case rEofUnexpected:
		return "eof_unexpected"
	case rDecErr:
		return "dec_err"
	default:
		return "unknown"
	}
}

func (s writeState) String() string {
	switch s {
	case wInit:
		return "init"
	case wBufferData:
		return "buffer_data"
	case wWriteLen:
		return "write_len"
	case wWriteData:
		return "write_data"
	case wEof:
		return "eof"
	case wEncErr:
		return "enc_err"
	default:
		return "unknown"
	}
}

// Read implements io.Reader, driving the Read state machine (spec §4.2)
// until it delivers bytes of a decrypted frame, blocks, or terminates.
// A frame whose plaintext is empty (every handshake message) completes
// with (0, nil), as does a call with an empty p.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		switch c.rState {
		case rInit:
			c.rLenOff = 0
			c.rState = rReadLen

		case rReadLen:
			n, err := c.transport.Read(c.rLenBuf[c.rLenOff:2])
			c.rLenOff += n
			if c.rLenOff == 2 {
				// Got the full length prefix even if this call also
				// reported io.EOF alongside the final bytes.
			} else if err != nil {
				if errors.Is(err, netio.ErrWouldBlock) {
					return 0, err
				}
				if errors.Is(err, io.EOF) {
					if c.rLenOff == 0 {
						c.rState = rEofClean
						return 0, nil
					}
					c.rState = rEofUnexpected
					c.rErr = noiseerr.ErrUnexpectedEOF
					return 0, c.rErr
				}
				// A genuine transport error with partial or no
				// progress: propagate verbatim without forcing a
				// terminal transition, so a caller using a transport
				// with its own retry semantics for this error can
				// still make progress later.
				return 0, err
			} else if n == 0 {
				// Defensive only: a correct Transport pairs 0 bytes
				// with either ErrWouldBlock or io.EOF, never nil.
				return 0, netio.ErrWouldBlock
			} else {
				continue
			}
			length := int(binary.BigEndian.Uint16(c.rLenBuf[:]))
			if length == 0 {
				c.rState = rInit
				continue
			}
			c.rLen = length
			c.rOff = 0
			resize(c.readCipher, length)
			c.rState = rReadData

		case rReadData:
			n, err := c.transport.Read(c.readCipher.B[c.rOff:c.rLen])
			c.rOff += n
			if c.rOff < c.rLen {
				// Frame body still incomplete: a trailing io.EOF here
				// means the peer closed mid-frame, a genuinely
				// truncated stream.
				if err != nil {
					if errors.Is(err, netio.ErrWouldBlock) {
						return 0, err
					}
					if errors.Is(err, io.EOF) {
						c.rState = rEofUnexpected
						c.rErr = noiseerr.ErrUnexpectedEOF
						return 0, c.rErr
					}
					return 0, err
				}
				if n == 0 {
					return 0, netio.ErrWouldBlock
				}
				continue
			}
			plaintext, err := c.session.RecvMessage(c.readCipher.B[:c.rLen])
			if err != nil {
				c.log.Debug().Err(err).Msg("codec: recv failed, read direction terminal")
				c.rState = rDecErr
				c.rErr = err
				return 0, err
			}
			resize(c.readPlain, len(plaintext))
			copy(c.readPlain.B, plaintext)
			c.rPlain = len(plaintext)
			c.rPOff = 0
			c.rState = rCopyData

		case rCopyData:
			n := c.rPlain - c.rPOff
			if n > len(p) {
				n = len(p)
			}
			copy(p[:n], c.readPlain.B[c.rPOff:c.rPOff+n])
			c.rPOff += n
			if c.rPOff == c.rPlain {
				c.rState = rReadLen
				c.rLenOff = 0
			}
			return n, nil

		case rEofClean:
			return 0, nil

		case rEofUnexpected:
			return 0, c.rErr

		case rDecErr:
			return 0, c.rErr

		default:
			panic("codec: read state machine entered an unknown state")
		}
	}
}

// Write implements io.Writer, driving the Write state machine (spec
// §4.2). A single call may finish flushing a previously-encrypted frame
// and then accept new caller bytes, if the transport allows both
// without blocking.
func (c *Conn) Write(p []byte) (int, error) {
	for {
		switch c.wState {
		case wInit:
			c.wOff = 0
			c.wState = wBufferData

		case wBufferData:
			n := maxPlaintextLen - c.wOff
			if n > len(p) {
				n = len(p)
			}
			copy(c.writePlain.B[c.wOff:c.wOff+n], p[:n])
			c.wOff += n
			// During handshake the session has no 16384-byte framing
			// of its own: each write call (even of an empty payload)
			// must immediately hand whatever is buffered to the
			// session so it can emit the next handshake message (spec
			// §4.3's "Send" step). Once transport mode is reached,
			// batching up to the cap takes over.
			if c.wOff == maxPlaintextLen || !c.session.IsTransport() {
				ciphertext, err := c.session.SendMessage(c.writePlain.B[:c.wOff])
				if err != nil {
					c.log.Debug().Err(err).Msg("codec: send failed, write direction terminal")
					c.wState = wEncErr
					c.wErr = err
					return n, err
				}
				if len(ciphertext) > maxCiphertextLen {
					err := fmt.Errorf("codec: ciphertext frame length %d exceeds %d-byte maximum", len(ciphertext), maxCiphertextLen)
					c.wState = wEncErr
					c.wErr = err
					return n, err
				}
				resize(c.writeCipher, len(ciphertext))
				copy(c.writeCipher.B, ciphertext)
				c.wLen = len(ciphertext)
				binary.BigEndian.PutUint16(c.wLenBuf[:], uint16(c.wLen))
				c.wLenOff = 0
				c.wDOff = 0
				c.wState = wWriteLen
			}
			return n, nil

		case wWriteLen:
			n, err := c.transport.Write(c.wLenBuf[c.wLenOff:2])
			c.wLenOff += n
			if err != nil {
				if errors.Is(err, netio.ErrWouldBlock) {
					return 0, err
				}
				return 0, err
			}
			if n == 0 {
				c.wState = wEof
				c.wErr = noiseerr.ErrWriteZero
				return 0, c.wErr
			}
			if c.wLenOff < 2 {
				continue
			}
			c.wState = wWriteData

		case wWriteData:
			n, err := c.transport.Write(c.writeCipher.B[c.wDOff:c.wLen])
			c.wDOff += n
			if err != nil {
				if errors.Is(err, netio.ErrWouldBlock) {
					return 0, err
				}
				return 0, err
			}
			if n == 0 {
				c.wState = wEof
				c.wErr = noiseerr.ErrWriteZero
				return 0, c.wErr
			}
			if c.wDOff < c.wLen {
				continue
			}
			c.wState = wInit

		case wEof:
			return 0, c.wErr

		case wEncErr:
			return 0, c.wErr

		default:
			panic("codec: write state machine entered an unknown state")
		}
	}
}

// Flush drains any buffered plaintext by forcing encryption of whatever
// sits in write_plain, even below the 16384-byte cap, then completes
// WriteLen/WriteData. It returns nil only once the write direction is
// back at Init with nothing pending.
func (c *Conn) Flush() error {
	for {
		switch c.wState {
		case wInit:
			return nil

		case wBufferData:
			ciphertext, err := c.session.SendMessage(c.writePlain.B[:c.wOff])
			if err != nil {
				c.log.Debug().Err(err).Msg("codec: flush encrypt failed, write direction terminal")
				c.wState = wEncErr
				c.wErr = err
				return err
			}
			if len(ciphertext) > maxCiphertextLen {
				err := fmt.Errorf("codec: ciphertext frame length %d exceeds %d-byte maximum", len(ciphertext), maxCiphertextLen)
				c.wState = wEncErr
				c.wErr = err
				return err
			}
			resize(c.writeCipher, len(ciphertext))
			copy(c.writeCipher.B, ciphertext)
			c.wLen = len(ciphertext)
			binary.BigEndian.PutUint16(c.wLenBuf[:], uint16(c.wLen))
			c.wLenOff = 0
			c.wDOff = 0
			c.wState = wWriteLen

		case wWriteLen:
			n, err := c.transport.Write(c.wLenBuf[c.wLenOff:2])
			c.wLenOff += n
			if err != nil {
				return err
			}
			if n == 0 {
				c.wState = wEof
				c.wErr = noiseerr.ErrWriteZero
				return c.wErr
			}
			if c.wLenOff < 2 {
				continue
			}
			c.wState = wWriteData

		case wWriteData:
			n, err := c.transport.Write(c.writeCipher.B[c.wDOff:c.wLen])
			c.wDOff += n
			if err != nil {
				return err
			}
			if n == 0 {
				c.wState = wEof
				c.wErr = noiseerr.ErrWriteZero
				return c.wErr
			}
			if c.wDOff < c.wLen {
				continue
			}
			c.wState = wInit
			return nil

		case wEof, wEncErr:
			return c.wErr

		default:
			panic("codec: write state machine entered an unknown state")
		}
	}
}

// Shutdown delegates to the underlying transport. It is safe to call
// more than once, matching the original's reliance on the transport's
// own idempotent close.
func (c *Conn) Shutdown() error {
	return c.transport.Shutdown()
}

// Release returns the connection's buffers to the shared pool, wiping
// them first. Call once the Conn is no longer in use.
func (c *Conn) Release() {
	release(c.readCipher)
	release(c.readPlain)
	release(c.writePlain)
	release(c.writeCipher)
}
