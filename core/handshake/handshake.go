// Package handshake sequences the fixed send/receive/flush steps that
// carry a session from construction to transport mode (spec §4.3),
// driving a single core/codec.Conn one step at a time so a caller
// running its own event loop can retry a would-block without ever
// re-issuing a step that already completed.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/noiseup/core/codec"
	"github.com/gosuda/noiseup/core/netio"
	"github.com/gosuda/noiseup/core/noiseerr"
	"github.com/gosuda/noiseup/core/pattern"
	"github.com/gosuda/noiseup/core/session"
)

type stepKind int

const (
	stepSend stepKind = iota
	stepFlush
	stepRecv
)

func (k stepKind) String() string {
	switch k {
	case stepSend:
		return "send"
	case stepFlush:
		return "flush"
	case stepRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// plan returns the ordered steps for (pattern, role), per spec §4.3:
// 1-RTT for IK/IX, 1.5-RTT for XX.
func plan(p pattern.Pattern, role pattern.Role) []stepKind {
	if p == pattern.XX {
		if role == pattern.Initiator {
			return []stepKind{stepSend, stepFlush, stepRecv, stepSend, stepFlush}
		}
		return []stepKind{stepRecv, stepSend, stepFlush, stepRecv}
	}
	if role == pattern.Initiator {
		return []stepKind{stepSend, stepFlush, stepRecv}
	}
	return []stepKind{stepRecv, stepSend, stepFlush}
}

// Driver sequences one handshake to completion over one codec.Conn.
type Driver struct {
	conn  *codec.Conn
	sess  session.Session
	log   zerolog.Logger
	steps []stepKind
	idx   int
}

// New builds a Driver for pattern p and role, constructing the codec
// Conn that will carry both the handshake and, afterward, the
// transport-mode stream.
func New(transport netio.Transport, sess session.Session, p pattern.Pattern, role pattern.Role, log zerolog.Logger) *Driver {
	return &Driver{
		conn:  codec.New(transport, sess, log),
		sess:  sess,
		log:   log,
		steps: plan(p, role),
	}
}

// Step advances the handshake by whatever the transport currently
// allows. It returns (true, nil) once every step has completed. Before
// that it returns (false, err): err is netio.ErrWouldBlock when the
// current step should simply be retried later, or a fatal error
// (InvalidData, UnexpectedEof, ...) if the direction has gone
// terminal. Step never re-issues a step that has already completed.
func (d *Driver) Step() (done bool, err error) {
	if d.idx >= len(d.steps) {
		return true, nil
	}
	kind := d.steps[d.idx]
	switch kind {
	case stepSend:
		if _, err := d.conn.Write(nil); err != nil {
			return false, err
		}
	case stepFlush:
		if err := d.conn.Flush(); err != nil {
			return false, err
		}
	case stepRecv:
		if _, err := d.conn.Read(nil); err != nil {
			return false, err
		}
	default:
		panic("handshake: unknown step kind")
	}
	d.log.Trace().Str("step", kind.String()).Int("idx", d.idx).Msg("handshake: step complete")
	d.idx++
	return d.idx >= len(d.steps), nil
}

// Finish queries the session's remote static public key. Call only
// once Step has reported done; calling earlier may observe a key the
// handshake has not yet finished verifying.
func (d *Driver) Finish() (remoteStatic [32]byte, conn *codec.Conn, err error) {
	key, ok := d.sess.RemoteStaticPublicKey()
	if !ok {
		return remoteStatic, nil, noiseerr.ErrInvalidKey
	}
	return key, d.conn, nil
}

// Run drives a Driver to completion, retrying on netio.ErrWouldBlock
// until ctx is done. It is a convenience for callers with no event loop
// of their own (tests, the demo CLI); an integration with a real
// poll/wake runtime should call Step directly instead (spec §5).
func Run(ctx context.Context, d *Driver) ([32]byte, *codec.Conn, error) {
	var zero [32]byte
	for {
		done, err := d.Step()
		if err != nil {
			if errors.Is(err, netio.ErrWouldBlock) {
				select {
				case <-ctx.Done():
					return zero, nil, ctx.Err()
				case <-time.After(time.Millisecond):
				}
				continue
			}
			return zero, nil, fmt.Errorf("handshake: %w", err)
		}
		if done {
			return d.Finish()
		}
	}
}
