package session

import (
	"bytes"
	"testing"

	"github.com/gosuda/noiseup/core/pattern"
)

// frameOverhead documents spec §4.1's per-(pattern, message index) prefix
// table, used here only to assert flynn/noise produces the expected wire
// shape — the adapter itself never manipulates these offsets by hand.
func frameOverhead(p pattern.Pattern, msgIndex int) (prefix int, hasTag bool) {
	switch p {
	case pattern.IK:
		if msgIndex == 0 {
			return 80, true
		}
		return 32, true
	case pattern.IX:
		if msgIndex == 0 {
			return 64, false
		}
		return 80, true
	case pattern.XX:
		switch msgIndex {
		case 0:
			return 32, false
		case 1:
			return 80, true
		default:
			return 48, true
		}
	}
	panic("unreachable")
}

func expectedLen(p pattern.Pattern, msgIndex, payloadLen int) int {
	prefix, hasTag := frameOverhead(p, msgIndex)
	n := prefix + payloadLen
	if hasTag {
		n += 16
	}
	return n
}

func mustKeypair(t *testing.T) Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp
}

func runHandshake(t *testing.T, p pattern.Pattern, initRemote, respRemote []byte) (Session, Session, Keypair, Keypair) {
	t.Helper()
	initKP := mustKeypair(t)
	respKP := mustKeypair(t)

	initiator, err := New(p, pattern.Initiator, initKP, initRemote, discardLogger())
	if err != nil {
		t.Fatalf("New(initiator): %v", err)
	}
	responder, err := New(p, pattern.Responder, respKP, respRemote, discardLogger())
	if err != nil {
		t.Fatalf("New(responder): %v", err)
	}

	n := p.MessageCount()
	for i := 0; i < n; i++ {
		var sender, receiver Session
		var senderIsInitiator bool
		switch {
		case p == pattern.XX:
			senderIsInitiator = i%2 == 0
		default: // IK, IX: initiator sends msg 0, responder sends msg 1
			senderIsInitiator = i == 0
		}
		if senderIsInitiator {
			sender, receiver = initiator, responder
		} else {
			sender, receiver = responder, initiator
		}

		frame, err := sender.SendMessage(nil)
		if err != nil {
			t.Fatalf("msg %d: SendMessage: %v", i, err)
		}
		if got, want := len(frame), expectedLen(p, i, 0); got != want {
			t.Errorf("msg %d: frame length = %d, want %d", i, got, want)
		}
		if _, err := receiver.RecvMessage(frame); err != nil {
			t.Fatalf("msg %d: RecvMessage: %v", i, err)
		}
	}

	if !initiator.IsTransport() || !responder.IsTransport() {
		t.Fatal("handshake did not reach transport mode")
	}
	return initiator, responder, initKP, respKP
}

func TestRoundTripIK(t *testing.T) {
	respKP := mustKeypair(t)
	initiator, responder, _, _ := runHandshakeIK(t, respKP)

	remote, ok := initiator.RemoteStaticPublicKey()
	if !ok {
		t.Fatal("initiator: no remote static key")
	}
	if !bytes.Equal(remote[:], respKP.Public) {
		t.Error("initiator's remote static key does not match responder's public key")
	}

	remote, ok = responder.RemoteStaticPublicKey()
	if !ok {
		t.Fatal("responder: no remote static key")
	}
}

func runHandshakeIK(t *testing.T, respKP Keypair) (Session, Session, Keypair, Keypair) {
	t.Helper()
	initKP := mustKeypair(t)

	initiator, err := New(pattern.IK, pattern.Initiator, initKP, respKP.Public, discardLogger())
	if err != nil {
		t.Fatalf("New(initiator): %v", err)
	}
	responder, err := New(pattern.IK, pattern.Responder, respKP, nil, discardLogger())
	if err != nil {
		t.Fatalf("New(responder): %v", err)
	}

	msg0, err := initiator.SendMessage(nil)
	if err != nil {
		t.Fatalf("msg0: %v", err)
	}
	if got, want := len(msg0), expectedLen(pattern.IK, 0, 0); got != want {
		t.Errorf("msg0 length = %d, want %d", got, want)
	}
	if _, err := responder.RecvMessage(msg0); err != nil {
		t.Fatalf("responder recv msg0: %v", err)
	}

	msg1, err := responder.SendMessage(nil)
	if err != nil {
		t.Fatalf("msg1: %v", err)
	}
	if got, want := len(msg1), expectedLen(pattern.IK, 1, 0); got != want {
		t.Errorf("msg1 length = %d, want %d", got, want)
	}
	if _, err := initiator.RecvMessage(msg1); err != nil {
		t.Fatalf("initiator recv msg1: %v", err)
	}

	if !initiator.IsTransport() || !responder.IsTransport() {
		t.Fatal("IK handshake did not reach transport mode")
	}
	return initiator, responder, initKP, respKP
}

func TestRoundTripIX(t *testing.T) {
	initiator, responder, initKP, respKP := runHandshake(t, pattern.IX, nil, nil)

	remote, ok := initiator.RemoteStaticPublicKey()
	if !ok || !bytes.Equal(remote[:], respKP.Public) {
		t.Error("initiator did not learn responder's static key")
	}
	remote, ok = responder.RemoteStaticPublicKey()
	if !ok || !bytes.Equal(remote[:], initKP.Public) {
		t.Error("responder did not learn initiator's static key")
	}
}

func TestRoundTripXX(t *testing.T) {
	initiator, responder, initKP, respKP := runHandshake(t, pattern.XX, nil, nil)

	remote, ok := initiator.RemoteStaticPublicKey()
	if !ok || !bytes.Equal(remote[:], respKP.Public) {
		t.Error("initiator did not learn responder's static key")
	}
	remote, ok = responder.RemoteStaticPublicKey()
	if !ok || !bytes.Equal(remote[:], initKP.Public) {
		t.Error("responder did not learn initiator's static key")
	}
}

func TestTransportRoundTrip(t *testing.T) {
	initiator, responder, _, _ := runHandshake(t, pattern.XX, nil, nil)

	plain := []byte("hello over the wire")
	frame, err := initiator.SendMessage(plain)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(frame) != len(plain)+16 {
		t.Errorf("transport frame length = %d, want %d", len(frame), len(plain)+16)
	}
	got, err := responder.RecvMessage(frame)
	if err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round-tripped payload = %q, want %q", got, plain)
	}
}

func TestTamperedFrameFails(t *testing.T) {
	initiator, responder, _, _ := runHandshake(t, pattern.XX, nil, nil)

	frame, err := initiator.SendMessage([]byte("authenticate me"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	frame[0] ^= 0xFF

	if _, err := responder.RecvMessage(frame); err == nil {
		t.Fatal("expected decryption failure on tampered frame")
	}
}

func TestMessageCountMonotonic(t *testing.T) {
	initiator, responder, _, _ := runHandshake(t, pattern.IX, nil, nil)
	if initiator.MessageCount() == 0 || responder.MessageCount() == 0 {
		t.Fatal("message count did not advance during handshake")
	}

	before := initiator.MessageCount()
	if _, err := initiator.SendMessage([]byte("x")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if initiator.MessageCount() != before+1 {
		t.Errorf("MessageCount() = %d, want %d", initiator.MessageCount(), before+1)
	}
}
