package noise

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/remoshell/remoshelld/internal/rerr"
)

func freshKeypair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	key, err := IdentityToX25519(seed)
	if err != nil {
		t.Fatalf("derive x25519: %v", err)
	}
	return seed, key.Public
}

// runHandshake drives the full three-message exchange between a and b,
// failing the test on any step.
func runHandshake(t *testing.T, a, b *Session) {
	t.Helper()
	msg1, err := a.WriteHandshakeMessage(nil)
	if err != nil {
		t.Fatalf("write msg1: %v", err)
	}
	if _, err := b.ReadHandshakeMessage(msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}
	msg2, err := b.WriteHandshakeMessage(nil)
	if err != nil {
		t.Fatalf("write msg2: %v", err)
	}
	if _, err := a.ReadHandshakeMessage(msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}
	msg3, err := a.WriteHandshakeMessage(nil)
	if err != nil {
		t.Fatalf("write msg3: %v", err)
	}
	if _, err := b.ReadHandshakeMessage(msg3); err != nil {
		t.Fatalf("read msg3: %v", err)
	}
}

func newPair(t *testing.T) (*Session, *Session, []byte, []byte) {
	t.Helper()
	seedA, pubA := freshKeypair(t)
	seedB, pubB := freshKeypair(t)

	keyA, _ := IdentityToX25519(seedA)
	keyB, _ := IdentityToX25519(seedB)

	init, err := NewInitiator(keyA)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	resp, err := NewResponder(keyB)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	return init, resp, pubA, pubB
}

func TestHandshakeCompletesInThreeMessages(t *testing.T) {
	init, resp, pubA, pubB := newPair(t)

	if init.Phase() != InitStart || resp.Phase() != RespStart {
		t.Fatalf("fresh sessions in wrong phases: %s / %s", init.Phase(), resp.Phase())
	}
	runHandshake(t, init, resp)

	if !init.IsComplete() || !resp.IsComplete() {
		t.Fatalf("expected both complete, got %s / %s", init.Phase(), resp.Phase())
	}

	gotB, err := init.PeerStatic()
	if err != nil {
		t.Fatalf("initiator peer static: %v", err)
	}
	gotA, err := resp.PeerStatic()
	if err != nil {
		t.Fatalf("responder peer static: %v", err)
	}
	if !bytes.Equal(gotB, pubB) {
		t.Fatal("initiator observed wrong responder static key")
	}
	if !bytes.Equal(gotA, pubA) {
		t.Fatal("responder observed wrong initiator static key")
	}
}

func TestTransportEncryptDecryptRoundTrip(t *testing.T) {
	init, resp, _, _ := newPair(t)
	runHandshake(t, init, resp)

	for _, msg := range [][]byte{[]byte("hi"), {}, bytes.Repeat([]byte{0xAB}, MaxMessageSize-TagOverhead)} {
		ct, err := init.Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(msg), err)
		}
		if len(ct) != len(msg)+TagOverhead {
			t.Fatalf("ciphertext %d bytes, want %d", len(ct), len(msg)+TagOverhead)
		}
		pt, err := resp.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatal("round trip mismatch")
		}
	}
}

func TestEncryptRejectsOversizePlaintext(t *testing.T) {
	init, resp, _, _ := newPair(t)
	runHandshake(t, init, resp)

	_, err := init.Encrypt(make([]byte, MaxMessageSize-TagOverhead+1))
	if rerr.KindOf(err) != rerr.FrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	init, resp, _, _ := newPair(t)
	runHandshake(t, init, resp)

	ct, err := init.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[0] ^= 0xFF
	if _, err := resp.Decrypt(ct); err == nil {
		t.Fatal("expected decrypt failure on tampered ciphertext")
	}
}

func TestWrongPhaseWriteFails(t *testing.T) {
	init, resp, _, _ := newPair(t)

	// Responder cannot speak first in XX.
	if _, err := resp.WriteHandshakeMessage(nil); rerr.KindOf(err) != rerr.HandshakeFailed {
		t.Fatalf("expected HandshakeFailed for responder writing first, got %v", err)
	}
	// Initiator cannot write msg3 before reading msg2.
	if _, err := init.WriteHandshakeMessage(nil); err != nil {
		t.Fatalf("write msg1: %v", err)
	}
	if _, err := init.WriteHandshakeMessage(nil); rerr.KindOf(err) != rerr.HandshakeFailed {
		t.Fatalf("expected HandshakeFailed for double write, got %v", err)
	}
}

func TestEncryptBeforeCompleteFails(t *testing.T) {
	init, _, _, _ := newPair(t)
	if _, err := init.Encrypt([]byte("early")); rerr.KindOf(err) != rerr.HandshakeIncomplete {
		t.Fatalf("expected HandshakeIncomplete, got %v", err)
	}
}

func TestIdentityToX25519IsClampedAndDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	k1, err := IdentityToX25519(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, _ := IdentityToX25519(seed)
	if !bytes.Equal(k1.Private, k2.Private) || !bytes.Equal(k1.Public, k2.Public) {
		t.Fatal("derivation not deterministic")
	}
	if k1.Private[0]&0b00000111 != 0 {
		t.Fatal("low bits of scalar byte 0 not cleared")
	}
	if k1.Private[31]&0b10000000 != 0 || k1.Private[31]&0b01000000 == 0 {
		t.Fatal("byte 31 not clamped per RFC 7748")
	}
	pub, err := curve25519.X25519(k1.Private, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("recompute public: %v", err)
	}
	if !bytes.Equal(pub, k1.Public) {
		t.Fatal("public key does not match scalar")
	}
}
