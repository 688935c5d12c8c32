// Package noise implements the Noise_XX_25519_ChaChaPoly_BLAKE2s handshake
// as a strictly sequential state machine over github.com/flynn/noise,
// which supplies the XX pattern and transport nonce discipline.
package noise

import (
	"crypto/sha256"
	"fmt"

	flynn "github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/remoshell/remoshelld/internal/rerr"
)

// Phase tracks handshake progress: every write/read is only legal in one
// specific phase, and the machine only ever moves forward.
type Phase int

const (
	InitStart Phase = iota
	InitWaitResp
	InitSendFinal
	RespStart
	RespSendResp
	RespWaitFinal
	Complete
)

func (p Phase) String() string {
	switch p {
	case InitStart:
		return "init_start"
	case InitWaitResp:
		return "init_wait_resp"
	case InitSendFinal:
		return "init_send_final"
	case RespStart:
		return "resp_start"
	case RespSendResp:
		return "resp_send_resp"
	case RespWaitFinal:
		return "resp_wait_final"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

type Role int

const (
	Initiator Role = iota
	Responder
)

// MaxMessageSize is the Noise framing limit for any single handshake or
// transport message.
const MaxMessageSize = 65535

// TagOverhead is the Poly1305 authentication tag size appended on encrypt.
const TagOverhead = 16

var cipherSuite = flynn.NewCipherSuite(flynn.DH25519, flynn.CipherChaChaPoly, flynn.HashBLAKE2s)

// IdentityToX25519 derives the X25519 static keypair a Noise session
// authenticates with from a 32-byte Ed25519 secret seed: SHA-256 the seed,
// then clamp per RFC 7748 §5 (clear bits 0,1,2 of byte 0; clear bit 7 and
// set bit 6 of byte 31).
func IdentityToX25519(ed25519Seed []byte) (flynn.DHKey, error) {
	sum := sha256.Sum256(ed25519Seed)
	sum[0] &^= 0b00000111
	sum[31] &^= 0b10000000
	sum[31] |= 0b01000000

	priv := sum[:]
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return flynn.DHKey{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return flynn.DHKey{Private: priv, Public: pub}, nil
}

// Session drives one XX handshake and the transport state that follows it.
type Session struct {
	role  Role
	phase Phase

	hs *flynn.HandshakeState

	sendCipher *flynn.CipherState
	recvCipher *flynn.CipherState

	peerStatic []byte
}

// NewInitiator constructs a Session that will send message 1.
func NewInitiator(staticKey flynn.DHKey) (*Session, error) {
	return newSession(staticKey, true)
}

// NewResponder constructs a Session that will receive message 1.
func NewResponder(staticKey flynn.DHKey) (*Session, error) {
	return newSession(staticKey, false)
}

func newSession(staticKey flynn.DHKey, initiator bool) (*Session, error) {
	hs, err := flynn.NewHandshakeState(flynn.Config{
		CipherSuite:   cipherSuite,
		Pattern:       flynn.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, rerr.New(rerr.HandshakeFailed, "noise.new", err)
	}
	s := &Session{hs: hs}
	if initiator {
		s.role = Initiator
		s.phase = InitStart
	} else {
		s.role = Responder
		s.phase = RespStart
	}
	return s, nil
}

// WriteHandshakeMessage produces the next handshake message this session is
// responsible for sending. payload is optional associated plaintext carried
// alongside the handshake pattern tokens.
func (s *Session) WriteHandshakeMessage(payload []byte) ([]byte, error) {
	switch s.role {
	case Initiator:
		switch s.phase {
		case InitStart:
			out, _, _, err := s.hs.WriteMessage(nil, payload)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.write1", err)
			}
			s.phase = InitWaitResp
			return out, nil
		case InitSendFinal:
			out, csOut, csIn, err := s.hs.WriteMessage(nil, payload)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.write3", err)
			}
			s.sendCipher, s.recvCipher = csOut, csIn
			s.peerStatic = append([]byte(nil), s.hs.PeerStatic()...)
			s.phase = Complete
			return out, nil
		default:
			return nil, rerr.New(rerr.HandshakeFailed, "noise.write", fmt.Errorf("wrong phase %s for initiator write", s.phase))
		}
	case Responder:
		switch s.phase {
		case RespSendResp:
			out, _, _, err := s.hs.WriteMessage(nil, payload)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.write2", err)
			}
			s.phase = RespWaitFinal
			return out, nil
		default:
			return nil, rerr.New(rerr.HandshakeFailed, "noise.write", fmt.Errorf("wrong phase %s for responder write", s.phase))
		}
	}
	return nil, rerr.New(rerr.HandshakeFailed, "noise.write", fmt.Errorf("unknown role"))
}

// ReadHandshakeMessage consumes the next expected inbound handshake message.
func (s *Session) ReadHandshakeMessage(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, rerr.New(rerr.FrameTooLarge, "noise.read", fmt.Errorf("handshake message %d bytes exceeds %d", len(msg), MaxMessageSize))
	}
	switch s.role {
	case Responder:
		switch s.phase {
		case RespStart:
			payload, _, _, err := s.hs.ReadMessage(nil, msg)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.read1", err)
			}
			s.phase = RespSendResp
			return payload, nil
		case RespWaitFinal:
			payload, csIn, csOut, err := s.hs.ReadMessage(nil, msg)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.read3", err)
			}
			s.recvCipher, s.sendCipher = csIn, csOut
			s.peerStatic = append([]byte(nil), s.hs.PeerStatic()...)
			s.phase = Complete
			return payload, nil
		default:
			return nil, rerr.New(rerr.HandshakeFailed, "noise.read", fmt.Errorf("wrong phase %s for responder read", s.phase))
		}
	case Initiator:
		switch s.phase {
		case InitWaitResp:
			payload, _, _, err := s.hs.ReadMessage(nil, msg)
			if err != nil {
				return nil, rerr.New(rerr.HandshakeFailed, "noise.read2", err)
			}
			s.phase = InitSendFinal
			return payload, nil
		default:
			return nil, rerr.New(rerr.HandshakeFailed, "noise.read", fmt.Errorf("wrong phase %s for initiator read", s.phase))
		}
	}
	return nil, rerr.New(rerr.HandshakeFailed, "noise.read", fmt.Errorf("unknown role"))
}

// Role reports whether this session is the handshake initiator or responder.
func (s *Session) Role() Role { return s.role }

// Phase reports the session's current state.
func (s *Session) Phase() Phase { return s.phase }

// IsComplete reports whether the handshake has finished and transport
// ciphers are available.
func (s *Session) IsComplete() bool { return s.phase == Complete }

// PeerStatic returns the peer's X25519 static public key observed during
// the handshake. Only valid once IsComplete().
func (s *Session) PeerStatic() ([]byte, error) {
	if !s.IsComplete() {
		return nil, rerr.New(rerr.HandshakeIncomplete, "noise.peer_static", nil)
	}
	return s.peerStatic, nil
}

// Encrypt authenticates and encrypts plaintext for the transport phase.
// Fails if plaintext exceeds MaxMessageSize-TagOverhead bytes.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.IsComplete() {
		return nil, rerr.New(rerr.HandshakeIncomplete, "noise.encrypt", nil)
	}
	if len(plaintext) > MaxMessageSize-TagOverhead {
		return nil, rerr.New(rerr.FrameTooLarge, "noise.encrypt", fmt.Errorf("plaintext %d bytes exceeds %d", len(plaintext), MaxMessageSize-TagOverhead))
	}
	ct, err := s.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, rerr.New(rerr.InternalError, "noise.encrypt", err)
	}
	return ct, nil
}

// Decrypt authenticates and decrypts ciphertext produced by the peer's
// Encrypt. Fails on tag mismatch or nonce replay.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.IsComplete() {
		return nil, rerr.New(rerr.HandshakeIncomplete, "noise.decrypt", nil)
	}
	plaintext, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, rerr.New(rerr.HandshakeFailed, "noise.decrypt", err)
	}
	return plaintext, nil
}
