package transport

import (
	"context"

	"github.com/remoshell/remoshelld/internal/noise"
	"github.com/remoshell/remoshelld/internal/rerr"
)

// PeerKeySetter is implemented by both substrates to record the peer's
// static key once the handshake completes.
type PeerKeySetter interface {
	SetPeerPublicKey([]byte)
}

// RunHandshake drives the three-message Noise XX exchange over conn's
// Control channel and records the peer's static key on conn once
// complete. Symmetric for both roles: callers pass the Session matching
// their side.
func RunHandshake(ctx context.Context, conn Connection, session *noise.Session) error {
	setter, ok := conn.(PeerKeySetter)
	if !ok {
		return rerr.New(rerr.InternalError, "handshake.setup", nil)
	}

	if session.Role() == noise.Initiator {
		msg1, err := session.WriteHandshakeMessage(nil)
		if err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.write_e", err)
		}
		if err := conn.Send(ctx, ChannelControl, msg1); err != nil {
			return err
		}

		_, msg2, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := session.ReadHandshakeMessage(msg2); err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.read_ee_s_es", err)
		}

		msg3, err := session.WriteHandshakeMessage(nil)
		if err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.write_s_se", err)
		}
		if err := conn.Send(ctx, ChannelControl, msg3); err != nil {
			return err
		}
	} else {
		_, msg1, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := session.ReadHandshakeMessage(msg1); err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.read_e", err)
		}

		msg2, err := session.WriteHandshakeMessage(nil)
		if err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.write_e_ee_s_es", err)
		}
		if err := conn.Send(ctx, ChannelControl, msg2); err != nil {
			return err
		}

		_, msg3, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := session.ReadHandshakeMessage(msg3); err != nil {
			return rerr.New(rerr.HandshakeFailed, "handshake.read_s_se", err)
		}
	}

	if !session.IsComplete() {
		return rerr.New(rerr.HandshakeIncomplete, "handshake.finish", nil)
	}
	peerStatic, err := session.PeerStatic()
	if err != nil {
		return err
	}
	setter.SetPeerPublicKey(peerStatic)
	return nil
}
