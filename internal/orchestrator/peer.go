package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/remoshell/remoshelld/internal/frame"
	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/noise"
	"github.com/remoshell/remoshelld/internal/rerr"
	"github.com/remoshell/remoshelld/internal/router"
	"github.com/remoshell/remoshelld/internal/transport"
)

// PeerSession binds one authenticated transport.Connection to the shared
// Router: it pumps Control- and Files-channel envelopes in, and satisfies
// router.PeerConn for responses and streamed output going back out. A
// Noise session is only present for the WebRTC substrate; QUIC's TLS
// already authenticates the channel so cipher is nil there.
type PeerSession struct {
	DeviceId identity.DeviceId
	conn     transport.Connection
	cipher   *noise.Session // nil for QUIC substrate

	sendMu sync.Mutex
}

// NewPeerSession wraps conn (already past its handshake) for use with r.
// cipher is the completed Noise transport session for WebRTC peers, or nil
// for QUIC peers whose transport security is native TLS.
func NewPeerSession(deviceID identity.DeviceId, conn transport.Connection, cipher *noise.Session) *PeerSession {
	return &PeerSession{DeviceId: deviceID, conn: conn, cipher: cipher}
}

// SendEnvelope implements router.PeerConn: marshal, optionally encrypt,
// frame, and send on the channel matching the envelope's type. Files-channel
// messages are CBOR-coded; everything else stays JSON on Control.
func (p *PeerSession) SendEnvelope(env router.Envelope) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	ch := transport.ChannelControl
	var payload []byte
	var err error
	if env.Type.IsFilesChannel() {
		ch = transport.ChannelFiles
		payload, err = cbor.Marshal(env)
	} else {
		payload, err = json.Marshal(env)
	}
	if err != nil {
		return rerr.New(rerr.InternalError, "peer.send_envelope", err)
	}
	if p.cipher != nil {
		payload, err = p.cipher.Encrypt(payload)
		if err != nil {
			return err
		}
	}
	wire, err := frame.Encode(frame.Frame{Payload: payload})
	if err != nil {
		return err
	}
	return p.conn.Send(context.Background(), ch, wire)
}

// Run pumps Control-channel (JSON) and Files-channel (CBOR) envelopes from
// the peer into r.Dispatch until ctx is cancelled or the connection closes. It blocks; callers run it in its
// own goroutine, one per connection.
func (p *PeerSession) Run(ctx context.Context, r *router.Router) {
	for {
		ch, wire, err := p.conn.Recv(ctx)
		if err != nil {
			logger.Info("orchestrator: peer control channel closed", "device", p.DeviceId, "err", err)
			return
		}
		if ch == transport.ChannelTerminal {
			// Inbound Terminal-channel messages are not envelopes and are
			// dropped here. PTY output for attached sessions goes out as
			// session.output envelopes on Control (router.attachOutput).
			continue
		}

		f, _, err := frame.Decode(wire)
		if err != nil {
			logger.Warn("orchestrator: malformed frame from peer", "device", p.DeviceId, "err", err)
			continue
		}
		payload := f.Payload
		if p.cipher != nil {
			payload, err = p.cipher.Decrypt(payload)
			if err != nil {
				logger.Warn("orchestrator: decrypt failed, dropping peer", "device", p.DeviceId, "err", err)
				return
			}
		}

		var env router.Envelope
		if ch == transport.ChannelFiles {
			err = cbor.Unmarshal(payload, &env)
		} else {
			err = json.Unmarshal(payload, &env)
		}
		if err != nil {
			logger.Warn("orchestrator: malformed envelope from peer", "device", p.DeviceId, "err", err)
			continue
		}

		resp, err := r.Dispatch(p.DeviceId, p, env)
		if err != nil {
			if sendErr := p.SendEnvelope(router.ErrorEnvelope(err)); sendErr != nil {
				logger.Warn("orchestrator: failed to send error envelope", "device", p.DeviceId, "err", sendErr)
			}
			continue
		}
		if resp != nil {
			if err := p.SendEnvelope(*resp); err != nil {
				logger.Warn("orchestrator: failed to send response envelope", "device", p.DeviceId, "err", err)
			}
		}
	}
}
