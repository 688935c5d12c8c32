package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/rerr"
)

// channelLabels maps ChannelType to the data channel label each side
// binds: "control", "terminal", "files".
var channelLabels = map[ChannelType]string{
	ChannelControl:  "control",
	ChannelTerminal: "terminal",
	ChannelFiles:    "files",
}

func labelToChannel(label string) (ChannelType, bool) {
	for ch, l := range channelLabels {
		if l == label {
			return ch, true
		}
	}
	return 0, false
}

// WebRTCConnection wraps a pion PeerConnection with one data channel per
// ChannelType. The Noise handshake is carried as raw bytes over the
// control channel before any higher-level framing begins.
type WebRTCConnection struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	channels  map[ChannelType]*webrtc.DataChannel
	connected bool
	peerPub   []byte

	inbox     chan quicMsg
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWebRTCOfferer creates a peer connection, opens all three data
// channels, and returns the local SDP offer once ICE gathering completes.
func NewWebRTCOfferer(ctx context.Context, iceServers []webrtc.ICEServer) (*WebRTCConnection, string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, "", rerr.New(rerr.InternalError, "webrtc.new_peer_connection", err)
	}
	c := newWebRTCConnection(pc)

	for ch, label := range channelLabels {
		// Control and Files stay ordered/reliable; Terminal trades ordering
		// for latency.
		var init *webrtc.DataChannelInit
		if ch == ChannelTerminal {
			ordered := false
			init = &webrtc.DataChannelInit{Ordered: &ordered}
		}
		dc, err := pc.CreateDataChannel(label, init)
		if err != nil {
			pc.Close()
			return nil, "", rerr.New(rerr.InternalError, "webrtc.create_data_channel", err)
		}
		c.wireChannel(ch, dc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, "", rerr.New(rerr.InternalError, "webrtc.create_offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, "", rerr.New(rerr.InternalError, "webrtc.set_local_description", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, "", fmt.Errorf("webrtc: no local description after ICE gathering")
	}
	return c, local.SDP, nil
}

// NewWebRTCAnswerer accepts a remote SDP offer, registers the incoming data
// channels as they open, and returns the local SDP answer.
func NewWebRTCAnswerer(ctx context.Context, iceServers []webrtc.ICEServer, offerSDP string) (*WebRTCConnection, string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, "", rerr.New(rerr.InternalError, "webrtc.new_peer_connection", err)
	}
	c := newWebRTCConnection(pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch, ok := labelToChannel(dc.Label())
		if !ok {
			logger.Warn("webrtc: unexpected data channel label", "label", dc.Label())
			return
		}
		c.wireChannel(ch, dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		pc.Close()
		return nil, "", rerr.New(rerr.InternalError, "webrtc.set_remote_description", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", rerr.New(rerr.InternalError, "webrtc.create_answer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", rerr.New(rerr.InternalError, "webrtc.set_local_description", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, "", fmt.Errorf("webrtc: no local description after ICE gathering")
	}
	return c, local.SDP, nil
}

func newWebRTCConnection(pc *webrtc.PeerConnection) *WebRTCConnection {
	c := &WebRTCConnection{
		pc:       pc,
		channels: make(map[ChannelType]*webrtc.DataChannel),
		inbox:    make(chan quicMsg, QueueDepth),
		ready:    make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
	})
	return c
}

func (c *WebRTCConnection) wireChannel(ch ChannelType, dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.channels[ch] = dc
	allPresent := len(c.channels) == len(channelLabels)
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case c.inbox <- quicMsg{ch: ch, data: data}:
		default:
			c.inbox <- quicMsg{ch: ch, data: data}
		}
	})

	if allPresent {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

// Ready blocks until all three data channels have been established, or ctx
// is cancelled.
func (c *WebRTCConnection) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRemoteICECandidate adds an ICE candidate received over signaling.
func (c *WebRTCConnection) SetRemoteICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// SetRemoteAnswer applies the remote SDP answer (offerer side only).
func (c *WebRTCConnection) SetRemoteAnswer(answerSDP string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP})
}

func (c *WebRTCConnection) SetPeerPublicKey(pub []byte) {
	c.mu.Lock()
	c.peerPub = pub
	c.mu.Unlock()
}

func (c *WebRTCConnection) Send(ctx context.Context, ch ChannelType, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	c.mu.Lock()
	dc, ok := c.channels[ch]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtc: channel %s not established", ch)
	}
	if err := dc.Send(data); err != nil {
		return rerr.New(rerr.ConnectionClosed, "webrtc.send", err)
	}
	return nil
}

func (c *WebRTCConnection) Recv(ctx context.Context) (ChannelType, []byte, error) {
	select {
	case msg := <-c.inbox:
		return msg.ch, msg.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.pc.Close()
}

func (c *WebRTCConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WebRTCConnection) PeerPublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPub
}

// Reconnect is not supported for WebRTC: a fresh offer/answer exchange over
// signaling is required, which the orchestrator drives rather than the
// connection itself.
func (c *WebRTCConnection) Reconnect(ctx context.Context) error {
	return fmt.Errorf("webrtc: reconnect requires a fresh signaling offer/answer exchange")
}
