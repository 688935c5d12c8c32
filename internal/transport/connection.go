// Package transport implements the multi-stream peer connection substrate:
// a small capability interface backed by either a QUIC substrate (native
// peers) or a WebRTC data-channel substrate (browser peers), each carrying
// three logical channels (Control, Terminal, Files) multiplexed over the
// underlying stream/channel set.
package transport

import (
	"context"
	"fmt"
)

// ChannelType tags which logical channel a message belongs to.
type ChannelType byte

const (
	ChannelControl  ChannelType = 0
	ChannelTerminal ChannelType = 1
	ChannelFiles    ChannelType = 2
)

func (c ChannelType) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelTerminal:
		return "terminal"
	case ChannelFiles:
		return "files"
	default:
		return fmt.Sprintf("channel(%d)", byte(c))
	}
}

const (
	// MaxMessageSize is the per-message cap enforced on both substrates.
	MaxMessageSize = 1 << 20
	// QueueDepth is the per-channel inbound queue depth.
	QueueDepth = 256
)

// Connection is the capability interface every transport substrate
// implements. Callers never branch on substrate kind; they hold a
// Connection and use it.
type Connection interface {
	Send(ctx context.Context, ch ChannelType, data []byte) error
	Recv(ctx context.Context) (ChannelType, []byte, error)
	Close() error
	IsConnected() bool
	PeerPublicKey() []byte
	Reconnect(ctx context.Context) error
}

var ErrNotConnected = fmt.Errorf("transport: not connected")
var ErrClosed = fmt.Errorf("transport: connection closed")
var ErrMessageTooLarge = fmt.Errorf("transport: message exceeds %d bytes", MaxMessageSize)
