package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/remoshell/remoshelld/internal/rerr"
)

// ALPNProtocol is the QUIC ALPN identifier native RemoShell peers negotiate.
const ALPNProtocol = "remoshell/1"

// IdentityTLSConfig builds the self-signed, mutually-authenticated TLS
// config native (QUIC) peers use. Rather than trusting a CA, each side
// presents a self-signed certificate over its long-term Ed25519 identity
// key and the other side simply records whatever key it saw; trust is
// established afterward by the orchestrator's trust store, exactly as it
// is for the WebRTC/Noise substrate.
func IdentityTLSConfig(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*tls.Config, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "remoshell"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(nil, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("transport: generate identity certificate: %w", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true, // identity is verified by extracted public key, not a CA chain
		ClientAuth:            tls.RequireAnyClientCert,
		NextProtos:            []string{ALPNProtocol},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyPeerCertAnyLeaf,
	}, nil
}

// verifyPeerCertAnyLeaf accepts any syntactically valid leaf certificate;
// the actual trust decision happens later when the orchestrator looks the
// extracted device id up in the trust store, not during the TLS handshake.
func verifyPeerCertAnyLeaf(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("transport: peer presented no certificate")
	}
	if _, err := x509.ParseCertificate(rawCerts[0]); err != nil {
		return fmt.Errorf("transport: invalid peer certificate: %w", err)
	}
	return nil
}

// peerEd25519Key extracts the peer's Ed25519 public key from the QUIC
// connection's TLS state, populated by IdentityTLSConfig on both ends.
func peerEd25519Key(cs tls.ConnectionState) ([]byte, error) {
	if len(cs.PeerCertificates) == 0 {
		return nil, fmt.Errorf("transport: no peer certificate presented")
	}
	pub, ok := cs.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("transport: peer certificate key is not Ed25519")
	}
	return []byte(pub), nil
}

// quicMsg is one demultiplexed inbound message handed from the reader
// goroutine to Recv callers.
type quicMsg struct {
	ch   ChannelType
	data []byte
}

// QUICConnection multiplexes the three logical channels over a single QUIC
// stream using a tag-byte + 4-byte big-endian length prefix per message.
type QUICConnection struct {
	conn    *quic.Conn
	stream  *quic.Stream
	peerPub []byte

	mu        sync.Mutex
	writeLock sync.Mutex
	connected bool

	inbox chan quicMsg
	errs  chan error

	dialAddr  string
	tlsConf   *tls.Config
	quicConf  *quic.Config
	initiator bool
}

// DialQUIC opens a QUIC connection to addr and establishes the single
// multiplexed stream used for all three channels.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*QUICConnection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, rerr.New(rerr.ConnectionClosed, "quic.dial", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, rerr.New(rerr.ConnectionClosed, "quic.open_stream", err)
	}
	c := newQUICConnection(conn, stream, addr, tlsConf, quicConf, true)
	if pub, err := peerEd25519Key(conn.ConnectionState().TLS); err == nil {
		c.SetPeerPublicKey(pub)
	}
	go c.readLoop()
	return c, nil
}

// ListenQUIC opens a UDP-backed QUIC listener on addr for native-peer
// inbound connections.
func ListenQUIC(addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, rerr.New(rerr.InternalError, "quic.listen", err)
	}
	return ln, nil
}

// AcceptQUIC accepts a single QUIC connection on ln and waits for the
// peer's multiplexed stream.
func AcceptQUIC(ctx context.Context, ln *quic.Listener) (*QUICConnection, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, rerr.New(rerr.ConnectionClosed, "quic.accept", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, rerr.New(rerr.ConnectionClosed, "quic.accept_stream", err)
	}
	c := newQUICConnection(conn, stream, "", nil, nil, false)
	if pub, err := peerEd25519Key(conn.ConnectionState().TLS); err == nil {
		c.SetPeerPublicKey(pub)
	}
	go c.readLoop()
	return c, nil
}

func newQUICConnection(conn *quic.Conn, stream *quic.Stream, addr string, tlsConf *tls.Config, quicConf *quic.Config, initiator bool) *QUICConnection {
	return &QUICConnection{
		conn:      conn,
		stream:    stream,
		connected: true,
		inbox:     make(chan quicMsg, QueueDepth),
		errs:      make(chan error, 1),
		dialAddr:  addr,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
		initiator: initiator,
	}
}

// SetPeerPublicKey records the peer's Ed25519 key taken from its TLS
// certificate. Called once by DialQUIC / AcceptQUIC.
func (c *QUICConnection) SetPeerPublicKey(pub []byte) {
	c.mu.Lock()
	c.peerPub = pub
	c.mu.Unlock()
}

func (c *QUICConnection) Send(ctx context.Context, ch ChannelType, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	header := make([]byte, 5)
	header[0] = byte(ch)
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))

	if _, err := c.stream.Write(header); err != nil {
		return rerr.New(rerr.ConnectionClosed, "quic.send_header", err)
	}
	if _, err := c.stream.Write(data); err != nil {
		return rerr.New(rerr.ConnectionClosed, "quic.send_payload", err)
	}
	return nil
}

func (c *QUICConnection) readLoop() {
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(c.stream, header); err != nil {
			c.fail(err)
			return
		}
		ch := ChannelType(header[0])
		size := binary.BigEndian.Uint32(header[1:])
		if size > MaxMessageSize {
			c.fail(fmt.Errorf("peer sent oversized frame (%d bytes)", size))
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.stream, payload); err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbox <- quicMsg{ch: ch, data: payload}:
		default:
			// Inbound queue full: drop oldest-style backpressure is the
			// caller's problem once Recv falls behind; here we block until
			// Recv drains a slot rather than silently discard control traffic.
			c.inbox <- quicMsg{ch: ch, data: payload}
		}
	}
}

func (c *QUICConnection) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	select {
	case c.errs <- err:
	default:
	}
	close(c.inbox)
}

func (c *QUICConnection) Recv(ctx context.Context) (ChannelType, []byte, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return 0, nil, rerr.New(rerr.ConnectionClosed, "quic.recv", c.lastErr())
		}
		return msg.ch, msg.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *QUICConnection) lastErr() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return io.EOF
	}
}

func (c *QUICConnection) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.stream.CancelRead(0)
	return c.conn.CloseWithError(0, "closed")
}

func (c *QUICConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *QUICConnection) PeerPublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPub
}

// Reconnect re-dials the remembered address (initiator side only) and
// replaces the underlying stream, preserving the peer public key recorded
// from the prior handshake so callers can skip re-authenticating trust.
func (c *QUICConnection) Reconnect(ctx context.Context) error {
	if !c.initiator || c.dialAddr == "" {
		return fmt.Errorf("quic: reconnect only supported on the dialing side")
	}
	conn, err := quic.DialAddr(ctx, c.dialAddr, c.tlsConf, c.quicConf)
	if err != nil {
		return rerr.New(rerr.ConnectionClosed, "quic.reconnect", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return rerr.New(rerr.ConnectionClosed, "quic.reconnect_stream", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.connected = true
	c.inbox = make(chan quicMsg, QueueDepth)
	c.mu.Unlock()

	go c.readLoop()
	return nil
}
