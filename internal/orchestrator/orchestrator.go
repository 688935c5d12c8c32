// Package orchestrator implements the daemon's top-level lifecycle
// controller: loading or generating the device identity, writing the PID
// file, opening the IPC control socket, constructing the
// trust/permission/transfer-log stores, starting the signaling client and
// session-cleanup task, and tearing all of it back down on Stop.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sys/unix"

	"github.com/remoshell/remoshelld/internal/config"
	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/ipc"
	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/noise"
	"github.com/remoshell/remoshelld/internal/rerr"
	"github.com/remoshell/remoshelld/internal/router"
	"github.com/remoshell/remoshelld/internal/signaling"
	"github.com/remoshell/remoshelld/internal/transfer"
	"github.com/remoshell/remoshelld/internal/transferlog"
	"github.com/remoshell/remoshelld/internal/transport"
	"github.com/remoshell/remoshelld/internal/trust"
)

// State is the daemon's one-way-except-for-restart lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// sessionCleanupInterval paces the periodic reap/expiry/sweep task.
const sessionCleanupInterval = 60 * time.Second

// Event is pushed to subscribers on every orchestrator state transition.
type Event struct {
	State State
}

// connEntry is one live peer connection keyed by DeviceId, plus whether
// its Noise handshake (WebRTC substrate only) has completed. conn is the substrate-
// agnostic capability used for teardown; webrtc is additionally populated
// for the WebRTC substrate so inbound ICE candidates can be applied to it.
type connEntry struct {
	deviceID      identity.DeviceId
	peer          *PeerSession
	conn          transport.Connection
	webrtc        *transport.WebRTCConnection
	noiseComplete bool
}

// Orchestrator owns every long-lived daemon subsystem and drives the
// Stopped -> Starting -> Running -> ShuttingDown -> Stopped state machine.
type Orchestrator struct {
	Config *config.Config

	mu    sync.RWMutex
	state State

	Identity    *identity.DeviceIdentity
	Trust       *trust.Store
	Approval    *trust.ApprovalQueue
	Permission  *trust.PermissionStore
	Transfer    *transfer.Engine
	TransferLog *transferlog.Log
	Router      *router.Router
	Signaling   *signaling.Client

	connMu      sync.RWMutex
	connections map[identity.DeviceId]*connEntry

	ipcServer *ipc.Server
	startedAt time.Time

	events   chan Event
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// New constructs an idle Orchestrator. Call Start to bring the daemon up.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		Config:      cfg,
		connections: make(map[identity.DeviceId]*connEntry),
		events:      make(chan Event, 256),
	}
}

// Events returns the subscriber channel of state transitions.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// State reports the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	select {
	case o.events <- Event{State: s}:
	default:
	}
}

// Start brings the daemon up:
// (1) load-or-generate the device identity, (2) write the PID file,
// refusing to start over a live one, (3) open the trust and permission
// stores, (4) open the transfer-log database, (5) construct the file
// transfer engine and router, (6) bind the IPC control socket and spawn
// its accept loop, (7) start the 60s session-cleanup task, (8) construct
// and start the signaling client, auto-joining the room named by the
// device id once connected, then transition to Running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(Starting)

	if err := os.MkdirAll(o.Config.DataDir, 0700); err != nil {
		o.setState(Stopped)
		return rerr.New(rerr.InternalError, "orchestrator.start", fmt.Errorf("create data dir: %w", err))
	}

	ident, err := identity.LoadOrGenerate(o.Config.DataDir)
	if err != nil {
		o.setState(Stopped)
		return err
	}
	o.Identity = ident

	if err := o.writePIDFile(); err != nil {
		o.setState(Stopped)
		return err
	}

	trustStore, err := trust.Open(o.Config.TrustedDevicesPath())
	if err != nil {
		return o.failStart(err)
	}
	o.Trust = trustStore
	o.Approval = trust.NewApprovalQueue()

	permStore, err := trust.OpenPermissions(o.Config.PermissionsPath())
	if err != nil {
		return o.failStart(err)
	}
	o.Permission = permStore

	tlog, err := transferlog.Open(o.Config.TransferLogPath())
	if err != nil {
		return o.failStart(rerr.New(rerr.InternalError, "orchestrator.start", err))
	}
	o.TransferLog = tlog

	policy := transfer.NewPathPolicy(o.Config.AllowedPaths, false, nil)
	o.Transfer = transfer.NewEngine(policy, o.Config.TempDir(), o.Config.MaxFileSize)
	o.Router = router.New(o.Transfer, o.Trust, o.Approval, o.Config.DefaultShell, o.Config.MaxSessions, o.Config.RequireApproval)
	o.Router.SetTransferLog(o.TransferLog)

	o.ipcServer = ipc.NewServer(o.Config.SocketPath(), o)
	if err := o.ipcServer.Start(); err != nil {
		return o.failStart(rerr.New(rerr.InternalError, "orchestrator.start", fmt.Errorf("bind control socket: %w", err)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()

	o.wg.Add(1)
	go o.sessionCleanupLoop(runCtx)

	if o.Config.QUICListenAddr != "" {
		o.wg.Add(1)
		go o.quicAcceptLoop(runCtx, o.Config.QUICListenAddr)
	}

	if o.Config.SignalingURL != "" {
		o.Signaling = signaling.NewClient(o.Config.SignalingURL, true)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.Signaling.Run(runCtx); err != nil {
				logger.Warn("orchestrator: signaling client stopped", "err", err)
			}
		}()
		o.wg.Add(1)
		go o.signalingEventLoop(runCtx, ident.DeviceId().String())
	}

	o.setState(Running)
	return nil
}

// signalingEventLoop auto-joins the device's own room (keyed by its device
// id) each time the signaling client reaches Connected, and otherwise
// drives per-offer handling: each inbound offer gets a fresh WebRTC
// answerer, an ICE candidate for a known device is applied to its handler,
// and an unknown device's ICE candidate is logged and dropped.
func (o *Orchestrator) signalingEventLoop(ctx context.Context, deviceID string) {
	defer o.wg.Done()
	for {
		select {
		case ev, ok := <-o.Signaling.Events():
			if !ok {
				return
			}
			if ev.State == signaling.Connected && ev.Message == nil {
				if err := o.Signaling.Join(ctx, deviceID, deviceID); err != nil {
					logger.Warn("orchestrator: auto-join failed", "err", err)
				}
				continue
			}
			if ev.Message == nil {
				continue
			}
			switch ev.Message.Type {
			case signaling.TypeOffer:
				o.handleOffer(ctx, *ev.Message)
			case signaling.TypeICE:
				o.handleICECandidate(*ev.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

// iceServers converts the configured STUN URIs into pion's ICEServer shape.
func (o *Orchestrator) iceServers() []webrtc.ICEServer {
	if len(o.Config.STUNServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: o.Config.STUNServers}}
}

// handleOffer constructs a WebRTC answerer with the configured ICE
// servers, gathers ICE, replies via signaling, runs the Noise XX handshake
// as responder over Control, and inserts the resulting connEntry keyed by
// the peer's derived device id. The connection is keyed by the
// handshake-derived identity, not the signaling-layer claim, so a spoofed
// device_id in the offer envelope can't impersonate a trusted peer.
func (o *Orchestrator) handleOffer(ctx context.Context, env signaling.Envelope) {
	conn, answerSDP, err := transport.NewWebRTCAnswerer(ctx, o.iceServers(), env.SDP)
	if err != nil {
		logger.Warn("orchestrator: webrtc answerer failed", "err", err)
		return
	}

	reply := signaling.Envelope{Type: signaling.TypeAnswer, SDP: answerSDP, TargetDeviceId: env.DeviceId}
	if err := o.Signaling.Send(ctx, reply); err != nil {
		logger.Warn("orchestrator: failed to send answer", "err", err)
		conn.Close()
		return
	}

	if err := conn.Ready(ctx); err != nil {
		logger.Warn("orchestrator: webrtc data channels never became ready", "err", err)
		conn.Close()
		return
	}

	x25519Key, err := noise.IdentityToX25519(o.Identity.Seed())
	if err != nil {
		logger.Warn("orchestrator: failed to derive noise static key", "err", err)
		conn.Close()
		return
	}
	hs, err := noise.NewResponder(x25519Key)
	if err != nil {
		logger.Warn("orchestrator: failed to start noise responder", "err", err)
		conn.Close()
		return
	}
	if err := transport.RunHandshake(ctx, conn, hs); err != nil {
		logger.Warn("orchestrator: noise handshake failed", "err", err)
		conn.Close()
		return
	}

	peerStatic, _ := hs.PeerStatic()
	deviceID := identity.DeriveDeviceId(peerStatic)
	peer := NewPeerSession(deviceID, conn, hs)

	o.connMu.Lock()
	o.connections[deviceID] = &connEntry{deviceID: deviceID, peer: peer, conn: conn, webrtc: conn, noiseComplete: true}
	o.connMu.Unlock()

	go peer.Run(ctx, o.Router)
}

// quicAcceptLoop serves native peers: it listens for inbound QUIC
// connections authenticated by each side's self-signed identity
// certificate, and inserts each accepted peer into the connection map
// keyed by the Ed25519 public key observed in its TLS certificate. Unlike
// the WebRTC path, no Noise handshake runs here; QUIC's own TLS 1.3
// channel is the authenticated transport, so PeerSession is built with a
// nil cipher.
func (o *Orchestrator) quicAcceptLoop(ctx context.Context, addr string) {
	defer o.wg.Done()

	tlsConf, err := transport.IdentityTLSConfig(o.Identity.SecretKey, o.Identity.PublicKey)
	if err != nil {
		logger.Warn("orchestrator: quic tls setup failed, native accept loop disabled", "err", err)
		return
	}
	ln, err := transport.ListenQUIC(addr, tlsConf, nil)
	if err != nil {
		logger.Warn("orchestrator: quic listen failed, native accept loop disabled", "addr", addr, "err", err)
		return
	}
	defer ln.Close()
	logger.Info("orchestrator: quic native-peer listener up", "addr", addr)

	for {
		conn, err := transport.AcceptQUIC(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("orchestrator: quic accept failed", "err", err)
			continue
		}

		peerPub := conn.PeerPublicKey()
		if len(peerPub) != 32 {
			logger.Warn("orchestrator: quic peer presented no usable identity key, dropping")
			conn.Close()
			continue
		}
		deviceID := identity.DeriveDeviceId(peerPub)
		peer := NewPeerSession(deviceID, conn, nil)

		o.connMu.Lock()
		o.connections[deviceID] = &connEntry{deviceID: deviceID, peer: peer, conn: conn, noiseComplete: true}
		o.connMu.Unlock()

		logger.Info("orchestrator: quic peer connected", "device", deviceID)
		go peer.Run(ctx, o.Router)
	}
}

// handleICECandidate applies an inbound ICE candidate to the matching
// in-flight or established connection. Candidates for unknown devices are
// logged and dropped.
func (o *Orchestrator) handleICECandidate(env signaling.Envelope) {
	deviceID, err := identity.ParseDeviceId(env.DeviceId)
	if err != nil {
		logger.Info("orchestrator: ice candidate with unparseable device id, dropping", "device", env.DeviceId, "err", err)
		return
	}

	o.connMu.RLock()
	entry, ok := o.connections[deviceID]
	o.connMu.RUnlock()
	if !ok || entry.webrtc == nil {
		logger.Info("orchestrator: ice candidate for unknown device, dropping", "device", env.DeviceId)
		return
	}

	candidate := webrtc.ICECandidateInit{Candidate: env.Candidate, SDPMid: &env.SDPMid}
	if env.SDPMLineIndex != nil {
		idx := uint16(*env.SDPMLineIndex)
		candidate.SDPMLineIndex = &idx
	}
	if err := entry.webrtc.SetRemoteICECandidate(candidate); err != nil {
		logger.Warn("orchestrator: failed to apply ice candidate", "device", env.DeviceId, "err", err)
	}
}

// sessionCleanupLoop reaps exited sessions and expires stale pending
// approvals and upload temp files every sessionCleanupInterval.
func (o *Orchestrator) sessionCleanupLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range o.Router.ReapTerminated() {
				logger.Info("orchestrator: reaped terminated session", "session", id)
			}
			// approval_timeout 0 means pendings never expire.
			if o.Config.ApprovalTimeout > 0 {
				expired := o.Approval.CleanupExpiredApprovals(o.Config.ApprovalTimeout)
				for _, id := range expired {
					logger.Info("orchestrator: pending approval expired", "device", id)
				}
			}
			if err := o.Transfer.CleanupStaleUploads(time.Hour); err != nil {
				logger.Warn("orchestrator: stale upload cleanup failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// failStart unwinds a partially-completed Start: the PID file written in
// step 2 must not outlive a failed startup.
func (o *Orchestrator) failStart(err error) error {
	os.Remove(o.Config.PIDPath())
	o.setState(Stopped)
	return err
}

// writePIDFile creates daemon.pid, refusing to start when a live daemon
// already holds it. A PID file pointing at a dead process is stale and gets
// overwritten.
func (o *Orchestrator) writePIDFile() error {
	path := o.Config.PIDPath()
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid != os.Getpid() {
			if unix.Kill(pid, 0) == nil {
				return rerr.New(rerr.InternalError, "orchestrator.start", fmt.Errorf("daemon already running with pid %d", pid))
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return rerr.New(rerr.InternalError, "orchestrator.start", fmt.Errorf("write pid file: %w", err))
	}
	return nil
}

// Stop tears the daemon down: stops the signaling client and background
// tasks, persists the trust and permission stores, closes the transfer log,
// and removes the PID file. Safe to call more than once (the IPC stop
// request and the signal handler can both reach it); teardown runs once
// and later calls return the same result.
func (o *Orchestrator) Stop() error {
	o.stopOnce.Do(func() { o.stopErr = o.teardown() })
	return o.stopErr
}

func (o *Orchestrator) teardown() error {
	o.setState(ShuttingDown)

	if o.Signaling != nil {
		o.Signaling.Disconnect()
	}
	if o.cancel != nil {
		o.cancel()
	}
	if o.ipcServer != nil {
		o.ipcServer.Close()
	}
	o.wg.Wait()

	o.connMu.Lock()
	for id, entry := range o.connections {
		if entry.conn != nil {
			if err := entry.conn.Close(); err != nil {
				logger.Warn("orchestrator: error closing connection", "device", id, "err", err)
			}
		}
		delete(o.connections, id)
	}
	o.connMu.Unlock()

	if o.Router != nil {
		o.Router.KillAll()
	}

	var firstErr error
	if o.Trust != nil {
		if err := o.Trust.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.Permission != nil {
		if err := o.Permission.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.TransferLog != nil {
		if err := o.TransferLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	os.Remove(o.Config.PIDPath())

	o.setState(Stopped)
	return firstErr
}
