package router

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/rerr"
	"github.com/remoshell/remoshelld/internal/session"
	"github.com/remoshell/remoshelld/internal/transfer"
	"github.com/remoshell/remoshelld/internal/transferlog"
	"github.com/remoshell/remoshelld/internal/trust"
)

// PeerConn is the minimal capability the router needs from whatever
// connection delivered an envelope: a way to push a response/output
// envelope back. Decouples router from internal/transport's concrete
// substrates so it can be exercised with an in-memory fake in tests.
type PeerConn interface {
	SendEnvelope(Envelope) error
}

// attachment is one peer's live subscription to a session's output.
type attachment struct {
	sess   *session.Session
	handle *session.ClientHandle
	peer   PeerConn
	done   chan struct{}
}

// Router dispatches inbound envelopes from an authenticated peer to the
// session, transfer, and trust subsystems, and maps failures to wire
// ErrorCodes. One Router instance is shared across all connections from
// devices this daemon serves.
type Router struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	attaches map[uuid.UUID][]*attachment // sessionID -> attachments

	transfer *transfer.Engine
	trust    *trust.Store
	approval *trust.ApprovalQueue
	tlog     *transferlog.Log // nil disables history recording

	defaultShell    string
	maxSessions     int
	requireApproval bool
}

// New constructs a Router wired to the given subsystems.
func New(transferEngine *transfer.Engine, trustStore *trust.Store, approvalQueue *trust.ApprovalQueue, defaultShell string, maxSessions int, requireApproval bool) *Router {
	return &Router{
		sessions:        make(map[uuid.UUID]*session.Session),
		attaches:        make(map[uuid.UUID][]*attachment),
		transfer:        transferEngine,
		trust:           trustStore,
		approval:        approvalQueue,
		defaultShell:    defaultShell,
		maxSessions:     maxSessions,
		requireApproval: requireApproval,
	}
}

// SetTransferLog attaches the diagnostics-only transfer history log.
// Recording failures are logged and swallowed — history never gates a
// transfer.
func (r *Router) SetTransferLog(tlog *transferlog.Log) { r.tlog = tlog }

func (r *Router) recordTransfer(e transferlog.Entry) {
	if r.tlog == nil {
		return
	}
	if err := r.tlog.Record(e); err != nil {
		logger.Warn("router: transfer history record failed", "path", e.Path, "err", err)
	}
}

// Dispatch routes one inbound envelope from peer (identified by deviceID,
// already authenticated by the Noise handshake and trust check upstream)
// and returns the immediate response envelope, if any. Streaming session
// output (session.output) is pushed to peer asynchronously rather than
// returned here; each download request is answered with a single chunk.
func (r *Router) Dispatch(deviceID identity.DeviceId, peer PeerConn, env Envelope) (*Envelope, error) {
	switch env.Type {
	case TypePing:
		return &Envelope{Type: TypePong, Timestamp: env.Timestamp, Payload: env.Payload}, nil

	case TypeSessionCreate:
		return r.handleSessionCreate(peer, env)
	case TypeSessionAttach:
		return r.handleSessionAttach(peer, env)
	case TypeSessionDetach:
		return r.handleSessionDetach(peer, env)
	case TypeSessionKill:
		return r.handleSessionKill(env)
	case TypeSessionResize:
		return r.handleSessionResize(env)
	case TypeSessionData:
		return r.handleSessionData(env)

	case TypeFileListRequest:
		return r.handleFileList(env)
	case TypeDownloadRequest:
		return r.handleDownloadRequest(deviceID, env)
	case TypeUploadStart:
		return r.handleUploadStart(env)
	case TypeUploadChunk:
		return r.handleUploadChunk(env)
	case TypeUploadComplete:
		return r.handleUploadComplete(deviceID, env)

	case TypeDeviceInfo:
		return r.handleDeviceInfo(deviceID, env)
	case TypeDeviceApprovalRequest:
		return r.handleApprovalRequest(env)

	case TypeSessionCreated, TypeSessionOutput, TypeSessionExited,
		TypeFileListResponse, TypeDownloadChunk, TypeUploadAck,
		TypeDeviceApprovalResult, TypePong:
		// Response-typed messages arriving inbound are silently ignored:
		// a peer echoing our own responses back is not an error, just a
		// no-op.
		return nil, nil

	default:
		return nil, rerr.New(rerr.InvalidRequest, "router.dispatch", fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (r *Router) handleSessionCreate(peer PeerConn, env Envelope) (*Envelope, error) {
	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, rerr.New(rerr.InvalidRequest, "router.session_create", fmt.Errorf("max_sessions (%d) reached", r.maxSessions))
	}
	r.mu.Unlock()

	shell := env.Shell
	if shell == "" {
		shell = r.defaultShell
	}
	cols, rows := env.Cols, env.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	sess, err := session.Spawn(session.SpawnOptions{Shell: shell, Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.attachOutput(sess, peer)

	return &Envelope{Type: TypeSessionCreated, SessionId: sess.ID.String(), Pid: sess.PID()}, nil
}

// attachOutput subscribes peer to sess's broadcaster and pumps chunks to
// it as session.output envelopes until either the session terminates or
// the caller detaches.
func (r *Router) attachOutput(sess *session.Session, peer PeerConn) *attachment {
	handle := sess.Broadcaster.Subscribe()
	att := &attachment{sess: sess, handle: handle, peer: peer, done: make(chan struct{})}

	r.mu.Lock()
	r.attaches[sess.ID] = append(r.attaches[sess.ID], att)
	r.mu.Unlock()

	go func() {
		for {
			select {
			case chunk, ok := <-handle.Output():
				if !ok {
					peer.SendEnvelope(Envelope{Type: TypeSessionExited, SessionId: sess.ID.String()})
					return
				}
				if err := peer.SendEnvelope(Envelope{Type: TypeSessionOutput, SessionId: sess.ID.String(), Stream: StreamStdout, Data: chunk}); err != nil {
					logger.Warn("router: failed to deliver session output", "session", sess.ID, "err", err)
				}
			case <-att.done:
				sess.Broadcaster.Unsubscribe(handle.ID())
				return
			}
		}
	}()

	return att
}

func (r *Router) handleSessionAttach(peer PeerConn, env Envelope) (*Envelope, error) {
	sess, err := r.lookupSession(env.SessionId)
	if err != nil {
		return nil, err
	}
	r.attachOutput(sess, peer)
	return &Envelope{Type: TypeSessionCreated, SessionId: sess.ID.String()}, nil
}

func (r *Router) handleSessionDetach(peer PeerConn, env Envelope) (*Envelope, error) {
	id, err := uuid.Parse(env.SessionId)
	if err != nil {
		return nil, rerr.New(rerr.InvalidRequest, "router.session_detach", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.attaches[id][:0]
	for _, att := range r.attaches[id] {
		if att.peer == peer {
			close(att.done)
			continue
		}
		remaining = append(remaining, att)
	}
	r.attaches[id] = remaining
	return nil, nil
}

func (r *Router) handleSessionKill(env Envelope) (*Envelope, error) {
	sess, err := r.lookupSession(env.SessionId)
	if err != nil {
		return nil, err
	}
	var sig os.Signal
	if env.Signal != nil {
		sig = syscall.Signal(*env.Signal)
	}
	state, err := sess.Kill(sig)
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	r.mu.Unlock()

	resp := &Envelope{Type: TypeSessionExited, SessionId: sess.ID.String()}
	if state != nil {
		code := state.ExitCode()
		resp.ExitCode = &code
	}
	if err != nil {
		// The child's own non-zero exit (or death by the very signal we
		// delivered) is still a successful kill; the exit code carries it.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, rerr.New(rerr.InternalError, "router.session_kill", err)
		}
	}
	return resp, nil
}

// KillSessionByID terminates one session by its string id, for the IPC
// KillSession request. signal, when non-nil, is the POSIX signal number to
// deliver instead of the default SIGTERM.
func (r *Router) KillSessionByID(sessionID string, signal *int) error {
	env := Envelope{SessionId: sessionID, Signal: signal}
	_, err := r.handleSessionKill(env)
	return err
}

// ReapTerminated walks every tracked session, performs the non-blocking
// reap check, and removes the ones whose child has exited. Returns the
// removed session ids.
func (r *Router) ReapTerminated() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []uuid.UUID
	for id, sess := range r.sessions {
		if _, exited := sess.TryWait(); exited {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Router) handleSessionResize(env Envelope) (*Envelope, error) {
	sess, err := r.lookupSession(env.SessionId)
	if err != nil {
		return nil, err
	}
	return nil, sess.Resize(env.Cols, env.Rows)
}

func (r *Router) handleSessionData(env Envelope) (*Envelope, error) {
	if env.Stream != "" && env.Stream != StreamStdin {
		return nil, rerr.New(rerr.InvalidRequest, "router.session_data", fmt.Errorf("peer may only send stream=stdin, got %q", env.Stream))
	}
	sess, err := r.lookupSession(env.SessionId)
	if err != nil {
		return nil, err
	}
	return nil, sess.Write(env.Data)
}

// KillAll terminates every live session, for use during daemon shutdown.
// Errors from individual sessions are logged, not propagated, so one stuck
// child doesn't block the rest of teardown.
func (r *Router) KillAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[uuid.UUID]*session.Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if _, err := sess.Kill(nil); err != nil {
			logger.Warn("router: error killing session during shutdown", "session", sess.ID, "err", err)
		}
	}
}

// SessionCount reports the number of live sessions, for the IPC Status
// response.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionInfo is one row of the IPC ListSessions response.
type SessionInfo struct {
	ID          uuid.UUID
	ConnectedAt time.Time
	PID         int
}

// ListSessions snapshots every live session, for the IPC ListSessions
// response.
func (r *Router) ListSessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, sess := range r.sessions {
		out = append(out, SessionInfo{ID: id, ConnectedAt: sess.StartedAt, PID: sess.PID()})
	}
	return out
}

func (r *Router) lookupSession(sessionID string) (*session.Session, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, rerr.New(rerr.InvalidRequest, "router.lookup_session", err)
	}
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, rerr.New(rerr.NotFound, "router.lookup_session", fmt.Errorf("session %s", sessionID))
	}
	return sess, nil
}

func (r *Router) handleFileList(env Envelope) (*Envelope, error) {
	entries, err := r.transfer.ListDirectory(env.Path)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, len(entries))
	for i, e := range entries {
		out[i] = FileEntry{Name: e.Name, Size: e.Size, IsDir: e.IsDir}
	}
	return &Envelope{Type: TypeFileListResponse, Path: env.Path, Entries: out}, nil
}

func (r *Router) handleDownloadRequest(deviceID identity.DeviceId, env Envelope) (*Envelope, error) {
	chunkSize := env.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 16
	}
	data, total, isLast, err := r.transfer.DownloadChunk(env.Path, env.Offset, chunkSize)
	if err != nil {
		return nil, err
	}
	if isLast {
		now := time.Now()
		r.recordTransfer(transferlog.Entry{
			DeviceId:   deviceID.String(),
			Direction:  transferlog.Download,
			Path:       env.Path,
			Size:       total,
			Outcome:    transferlog.Completed,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
	return &Envelope{Type: TypeDownloadChunk, Path: env.Path, Offset: env.Offset, Data: data, Size: total, IsLast: isLast}, nil
}

func (r *Router) handleUploadStart(env Envelope) (*Envelope, error) {
	if err := r.transfer.StartUpload(env.Path, env.Size, transfer.UploadMode(env.Mode), env.Overwrite); err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeUploadAck, Path: env.Path, Offset: 0}, nil
}

func (r *Router) handleUploadChunk(env Envelope) (*Envelope, error) {
	if err := r.transfer.WriteChunk(env.Path, env.Offset, env.Data); err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeUploadAck, Path: env.Path, Offset: env.Offset + int64(len(env.Data))}, nil
}

func (r *Router) handleUploadComplete(deviceID identity.DeviceId, env Envelope) (*Envelope, error) {
	startedAt, _ := r.transfer.UploadStartedAt(env.Path)
	written, total, _ := r.transfer.UploadStatus(env.Path)

	entry := transferlog.Entry{
		DeviceId:   deviceID.String(),
		Direction:  transferlog.Upload,
		Path:       env.Path,
		Size:       total,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if err := r.transfer.CompleteUpload(env.Path, env.Checksum); err != nil {
		entry.Outcome = transferlog.Failed
		entry.Size = written
		entry.Detail = err.Error()
		r.recordTransfer(entry)
		return nil, err
	}
	entry.Outcome = transferlog.Completed
	r.recordTransfer(entry)
	return &Envelope{Type: TypeUploadAck, Path: env.Path, IsLast: true}, nil
}

func (r *Router) handleDeviceInfo(deviceID identity.DeviceId, env Envelope) (*Envelope, error) {
	// A device.info from a peer the trust store doesn't know yet is a
	// no-op, not an error — the approval flow is what creates the entry.
	if _, ok := r.trust.GetDevice(deviceID); ok {
		if err := r.trust.UpdateLastSeen(deviceID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Router) handleApprovalRequest(env Envelope) (*Envelope, error) {
	if len(env.PublicKey) != 32 {
		return nil, rerr.New(rerr.InvalidRequest, "router.approval_request", fmt.Errorf("public_key must be 32 bytes, got %d", len(env.PublicKey)))
	}
	id := identity.DeriveDeviceId(env.PublicKey)

	if dev, ok := r.trust.GetDevice(id); ok {
		switch dev.Level {
		case trust.Trusted:
			r.trust.UpdateLastSeen(id)
			return &Envelope{Type: TypeDeviceApprovalResult, DeviceId: id.String(), Approved: true}, nil
		case trust.Revoked:
			return &Envelope{Type: TypeDeviceApprovalResult, DeviceId: id.String(), Approved: false}, nil
		}
	}

	if !r.requireApproval {
		r.trust.AddDevice(trust.NewDevice(env.PublicKey, env.HumanName))
		return &Envelope{Type: TypeDeviceApprovalResult, DeviceId: id.String(), Approved: true}, nil
	}

	// Unknown device under require_approval: queue it for the operator and
	// answer rejected for now — a later request after approval succeeds.
	r.approval.AddPending(trust.PendingApproval{
		DeviceId:    id,
		HumanName:   env.HumanName,
		PublicKey:   env.PublicKey,
		RequestedAt: time.Now(),
	})
	return &Envelope{Type: TypeDeviceApprovalResult, DeviceId: id.String(), Approved: false}, nil
}

// ErrorEnvelope maps an error produced anywhere in Dispatch to a wire
// error envelope with a coarse ErrorCode and a recoverable flag.
func ErrorEnvelope(err error) Envelope {
	kind := rerr.KindOf(err)
	return Envelope{
		Type:        TypeError,
		Code:        kindToErrorCode(kind),
		Message:     err.Error(),
		Recoverable: kind.Recoverable(),
	}
}

func kindToErrorCode(kind rerr.Kind) ErrorCode {
	switch kind {
	case rerr.NotFound:
		return ErrCodeNotFound
	case rerr.InvalidRequest:
		return ErrCodeInvalidRequest
	case rerr.Unauthorized:
		return ErrCodeUnauthorized
	case rerr.PathValidation:
		return ErrCodePathValidation
	case rerr.HandshakeFailed, rerr.HandshakeIncomplete:
		return ErrCodeHandshakeFailed
	case rerr.ConnectionClosed:
		return ErrCodeConnectionClosed
	case rerr.FrameTooLarge:
		return ErrCodeFrameTooLarge
	case rerr.Timeout:
		return ErrCodeTimeout
	case rerr.ChecksumMismatch:
		return ErrCodeChecksumMismatch
	case rerr.SizeMismatch:
		return ErrCodeSizeMismatch
	case rerr.ChunkOutOfOrder:
		return ErrCodeChunkOutOfOrder
	default:
		return ErrCodeInternalError
	}
}
