// Package session implements the PTY multiplexer: one pseudo-terminal per
// Session, a blocking-I/O reader task fanning bytes out to N subscribers
// via Broadcaster, and a one-way Spawning to Running to Terminated
// lifecycle. A slow subscriber's messages are dropped rather than letting
// it stall the reader.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/remoshell/remoshelld/internal/logger"
	"github.com/remoshell/remoshelld/internal/rerr"
)

// State is the session's one-way lifecycle state.
type State int

const (
	Spawning State = iota
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// killGrace is how long Kill waits after SIGTERM before escalating to
// SIGKILL.
const killGrace = 3 * time.Second

// Session owns one PTY and the child process attached to it.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	cols    int
	rows    int
	running atomic.Bool
	state   atomic.Int32

	lastActivity atomic.Int64 // unix nanos

	Broadcaster *Broadcaster

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// SpawnOptions parametrizes spawn().
type SpawnOptions struct {
	Shell string // defaults to $SHELL, falling back to /bin/sh
	Cols  int
	Rows  int
	Env   []string
	Cwd   string
}

// Spawn launches the child process on a pseudo-terminal sized cols×rows.
// It fails with SpawnFailed (rerr.InternalError) if the PTY or process
// cannot be created.
func Spawn(opts SpawnOptions) (*Session, error) {
	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, rerr.New(rerr.InternalError, "session.spawn", fmt.Errorf("start pty: %w", err))
	}

	s := &Session{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		ptmx:      ptmx,
		cmd:       cmd,
		cols:      opts.Cols,
		rows:      opts.Rows,
		waitDone:  make(chan struct{}),
	}
	s.running.Store(true)
	s.state.Store(int32(Running))
	s.touch()
	s.Broadcaster = NewBroadcaster(func(id ClientId) {
		logger.Debug("session backpressure", "session", s.ID, "client", id)
	})

	go s.readLoop()
	go s.reap()

	return s, nil
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the monotonic timestamp of the most recent
// broadcast to subscribers.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// PID returns the child process's PID.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// readLoop is the single blocking-I/O reader task: it reads up to
// ReadBufferSize bytes at a time and broadcasts each chunk, preserving
// per-subscriber prefix order (only drops, never reorders).
func (s *Session) readLoop() {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.Broadcaster.Broadcast(chunk)
			s.touch()
		}
		if err != nil {
			s.terminate()
			return
		}
	}
}

// terminate flips the running flag false (one-way) and closes every
// subscriber's channel so drained clients observe a clean EOF.
func (s *Session) terminate() {
	if s.running.CompareAndSwap(true, false) {
		s.state.Store(int32(Terminated))
		s.Broadcaster.CloseAll()
	}
}

// Write injects bytes to the PTY's master write end. Fails with
// AlreadyTerminated once the running flag is false.
func (s *Session) Write(data []byte) error {
	if !s.running.Load() {
		return rerr.New(rerr.InvalidRequest, "session.write", fmt.Errorf("session already terminated"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ptmx.Write(data); err != nil {
		return rerr.New(rerr.InternalError, "session.write", err)
	}
	return nil
}

// Resize re-sizes the PTY. Fails if terminated.
func (s *Session) Resize(cols, rows int) error {
	if !s.running.Load() {
		return rerr.New(rerr.InvalidRequest, "session.resize", fmt.Errorf("session already terminated"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return rerr.New(rerr.InternalError, "session.resize", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Size returns the session's current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Kill atomically flips the running flag to false, terminates the child
// via SIGTERM, escalating to SIGKILL if it hasn't exited after killGrace,
// then reaps it and returns the exit status.
func (s *Session) Kill(sig os.Signal) (*os.ProcessState, error) {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	s.mu.Lock()
	proc := s.cmd.Process
	s.mu.Unlock()

	s.terminate()

	if proc != nil {
		_ = proc.Signal(sig)
		select {
		case <-s.waitDone:
		case <-time.After(killGrace):
			if err := proc.Signal(syscall.Signal(0)); err == nil {
				_ = proc.Kill()
			}
			<-s.waitDone
		}
	}
	return s.cmd.ProcessState, s.waitErr
}

// reap blocks for the child's exit and records the result, so TryWait can
// be a non-blocking check and Kill can wait on the same result.
func (s *Session) reap() {
	err := s.cmd.Wait()
	s.waitOnce.Do(func() {
		s.waitErr = err
		close(s.waitDone)
	})
	s.terminate()
}

// TryWait performs a non-blocking reap check, reporting the exit status
// once the child has actually exited.
func (s *Session) TryWait() (*os.ProcessState, bool) {
	select {
	case <-s.waitDone:
		return s.cmd.ProcessState, true
	default:
		return nil, false
	}
}

// DebugSnapshot is a point-in-time, human-readable dump of a session's
// state for operator troubleshooting (rendered by Session.DebugYAML).
type DebugSnapshot struct {
	ID           string `yaml:"id"`
	State        string `yaml:"state"`
	PID          int    `yaml:"pid"`
	Cols         int    `yaml:"cols"`
	Rows         int    `yaml:"rows"`
	LastActivity string `yaml:"last_activity"`
	Subscribers  int    `yaml:"subscribers"`
}

// DebugYAML renders the session's current state as YAML for operators to
// read at a glance rather than parse.
func (s *Session) DebugYAML() (string, error) {
	cols, rows := s.Size()
	snap := DebugSnapshot{
		ID:           s.ID.String(),
		State:        s.State().String(),
		PID:          s.PID(),
		Cols:         cols,
		Rows:         rows,
		LastActivity: s.LastActivity().UTC().Format(time.RFC3339),
		Subscribers:  s.Broadcaster.Count(),
	}
	out, err := yaml.Marshal(snap)
	if err != nil {
		return "", rerr.New(rerr.InternalError, "session.debug_yaml", err)
	}
	return string(out), nil
}
