package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/remoshell/remoshelld/internal/config"
	"github.com/remoshell/remoshelld/internal/ipc"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SignalingURL = ""   // no signaling server in unit tests
	cfg.QUICListenAddr = "" // no native-peer listener in unit tests
	return cfg
}

func TestStartWritesIdentityAndPIDFile(t *testing.T) {
	cfg := newTestConfig(t)
	o := New(cfg)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if o.State() != Running {
		t.Fatalf("expected Running, got %s", o.State())
	}
	if _, err := os.Stat(cfg.IdentityPath()); err != nil {
		t.Fatalf("identity.key not written: %v", err)
	}
	if _, err := os.Stat(cfg.PIDPath()); err != nil {
		t.Fatalf("daemon.pid not written: %v", err)
	}
}

func TestStopRemovesPIDFileAndPersistsStores(t *testing.T) {
	cfg := newTestConfig(t)
	o := New(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if o.State() != Stopped {
		t.Fatalf("expected Stopped, got %s", o.State())
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("expected daemon.pid removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "trusted_devices.json")); err != nil {
		t.Fatalf("expected trusted_devices.json written on stop: %v", err)
	}
}

func TestStartRefusesWhenLiveDaemonHoldsPIDFile(t *testing.T) {
	cfg := newTestConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// The test runner's parent is a live process that is not us.
	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getppid())), 0644); err != nil {
		t.Fatalf("write pid fixture: %v", err)
	}

	o := New(cfg)
	if err := o.Start(context.Background()); err == nil {
		o.Stop()
		t.Fatal("expected start to fail with a live pid file")
	}
}

func TestStartOverwritesStalePIDFile(t *testing.T) {
	cfg := newTestConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// PID 1 is init, never signalable by an unprivileged test process, but
	// kill(1,0) may still succeed as root; use an implausible dead pid.
	if err := os.WriteFile(cfg.PIDPath(), []byte("999999999"), 0644); err != nil {
		t.Fatalf("write pid fixture: %v", err)
	}

	o := New(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start over stale pid file: %v", err)
	}
	defer o.Stop()

	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file not overwritten: %q", data)
	}
}

func TestControlSocketAnswersStatus(t *testing.T) {
	cfg := newTestConfig(t)
	o := New(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	conn, err := net.Dial("unix", cfg.SocketPath())
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(ipc.Request{Type: ipc.ReqStatus}); err != nil {
		t.Fatalf("send status request: %v", err)
	}
	var resp ipc.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("read status response: %v", err)
	}
	if resp.Type != ipc.RespStatus || !resp.Running {
		t.Fatalf("unexpected status response: %+v", resp)
	}
}

func TestStopRemovesControlSocket(t *testing.T) {
	cfg := newTestConfig(t)
	o := New(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected daemon.sock removed, stat err = %v", err)
	}
}

func TestStateTransitionsObservedOnEventChannel(t *testing.T) {
	cfg := newTestConfig(t)
	o := New(cfg)

	var seen []State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range o.Events() {
			seen = append(seen, ev.State)
			if ev.State == Stopped {
				return
			}
		}
	}()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stopped event")
	}

	if len(seen) < 3 || seen[0] != Starting || seen[len(seen)-1] != Stopped {
		t.Fatalf("unexpected state sequence: %v", seen)
	}
}
