package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type fakeDaemon struct {
	stopRequested bool
	killedSession string
	killErr       error
}

func (f *fakeDaemon) Status() Response {
	return Response{Type: RespStatus, Running: true, UptimeSecs: 42, SessionCount: 2, DeviceCount: 3}
}

func (f *fakeDaemon) Sessions() []SessionRow {
	return []SessionRow{{Id: "abc", ConnectedAt: time.Unix(1700000000, 0)}}
}

func (f *fakeDaemon) KillSession(sessionID string, signal *int) error {
	f.killedSession = sessionID
	return f.killErr
}

func (f *fakeDaemon) RequestStop() { f.stopRequested = true }

func startTestServer(t *testing.T) (*Server, *fakeDaemon, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	daemon := &fakeDaemon{}
	srv := NewServer(path, daemon)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, daemon, path
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestPingPong(t *testing.T) {
	_, _, path := startTestServer(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Type: ReqPing})
	if resp.Type != RespPong {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestStatusReportsDaemonCounters(t *testing.T) {
	_, _, path := startTestServer(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Type: ReqStatus})
	if resp.Type != RespStatus || !resp.Running || resp.UptimeSecs != 42 {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.SessionCount != 2 || resp.DeviceCount != 3 {
		t.Fatalf("unexpected counters: %+v", resp)
	}
}

func TestListSessionsAndKillSession(t *testing.T) {
	_, daemon, path := startTestServer(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Type: ReqListSessions})
	if resp.Type != RespSessions || len(resp.Sessions) != 1 || resp.Sessions[0].Id != "abc" {
		t.Fatalf("unexpected sessions: %+v", resp)
	}

	resp = roundTrip(t, conn, Request{Type: ReqKillSession, SessionId: "abc"})
	if resp.Type != RespSessionKilled || resp.SessionId != "abc" {
		t.Fatalf("unexpected kill response: %+v", resp)
	}
	if daemon.killedSession != "abc" {
		t.Fatal("daemon never saw the kill")
	}

	daemon.killErr = fmt.Errorf("no such session")
	resp = roundTrip(t, conn, Request{Type: ReqKillSession, SessionId: "nope"})
	if resp.Type != RespError || resp.Message == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestStopRespondsBeforeShutdown(t *testing.T) {
	_, daemon, path := startTestServer(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Type: ReqStop})
	if resp.Type != RespStopping {
		t.Fatalf("expected stopping, got %+v", resp)
	}
	if !daemon.stopRequested {
		t.Fatal("stop never requested on daemon")
	}
}

func TestUnknownRequestTypeIsError(t *testing.T) {
	_, _, path := startTestServer(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Type: "bogus"})
	if resp.Type != RespError {
		t.Fatalf("expected error, got %+v", resp)
	}
}
