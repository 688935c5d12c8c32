package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/rerr"
	"github.com/remoshell/remoshelld/internal/transfer"
	"github.com/remoshell/remoshelld/internal/trust"
)

type fakePeer struct {
	sent []Envelope
}

func (f *fakePeer) SendEnvelope(e Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	dir := t.TempDir()
	policy := transfer.NewPathPolicy([]string{dir}, false, nil)
	engine := transfer.NewEngine(policy, filepath.Join(dir, "tmp"), 1<<20)
	trustStore, err := trust.Open(filepath.Join(dir, "trusted_devices.json"))
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	return New(engine, trustStore, trust.NewApprovalQueue(), "/bin/sh", 0, true)
}

func TestPingRoundTrip(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	resp, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{
		Type:      TypePing,
		Timestamp: 1700000000,
		Payload:   []byte{0x70, 0x69},
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp == nil || resp.Type != TypePong {
		t.Fatalf("expected pong, got %+v", resp)
	}
	if resp.Timestamp != 1700000000 {
		t.Fatalf("timestamp not echoed: %d", resp.Timestamp)
	}
	if string(resp.Payload) != "\x70\x69" {
		t.Fatalf("payload not echoed: %v", resp.Payload)
	}
}

func TestUnknownMessageTypeIsInvalidRequest(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	_, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{Type: "bogus.type"})
	if rerr.KindOf(err) != rerr.InvalidRequest {
		t.Fatalf("expected InvalidRequest for unknown message type, got %v", err)
	}
}

func TestResponseTypedInboundMessagesAreIgnored(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	resp, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{Type: TypeSessionOutput, SessionId: "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response, got %+v", resp)
	}
}

func TestSessionDataRejectsNonStdinStream(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	_, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{
		Type:      TypeSessionData,
		SessionId: "00000000-0000-0000-0000-000000000000",
		Stream:    StreamStdout,
		Data:      []byte("nope"),
	})
	if rerr.KindOf(err) != rerr.InvalidRequest {
		t.Fatalf("expected InvalidRequest for stream=stdout, got %v", err)
	}
}

func TestFileListPathOutsideRootsRejected(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	_, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{Type: TypeFileListRequest, Path: "/does/not/exist"})
	if rerr.KindOf(err) != rerr.PathValidation {
		t.Fatalf("expected PathValidation for a path outside the allowed roots, got %v", err)
	}
}

func TestApprovalRequestConsultsTrustStore(t *testing.T) {
	r := newTestRouter(t)
	peer := &fakePeer{}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	id := identity.DeriveDeviceId(key)

	// Unknown device under require_approval: queued, answered rejected.
	resp, err := r.Dispatch(identity.DeviceId{}, peer, Envelope{
		Type:      TypeDeviceApprovalRequest,
		HumanName: "laptop",
		PublicKey: key,
	})
	if err != nil {
		t.Fatalf("approval request: %v", err)
	}
	if resp.Type != TypeDeviceApprovalResult || resp.Approved {
		t.Fatalf("expected rejected result for unknown device, got %+v", resp)
	}
	if _, pending := r.approval.GetPending(id); !pending {
		t.Fatal("unknown device not queued for approval")
	}

	// Once the operator approves, the same request succeeds.
	if err := r.approval.ApprovePending(id, r.trust); err != nil {
		t.Fatalf("approve pending: %v", err)
	}
	resp, err = r.Dispatch(identity.DeviceId{}, peer, Envelope{
		Type:      TypeDeviceApprovalRequest,
		HumanName: "laptop",
		PublicKey: key,
	})
	if err != nil {
		t.Fatalf("approval request after approve: %v", err)
	}
	if !resp.Approved {
		t.Fatalf("expected approved result for trusted device, got %+v", resp)
	}

	// A revoked device is answered rejected without re-queueing.
	if err := r.trust.SetTrustLevel(id, trust.Revoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp, err = r.Dispatch(identity.DeviceId{}, peer, Envelope{
		Type:      TypeDeviceApprovalRequest,
		PublicKey: key,
	})
	if err != nil {
		t.Fatalf("approval request after revoke: %v", err)
	}
	if resp.Approved {
		t.Fatal("revoked device approved")
	}
	if _, pending := r.approval.GetPending(id); pending {
		t.Fatal("revoked device re-queued for approval")
	}
}

func TestApprovalRequestRejectsBadPublicKey(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.Dispatch(identity.DeviceId{}, &fakePeer{}, Envelope{
		Type:      TypeDeviceApprovalRequest,
		PublicKey: []byte{1, 2, 3},
	})
	if rerr.KindOf(err) != rerr.InvalidRequest {
		t.Fatalf("expected InvalidRequest for short key, got %v", err)
	}
}

func TestDeviceInfoTouchesLastSeen(t *testing.T) {
	r := newTestRouter(t)
	key := make([]byte, 32)
	key[0] = 7
	dev := trust.NewDevice(key, "phone")
	before := dev.LastSeen
	r.trust.AddDevice(dev)

	resp, err := r.Dispatch(dev.DeviceId, &fakePeer{}, Envelope{Type: TypeDeviceInfo})
	if err != nil {
		t.Fatalf("device info: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no response to device.info, got %+v", resp)
	}
	after, _ := r.trust.GetDevice(dev.DeviceId)
	if after.LastSeen.Before(before) {
		t.Fatal("last_seen not advanced")
	}

	// An unknown device's info is a silent no-op, not an error.
	if _, err := r.Dispatch(identity.DeviceId{9, 9}, &fakePeer{}, Envelope{Type: TypeDeviceInfo}); err != nil {
		t.Fatalf("device info for unknown device: %v", err)
	}
}

func TestDownloadRoundTripHelloWorld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("Hello, World!"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	policy := transfer.NewPathPolicy([]string{dir}, false, nil)
	engine := transfer.NewEngine(policy, filepath.Join(dir, "tmp"), 1<<20)
	trustStore, err := trust.Open(filepath.Join(dir, "trusted_devices.json"))
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	r := New(engine, trustStore, trust.NewApprovalQueue(), "/bin/sh", 0, true)

	resp, err := r.Dispatch(identity.DeviceId{}, &fakePeer{}, Envelope{
		Type:      TypeDownloadRequest,
		Path:      path,
		Offset:    0,
		ChunkSize: 1024,
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(resp.Data) != "Hello, World!" {
		t.Fatalf("unexpected data: %q", resp.Data)
	}
	if !resp.IsLast || resp.Size != 13 {
		t.Fatalf("expected is_last=true size=13, got is_last=%v size=%d", resp.IsLast, resp.Size)
	}
}
