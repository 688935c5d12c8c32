package trust

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/rerr"
)

// PendingApproval is an in-memory-only record created when an unknown
// device requests a connection under require_approval=true.
type PendingApproval struct {
	DeviceId    identity.DeviceId
	HumanName   string
	PublicKey   []byte
	RequestedAt time.Time
	RemoteAddr  net.Addr
}

// AgeSecs reports how long this approval has been pending.
func (p PendingApproval) AgeSecs() float64 {
	return time.Since(p.RequestedAt).Seconds()
}

// ApprovalQueue is the in-memory pending-approval table. It is kept
// separate from Store because it never touches disk and has its own
// lifecycle (accept/reject/expire) independent of the trust store's
// persisted devices.
type ApprovalQueue struct {
	mu      sync.RWMutex
	pending map[identity.DeviceId]PendingApproval
}

// NewApprovalQueue constructs an empty queue.
func NewApprovalQueue() *ApprovalQueue {
	return &ApprovalQueue{pending: make(map[identity.DeviceId]PendingApproval)}
}

// AddPending records a new pending approval, replacing any existing one
// for the same device.
func (q *ApprovalQueue) AddPending(p PendingApproval) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[p.DeviceId] = p
}

// GetPending looks up a pending approval by device id.
func (q *ApprovalQueue) GetPending(id identity.DeviceId) (PendingApproval, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.pending[id]
	return p, ok
}

// ListPending returns a snapshot of every pending approval.
func (q *ApprovalQueue) ListPending() []PendingApproval {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p)
	}
	return out
}

// ApprovePending moves a pending approval into store as Trusted, removing
// it from the queue.
func (q *ApprovalQueue) ApprovePending(id identity.DeviceId, store *Store) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return rerr.New(rerr.NotFound, "approval.approve", fmt.Errorf("no pending approval for %s", id))
	}
	store.AddDevice(NewDevice(p.PublicKey, p.HumanName))
	return nil
}

// RejectPending drops a pending approval without touching the trust
// store.
func (q *ApprovalQueue) RejectPending(id identity.DeviceId) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		return rerr.New(rerr.NotFound, "approval.reject", fmt.Errorf("no pending approval for %s", id))
	}
	delete(q.pending, id)
	return nil
}

// CleanupExpiredApprovals removes entries older than timeout, returning
// the removed device ids.
func (q *ApprovalQueue) CleanupExpiredApprovals(timeout time.Duration) []identity.DeviceId {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []identity.DeviceId
	for id, p := range q.pending {
		if time.Since(p.RequestedAt) > timeout {
			delete(q.pending, id)
			removed = append(removed, id)
		}
	}
	return removed
}
