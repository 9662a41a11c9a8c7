package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Manager is the admission gate for whole-file uploads.
// Acquire blocks while the number of active transfers is at the ceiling;
// it delays work rather than rejecting it.
type Manager struct {
	slots  chan struct{}
	active atomic.Int64
	max    int
}

// NewManager creates a gate admitting up to maxConcurrent transfers.
// A ceiling of zero or less admits one transfer at a time instead of none,
// so a misconfigured value can't starve every caller.
func NewManager(maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		slots: make(chan struct{}, maxConcurrent),
		max:   maxConcurrent,
	}
}

// Acquire waits for a free slot and returns a Transfer handle.
// The caller must call Complete on the handle when the upload ends, on every path.
func (m *Manager) Acquire(ctx context.Context) (*Transfer, error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.active.Add(1)
	return &Transfer{
		id:  generateTransferID(),
		mgr: m,
	}, nil
}

// Active returns the number of admitted transfers that have not completed.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Max returns the admission ceiling.
func (m *Manager) Max() int {
	return m.max
}

// GetStats returns current gate statistics
func (m *Manager) GetStats() ManagerStats {
	active, limit := m.Active(), m.Max()
	return ManagerStats{
		MaxTransfers:    limit,
		ActiveTransfers: active,
		AvailableSlots:  limit - active,
	}
}

// ManagerStats holds statistics about the transfer manager
type ManagerStats struct {
	MaxTransfers    int
	ActiveTransfers int
	AvailableSlots  int
}

// Transfer represents an admitted file upload
type Transfer struct {
	id        string
	mgr       *Manager
	once      sync.Once
	mu        sync.Mutex
	completed bool
}

// Complete marks the transfer as complete and releases its slot.
// Only the first call has an effect.
func (t *Transfer) Complete() {
	t.once.Do(func() {
		t.mu.Lock()
		t.completed = true
		t.mu.Unlock()

		t.mgr.active.Add(-1)
		<-t.mgr.slots
	})
}

// GetID returns the transfer ID
func (t *Transfer) GetID() string {
	return t.id
}

// String returns a string representation of the transfer
func (t *Transfer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Transfer[id=%s completed=%v]", t.id, t.completed)
}

// generateTransferID generates a unique transfer ID
func generateTransferID() string {
	return "transfer-" + uuid.NewString()
}
