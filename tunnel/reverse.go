package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/gravitl/tunlink/metrics"
)

// DefaultReverseTimeout - how long a reverse attempt waits for the peer to dial in
const DefaultReverseTimeout = 5 * time.Second

// Slot - one pending reverse attempt for a peer
type Slot struct {
	peer          string
	transactionID string
	result        chan *Connection
}

// Coordinator - pending reverse attempts keyed by remote machine name, at most one per peer
type Coordinator struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewCoordinator - returns an empty coordinator
func NewCoordinator() *Coordinator {
	return &Coordinator{slots: make(map[string]*Slot)}
}

// Register - opens the pending slot for peer, fails with ErrAlreadyPending if one exists
func (c *Coordinator) Register(peer, transactionID string) (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.slots[peer]; ok {
		return nil, ErrAlreadyPending
	}
	slot := &Slot{peer: peer, transactionID: transactionID, result: make(chan *Connection, 1)}
	c.slots[peer] = slot
	metrics.PendingReverse.Inc()
	return slot, nil
}

// Resolve - completes and removes the pending slot for peer. A nil conn fails the
// waiter. A conn from another transaction leaves the slot untouched. Reports whether
// a slot was completed.
func (c *Coordinator) Resolve(peer string, conn *Connection) bool {
	c.mu.Lock()
	slot, ok := c.slots[peer]
	if !ok || (conn != nil && slot.transactionID != "" && conn.TransactionID != slot.transactionID) {
		c.mu.Unlock()
		return false
	}
	delete(c.slots, peer)
	c.mu.Unlock()
	metrics.PendingReverse.Dec()
	slot.result <- conn
	return true
}

// release - fails the slot for peer if it still belongs to transactionID
func (c *Coordinator) release(peer, transactionID string) bool {
	c.mu.Lock()
	slot, ok := c.slots[peer]
	if !ok || slot.transactionID != transactionID {
		c.mu.Unlock()
		return false
	}
	delete(c.slots, peer)
	c.mu.Unlock()
	metrics.PendingReverse.Dec()
	slot.result <- nil
	return true
}

// Pending - whether a slot is open for peer
func (c *Coordinator) Pending(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[peer]
	return ok
}

// Cancel - removes slot if it is still registered
func (c *Coordinator) Cancel(slot *Slot) {
	if c.remove(slot) {
		metrics.PendingReverse.Dec()
	}
}

func (c *Coordinator) remove(slot *Slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.slots[slot.peer]; ok && cur == slot {
		delete(c.slots, slot.peer)
		return true
	}
	return false
}

// Wait - blocks until slot is resolved, timeout passes or ctx ends. The slot is
// removed in every case. A value that was resolved concurrently with the deadline is
// still returned so the connection is never leaked.
func (c *Coordinator) Wait(ctx context.Context, slot *Slot, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = DefaultReverseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case conn := <-slot.result:
		return resolved(conn)
	case <-timer.C:
		cause = ErrReverseTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if c.remove(slot) {
		metrics.PendingReverse.Dec()
		return nil, cause
	}
	// Resolve took the slot first, its value is on the way
	return resolved(<-slot.result)
}

func resolved(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrReverseCancelled
	}
	return conn, nil
}

// Close - fails every pending waiter
func (c *Coordinator) Close() {
	c.mu.Lock()
	slots := c.slots
	c.slots = make(map[string]*Slot)
	c.mu.Unlock()
	for _, slot := range slots {
		metrics.PendingReverse.Dec()
		slot.result <- nil
	}
}
