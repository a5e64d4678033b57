package broker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// extensionThreshold is how close to its deadline a lease must be
// before GetLeasesNeedingExtension reports it. Grounded on the
// vendored cloud.google.com/go/pubsub streamingMessageIterator's
// gracePeriod constant (other_examples' dolt vendor copy of
// iterator.go), which keeps a 5s buffer before a lease's deadline to
// account for scheduling jitter and network latency; this broker is
// in-process, so a smaller 2s buffer is enough headroom.
const extensionThreshold = 2 * time.Second

// LeaseManager tracks the deadline of every message currently leased
// out by a single MessageStream and decides when each needs its
// deadline pushed out, mirroring the keepAliveDeadlines bookkeeping of
// the vendored client's streamingMessageIterator.
type LeaseManager struct {
	clk clock.Clock

	mu     sync.Mutex
	leases map[string]*Lease // ackID -> lease
}

// NewLeaseManager constructs an empty LeaseManager using clk as its
// time source, so tests can drive deadline expiry deterministically.
func NewLeaseManager(clk clock.Clock) *LeaseManager {
	if clk == nil {
		clk = clock.New()
	}
	return &LeaseManager{clk: clk, leases: make(map[string]*Lease)}
}

// AddLease begins tracking msg, due for extension or expiry at
// ackDeadline from now.
func (lm *LeaseManager) AddLease(msg *InternalMessage, ackDeadline time.Duration) *Lease {
	now := lm.clk.Now()
	lease := &Lease{
		AckID:     msg.AckID,
		Message:   msg,
		StartTime: now,
		Deadline:  now.Add(ackDeadline),
	}
	lm.mu.Lock()
	lm.leases[msg.AckID] = lease
	lm.mu.Unlock()
	return lease
}

// GetLeasesNeedingExtension returns every tracked lease whose deadline
// falls within extensionThreshold of now, i.e. due for a modAck
// extension before it expires.
func (lm *LeaseManager) GetLeasesNeedingExtension() []*Lease {
	now := lm.clk.Now()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var due []*Lease
	for _, lease := range lm.leases {
		if remaining := lease.Deadline.Sub(now); remaining > 0 && remaining <= extensionThreshold {
			due = append(due, lease)
		}
	}
	return due
}

// GetExpiredLeases returns every tracked lease whose deadline has
// already passed and stops tracking it. Stream does not call it, so
// an expired lease does not by itself lead to redelivery.
func (lm *LeaseManager) GetExpiredLeases() []*Lease {
	now := lm.clk.Now()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var expired []*Lease
	for ackID, lease := range lm.leases {
		if !lease.Deadline.After(now) {
			expired = append(expired, lease)
			delete(lm.leases, ackID)
		}
	}
	return expired
}

// ExtendDeadline pushes ackID's lease deadline out by extension from
// now. A no-op if the lease is no longer tracked (already acked,
// nacked, or expired).
func (lm *LeaseManager) ExtendDeadline(ackID string, extension time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lease, ok := lm.leases[ackID]
	if !ok {
		return
	}
	lease.Deadline = lm.clk.Now().Add(extension)
}

// RemoveLease stops tracking ackID, called on ack or nack.
func (lm *LeaseManager) RemoveLease(ackID string) {
	lm.mu.Lock()
	delete(lm.leases, ackID)
	lm.mu.Unlock()
}

// Len reports the number of leases currently tracked.
func (lm *LeaseManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.leases)
}

// Clear drops every tracked lease, returning them so the caller can
// nack each one. Used when a stream stops and must release everything
// it was holding.
func (lm *LeaseManager) Clear() []*Lease {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]*Lease, 0, len(lm.leases))
	for _, lease := range lm.leases {
		out = append(out, lease)
	}
	lm.leases = make(map[string]*Lease)
	return out
}
