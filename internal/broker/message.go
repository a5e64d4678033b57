// Package broker implements the delivery engine of the in-process
// pub/sub broker: the message store and routing table (Queue), per
// subscription flow control, lease management, ack batching, and the
// streaming pull loop. It holds every non-trivial invariant of the
// system; the façade package wraps it into a Google Cloud Pub/Sub-like
// surface.
package broker

import "time"

// InternalMessage is the in-flight unit the broker moves around.
// ID, Data, Attributes, PublishTime and OrderingKey are set at publish
// time and never change afterward; callers must treat Data and
// Attributes as immutable, since the same backing slice/map may be
// shared across subscriptions. AckID and DeliveryAttempt are assigned
// fresh on every Pull.
type InternalMessage struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time
	OrderingKey string

	AckID           string
	DeliveryAttempt int
}

// Length is the byte count charged against flow control.
func (m *InternalMessage) Length() int {
	return len(m.Data)
}

// deliveryCopy returns a shallow copy suitable for handing to exactly
// one subscription's backlog. Data and Attributes are shared, not
// deep-copied, per spec.md §4.1's publish semantics.
func (m *InternalMessage) deliveryCopy() *InternalMessage {
	cp := *m
	cp.AckID = ""
	cp.DeliveryAttempt = 0
	return &cp
}

// Lease records that a message has been pulled and is awaiting ack or
// nack, along with the deadline by which it must be (re)acknowledged.
type Lease struct {
	AckID     string
	Message   *InternalMessage
	StartTime time.Time
	Deadline  time.Time
}
