package broker

import "sync"

// orderingQueue enforces per-key ordered delivery within a single
// MessageStream: at most one message per OrderingKey is ever handed to
// a delivery callback at a time, and the next message sharing that key
// is only admitted once the in-flight one has been acked (a nack keeps
// the key blocked until the nacked message is redelivered; see
// Release and ClearActive). Messages with an empty OrderingKey are
// never held back.
//
// This lives in the stream, not the Queue, because ordering is a
// property of how one stream chooses to drain a backlog, not of the
// backlog's storage; a second concurrent stream pulling from the same
// subscription (spec.md's fan-out scenario) enforces its own ordering
// independently.
type orderingQueue struct {
	mu     sync.Mutex
	held   map[string][]*InternalMessage
	active map[string]struct{}
}

func newOrderingQueue() *orderingQueue {
	return &orderingQueue{
		held:   make(map[string][]*InternalMessage),
		active: make(map[string]struct{}),
	}
}

// Admit reports whether msg may be delivered immediately. If its
// ordering key already has a message in flight, msg is buffered and
// Admit returns false; the caller must not deliver it.
func (o *orderingQueue) Admit(msg *InternalMessage) bool {
	if msg.OrderingKey == "" {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[msg.OrderingKey]; busy {
		o.held[msg.OrderingKey] = append(o.held[msg.OrderingKey], msg)
		return false
	}
	o.active[msg.OrderingKey] = struct{}{}
	return true
}

// Release reports the in-flight message for key as acked and returns
// the next held message for that key, if any, which becomes the new
// in-flight message for the key. Empty keys are a no-op, since they
// were never tracked by Admit.
//
// Release must never be called for a nack: spec.md §4.5 requires a
// key to stay blocked behind its nacked head until that same message
// is redelivered and acked, not to advance to whatever was buffered
// next. A nack instead leaves key marked active and does nothing
// else; deliverLocked's DeliveryAttempt > 1 branch calls ClearActive
// once the nacked message itself comes back around, which is the only
// path that unblocks the key again.
func (o *orderingQueue) Release(key string) *InternalMessage {
	if key == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, key)
	queued := o.held[key]
	if len(queued) == 0 {
		delete(o.held, key)
		return nil
	}
	next := queued[0]
	o.held[key] = queued[1:]
	o.active[key] = struct{}{}
	return next
}

// ClearActive marks key as no longer having an in-flight message,
// without touching anything buffered for it. Used for spec.md §4.5's
// redelivery special case: a message arriving with deliveryAttempt > 1
// is the nacked head of key coming back around, so the key's stale
// "processing" flag (set by the delivery that was nacked) must be
// cleared before Admit is called again for it.
func (o *orderingQueue) ClearActive(key string) {
	if key == "" {
		return
	}
	o.mu.Lock()
	delete(o.active, key)
	o.mu.Unlock()
}

// Drop forgets key entirely, discarding anything buffered for it. Used
// when a stream stops and its held, never-delivered messages must be
// returned to the backlog rather than silently kept.
func (o *orderingQueue) Drop(key string) {
	if key == "" {
		return
	}
	o.mu.Lock()
	delete(o.active, key)
	delete(o.held, key)
	o.mu.Unlock()
}

// DrainAll forgets every key with buffered messages and returns
// everything that was held across all of them. A stopping stream
// already pulled these messages — they carry a live ackID in the
// Queue's in-flight table — so the caller must nack each one back to
// the queue or it is stranded there forever.
func (o *orderingQueue) DrainAll() []*InternalMessage {
	o.mu.Lock()
	keys := make([]string, 0, len(o.held))
	for key := range o.held {
		keys = append(keys, key)
	}
	o.mu.Unlock()

	var drained []*InternalMessage
	for _, key := range keys {
		o.mu.Lock()
		drained = append(drained, o.held[key]...)
		o.mu.Unlock()
		o.Drop(key)
	}
	return drained
}
