package broker

// FlowControl bounds how many messages and bytes a single
// MessageStream may hold in flight at once. Grounded on the
// semaphore-pair design of the vendored Cloud Pub/Sub client's
// flowController (other_examples' rclone vendor copy of
// cloud.google.com/go/pubsub), but adapted into the bracketed
// allowExcessMessages semantics spec.md §4.2 specifies: Google's
// client lets an in-progress multi-message pull slightly overshoot
// maxMessages rather than ever relaxing the byte cap, since bytes (not
// message count) are what bound memory.
//
// FlowControl is owned exclusively by its MessageStream's own
// goroutines (spec.md §5); it takes no lock.
type FlowControl struct {
	maxMessages         int
	maxBytes            int
	allowExcessMessages bool

	inFlightMessages int
	inFlightBytes    int
	inBatchPull      bool
}

// NewFlowControl constructs a FlowControl with the given caps. A
// non-positive cap means "unbounded" for that dimension.
func NewFlowControl(maxMessages, maxBytes int, allowExcessMessages bool) *FlowControl {
	return &FlowControl{
		maxMessages:         maxMessages,
		maxBytes:            maxBytes,
		allowExcessMessages: allowExcessMessages,
	}
}

// CanAccept reports whether one more message of the given byte length
// may be admitted right now.
func (f *FlowControl) CanAccept(bytes int) bool {
	if f.allowExcessMessages && f.inBatchPull {
		return f.maxBytes <= 0 || f.inFlightBytes+bytes <= f.maxBytes
	}
	if f.maxMessages > 0 && f.inFlightMessages >= f.maxMessages {
		return false
	}
	if f.maxBytes > 0 && f.inFlightBytes+bytes > f.maxBytes {
		return false
	}
	return true
}

// StartBatchPull brackets the start of one MessageQueue.Pull call,
// letting CanAccept relax the message-count cap for allowExcessMessages
// streams for the duration of that one pull.
func (f *FlowControl) StartBatchPull() { f.inBatchPull = true }

// EndBatchPull closes the bracket opened by StartBatchPull.
func (f *FlowControl) EndBatchPull() { f.inBatchPull = false }

// AddMessage charges one message of the given byte length against the
// outstanding totals, called once a message has actually been handed
// to a delivery callback.
func (f *FlowControl) AddMessage(bytes int) {
	f.inFlightMessages++
	f.inFlightBytes += bytes
}

// RemoveMessage releases one message of the given byte length, called
// on ack or nack (or on stream shutdown discarding undelivered
// leases).
func (f *FlowControl) RemoveMessage(bytes int) {
	f.inFlightMessages--
	if f.inFlightMessages < 0 {
		f.inFlightMessages = 0
	}
	f.inFlightBytes -= bytes
	if f.inFlightBytes < 0 {
		f.inFlightBytes = 0
	}
}

// MaxToPull computes how many messages this stream should ask
// MessageQueue.Pull for next, per spec.md §4.5 step 3.
func (f *FlowControl) MaxToPull(maxPullSize int) int {
	if f.allowExcessMessages {
		return maxPullSize
	}
	if f.maxMessages <= 0 {
		return maxPullSize
	}
	remaining := f.maxMessages - f.inFlightMessages
	if remaining < 0 {
		remaining = 0
	}
	if remaining < maxPullSize {
		return remaining
	}
	return maxPullSize
}

// Snapshot reports the current outstanding message count and byte
// total, used to feed the in_flight_messages/in_flight_bytes gauges.
func (f *FlowControl) Snapshot() (messages, bytes int) {
	return f.inFlightMessages, f.inFlightBytes
}
