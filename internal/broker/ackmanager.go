package broker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// defaultAckBatchSize and defaultAckBatchInterval bound how long an
	// ack or nack can sit buffered before it reaches the queue. Grounded
	// on the vendored streamingMessageIterator's pendingAcks/pendingNacks
	// maps flushed by its ackTicker/nackTicker (other_examples' dolt
	// vendor copy of iterator.go), sized down for an in-process broker
	// where the "RPC" is a function call rather than a network batch.
	defaultAckBatchSize     = 50
	defaultAckBatchInterval = 10 * time.Millisecond
)

// entry is one pending ack or nack request: the set of futures waiting
// to learn the outcome of acting on ackID. More than one future
// accumulates here when a caller calls Ack/Nack repeatedly on the same
// ackID before a flush drains it. isAck records which of Ack or Nack
// claimed ackID first; first-wins means it never changes afterward.
type entry struct {
	ackID   string
	isAck   bool
	waiters []chan error
}

// AckManager batches Ack and Nack calls bound for a single
// subscription's Queue. Batching exists so a hot delivery path doesn't
// take the subscription's Queue mutex on every single ack; it has no
// effect on correctness since Queue.Ack/Nack are idempotent.
// Flow-control and lease release happen synchronously in the owning
// MessageStream the moment Ack/Nack is called (spec.md §4.5's
// delivery interceptor, step (b)) — AckManager only owns the deferred
// forwarding of the decision to the Queue (step (a)).
//
// ack(x) and nack(x) are first-wins (spec.md's invariant 3): whichever
// of Ack or Nack is called first for a given ackID decides the
// outcome, and every later call for the same ackID — whichever method
// it came in on — resolves alongside that first decision rather than
// overriding it.
type AckManager struct {
	clk          clock.Clock
	log          zerolog.Logger
	queue        *Queue
	subscription string

	batchSize int
	interval  time.Duration

	// index and order together give O(1) first-wins lookup by ackID
	// while still being able to flush in submission order: spec.md §5's
	// "ack/nack futures resolve in batch submission order within one
	// flush" requires order itself, which a map's randomized iteration
	// can't provide.
	mu      sync.Mutex
	index   map[string]*entry
	order   []*entry
	pending int
	closed  bool
}

// NewAckManager constructs an AckManager flushing into queue for
// subscription. A non-positive batchSize or interval falls back to
// defaultAckBatchSize/defaultAckBatchInterval. There is no
// flush-every-call mode: an interval of 0 also takes the default, and a
// batch flushes only when it is full, on the Run ticker, or on an
// explicit Flush or Close.
func NewAckManager(log zerolog.Logger, clk clock.Clock, queue *Queue, subscription string, batchSize int, interval time.Duration) *AckManager {
	if clk == nil {
		clk = clock.New()
	}
	if batchSize <= 0 {
		batchSize = defaultAckBatchSize
	}
	if interval <= 0 {
		interval = defaultAckBatchInterval
	}
	return &AckManager{
		clk:          clk,
		log:          log,
		queue:        queue,
		subscription: subscription,
		batchSize:    batchSize,
		interval:     interval,
		index:        make(map[string]*entry),
	}
}

// Ack buffers ackID for acknowledgement, flushing immediately if the
// batch is now full. The returned channel receives exactly one value
// (nil, since the in-memory queue's ack never fails) once the batch
// containing this request flushes.
func (am *AckManager) Ack(ackID string) <-chan error {
	return am.enqueue(ackID, true)
}

// Nack buffers ackID for negative acknowledgement, flushing
// immediately if the batch is now full.
func (am *AckManager) Nack(ackID string) <-chan error {
	return am.enqueue(ackID, false)
}

func (am *AckManager) enqueue(ackID string, isAck bool) <-chan error {
	ch := make(chan error, 1)
	am.mu.Lock()
	if am.closed {
		am.mu.Unlock()
		ch <- nil // closing is graceful shutdown, not a per-message failure
		return ch
	}
	e, ok := am.index[ackID]
	if !ok {
		// First call for ackID decides the outcome (first-wins); isAck
		// is never touched again once the entry exists.
		e = &entry{ackID: ackID, isAck: isAck}
		am.index[ackID] = e
		am.order = append(am.order, e)
		am.pending++
	}
	e.waiters = append(e.waiters, ch)
	full := am.pending >= am.batchSize
	am.mu.Unlock()
	if full {
		am.Flush()
	}
	return ch
}

// Flush sends every buffered ack and nack to the queue, in the order
// each ackID was first submitted, and resolves every waiting future
// with the result. Submission order matters: spec.md §5 guarantees
// futures resolve in batch submission order within one flush.
func (am *AckManager) Flush() {
	am.mu.Lock()
	order := am.order
	am.index = make(map[string]*entry)
	am.order = nil
	am.pending = 0
	am.mu.Unlock()

	for _, e := range order {
		var err error
		if e.isAck {
			err = am.queue.Ack(am.subscription, e.ackID)
		} else {
			err = am.queue.Nack(am.subscription, e.ackID)
		}
		resolve(e, err)
	}
}

func resolve(e *entry, err error) {
	for _, ch := range e.waiters {
		ch <- err
	}
}

// Run flushes on a fixed interval until ctx is done, then performs one
// final flush. It is meant to be launched as one goroutine in a
// MessageStream's errgroup.
func (am *AckManager) Run(ctx context.Context) error {
	ticker := am.clk.Ticker(am.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			am.Flush()
			return nil
		case <-ticker.C:
			am.Flush()
		}
	}
}

// Close flushes any remaining batch and stops accepting further acks
// or nacks.
func (am *AckManager) Close() {
	am.mu.Lock()
	am.closed = true
	am.mu.Unlock()
	am.Flush()
}
