package broker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/donlair/pubsub-sub004/errs"
	"github.com/donlair/pubsub-sub004/metrics"
)

// RunMode is a MessageStream's lifecycle state.
type RunMode int

const (
	Stopped RunMode = iota
	Running
	Paused
)

func (m RunMode) String() string {
	switch m {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// CloseBehavior selects what Stop does with messages still in flight.
type CloseBehavior int

const (
	// CloseWait drains in-flight messages before Stop returns (default).
	CloseWait CloseBehavior = iota
	// CloseNack immediately nacks everything in flight.
	CloseNack
)

// EventKind tags the payload carried by a StreamEvent.
type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventClose
)

// StreamEvent is the tagged-variant delivery unit a MessageStream
// emits (spec.md §9's "channel of tagged variants" design note). Only
// the field matching Kind is meaningful.
type StreamEvent struct {
	Kind    EventKind
	Message *InternalMessage
	Err     error
}

// FlowControlOptions configures a stream's FlowControl.
type FlowControlOptions struct {
	MaxMessages         int
	MaxBytes            int
	AllowExcessMessages bool
}

// StreamingOptions configures the pull loop.
type StreamingOptions struct {
	PullInterval time.Duration
	MaxPullSize  int
	MaxStreams   int
	Timeout      time.Duration
}

// CloseOptions configures Stop's shutdown behavior.
type CloseOptions struct {
	Behavior CloseBehavior
	Timeout  time.Duration
}

// AckBatchOptions configures the stream's AckManager.
type AckBatchOptions struct {
	MaxMessages     int
	MaxMilliseconds int
}

// StreamOptions is the full set of per-subscription tunables, exactly
// spec.md §6's SubscriberOptions table.
type StreamOptions struct {
	FlowControl      FlowControlOptions
	MinAckDeadline   time.Duration
	MaxAckDeadline   time.Duration
	MaxExtensionTime time.Duration
	Streaming        StreamingOptions
	Close            CloseOptions
	AckBatch         AckBatchOptions
}

// DefaultStreamOptions returns the defaults named throughout spec.md
// §4 and §6.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		FlowControl: FlowControlOptions{
			MaxMessages: 1000,
			MaxBytes:    100 << 20,
		},
		MinAckDeadline:   10 * time.Second,
		MaxAckDeadline:   600 * time.Second,
		MaxExtensionTime: 3600 * time.Second,
		Streaming: StreamingOptions{
			PullInterval: 10 * time.Millisecond,
			MaxPullSize:  100,
			MaxStreams:   5,
		},
		Close: CloseOptions{Behavior: CloseWait},
		AckBatch: AckBatchOptions{
			MaxMessages:     defaultAckBatchSize,
			MaxMilliseconds: int(defaultAckBatchInterval / time.Millisecond),
		},
	}
}

// Stream is a MessageStream: the per-subscription engine that drives
// periodic pulls, applies flow control, routes through ordering or
// direct delivery, and handles start/pause/resume/stop (spec.md
// §4.5). A Stream is constructed once per open subscription and
// discarded when it stops; it is never reused across a second Open.
type Stream struct {
	log          zerolog.Logger
	clk          clock.Clock
	queue        *Queue
	metricsReg   *metrics.Registry
	subscription string
	ordered      bool
	ackDeadline  time.Duration

	ackMgr *AckManager
	events chan StreamEvent

	// Everything below is touched by the stream's own pull/lease/ack
	// goroutines and, for Ack/Nack/ModifyAckDeadline, by whatever
	// goroutine holds a delivered Message handle. spec.md §5 describes
	// this state as single-owner-by-convention, which holds for a
	// single-threaded host; Go's goroutines are real OS-thread-backed,
	// so the same single-owner discipline is enforced here with mu
	// instead of by convention alone.
	mu       sync.Mutex
	mode     RunMode
	opts     StreamOptions
	flow     *FlowControl
	leases   *LeaseManager
	ordering *orderingQueue
	inFlight map[string]*InternalMessage
	pending  []*InternalMessage

	cancel    context.CancelFunc
	group     *errgroup.Group
	groupDone chan struct{}
}

// mergeDefaults fills any zero-valued field of opts with
// DefaultStreamOptions' value, so a caller may supply a partial
// StreamOptions (e.g. only overriding MaxStreams) without silently
// disabling flow control or pulling entirely.
func mergeDefaults(opts StreamOptions) StreamOptions {
	d := DefaultStreamOptions()
	if opts.FlowControl.MaxMessages == 0 {
		opts.FlowControl.MaxMessages = d.FlowControl.MaxMessages
	}
	if opts.FlowControl.MaxBytes == 0 {
		opts.FlowControl.MaxBytes = d.FlowControl.MaxBytes
	}
	if opts.MinAckDeadline == 0 {
		opts.MinAckDeadline = d.MinAckDeadline
	}
	if opts.MaxAckDeadline == 0 {
		opts.MaxAckDeadline = d.MaxAckDeadline
	}
	if opts.MaxExtensionTime == 0 {
		opts.MaxExtensionTime = d.MaxExtensionTime
	}
	if opts.Streaming.PullInterval == 0 {
		opts.Streaming.PullInterval = d.Streaming.PullInterval
	}
	if opts.Streaming.MaxPullSize == 0 {
		opts.Streaming.MaxPullSize = d.Streaming.MaxPullSize
	}
	if opts.Streaming.MaxStreams == 0 {
		opts.Streaming.MaxStreams = d.Streaming.MaxStreams
	}
	if opts.AckBatch.MaxMessages == 0 {
		opts.AckBatch.MaxMessages = d.AckBatch.MaxMessages
	}
	if opts.AckBatch.MaxMilliseconds == 0 {
		opts.AckBatch.MaxMilliseconds = d.AckBatch.MaxMilliseconds
	}
	return opts
}

// NewStream constructs a Stream for subscription. It reads the
// subscription's ordering/ack-deadline metadata from queue at
// construction time; Start fails fast (via an EventError) if the
// subscription no longer exists by the time it is called.
func NewStream(log zerolog.Logger, clk clock.Clock, queue *Queue, reg *metrics.Registry, subscription string, opts StreamOptions) *Stream {
	if clk == nil {
		clk = clock.New()
	}
	opts = mergeDefaults(opts)
	cfg, _ := queue.SubscriptionConfig(subscription)
	ackDeadline := time.Duration(cfg.AckDeadlineSeconds) * time.Second
	if ackDeadline <= 0 {
		ackDeadline = 10 * time.Second
	}

	s := &Stream{
		log:          log,
		clk:          clk,
		queue:        queue,
		metricsReg:   reg,
		subscription: subscription,
		ordered:      cfg.EnableMessageOrdering,
		ackDeadline:  ackDeadline,
		events:       make(chan StreamEvent),
		mode:         Stopped,
		opts:         opts,
		flow:         NewFlowControl(opts.FlowControl.MaxMessages, opts.FlowControl.MaxBytes, opts.FlowControl.AllowExcessMessages),
		leases:       NewLeaseManager(clk),
		ordering:     newOrderingQueue(),
		inFlight:     make(map[string]*InternalMessage),
	}
	s.ackMgr = NewAckManager(log, clk, queue, subscription, opts.AckBatch.MaxMessages, time.Duration(opts.AckBatch.MaxMilliseconds)*time.Millisecond)
	return s
}

// Events returns the channel StreamEvents are published on. Must be
// read by the caller before or concurrently with Start, never only
// after — events are emitted asynchronously the moment they occur and
// are never buffered against a slow or absent reader beyond the
// per-event goroutine that carries them.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// emit delivers ev asynchronously, per spec.md §9's requirement that
// message/error/close events never fire synchronously inside the pull
// path.
func (s *Stream) emit(ev StreamEvent) {
	go func() { s.events <- ev }()
}

// Start begins pulling, idempotent per spec.md §4.5.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.mode != Stopped {
		s.mu.Unlock()
		return
	}
	if !s.queue.Exists(s.subscription) {
		s.mu.Unlock()
		s.emit(StreamEvent{Kind: EventError, Err: errs.B().Code(errs.NotFound).Msgf("subscription %q not found", s.subscription).Err()})
		return
	}
	s.mode = Running
	streaming := s.opts.Streaming
	timeout := streaming.Timeout
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = group
	s.groupDone = make(chan struct{})

	maxStreams := streaming.MaxStreams
	if maxStreams <= 0 {
		maxStreams = 1
	}
	for i := 0; i < maxStreams; i++ {
		group.Go(func() error { return s.pullLoop(gctx) })
	}
	group.Go(func() error { return s.leaseExtensionLoop(gctx) })
	group.Go(func() error { return s.ackMgr.Run(gctx) })
	if timeout > 0 {
		group.Go(func() error { return s.lifetimeTimeout(gctx, timeout) })
	}

	go func() {
		_ = group.Wait()
		close(s.groupDone)
	}()
}

// pullLoop is run by each of maxStreams goroutines. It wakes on its
// own ticker or on the subscription's Wake signal, whichever comes
// first, paced by a rate.Limiter so a continuously non-empty backlog
// cannot busy-loop faster than pullInterval.
func (s *Stream) pullLoop(ctx context.Context) error {
	s.mu.Lock()
	interval := s.opts.Streaming.PullInterval
	s.mu.Unlock()
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		wake := s.queue.Wake(s.subscription)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		s.pullIteration()
	}
}

// pullIteration is one iteration of spec.md §4.5's pull loop.
func (s *Stream) pullIteration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Running {
		return
	}

	s.drainPendingLocked()

	maxToPull := s.flow.MaxToPull(s.opts.Streaming.MaxPullSize)
	if maxToPull <= 0 {
		return
	}

	s.flow.StartBatchPull()
	msgs, err := s.queue.Pull(s.subscription, maxToPull)
	s.flow.EndBatchPull()
	if err != nil {
		s.emit(StreamEvent{Kind: EventError, Err: err})
		return
	}
	for _, msg := range msgs {
		if s.flow.CanAccept(msg.Length()) {
			s.deliverLocked(msg)
		} else {
			s.pending = append(s.pending, msg)
		}
	}
}

// drainPendingLocked delivers as much of the deferred-by-flow-control
// backlog as currently fits. Must be called with s.mu held.
func (s *Stream) drainPendingLocked() {
	for len(s.pending) > 0 && s.flow.CanAccept(s.pending[0].Length()) {
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.deliverLocked(msg)
	}
}

// deliverLocked routes msg through ordering (if enabled and keyed) or
// straight to admission. Must be called with s.mu held.
func (s *Stream) deliverLocked(msg *InternalMessage) {
	if s.ordered && msg.OrderingKey != "" {
		if msg.DeliveryAttempt > 1 {
			s.ordering.ClearActive(msg.OrderingKey)
		}
		if !s.ordering.Admit(msg) {
			return
		}
	}
	s.admitLocked(msg)
}

// admitLocked charges flow control, installs a lease, tracks msg as
// in flight, and emits it. Must be called with s.mu held.
func (s *Stream) admitLocked(msg *InternalMessage) {
	s.flow.AddMessage(msg.Length())
	s.inFlight[msg.AckID] = msg
	s.leases.AddLease(msg, s.ackDeadline)
	messages, bytes := s.flow.Snapshot()
	s.metricsReg.SetInFlight(s.subscription, messages, bytes)
	s.emit(StreamEvent{Kind: EventMessage, Message: msg})
}

// Ack is called by a delivered Message's Ack method. It releases flow
// control, the lease, and the in-flight slot synchronously, then
// forwards the decision to the AckManager for batched delivery to the
// Queue. A second Ack or a Nack for the same ackID is a no-op, caught
// by the inFlight membership check (spec.md §4.6).
func (s *Stream) Ack(ackID string) <-chan error {
	s.mu.Lock()
	msg, ok := s.inFlight[ackID]
	if !ok {
		s.mu.Unlock()
		return resolved(nil)
	}
	s.releaseLocked(msg, true)
	s.mu.Unlock()
	return s.ackMgr.Ack(ackID)
}

// Nack is Ack's negative counterpart.
func (s *Stream) Nack(ackID string) <-chan error {
	s.mu.Lock()
	msg, ok := s.inFlight[ackID]
	if !ok {
		s.mu.Unlock()
		return resolved(nil)
	}
	s.releaseLocked(msg, false)
	s.mu.Unlock()
	return s.ackMgr.Nack(ackID)
}

// releaseLocked performs the stream-local half of ack/nack cleanup:
// drop msg from inFlight, release its flow-control charge and lease,
// then drain anything now unblocked by the freed capacity. Must be
// called with s.mu held.
//
// Ordering only advances on acked == true. A nack must leave the key
// blocked: spec.md §4.5 requires later messages for a nacked key to
// stay held until the redelivered copy of that same message acks, not
// until any nack frees the next one up. deliverLocked's
// DeliveryAttempt > 1 branch is what clears the key once that
// redelivered copy comes back through Admit.
func (s *Stream) releaseLocked(msg *InternalMessage, acked bool) {
	delete(s.inFlight, msg.AckID)
	s.flow.RemoveMessage(msg.Length())
	s.leases.RemoveLease(msg.AckID)
	messages, bytes := s.flow.Snapshot()
	s.metricsReg.SetInFlight(s.subscription, messages, bytes)

	if acked && s.ordered && msg.OrderingKey != "" {
		if next := s.ordering.Release(msg.OrderingKey); next != nil {
			s.admitLocked(next)
		}
	}
	s.drainPendingLocked()
}

// ModifyAckDeadline extends ackID's lease locally and advises the
// queue of the new deadline. seconds == 0 is equivalent to Nack.
// Otherwise seconds is clamped to [MinAckDeadline, MaxAckDeadline]
// per spec.md §4.3's "bounds on per-extension deadline".
func (s *Stream) ModifyAckDeadline(ackID string, seconds int) error {
	if seconds == 0 {
		<-s.Nack(ackID)
		return nil
	}
	s.mu.Lock()
	_, ok := s.inFlight[ackID]
	minAck := s.opts.MinAckDeadline
	maxAck := s.opts.MaxAckDeadline
	s.mu.Unlock()
	if !ok {
		return nil
	}
	extension := time.Duration(seconds) * time.Second
	if minAck > 0 && extension < minAck {
		extension = minAck
	}
	if maxAck > 0 && extension > maxAck {
		extension = maxAck
	}
	s.leases.ExtendDeadline(ackID, extension)
	return s.queue.ModifyAckDeadline(s.subscription, ackID, int(extension/time.Second))
}

// leaseExtensionLoop ticks every second, extending any lease close to
// its deadline, per spec.md §4.3.
func (s *Stream) leaseExtensionLoop(ctx context.Context) error {
	ticker := s.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.extendDueLeases()
		}
	}
}

// extendDueLeases applies spec.md §4.3's extendDeadline cap — cap =
// min(seconds, maxAckDeadline, maxExtensionTime − elapsed) — using the
// subscription's own ackDeadline as "seconds", since automatic
// extension always asks for another full ack-deadline window.
func (s *Stream) extendDueLeases() {
	s.mu.Lock()
	extension := s.ackDeadline
	maxAck := s.opts.MaxAckDeadline
	maxExt := s.opts.MaxExtensionTime
	s.mu.Unlock()

	if maxAck > 0 && extension > maxAck {
		extension = maxAck
	}

	for _, lease := range s.leases.GetLeasesNeedingExtension() {
		elapsed := s.clk.Now().Sub(lease.StartTime)
		if maxExt > 0 && elapsed >= maxExt {
			continue
		}
		leaseExtension := extension
		if maxExt > 0 {
			if remaining := maxExt - elapsed; remaining < leaseExtension {
				leaseExtension = remaining
			}
		}
		s.leases.ExtendDeadline(lease.AckID, leaseExtension)
		_ = s.queue.ModifyAckDeadline(s.subscription, lease.AckID, int(leaseExtension/time.Second))
	}
}

// lifetimeTimeout stops the stream once timeout has elapsed, emitting
// an EventError first (spec.md §4.5 step 4).
func (s *Stream) lifetimeTimeout(ctx context.Context, timeout time.Duration) error {
	timer := s.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		s.emit(StreamEvent{Kind: EventError, Err: errs.B().Code(errs.DeadlineExceeded).Msg("stream lifetime timeout").Err()})
		go s.Stop(context.Background())
		return nil
	}
}

// Pause halts pulling; in-flight processing continues.
func (s *Stream) Pause() {
	s.mu.Lock()
	if s.mode == Running {
		s.mode = Paused
	}
	s.mu.Unlock()
}

// Resume resumes pulling after Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	if s.mode == Paused {
		s.mode = Running
	}
	s.mu.Unlock()
}

// SetOptions merges opts with the defaults (any zero-valued field takes
// DefaultStreamOptions' value, as in NewStream; values set by an earlier
// call are not carried over) and replaces FlowControl and LeaseManager
// with fresh instances (spec.md §4.5: already-in-flight messages
// remain tracked by the prior instances until they ack or nack, since
// those instances simply stop being consulted rather than being
// reconciled into the new ones).
func (s *Stream) SetOptions(opts StreamOptions) {
	opts = mergeDefaults(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
	s.flow = NewFlowControl(opts.FlowControl.MaxMessages, opts.FlowControl.MaxBytes, opts.FlowControl.AllowExcessMessages)
	s.leases = NewLeaseManager(s.clk)
}

// Stop is idempotent; it halts pulling, resolves in-flight messages
// per CloseBehavior, and emits exactly one EventClose.
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.mode = Stopped
	cancel := s.cancel
	behavior := s.opts.Close.Behavior
	timeout := s.opts.Close.Timeout
	if timeout <= 0 {
		timeout = s.opts.MaxExtensionTime
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-s.groupDone:
	case <-ctx.Done():
	}

	if behavior == CloseNack {
		s.nackEverythingOutstanding()
	} else {
		s.waitForInFlightEmpty(ctx, timeout)
	}
	s.nackHeldOrdering()
	s.ackMgr.Close()

	s.mu.Lock()
	s.inFlight = make(map[string]*InternalMessage)
	s.pending = nil
	s.leases.Clear()
	s.mu.Unlock()

	s.emit(StreamEvent{Kind: EventClose})
	return nil
}

func (s *Stream) nackEverythingOutstanding() {
	s.mu.Lock()
	ackIDs := make([]string, 0, len(s.inFlight))
	for ackID := range s.inFlight {
		ackIDs = append(ackIDs, ackID)
	}
	pendingMsgs := s.pending
	s.pending = nil
	s.mu.Unlock()

	futures := make([]<-chan error, 0, len(ackIDs))
	for _, ackID := range ackIDs {
		futures = append(futures, s.ackMgr.Nack(ackID))
	}
	// The AckManager's background flush loop has already stopped by
	// the time Stop reaches here (its Run exits on ctx cancellation),
	// so these freshly buffered nacks need an explicit flush or their
	// futures would never resolve.
	s.ackMgr.Flush()
	for _, f := range futures {
		<-f
	}
	// pending messages were already pulled (and so already carry an
	// ackID in the queue's in-flight table) but never received an
	// installed ack/nack hook, so they go straight to the queue.
	for _, msg := range pendingMsgs {
		_ = s.queue.Nack(s.subscription, msg.AckID)
	}
}

// nackHeldOrdering returns every message buffered in s.ordering behind
// some other in-flight message for its key straight to the backlog.
// These messages were already pulled off the queue (they carry a live
// ackID there) but were never admitted to s.inFlight or s.pending, so
// neither nackEverythingOutstanding nor waitForInFlightEmpty ever
// reaches them; left alone they'd sit forgotten in the queue's
// in-flight table forever, since this broker has no lease expiry of
// its own to eventually reclaim them. Safe to call for either close
// behavior: by the time Stop reaches here, pulling has already
// stopped for good, so nothing still held for a key will ever be
// admitted by this stream.
func (s *Stream) nackHeldOrdering() {
	s.mu.Lock()
	held := s.ordering.DrainAll()
	s.mu.Unlock()
	for _, msg := range held {
		_ = s.queue.Nack(s.subscription, msg.AckID)
	}
}

func (s *Stream) waitForInFlightEmpty(ctx context.Context, timeout time.Duration) {
	var deadline time.Time
	if timeout > 0 {
		deadline = s.clk.Now().Add(timeout)
	}
	ticker := s.clk.Ticker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.ackMgr.Flush()
		s.mu.Lock()
		empty := len(s.inFlight) == 0
		s.mu.Unlock()
		if empty {
			return
		}
		if !deadline.IsZero() && !s.clk.Now().Before(deadline) {
			s.emit(StreamEvent{Kind: EventError, Err: errs.B().Code(errs.DeadlineExceeded).Msg("WAIT shutdown timed out").Err()})
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// resolved returns an already-resolved future, used for ack/nack on
// an ackID no longer tracked (double ack, ack-after-nack, or a call
// arriving after Close).
func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}
