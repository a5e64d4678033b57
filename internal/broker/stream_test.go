package broker

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

func newTestStream(t *testing.T, topic, subscription string, cfg SubscriptionConfig, opts StreamOptions) (*Queue, *Stream, *clock.Mock) {
	t.Helper()
	// These tests drive pullIteration directly without Start, so the
	// AckManager's Run loop never flushes; a batch size of 1 flushes every
	// Ack/Nack at once and resolves its future.
	opts.AckBatch.MaxMessages = 1
	mock := clock.NewMock()
	q := NewQueue(zerolog.Nop(), mock, nil)
	if err := q.CreateTopic(topic); err != nil {
		t.Fatal(err)
	}
	if err := q.CreateSubscription(topic, subscription, cfg); err != nil {
		t.Fatal(err)
	}
	s := NewStream(zerolog.Nop(), mock, q, nil, subscription, opts)
	return q, s, mock
}

func drainEvents(s *Stream, n int, timeout time.Duration) []StreamEvent {
	out := make([]StreamEvent, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestStreamPullIterationDeliversUnordered(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}, DefaultStreamOptions())
	s.mode = Running

	if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	s.pullIteration()
	events := drainEvents(s, 1, time.Second)
	if len(events) != 1 || events[0].Kind != EventMessage {
		t.Fatalf("expected one message event, got %v", events)
	}
	if events[0].Message.AckID == "" {
		t.Fatal("delivered message should carry an ackID")
	}
}

func TestStreamFlowControlDefersToPending(t *testing.T) {
	opts := DefaultStreamOptions()
	// Each message is 1 byte: both are pulled, the first fills the byte
	// cap and the second must be deferred to pending.
	opts.FlowControl.MaxBytes = 1
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}, opts)
	s.mode = Running

	for i := 0; i < 2; i++ {
		if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}

	s.pullIteration()
	events := drainEvents(s, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected exactly one delivery under MaxBytes=1, got %d", len(events))
	}

	s.mu.Lock()
	pendingLen := len(s.pending)
	s.mu.Unlock()
	if pendingLen != 1 {
		t.Fatalf("expected the second message deferred to pending, got %d pending", pendingLen)
	}

	// acking the first should drain the pending one
	ackID := events[0].Message.AckID
	<-s.Ack(ackID)
	more := drainEvents(s, 1, time.Second)
	if len(more) != 1 {
		t.Fatalf("expected pending message to be delivered after ack freed capacity, got %v", more)
	}
}

func TestStreamOrderingSerializesPerKey(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10, EnableMessageOrdering: true}, DefaultStreamOptions())
	s.mode = Running

	for i := 0; i < 3; i++ {
		if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x"), OrderingKey: "k"}); err != nil {
			t.Fatal(err)
		}
	}

	s.pullIteration()
	events := drainEvents(s, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("only the head of an ordering key should be delivered, got %d", len(events))
	}

	ackID := events[0].Message.AckID
	<-s.Ack(ackID)
	next := drainEvents(s, 1, time.Second)
	if len(next) != 1 {
		t.Fatalf("acking the head should admit the next message for key k, got %v", next)
	}
}

func TestStreamOrderingBlocksAfterNackUntilRedelivery(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10, EnableMessageOrdering: true}, DefaultStreamOptions())
	s.mode = Running

	for i := 0; i < 3; i++ {
		if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x"), OrderingKey: "k"}); err != nil {
			t.Fatal(err)
		}
	}

	// One pull admits only the head; the other two buffer behind it in
	// the ordering queue's held map.
	s.pullIteration()
	head := drainEvents(s, 1, time.Second)
	if len(head) != 1 {
		t.Fatalf("only the head of an ordering key should be delivered, got %d", len(head))
	}

	<-s.Nack(head[0].Message.AckID)

	// The nack must not advance the key: nothing held for it may be
	// delivered until the nacked head itself is redelivered and acked.
	premature := drainEvents(s, 1, 50*time.Millisecond)
	if len(premature) != 0 {
		t.Fatalf("expected no delivery for key k after a nack, got %v", premature)
	}

	s.pullIteration()
	redelivered := drainEvents(s, 1, time.Second)
	if len(redelivered) != 1 {
		t.Fatalf("expected the nacked head to come back around, got %v", redelivered)
	}
	if redelivered[0].Message.DeliveryAttempt != 2 {
		t.Fatalf("expected deliveryAttempt 2 on redelivery, got %d", redelivered[0].Message.DeliveryAttempt)
	}

	stillNone := drainEvents(s, 1, 50*time.Millisecond)
	if len(stillNone) != 0 {
		t.Fatalf("key k should still be blocked until the redelivered head acks, got %v", stillNone)
	}

	<-s.Ack(redelivered[0].Message.AckID)
	next := drainEvents(s, 1, time.Second)
	if len(next) != 1 {
		t.Fatalf("acking the redelivered head should finally admit the next held message, got %v", next)
	}
}

func TestStreamNackRedeliversWithIncrementedAttempt(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}, DefaultStreamOptions())
	s.mode = Running

	if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	s.pullIteration()
	first := drainEvents(s, 1, time.Second)
	if len(first) != 1 {
		t.Fatal("expected first delivery")
	}
	<-s.Nack(first[0].Message.AckID)

	s.pullIteration()
	second := drainEvents(s, 1, time.Second)
	if len(second) != 1 {
		t.Fatal("expected redelivery")
	}
	if second[0].Message.DeliveryAttempt != 2 {
		t.Fatalf("expected deliveryAttempt 2, got %d", second[0].Message.DeliveryAttempt)
	}
	if string(second[0].Message.Data) != "x" {
		t.Fatal("redelivered payload should match the original")
	}
}

func TestStreamStartFailsFastOnUnknownSubscription(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue(zerolog.Nop(), mock, nil)
	s := NewStream(zerolog.Nop(), mock, q, nil, "ghost", DefaultStreamOptions())

	s.Start()
	events := drainEvents(s, 1, time.Second)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected an EventError for an unknown subscription, got %v", events)
	}
}

func TestStreamStartIsIdempotent(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}, DefaultStreamOptions())
	_ = q
	s.Start()
	defer s.Stop(context.Background())
	first := s.cancel
	firstGroup := s.group

	s.Start()
	if s.cancel == nil || first == nil {
		t.Fatal("Start should have installed a cancel func")
	}
	if s.group != firstGroup {
		t.Fatal("a second Start on a running stream should not launch a new goroutine group")
	}
}

func TestStreamWaitShutdownDrainsInFlight(t *testing.T) {
	// Uses a real clock: waitForInFlightEmpty's poll ticker needs to
	// actually fire on its own for this test to observe the ack
	// without the test manually driving a mock clock forward.
	q := NewQueue(zerolog.Nop(), nil, nil)
	if err := q.CreateTopic("orders"); err != nil {
		t.Fatal(err)
	}
	if err := q.CreateSubscription("orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}); err != nil {
		t.Fatal(err)
	}
	s := NewStream(zerolog.Nop(), nil, q, nil, "a", DefaultStreamOptions())
	s.mode = Running

	if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	s.pullIteration()
	events := drainEvents(s, 1, time.Second)
	if len(events) != 1 {
		t.Fatal("expected one delivery")
	}

	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.mode = Stopped
		s.mu.Unlock()
		s.waitForInFlightEmpty(context.Background(), time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waitForInFlightEmpty returned before the in-flight message was acked")
	default:
	}

	<-s.Ack(events[0].Message.AckID)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForInFlightEmpty never observed the ack")
	}
}

func TestStreamStopNacksHeldOrderingMessages(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10, EnableMessageOrdering: true}, DefaultStreamOptions())
	s.mode = Running

	for i := 0; i < 3; i++ {
		if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x"), OrderingKey: "k"}); err != nil {
			t.Fatal(err)
		}
	}

	// Pulls all three; only the head is admitted, the other two sit in
	// the ordering queue's held map without ever reaching s.inFlight or
	// s.pending, so only nackHeldOrdering (not nackEverythingOutstanding
	// or waitForInFlightEmpty) is responsible for them.
	s.pullIteration()
	head := drainEvents(s, 1, time.Second)
	if len(head) != 1 {
		t.Fatal("expected one delivery for the head of key k")
	}

	s.nackHeldOrdering()

	sub, err := q.lookupSubscription(s.subscription)
	if err != nil {
		t.Fatal(err)
	}
	sub.mu.Lock()
	backlogDepth := len(sub.backlog)
	sub.mu.Unlock()
	if backlogDepth != 2 {
		t.Fatalf("expected the two held messages nacked back into the backlog, got %d", backlogDepth)
	}
}

func TestStreamPauseStopsDeliveryResumeContinues(t *testing.T) {
	q, s, _ := newTestStream(t, "orders", "a", SubscriptionConfig{AckDeadlineSeconds: 10}, DefaultStreamOptions())
	s.mode = Running
	s.Pause()

	if _, err := q.Publish("orders", &InternalMessage{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	s.pullIteration()
	events := drainEvents(s, 1, 100*time.Millisecond)
	if len(events) != 0 {
		t.Fatal("paused stream should not deliver")
	}

	s.Resume()
	s.pullIteration()
	events = drainEvents(s, 1, time.Second)
	if len(events) != 1 {
		t.Fatal("resumed stream should deliver")
	}
}
