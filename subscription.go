package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/donlair/pubsub-sub004/internal/broker"
	"github.com/donlair/pubsub-sub004/metrics"
)

// Subscription is a handle for pulling from an existing subscription.
// Open starts a fresh MessageStream underneath it; a Subscription may
// be opened again after Close, each Open getting its own Stream.
type Subscription struct {
	log     zerolog.Logger
	queue   *broker.Queue
	metrics *metrics.Registry
	name    string

	mu     sync.Mutex
	opts   SubscriberOptions
	stream *broker.Stream
	events chan Event
}

func newSubscription(log zerolog.Logger, queue *broker.Queue, reg *metrics.Registry, name string) *Subscription {
	return &Subscription{log: log, queue: queue, metrics: reg, name: name, opts: DefaultSubscriberOptions()}
}

// Open starts streaming pull using whatever SubscriberOptions are in
// effect (DefaultSubscriberOptions until overridden by SetOptions) and
// returns the channel Events are published on. Calling Open while
// already open is a no-op that returns the existing channel.
func (s *Subscription) Open() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return s.events
	}

	stream := broker.NewStream(s.log, nil, s.queue, s.metrics, s.name, s.opts.toStreamOptions())
	s.stream = stream
	s.events = make(chan Event)

	go s.relay(stream)

	stream.Start()
	return s.events
}

// relay translates broker.StreamEvent values into the façade's Event
// type, one goroutine per open Subscription. It exits the moment it
// forwards the stream's EventClose, which Stop emits exactly once, so
// there is nothing left afterward for it to wait on.
func (s *Subscription) relay(stream *broker.Stream) {
	for ev := range stream.Events() {
		out := Event{Kind: EventKind(ev.Kind)}
		switch ev.Kind {
		case broker.EventMessage:
			out.Message = newMessage(stream, ev.Message)
		case broker.EventError:
			out.Err = ev.Err
		}
		s.events <- out
		if ev.Kind == broker.EventClose {
			return
		}
	}
}

// Pause halts pulling without releasing in-flight messages.
func (s *Subscription) Pause() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Pause()
	}
}

// Resume resumes pulling after Pause.
func (s *Subscription) Resume() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Resume()
	}
}

// SetOptions applies new tunables, either ahead of the first Open or
// to an already-running stream. Messages already in flight keep
// running under the options in effect when they were pulled.
func (s *Subscription) SetOptions(opts SubscriberOptions) {
	s.mu.Lock()
	s.opts = opts
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.SetOptions(opts.toStreamOptions())
	}
}

// Close stops the stream per its CloseOptions and returns once
// shutdown has settled. Idempotent; closing a Subscription that was
// never opened is a no-op.
func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Stop(ctx)
}
