// Package pubsub is a Google Cloud Pub/Sub-shaped, in-process message
// broker: topics, subscriptions, at-least-once delivery with ack
// leasing, per-key ordering, and flow control, all within a single Go
// process. internal/broker carries the delivery engine; this package
// is the surface applications hold onto.
package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/donlair/pubsub-sub004/internal/broker"
	"github.com/donlair/pubsub-sub004/metrics"
)

// PubSub is the top-level broker handle: the owner of every topic and
// subscription created against it. Never a package-level singleton —
// callers construct and hold their own.
type PubSub struct {
	namespace string
	log       zerolog.Logger

	queue   *broker.Queue
	metrics *metrics.Registry

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New constructs an empty PubSub.
func New(opts ...Option) *PubSub {
	p := &PubSub{namespace: "pubsub", log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.New(p.namespace)
	p.queue = broker.NewQueue(p.log, nil, p.metrics)
	p.subs = make(map[string]*Subscription)
	return p
}

// Metrics exposes the broker's Prometheus collectors for wiring into
// an HTTP /metrics handler.
func (p *PubSub) Metrics() *metrics.Registry { return p.metrics }

// CreateTopic creates a new, empty topic.
func (p *PubSub) CreateTopic(name string) error {
	return p.queue.CreateTopic(name)
}

// DeleteTopic removes a topic. Its subscriptions remain valid entities
// but can no longer receive new publishes.
func (p *PubSub) DeleteTopic(name string) error {
	return p.queue.DeleteTopic(name)
}

// Topic returns a handle for publishing to an existing topic.
func (p *PubSub) Topic(name string) (*Topic, bool) {
	if !p.queue.TopicExists(name) {
		return nil, false
	}
	return &Topic{queue: p.queue, name: name}, true
}

// CreateSubscription binds a new subscription to topic.
func (p *PubSub) CreateSubscription(topic, name string, cfg SubscriptionConfig) error {
	if err := p.queue.CreateSubscription(topic, name, broker.SubscriptionConfig{
		AckDeadlineSeconds:    cfg.AckDeadlineSeconds,
		EnableMessageOrdering: cfg.EnableMessageOrdering,
	}); err != nil {
		return err
	}
	p.mu.Lock()
	p.subs[name] = newSubscription(p.log, p.queue, p.metrics, name)
	p.mu.Unlock()
	return nil
}

// DeleteSubscription removes a subscription, nacking anything still in
// flight on it and closing any open Subscription handle.
func (p *PubSub) DeleteSubscription(name string) error {
	p.mu.Lock()
	sub, ok := p.subs[name]
	delete(p.subs, name)
	p.mu.Unlock()
	if ok {
		_ = sub.Close(context.Background())
	}
	return p.queue.DeleteSubscription(name)
}

// Subscription returns the handle for an existing subscription.
func (p *PubSub) Subscription(name string) (*Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[name]
	return sub, ok
}

// Close closes every open subscription handle.
func (p *PubSub) Close(ctx context.Context) error {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, s := range subs {
		s := s
		group.Go(func() error { return s.Close(gctx) })
	}
	return group.Wait()
}

// SubscriptionConfig mirrors the metadata a subscription is created
// with: its ack deadline and whether it enforces ordering.
type SubscriptionConfig struct {
	AckDeadlineSeconds    int
	EnableMessageOrdering bool
}
