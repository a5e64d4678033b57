package broker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/donlair/pubsub-sub004/errs"
	"github.com/donlair/pubsub-sub004/metrics"
)

// topicState tracks a topic's name and the subscriptions fanned out to
// it. Publish never stores the payload on the topic itself — it is
// copied straight into each attached subscription's backlog.
type topicState struct {
	name          string
	subscriptions map[string]struct{}
}

// subscriptionState is the authoritative per-subscription record:
// backlog (undelivered messages, FIFO) and in-flight table (keyed by
// ackID, the Lease-bearing delivery). Every mutating access goes
// through mu, so a single subscription's state is always serialized
// even though independent subscriptions may be touched concurrently.
type subscriptionState struct {
	mu sync.Mutex

	name        string
	topicName   string
	ackDeadline time.Duration
	ordering    bool
	deleted     bool

	backlog  []*InternalMessage
	inFlight map[string]*InternalMessage // ackID -> leased message

	wakeCh chan struct{} // closed and replaced to broadcast "backlog changed"
}

func newSubscriptionState(name, topic string, ackDeadline time.Duration, ordering bool) *subscriptionState {
	return &subscriptionState{
		name:        name,
		topicName:   topic,
		ackDeadline: ackDeadline,
		ordering:    ordering,
		inFlight:    make(map[string]*InternalMessage),
		wakeCh:      make(chan struct{}),
	}
}

// wakeLocked broadcasts to anyone waiting on Wake and installs a fresh
// channel for the next wait. Must be called with s.mu held.
func (s *subscriptionState) wakeLocked() {
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
}

// SubscriptionConfig mirrors spec.md §3's subscription metadata.
type SubscriptionConfig struct {
	AckDeadlineSeconds    int
	EnableMessageOrdering bool
}

// Queue is the MessageQueue of spec.md §4.1: the process-wide (but
// explicitly constructed, never a language-level global — spec.md §9)
// owner of topics, subscriptions, backlogs, and the authoritative
// in-flight/lease bookkeeping.
type Queue struct {
	log     zerolog.Logger
	clk     clock.Clock
	metrics *metrics.Registry

	mu     sync.Mutex
	topics map[string]*topicState
	subs   map[string]*subscriptionState
}

// NewQueue constructs an empty Queue. Callers own its lifetime; there
// is no package-level singleton to tear down between tests.
func NewQueue(log zerolog.Logger, clk clock.Clock, reg *metrics.Registry) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		log:     log,
		clk:     clk,
		metrics: reg,
		topics:  make(map[string]*topicState),
		subs:    make(map[string]*subscriptionState),
	}
}

// CreateTopic creates a new, empty topic.
func (q *Queue) CreateTopic(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.topics[name]; ok {
		return errs.B().Code(errs.AlreadyExists).Msgf("topic %q already exists", name).Err()
	}
	q.topics[name] = &topicState{name: name, subscriptions: make(map[string]struct{})}
	return nil
}

// DeleteTopic removes a topic. Attached subscriptions are detached —
// they remain valid entities (spec.md §4.1) but will fail Pull with
// NotFound once their topic is gone and they've been deleted
// themselves, same as any other unknown subscription.
func (q *Queue) DeleteTopic(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.topics[name]; !ok {
		return errs.B().Code(errs.NotFound).Msgf("topic %q not found", name).Err()
	}
	delete(q.topics, name)
	return nil
}

// CreateSubscription binds a new subscription to an existing topic.
func (q *Queue) CreateSubscription(topic, name string, cfg SubscriptionConfig) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return errs.B().Code(errs.NotFound).Msgf("topic %q not found", topic).Err()
	}
	if _, ok := q.subs[name]; ok {
		return errs.B().Code(errs.AlreadyExists).Msgf("subscription %q already exists", name).Err()
	}

	ackDeadline := time.Duration(cfg.AckDeadlineSeconds) * time.Second
	if ackDeadline <= 0 {
		ackDeadline = 10 * time.Second
	}

	t.subscriptions[name] = struct{}{}
	q.subs[name] = newSubscriptionState(name, topic, ackDeadline, cfg.EnableMessageOrdering)
	return nil
}

// DeleteSubscription nacks all in-flight messages back to... nowhere:
// per spec.md §3, deleting with in-flight leases nacks them, and since
// the subscription itself is being destroyed the backlog (including
// anything just nacked) is simply discarded.
func (q *Queue) DeleteSubscription(name string) error {
	q.mu.Lock()
	sub, ok := q.subs[name]
	if !ok {
		q.mu.Unlock()
		return errs.B().Code(errs.NotFound).Msgf("subscription %q not found", name).Err()
	}
	delete(q.subs, name)
	if t, ok := q.topics[sub.topicName]; ok {
		delete(t.subscriptions, name)
	}
	q.mu.Unlock()

	sub.mu.Lock()
	sub.deleted = true
	sub.backlog = nil
	sub.inFlight = make(map[string]*InternalMessage)
	sub.wakeLocked()
	sub.mu.Unlock()
	return nil
}

// Exists reports whether a subscription is currently known to the
// queue, used by MessageStream.start's precondition check.
func (q *Queue) Exists(subscription string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.subs[subscription]
	return ok
}

// TopicExists reports whether a topic is currently known to the
// queue, used by the façade's Topic lookup.
func (q *Queue) TopicExists(topic string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.topics[topic]
	return ok
}

// SubscriptionConfig returns the configuration a subscription was
// created with.
func (q *Queue) SubscriptionConfig(subscription string) (SubscriptionConfig, error) {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return SubscriptionConfig{}, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return SubscriptionConfig{
		AckDeadlineSeconds:    int(sub.ackDeadline / time.Second),
		EnableMessageOrdering: sub.ordering,
	}, nil
}

func (q *Queue) lookupSubscription(name string) (*subscriptionState, error) {
	q.mu.Lock()
	sub, ok := q.subs[name]
	q.mu.Unlock()
	if !ok {
		return nil, errs.B().Code(errs.NotFound).Msgf("subscription %q not found", name).Err()
	}
	return sub, nil
}

// Publish fans a copy of msg into every subscription attached to
// topic's backlog. The copy is shallow on Data and Attributes (spec.md
// §4.1); msg.ID is assigned if not already set. Returns the message ID.
func (q *Queue) Publish(topic string, msg *InternalMessage) (string, error) {
	q.mu.Lock()
	t, ok := q.topics[topic]
	if !ok {
		q.mu.Unlock()
		return "", errs.B().Code(errs.NotFound).Msgf("topic %q not found", topic).Err()
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.PublishTime.IsZero() {
		msg.PublishTime = q.clk.Now()
	}
	subNames := make([]string, 0, len(t.subscriptions))
	for name := range t.subscriptions {
		subNames = append(subNames, name)
	}
	q.mu.Unlock()

	for _, name := range subNames {
		sub, err := q.lookupSubscription(name)
		if err != nil {
			continue // subscription was deleted concurrently with publish
		}
		cp := msg.deliveryCopy()
		sub.mu.Lock()
		sub.backlog = append(sub.backlog, cp)
		depth := len(sub.backlog)
		sub.wakeLocked()
		sub.mu.Unlock()
		q.metrics.SetBacklogDepth(name, depth)
	}
	return msg.ID, nil
}

// Pull dequeues up to maxCount messages from subscription's backlog,
// assigns each a fresh ackID, records them in the in-flight table with
// DeliveryAttempt incremented from any prior attempt, and returns them.
// Pull never blocks; an empty backlog yields an empty, nil-error
// result.
func (q *Queue) Pull(subscription string, maxCount int) ([]*InternalMessage, error) {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	n := maxCount
	if n > len(sub.backlog) {
		n = len(sub.backlog)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]*InternalMessage, n)
	for i := 0; i < n; i++ {
		m := sub.backlog[i]
		m.AckID = newID()
		m.DeliveryAttempt++
		sub.inFlight[m.AckID] = m
		out[i] = m
	}
	sub.backlog = sub.backlog[n:]
	q.metrics.SetBacklogDepth(subscription, len(sub.backlog))
	return out, nil
}

// Ack removes ackID from subscription's in-flight table. An unknown
// ackID is a silent no-op: it covers double-ack and ack-after-nack
// races (spec.md §4.1, §8 invariant 3).
func (q *Queue) Ack(subscription, ackID string) error {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	delete(sub.inFlight, ackID)
	sub.mu.Unlock()
	q.metrics.IncAck(subscription)
	return nil
}

// Nack removes ackID from subscription's in-flight table and
// re-enqueues the message at the backlog tail with DeliveryAttempt
// already incremented from the Pull that leased it. Idempotent: a
// second Nack (or a Nack after Ack) on the same ackID is a no-op.
func (q *Queue) Nack(subscription, ackID string) error {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	m, ok := sub.inFlight[ackID]
	if !ok {
		sub.mu.Unlock()
		return nil
	}
	delete(sub.inFlight, ackID)
	m.AckID = ""
	sub.backlog = append(sub.backlog, m)
	depth := len(sub.backlog)
	sub.wakeLocked()
	sub.mu.Unlock()
	q.metrics.IncNack(subscription)
	q.metrics.IncRedelivery(subscription)
	q.metrics.SetBacklogDepth(subscription, depth)
	return nil
}

// ModifyAckDeadline is advisory at the queue level: it exists so the
// idempotency rules above apply uniformly. seconds == 0 is equivalent
// to Nack (spec.md §4.1); seconds > 0 is a no-op here because expiry is
// driven by each stream's own LeaseManager, not by the queue.
func (q *Queue) ModifyAckDeadline(subscription, ackID string, seconds int) error {
	if seconds == 0 {
		return q.Nack(subscription, ackID)
	}
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	_, ok := sub.inFlight[ackID]
	sub.mu.Unlock()
	if !ok {
		return nil
	}
	return nil
}

// Wake returns a channel that is closed the next time subscription's
// backlog changes (publish, nack, or deletion). It lets a
// MessageStream select on backlog activity instead of only polling its
// ticker. A nil return means the subscription is unknown.
func (q *Queue) Wake(subscription string) <-chan struct{} {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.wakeCh
}

// InFlight returns a snapshot of subscription's currently leased
// messages, used by tests asserting invariant 1 of spec.md §8.
func (q *Queue) InFlight(subscription string) ([]*InternalMessage, error) {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return nil, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]*InternalMessage, 0, len(sub.inFlight))
	for _, m := range sub.inFlight {
		out = append(out, m)
	}
	return out, nil
}

// BacklogLen returns the current backlog depth of subscription.
func (q *Queue) BacklogLen(subscription string) (int, error) {
	sub, err := q.lookupSubscription(subscription)
	if err != nil {
		return 0, err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.backlog), nil
}
