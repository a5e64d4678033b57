package broker_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	qt "github.com/frankban/quicktest"
	"github.com/rs/zerolog"

	"github.com/donlair/pubsub-sub004/errs"
	"github.com/donlair/pubsub-sub004/internal/broker"
)

func newTestQueue() *broker.Queue {
	return broker.NewQueue(zerolog.Nop(), clock.NewMock(), nil)
}

func TestCreateTopicAndSubscription(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()

	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	err := q.CreateTopic("orders")
	c.Assert(errs.GetCode(err), qt.Equals, errs.AlreadyExists)

	c.Assert(q.CreateSubscription("orders", "billing", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	c.Assert(q.Exists("billing"), qt.IsTrue)

	err = q.CreateSubscription("missing-topic", "x", broker.SubscriptionConfig{})
	c.Assert(errs.GetCode(err), qt.Equals, errs.NotFound)
}

func TestPublishAndPullFanout(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "b", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)

	id, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("hello")})
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Not(qt.Equals), "")

	for _, sub := range []string{"a", "b"} {
		msgs, err := q.Pull(sub, 10)
		c.Assert(err, qt.IsNil)
		c.Assert(msgs, qt.HasLen, 1)
		c.Assert(msgs[0].ID, qt.Equals, id)
		c.Assert(msgs[0].AckID, qt.Not(qt.Equals), "")
		c.Assert(msgs[0].DeliveryAttempt, qt.Equals, 1)
	}
}

func TestAckRemovesFromInFlight(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	_, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("x")})
	c.Assert(err, qt.IsNil)

	msgs, err := q.Pull("a", 1)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 1)

	c.Assert(q.Ack("a", msgs[0].AckID), qt.IsNil)
	inFlight, err := q.InFlight("a")
	c.Assert(err, qt.IsNil)
	c.Assert(inFlight, qt.HasLen, 0)

	// double ack is a no-op, not an error
	c.Assert(q.Ack("a", msgs[0].AckID), qt.IsNil)
}

func TestNackRedeliversWithIncrementedAttempt(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	_, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("x")})
	c.Assert(err, qt.IsNil)

	first, err := q.Pull("a", 1)
	c.Assert(err, qt.IsNil)
	c.Assert(q.Nack("a", first[0].AckID), qt.IsNil)

	depth, err := q.BacklogLen("a")
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)

	second, err := q.Pull("a", 1)
	c.Assert(err, qt.IsNil)
	c.Assert(second, qt.HasLen, 1)
	c.Assert(second[0].DeliveryAttempt, qt.Equals, 2)
	c.Assert(second[0].AckID, qt.Not(qt.Equals), first[0].AckID)

	// nacking the first delivery's ackID again is a no-op: the first
	// Nack already removed it from the in-flight table
	c.Assert(q.Nack("a", first[0].AckID), qt.IsNil)
}

func TestDeleteSubscriptionDiscardsState(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	_, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("x")})
	c.Assert(err, qt.IsNil)

	c.Assert(q.DeleteSubscription("a"), qt.IsNil)
	c.Assert(q.Exists("a"), qt.IsFalse)

	_, err = q.Pull("a", 1)
	c.Assert(errs.GetCode(err), qt.Equals, errs.NotFound)

	err = q.DeleteSubscription("a")
	c.Assert(errs.GetCode(err), qt.Equals, errs.NotFound)
}

func TestWakeBroadcastsOnPublish(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)

	wake := q.Wake("a")
	c.Assert(wake, qt.IsNotNil)

	done := make(chan struct{})
	go func() {
		<-wake
		close(done)
	}()

	_, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("x")})
	c.Assert(err, qt.IsNil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("wake channel was not broadcast on publish")
	}
}

func TestModifyAckDeadlineZeroActsAsNack(t *testing.T) {
	c := qt.New(t)
	q := newTestQueue()
	c.Assert(q.CreateTopic("orders"), qt.IsNil)
	c.Assert(q.CreateSubscription("orders", "a", broker.SubscriptionConfig{AckDeadlineSeconds: 10}), qt.IsNil)
	_, err := q.Publish("orders", &broker.InternalMessage{Data: []byte("x")})
	c.Assert(err, qt.IsNil)

	msgs, err := q.Pull("a", 1)
	c.Assert(err, qt.IsNil)

	c.Assert(q.ModifyAckDeadline("a", msgs[0].AckID, 0), qt.IsNil)
	depth, err := q.BacklogLen("a")
	c.Assert(err, qt.IsNil)
	c.Assert(depth, qt.Equals, 1)
}
