package pubsub

import (
	"time"

	"github.com/donlair/pubsub-sub004/internal/broker"
)

// deliveryContext is the back-reference a delivered Message needs to
// act on itself: which stream it came from. Ack and Nack are plain
// methods over this context rather than closures captured per message,
// per spec.md §9's note to build the DeliveryFacade from a delivery
// context instead of rebinding callbacks on every delivery.
type deliveryContext struct {
	stream *broker.Stream
}

// Message is the caller-facing handle for a delivered message: the
// DeliveryFacade of spec.md §4.6. It wraps an internal.broker message
// without exposing broker internals.
type Message struct {
	ctx deliveryContext
	msg *broker.InternalMessage
}

func newMessage(stream *broker.Stream, msg *broker.InternalMessage) *Message {
	return &Message{ctx: deliveryContext{stream: stream}, msg: msg}
}

// ID is the message ID assigned at publish time.
func (m *Message) ID() string { return m.msg.ID }

// Data is the published payload. Callers must not mutate it: the same
// backing slice may be shared with other subscriptions of the topic.
func (m *Message) Data() []byte { return m.msg.Data }

// Attributes are the published key-value metadata. Callers must not
// mutate the returned map.
func (m *Message) Attributes() map[string]string { return m.msg.Attributes }

// PublishTime is when the message was published.
func (m *Message) PublishTime() time.Time { return m.msg.PublishTime }

// OrderingKey is the key used to serialize delivery, if any.
func (m *Message) OrderingKey() string { return m.msg.OrderingKey }

// DeliveryAttempt counts this message's deliveries, starting at 1.
func (m *Message) DeliveryAttempt() int { return m.msg.DeliveryAttempt }

// Length is the byte size charged against flow control.
func (m *Message) Length() int { return m.msg.Length() }

// Ack acknowledges successful processing. A second Ack, or an Ack
// after Nack, is a no-op (first-wins at the broker level).
func (m *Message) Ack() {
	m.ctx.stream.Ack(m.msg.AckID)
}

// Nack signals failed processing; the message is redelivered.
func (m *Message) Nack() {
	m.ctx.stream.Nack(m.msg.AckID)
}

// ModifyAckDeadline extends (or, with seconds == 0, nacks) the
// message's processing deadline.
func (m *Message) ModifyAckDeadline(seconds int) error {
	return m.ctx.stream.ModifyAckDeadline(m.msg.AckID, seconds)
}
