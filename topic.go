package pubsub

import (
	"context"

	"github.com/donlair/pubsub-sub004/internal/broker"
)

// PublishMessage is the caller-supplied payload for Topic.Publish.
type PublishMessage struct {
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// Topic is a handle for publishing to an existing topic.
type Topic struct {
	queue *broker.Queue
	name  string
}

// Publish fans msg out to every subscription currently attached to
// the topic and returns the assigned message ID. ctx is accepted for
// API symmetry with the client this package is modeled on; publishing
// against the in-process queue never blocks on it.
func (t *Topic) Publish(ctx context.Context, msg PublishMessage) (string, error) {
	return t.queue.Publish(t.name, &broker.InternalMessage{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.OrderingKey,
	})
}
