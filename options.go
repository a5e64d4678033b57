package pubsub

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/donlair/pubsub-sub004/internal/broker"
)

// CloseBehavior selects what a Subscription's Close does with messages
// still in flight when it is called.
type CloseBehavior int

const (
	// CloseWait drains in-flight messages before Close returns.
	CloseWait CloseBehavior = iota
	// CloseNack immediately nacks everything in flight.
	CloseNack
)

// FlowControlOptions bounds how many messages and bytes may be
// outstanding (pulled but not yet acked or nacked) at once.
type FlowControlOptions struct {
	MaxMessages         int
	MaxBytes            int
	AllowExcessMessages bool
}

// StreamingOptions configures a Subscription's pull loop.
type StreamingOptions struct {
	PullInterval time.Duration
	MaxPullSize  int
	MaxStreams   int
	Timeout      time.Duration
}

// CloseOptions configures Close's shutdown behavior.
type CloseOptions struct {
	Behavior CloseBehavior
	Timeout  time.Duration
}

// AckManagerOptions configures how Ack/Nack calls are batched before
// being applied to the underlying queue.
type AckManagerOptions struct {
	MaxMessages     int
	MaxMilliseconds int
}

// SubscriberOptions is the full table of per-subscription tunables
// from spec.md §6.
type SubscriberOptions struct {
	FlowControl      FlowControlOptions
	MinAckDeadline   time.Duration
	MaxAckDeadline   time.Duration
	MaxExtensionTime time.Duration
	Streaming        StreamingOptions
	Close            CloseOptions
	AckManager       AckManagerOptions
}

// DefaultSubscriberOptions mirrors broker.DefaultStreamOptions.
func DefaultSubscriberOptions() SubscriberOptions {
	d := broker.DefaultStreamOptions()
	return fromStreamOptions(d)
}

func fromStreamOptions(o broker.StreamOptions) SubscriberOptions {
	return SubscriberOptions{
		FlowControl: FlowControlOptions{
			MaxMessages:         o.FlowControl.MaxMessages,
			MaxBytes:            o.FlowControl.MaxBytes,
			AllowExcessMessages: o.FlowControl.AllowExcessMessages,
		},
		MinAckDeadline:   o.MinAckDeadline,
		MaxAckDeadline:   o.MaxAckDeadline,
		MaxExtensionTime: o.MaxExtensionTime,
		Streaming: StreamingOptions{
			PullInterval: o.Streaming.PullInterval,
			MaxPullSize:  o.Streaming.MaxPullSize,
			MaxStreams:   o.Streaming.MaxStreams,
			Timeout:      o.Streaming.Timeout,
		},
		Close: CloseOptions{
			Behavior: CloseBehavior(o.Close.Behavior),
			Timeout:  o.Close.Timeout,
		},
		AckManager: AckManagerOptions{
			MaxMessages:     o.AckBatch.MaxMessages,
			MaxMilliseconds: o.AckBatch.MaxMilliseconds,
		},
	}
}

func (o SubscriberOptions) toStreamOptions() broker.StreamOptions {
	return broker.StreamOptions{
		FlowControl: broker.FlowControlOptions{
			MaxMessages:         o.FlowControl.MaxMessages,
			MaxBytes:            o.FlowControl.MaxBytes,
			AllowExcessMessages: o.FlowControl.AllowExcessMessages,
		},
		MinAckDeadline:   o.MinAckDeadline,
		MaxAckDeadline:   o.MaxAckDeadline,
		MaxExtensionTime: o.MaxExtensionTime,
		Streaming: broker.StreamingOptions{
			PullInterval: o.Streaming.PullInterval,
			MaxPullSize:  o.Streaming.MaxPullSize,
			MaxStreams:   o.Streaming.MaxStreams,
			Timeout:      o.Streaming.Timeout,
		},
		Close: broker.CloseOptions{
			Behavior: broker.CloseBehavior(o.Close.Behavior),
			Timeout:  o.Close.Timeout,
		},
		AckBatch: broker.AckBatchOptions{
			MaxMessages:     o.AckManager.MaxMessages,
			MaxMilliseconds: o.AckManager.MaxMilliseconds,
		},
	}
}

// Option configures a PubSub at construction time.
type Option func(*PubSub)

// WithNamespace sets the Prometheus metrics namespace (default "pubsub").
func WithNamespace(ns string) Option {
	return func(p *PubSub) { p.namespace = ns }
}

// WithLogger overrides the zerolog.Logger used throughout the broker.
func WithLogger(log zerolog.Logger) Option {
	return func(p *PubSub) { p.log = log }
}
