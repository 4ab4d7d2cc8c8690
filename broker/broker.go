// Package broker defines the work queue that decouples request submission
// from stream generation.
//
// Submitters Publish a payload and return immediately. Workers Consume the
// queue and acknowledge each delivery once their handler returns nil. A
// delivery whose handler fails, or whose consumer dies mid-flight, is
// delivered again, so handlers must be idempotent.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker is an at-least-once work queue.
type Broker interface {
	// Publish enqueues body under routingKey and returns the id assigned to
	// the delivery. A nil error means the payload is durably accepted.
	Publish(ctx context.Context, routingKey string, body []byte) (id string, err error)

	// Consume delivers queued payloads to handler until ctx is cancelled. It
	// returns ctx.Err() on cancellation. A nil handler result acknowledges
	// the delivery; an error leaves it pending for redelivery.
	//
	// Multiple Consume calls, in one process or many, share the queue: each
	// delivery is handed to one consumer at a time.
	Consume(ctx context.Context, handler Handler) error

	// Close releases broker resources.
	Close() error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) error

// Delivery is one queued payload handed to a consumer.
type Delivery struct {
	// ID identifies the delivery within the queue. Redeliveries keep the id.
	ID string `json:"id"`
	// RoutingKey is the key the payload was published under.
	RoutingKey string `json:"routingKey"`
	// Body is the published payload, unmodified.
	Body []byte `json:"body"`
	// Attempt counts deliveries of this payload, starting at 1.
	Attempt int `json:"attempt"`
}
