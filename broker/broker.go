// Package broker abstracts the pub/sub fabric that replicates object
// state between processes. NATS and Redis back production deployments;
// the in-memory bus serves single process runs and tests.
package broker

// Handler receives every message published to a subscribed channel,
// including the subscriber's own.
type Handler func(data []byte)

// Subscription is one active channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a fire and forget broadcast fabric. Delivery is at most once
// and fan-out: every subscriber of a channel sees every message.
type Bus interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}
