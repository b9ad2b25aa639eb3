package core

import (
	"github.com/sirupsen/logrus"
)

// Subscriber is the delivery surface of one feed connection. The registry
// goroutine is the only caller, so implementations must make every method
// non-blocking; a websocket feed does this with a bounded queue.
type Subscriber interface {
	ID() uint64
	EnqueueSnapshot(snapshot Snapshot)
	EnqueueUnknownChain(chain string)
	EnqueueDelta(delta Delta)
	EnqueueUnsubscribed(chain string)
	EnqueuePong(payload string)
}

// Router fans chain deltas out to subscribed feeds. It is owned by the
// registry goroutine and is not safe for concurrent use; all subscription
// state changes arrive serialized through the registry's queue, which is
// what makes the snapshot-then-deltas handoff atomic.
type Router struct {
	chains map[string]map[uint64]Subscriber
	feeds  map[uint64]string

	logger *logrus.Entry
}

// NewRouter instantiates an empty router.
func NewRouter(logger *logrus.Entry) *Router {
	return &Router{
		chains: make(map[string]map[uint64]Subscriber),
		feeds:  make(map[uint64]string),
		logger: logger.WithField("component", "router"),
	}
}

// Subscribe registers a feed for a chain's future deltas, replacing any
// prior registration. The chain does not need an aggregate yet; the feed
// starts receiving deltas if it appears later.
func (r *Router) Subscribe(chain string, sub Subscriber) {
	r.Unsubscribe(sub)

	feeds, ok := r.chains[chain]
	if !ok {
		feeds = make(map[uint64]Subscriber)
		r.chains[chain] = feeds
	}
	feeds[sub.ID()] = sub
	r.feeds[sub.ID()] = chain
}

// Unsubscribe deregisters a feed. It returns the chain the feed was
// subscribed to, if any.
func (r *Router) Unsubscribe(sub Subscriber) (string, bool) {
	chain, ok := r.feeds[sub.ID()]
	if !ok {
		return "", false
	}

	delete(r.feeds, sub.ID())

	feeds := r.chains[chain]
	delete(feeds, sub.ID())
	if len(feeds) == 0 {
		delete(r.chains, chain)
	}

	return chain, true
}

// ChainOf returns the feed's current subscription.
func (r *Router) ChainOf(sub Subscriber) (string, bool) {
	chain, ok := r.feeds[sub.ID()]
	return chain, ok
}

// Broadcast enqueues a delta on every feed subscribed to its chain. Feeds
// absorb overruns themselves, so a slow feed never stalls this loop.
func (r *Router) Broadcast(delta Delta) {
	for _, sub := range r.chains[delta.Chain] {
		sub.EnqueueDelta(delta)
	}
}

// NumFeeds returns the number of registered subscriptions.
func (r *Router) NumFeeds() int {
	return len(r.feeds)
}
