// Package hazcat implements a heterogeneous, zero-copy, cross-process
// publish/subscribe transport: topics are shared-memory rings of
// reference-bit rows with one entry column per memory domain (CPU, a CUDA
// device, ...), so a publisher on one domain and subscribers on several
// others can share a single in-flight copy of a message until a domain
// boundary forces a real copy.
package hazcat

import (
	"time"

	"github.com/tensorlane/hazcat/internal/allocator"
	"github.com/tensorlane/hazcat/internal/logging"
	"github.com/tensorlane/hazcat/internal/mqueue"
	"github.com/tensorlane/hazcat/internal/registry"
)

// Context owns the process-local state a hazcat participant needs: the
// allocator registry every Publisher/Subscriber shares, and the metrics
// every operation reports to. One process normally constructs exactly one.
type Context struct {
	registry *registry.Registry
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// Option configures a Context at construction.
type Option func(*Context)

// WithObserver installs a custom Observer in place of the default
// MetricsObserver backed by ctx.Metrics().
func WithObserver(o Observer) Option {
	return func(c *Context) { c.observer = o }
}

// WithLogger installs a custom logger in place of logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(c *Context) { c.logger = l }
}

// Init creates a new Context. It does not touch shared memory itself;
// shared memory is created lazily by the first RegisterPublisher or
// RegisterSubscription call on a given topic.
func Init(opts ...Option) *Context {
	c := &Context{
		registry: registry.New(16),
		metrics:  NewMetrics(),
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observer == nil {
		c.observer = NewMetricsObserver(c.metrics)
	}
	return c
}

// Fini releases every allocator this Context's registry still holds a
// reference to. Endpoints should be unregistered before calling Fini;
// this is a best-effort backstop, not a substitute for Unregister.
func (c *Context) Fini() {
	c.metrics.Stop()
	c.registry.ForEach(func(_ uint64, ops allocator.Ops) {
		_ = ops.Unmap()
	})
}

// Metrics returns the Context's metrics counters.
func (c *Context) Metrics() *Metrics { return c.metrics }

// GetMatchingAllocator returns the allocator this Context has attached for
// shmemID, if any endpoint on this process has registered it.
func (c *Context) GetMatchingAllocator(shmemID uint64) (allocator.Ops, bool) {
	return c.registry.Get(shmemID)
}

// Publisher is a registered publishing endpoint on one topic and domain.
type Publisher struct {
	ctx *Context
	ep  *mqueue.Endpoint
}

// Subscriber is a registered subscribing endpoint on one topic and domain.
type Subscriber struct {
	ctx *Context
	ep  *mqueue.Endpoint
}

// RegisterPublisher registers a publishing endpoint for topic on the
// domain alloc belongs to, growing the topic's ring to at least depth
// slots if it is not already that large.
func (c *Context) RegisterPublisher(topic string, domain uint32, alloc allocator.Ops, depth uint32) (*Publisher, error) {
	ep, err := mqueue.RegisterPublisher(c.registry, topic, domain, alloc, depth)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("hazcat: publisher registered topic=%q domain=%d", topic, domain)
	return &Publisher{ctx: c, ep: ep}, nil
}

// RegisterSubscription registers a subscribing endpoint for topic on the
// domain alloc belongs to, keeping up to the last depth messages.
func (c *Context) RegisterSubscription(topic string, domain uint32, alloc allocator.Ops, depth uint32) (*Subscriber, error) {
	ep, err := mqueue.RegisterSubscription(c.registry, topic, domain, alloc, depth)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("hazcat: subscriber registered topic=%q domain=%d", topic, domain)
	return &Subscriber{ctx: c, ep: ep}, nil
}

// Topic returns the publisher's topic name.
func (p *Publisher) Topic() string { return p.ep.Topic() }

// Topic returns the subscriber's topic name.
func (s *Subscriber) Topic() string { return s.ep.Topic() }

// Publish writes payloadOffset/payloadLen (an already-allocated region in
// alloc) into the topic's next row, overwriting the oldest row if the ring
// is full.
func (p *Publisher) Publish(alloc allocator.Ops, payloadOffset, payloadLen uint32) error {
	start := time.Now()
	err := mqueue.Publish(p.ep, alloc, payloadOffset, payloadLen)
	p.ctx.observer.ObservePublish(uint64(payloadLen), uint64(time.Since(start)), err == nil)
	return err
}

// Take returns the subscriber's next unread message. If more than depth
// messages were published since the last Take, the oldest ones are
// skipped. ErrCodeNoMessage is returned once the subscriber has caught up.
func (s *Subscriber) Take() (domain uint32, entry mqueue.Entry, err error) {
	start := time.Now()
	domain, entry, err = mqueue.Take(s.ep)
	success := err == nil
	// entry lands in this subscriber's own allocator only when Take had to
	// stage a cross-domain copy; a same-domain hit returns the publisher's
	// original entry, tagged with the publisher's allocator instead.
	crossDomain := success && entry.AllocShmemID == s.ep.Alloc().Header().ShmemID
	s.ctx.observer.ObserveTake(uint64(entry.Len), uint64(time.Since(start)), success, crossDomain)
	return domain, entry, err
}

// Unregister tears down the publisher, releasing its domain column's
// reference on the topic's allocator registry entry.
func (p *Publisher) Unregister() error {
	return mqueue.UnregisterPublisher(p.ep)
}

// Unregister tears down the subscriber, releasing its domain column's
// reference on the topic's allocator registry entry.
func (s *Subscriber) Unregister() error {
	return mqueue.UnregisterSubscription(s.ep)
}
