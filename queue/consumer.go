package queue

import "sync"

// Selector evaluates a message against a selector expression. Selector
// parsing itself is out of scope (spec §1); callers supply one, often a
// closure wrapping whatever predicate factory the broker uses.
type Selector func(msg *Message) bool

// Consumer is a minimal, channel-backed Subscription implementation
// suitable for embedding in a transport layer or for use directly in
// tests. It honors prefetch credit via a simple counter and delivers
// accepted references on Deliveries().
type Consumer struct {
	info     ConsumerInfo
	selector Selector

	mu       sync.Mutex
	inFlight int
	deliver  chan Delivery
	closed   bool
}

// Delivery pairs a reference with its message for hand-off to a consumer.
type Delivery struct {
	Ref *MessageReference
	Msg *Message
}

// NewConsumer builds a Consumer. A nil selector matches everything.
func NewConsumer(info ConsumerInfo, selector Selector) *Consumer {
	if info.Prefetch <= 0 {
		info.Prefetch = 1
	}
	if selector == nil {
		selector = func(*Message) bool { return true }
	}
	return &Consumer{
		info:     info,
		selector: selector,
		deliver:  make(chan Delivery, info.Prefetch),
	}
}

func (c *Consumer) ConsumerInfo() ConsumerInfo { return c.info }

func (c *Consumer) LockOwner() LockOwner { return consumerLockOwner{c} }

func (c *Consumer) Matches(ref *MessageReference, msg *Message) bool {
	return c.selector(msg)
}

func (c *Consumer) Add(ref *MessageReference, msg *Message) bool {
	c.mu.Lock()
	if c.closed || c.inFlight >= c.info.Prefetch {
		c.mu.Unlock()
		return false
	}
	c.inFlight++
	c.mu.Unlock()

	select {
	case c.deliver <- Delivery{Ref: ref, Msg: msg}:
		return true
	default:
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
		return false
	}
}

// Deliveries exposes accepted references for a consuming goroutine to
// read and eventually acknowledge.
func (c *Consumer) Deliveries() <-chan Delivery { return c.deliver }

// Release frees one unit of prefetch credit, called after the consumer
// acknowledges or the reference is reclaimed on removal.
func (c *Consumer) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

func (c *Consumer) AddedTo(q *Queue) error { return nil }

func (c *Consumer) RemovedFrom(q *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	close(c.deliver)
	return nil
}

type consumerLockOwner struct{ c *Consumer }

func (o consumerLockOwner) OwnerID() string   { return o.c.info.ConsumerID }
func (o consumerLockOwner) LockPriority() int { return o.c.info.Priority }
func (o consumerLockOwner) IsExclusive() bool { return o.c.info.Exclusive }
