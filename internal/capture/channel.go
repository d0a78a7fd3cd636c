package capture

import "sync/atomic"

// Channel is a bounded queue of mono samples between a capture context and
// the mixing loop. Sends never block: when the queue is full the newest
// sample is dropped and counted.
type Channel struct {
	name    string
	samples chan float32
	dropped atomic.Uint64
}

// NewChannel creates a channel holding at most capacity samples.
func NewChannel(name string, capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{name: name, samples: make(chan float32, capacity)}
}

func (c *Channel) Name() string { return c.name }

// TrySend enqueues s without blocking. It reports false if s was dropped.
func (c *Channel) TrySend(s float32) bool {
	select {
	case c.samples <- s:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// TryRecv dequeues one sample without blocking.
func (c *Channel) TryRecv() (float32, bool) {
	select {
	case s := <-c.samples:
		return s, true
	default:
		return 0, false
	}
}

// Len is the number of queued samples.
func (c *Channel) Len() int { return len(c.samples) }

func (c *Channel) Cap() int { return cap(c.samples) }

// Dropped is the number of samples discarded because the queue was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }
