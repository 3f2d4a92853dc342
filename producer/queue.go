package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Policy is what a Queue does with a reading that arrives when it is full.
type Policy uint8

const (
	// DropOldest evicts the oldest queued reading to make room. Every
	// eviction is counted.
	DropOldest Policy = iota
	// Block makes the generator wait for room.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses the names returned by String. The empty string is
// DropOldest.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("unknown queue policy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) (err error) {
	*p, err = ParsePolicy(string(text))
	return
}

// Queue is the bounded FIFO between the reading generator and the
// batcher of an Agent. It never holds more than its capacity.
//
// Ready receives a signal when readings are available; the batcher
// selects on it alongside its timers and context.
type Queue struct {
	mu       sync.Mutex
	items    []Reading
	capacity int
	policy   Policy
	dropped  atomic.Uint64
	notify   chan struct{}
	space    chan struct{}
}

// NewQueue returns an empty queue. The capacity must be positive.
func NewQueue(capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}
	return &Queue{
		items:    make([]Reading, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Push appends r. When the queue is full, DropOldest evicts the oldest
// reading and reports it in dropped, and Block waits for room until ctx
// is done.
func (q *Queue) Push(ctx context.Context, r Reading) (dropped int, err error) {

	for {
		q.mu.Lock()

		if len(q.items) < q.capacity {
			q.items = append(q.items, r)
			q.mu.Unlock()
			signal(q.notify)
			return
		}

		if q.policy == DropOldest {
			copy(q.items, q.items[1:])
			q.items[len(q.items)-1] = r
			q.mu.Unlock()
			q.dropped.Add(1)
			signal(q.notify)
			return 1, nil
		}

		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// PopN removes and returns up to n readings, oldest first.
func (q *Queue) PopN(n int) []Reading {

	q.mu.Lock()
	defer q.mu.Unlock()

	n = min(n, len(q.items))
	if n <= 0 {
		return nil
	}

	out := make([]Reading, n)
	copy(out, q.items)

	// Shift in place so that the backing array stays at capacity.
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]

	signal(q.space)
	if rest > 0 {
		signal(q.notify)
	}

	return out
}

// Len returns the number of queued readings.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return q.capacity
}

// Policy returns the policy applied when the queue is full.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Dropped returns the number of readings evicted since creation.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Ready returns the channel signalled when readings are available.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}
