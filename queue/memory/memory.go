package memory

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/queue"
)

// DefaultVisibilityTimeout is used when no visibility timeout is specified.
const DefaultVisibilityTimeout = 5 * time.Minute

// Compile-time check for ensuring InMemoryQueue implements Queue.
var _ queue.Queue = (*InMemoryQueue)(nil)

type message struct {
	desc       queue.Descriptor
	deliveries int
}

type lease struct {
	msg   *message
	timer clock.Timer
}

// InMemoryQueue is an at-least-once queue living in process memory. A
// dequeued descriptor becomes visible again if it is not settled within the
// visibility timeout.
type InMemoryQueue struct {
	clk        clock.Clock
	visibility time.Duration

	mu       sync.Mutex
	ready    []*message
	inflight map[uint64]*lease
	nextTag  uint64
	closed   bool

	// Closed and replaced whenever a message becomes ready.
	wakeCh chan struct{}
}

// NewInMemoryQueue returns a new in-memory queue. If clk is nil the wall
// clock is used; a non-positive visibility timeout is replaced by
// DefaultVisibilityTimeout.
func NewInMemoryQueue(clk clock.Clock, visibility time.Duration) *InMemoryQueue {
	if clk == nil {
		clk = clock.WallClock
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &InMemoryQueue{
		clk:        clk,
		visibility: visibility,
		inflight:   make(map[uint64]*lease),
		wakeCh:     make(chan struct{}),
	}
}

// Enqueue appends a copy of d to the queue.
func (q *InMemoryQueue) Enqueue(_ context.Context, d *queue.Descriptor) error {
	msg := &message{desc: *d}
	msg.desc.Operation = d.Operation.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.Errorf("enqueue: %w", queue.ErrClosed)
	}
	q.ready = append(q.ready, msg)
	q.wakeLocked()
	return nil
}

// Dequeue blocks until a descriptor is ready, the queue is closed or ctx
// expires.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, xerrors.Errorf("dequeue: %w", queue.ErrClosed)
		}
		if len(q.ready) > 0 {
			d := q.leaseLocked()
			q.mu.Unlock()
			return d, nil
		}
		wakeCh := q.wakeCh
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wakeCh:
		}
	}
}

// Pending returns the number of descriptors waiting to be dequeued.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight returns the number of dequeued but unsettled descriptors.
func (q *InMemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Ping returns ErrClosed once the queue has been closed.
func (q *InMemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.Errorf("ping: %w", queue.ErrClosed)
	}
	return nil
}

// Close the queue. Blocked Dequeue calls return ErrClosed.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for tag, l := range q.inflight {
		l.timer.Stop()
		delete(q.inflight, tag)
	}
	close(q.wakeCh)
	return nil
}

func (q *InMemoryQueue) leaseLocked() *delivery {
	msg := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	msg.deliveries++

	q.nextTag++
	tag := q.nextTag
	// expire takes q.mu so it must not run on the clock's goroutine.
	q.inflight[tag] = &lease{
		msg:   msg,
		timer: q.clk.AfterFunc(q.visibility, func() { go q.expire(tag) }),
	}

	desc := msg.desc
	desc.Operation = msg.desc.Operation.Clone()
	return &delivery{
		q:           q,
		tag:         tag,
		desc:        &desc,
		redelivered: msg.deliveries > 1,
	}
}

// expire makes the message held under tag visible again.
func (q *InMemoryQueue) expire(tag uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.inflight[tag]
	if !ok || q.closed {
		return
	}
	delete(q.inflight, tag)
	q.ready = append([]*message{l.msg}, q.ready...)
	q.wakeLocked()
}

func (q *InMemoryQueue) settle(tag uint64, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.inflight[tag]
	if !ok {
		return queue.ErrLeaseExpired
	}
	l.timer.Stop()
	delete(q.inflight, tag)
	if requeue && !q.closed {
		q.ready = append(q.ready, l.msg)
		q.wakeLocked()
	}
	return nil
}

func (q *InMemoryQueue) wakeLocked() {
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
}

type delivery struct {
	q           *InMemoryQueue
	tag         uint64
	desc        *queue.Descriptor
	redelivered bool
}

func (d *delivery) Descriptor() *queue.Descriptor { return d.desc }
func (d *delivery) Redelivered() bool             { return d.redelivered }

func (d *delivery) Ack() error {
	if err := d.q.settle(d.tag, false); err != nil {
		return xerrors.Errorf("ack: %w", err)
	}
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if err := d.q.settle(d.tag, requeue); err != nil {
		return xerrors.Errorf("nack: %w", err)
	}
	return nil
}
