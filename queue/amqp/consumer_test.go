package amqp

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"

	"github.com/moratsam/imgqueue/queue"
)

var _ = gc.Suite(new(ConsumerTestSuite))

type ConsumerTestSuite struct{}

func (s *ConsumerTestSuite) TestFailedStartClosesChannelAndRetries(c *gc.C) {
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Body: []byte(`{"job_id":"abc","source_ref":"src","operation":{"name":"grayscale"}}`)}

	var opened []*fakeChannel
	q := &AMQPQueue{cfg: Config{QueueName: "jobs", Prefetch: 1}}
	q.openConsumer = func() (consumerChannel, error) {
		ch := &fakeChannel{deliveries: deliveries}
		if len(opened) == 0 {
			ch.qosErr = xerrors.New("channel/connection is not open")
		}
		opened = append(opened, ch)
		return ch, nil
	}

	_, err := q.Dequeue(context.TODO())
	c.Assert(err, gc.ErrorMatches, ".*set prefetch.*")
	c.Assert(opened, gc.HasLen, 1)
	c.Assert(opened[0].closed, gc.Equals, true)

	d, err := q.Dequeue(context.TODO())
	c.Assert(err, gc.IsNil)
	c.Assert(d.Descriptor().JobID, gc.Equals, "abc")
	c.Assert(opened, gc.HasLen, 2)
	c.Assert(opened[1].closed, gc.Equals, false)
	c.Assert(opened[1].prefetch, gc.Equals, 1)
}

func (s *ConsumerTestSuite) TestFailedConsumeClosesChannel(c *gc.C) {
	ch := &fakeChannel{consumeErr: amqp.ErrClosed}
	q := &AMQPQueue{cfg: Config{QueueName: "jobs", Prefetch: 1}}
	q.openConsumer = func() (consumerChannel, error) { return ch, nil }

	_, err := q.Dequeue(context.TODO())
	c.Assert(xerrors.Is(err, queue.ErrClosed), gc.Equals, true, gc.Commentf("got %v", err))
	c.Assert(ch.closed, gc.Equals, true)
	c.Assert(q.deliveries, gc.IsNil)
}

func (s *ConsumerTestSuite) TestClosedDeliveriesReportQueueClosed(c *gc.C) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	q := &AMQPQueue{cfg: Config{QueueName: "jobs", Prefetch: 1}}
	q.openConsumer = func() (consumerChannel, error) { return &fakeChannel{deliveries: deliveries}, nil }

	_, err := q.Dequeue(context.TODO())
	c.Assert(xerrors.Is(err, queue.ErrClosed), gc.Equals, true, gc.Commentf("got %v", err))
}

type fakeChannel struct {
	deliveries chan amqp.Delivery
	qosErr     error
	consumeErr error
	prefetch   int
	closed     bool
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.prefetch = prefetchCount
	return ch.qosErr
}

func (ch *fakeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	return ch.deliveries, nil
}

func (ch *fakeChannel) Close() error {
	ch.closed = true
	return nil
}
